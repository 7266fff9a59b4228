// Package zerodha implements the broker adapter for Zerodha Kite
// Connect. Kite's flow differs from textbook OAuth in two ways this
// package absorbs: the authorization code is called request_token, and
// sessions carry no expires_in because every access token dies at the
// exchange's 06:00 IST flush the next morning.
package zerodha

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"broker-auth-service/internal/interfaces"
	"broker-auth-service/internal/types"
)

const (
	// BrokerName identifies this adapter in configs and the factory.
	BrokerName = "zerodha"

	loginBase = "https://kite.trade/connect/login"
)

// ist is fixed UTC+5:30; Kite's daily token flush is anchored to it.
var ist = time.FixedZone("IST", int(5*time.Hour/time.Second)+int(30*time.Minute/time.Second))

// Kite is the Zerodha Kite Connect adapter.
type Kite struct {
	// newClient is swappable in tests.
	newClient func(apiKey string) kiteClient
	now       func() time.Time
}

// kiteClient is the slice of gokiteconnect the adapter needs.
type kiteClient interface {
	GenerateSession(requestToken, apiSecret string) (kiteconnect.UserSession, error)
	RenewAccessToken(refreshToken, apiSecret string) (kiteconnect.UserSessionTokens, error)
	SetAccessToken(accessToken string)
	InvalidateAccessToken() (bool, error)
}

var _ interfaces.Adapter = (*Kite)(nil)

// New returns a Kite adapter backed by the real Kite Connect client.
func New() *Kite {
	return &Kite{
		newClient: func(apiKey string) kiteClient { return kiteconnect.New(apiKey) },
		now:       time.Now,
	}
}

func (k *Kite) Name() string { return BrokerName }

// BuildAuthorizeURL is pure. Kite ignores a runtime redirect URI (the
// redirect is registered per app on the developer console), so the
// correlation value rides in redirect_params, which Kite appends
// verbatim to the registered redirect on completion.
func (k *Kite) BuildAuthorizeURL(apiKey, redirectURI, state string) string {
	q := url.Values{}
	q.Set("api_key", apiKey)
	q.Set("v", "3")
	q.Set("redirect_params", "state="+url.QueryEscape(state))
	return loginBase + "?" + q.Encode()
}

// ExchangeCode trades a request_token for a session. One network round
// trip via GenerateSession.
func (k *Kite) ExchangeCode(ctx context.Context, code, apiKey, apiSecret string) (types.TokenGrant, error) {
	if code == "" {
		return types.TokenGrant{}, fmt.Errorf("exchange: empty request token: %w", types.ErrExchangeRejected)
	}

	kc := k.newClient(apiKey)
	session, err := kc.GenerateSession(code, apiSecret)
	if err != nil {
		return types.TokenGrant{}, classify("exchange", err)
	}
	if session.AccessToken == "" {
		return types.TokenGrant{}, fmt.Errorf("exchange: session missing access token: %w", types.ErrExchangeRejected)
	}

	return types.TokenGrant{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		TokenType:    "token",
		ExpiresAt:    nextTokenFlush(k.now()),
		Scope:        []string{"trading"},
	}, nil
}

// RefreshToken renews the access token. Only API-subscription accounts
// get a refresh token from Kite; everyone else must re-authorize.
func (k *Kite) RefreshToken(ctx context.Context, refreshToken, apiKey, apiSecret string) (types.TokenGrant, error) {
	if refreshToken == "" {
		return types.TokenGrant{}, fmt.Errorf("refresh: %w", types.ErrRefreshUnsupported)
	}

	kc := k.newClient(apiKey)
	tokens, err := kc.RenewAccessToken(refreshToken, apiSecret)
	if err != nil {
		return types.TokenGrant{}, classify("refresh", err)
	}

	grant := types.TokenGrant{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    "token",
		ExpiresAt:    nextTokenFlush(k.now()),
	}
	if grant.RefreshToken == "" {
		// Kite keeps the old refresh token valid when it does not
		// rotate it.
		grant.RefreshToken = refreshToken
	}
	return grant, nil
}

// RevokeSession invalidates the access token upstream. Best-effort by
// contract: the caller proceeds with local cleanup regardless.
func (k *Kite) RevokeSession(ctx context.Context, accessToken, apiKey string) error {
	kc := k.newClient(apiKey)
	kc.SetAccessToken(accessToken)
	if _, err := kc.InvalidateAccessToken(); err != nil {
		return classify("revoke", err)
	}
	return nil
}

// nextTokenFlush returns the moment the current access token dies:
// the next 06:00 IST after now.
func nextTokenFlush(now time.Time) time.Time {
	n := now.In(ist)
	flush := time.Date(n.Year(), n.Month(), n.Day(), 6, 0, 0, 0, ist)
	if !n.Before(flush) {
		flush = flush.AddDate(0, 0, 1)
	}
	return flush
}

// classify converts a gokiteconnect or transport error into the domain
// taxonomy. The upstream message is kept only in the wrapped chain for
// logs; clients see the sentinel's message.
func classify(op string, err error) error {
	var ke kiteconnect.Error
	if errors.As(err, &ke) {
		switch ke.ErrorType {
		case kiteconnect.TokenError:
			return fmt.Errorf("%s: kite %s: %w", op, ke.ErrorType, sentinelForToken(op))
		case kiteconnect.InputError:
			return fmt.Errorf("%s: kite %s: %w", op, ke.ErrorType, types.ErrInvalidCredentialsFormat)
		case kiteconnect.PermissionError, kiteconnect.UserError:
			return fmt.Errorf("%s: kite %s: %w", op, ke.ErrorType, types.ErrExchangeRejected)
		case kiteconnect.NetworkError:
			return fmt.Errorf("%s: kite %s: %w", op, ke.ErrorType, types.ErrUpstreamUnavailable)
		default:
			if ke.Code == 429 {
				return fmt.Errorf("%s: kite rate limit: %w", op, types.ErrRateLimited)
			}
			if ke.Code >= 500 {
				return fmt.Errorf("%s: kite %d: %w", op, ke.Code, types.ErrUpstreamUnavailable)
			}
			return fmt.Errorf("%s: kite %s: %w", op, ke.ErrorType, types.ErrExchangeRejected)
		}
	}

	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%s: network: %w", op, types.ErrUpstreamUnavailable)
	}
	return fmt.Errorf("%s: %v: %w", op, err, types.ErrUpstreamUnavailable)
}

// sentinelForToken maps a TokenException to the sentinel matching the
// operation: a rejected exchange code and a dead refresh token are
// different user-facing failures.
func sentinelForToken(op string) error {
	if op == "refresh" {
		return types.ErrReauthorizationRequired
	}
	return types.ErrExchangeRejected
}
