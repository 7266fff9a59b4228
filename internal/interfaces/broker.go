package interfaces

import (
	"context"
	"time"

	"broker-auth-service/internal/types"
)

// Adapter is the capability surface over one upstream brokerage. One
// implementation exists per supported broker.
type Adapter interface {
	// Name returns the broker identifier (e.g. "zerodha").
	Name() string

	// BuildAuthorizeURL returns the broker login URL with the
	// correlation value embedded. Pure, no network call.
	BuildAuthorizeURL(apiKey, redirectURI, state string) string

	// ExchangeCode trades an authorization code for session tokens.
	// A rejected/expired code maps to ErrExchangeRejected; an
	// unreachable upstream maps to ErrUpstreamUnavailable.
	ExchangeCode(ctx context.Context, code, apiKey, apiSecret string) (types.TokenGrant, error)

	// RefreshToken mints a new access token from a refresh token.
	// Brokers without refresh support return ErrRefreshUnsupported.
	RefreshToken(ctx context.Context, refreshToken, apiKey, apiSecret string) (types.TokenGrant, error)

	// RevokeSession invalidates the upstream session. Best-effort:
	// callers must not block local cleanup on its failure.
	RevokeSession(ctx context.Context, accessToken, apiKey string) error
}

// ConfigStore persists broker credential configs.
type ConfigStore interface {
	SaveConfig(ctx context.Context, cfg *types.BrokerConfig) error
	GetConfig(ctx context.Context, id string) (*types.BrokerConfig, error)
	FindConfig(ctx context.Context, userID, brokerName string) (*types.BrokerConfig, error)
}

// TokenStore persists encrypted token records keyed by config ID.
// Save is an upsert.
type TokenStore interface {
	SaveToken(ctx context.Context, rec *types.TokenRecord) error
	LoadToken(ctx context.Context, configID string) (*types.TokenRecord, error)
	DeleteToken(ctx context.Context, configID string) error
}

// TokenManager orchestrates the OAuth token lifecycle for all configs.
type TokenManager interface {
	// SetupConfig creates or rotates the credentials for
	// (userID, brokerName) and returns the config.
	SetupConfig(ctx context.Context, userID, brokerName, apiKey, apiSecret string) (*types.BrokerConfig, error)

	// StartAuthorization mints a correlation token and returns the
	// broker authorize URL carrying it.
	StartAuthorization(ctx context.Context, configID string) (string, error)

	// CompleteAuthorization consumes the correlation token exactly
	// once, exchanges the code, and persists the session.
	CompleteAuthorization(ctx context.Context, correlation, code string) (*types.TokenRecord, error)

	// EnsureFreshToken returns a usable decrypted access token,
	// refreshing it first if it is within the skew of expiry.
	// Concurrent callers for one config share a single refresh.
	EnsureFreshToken(ctx context.Context, configID string) (string, error)

	// UpdateToken accepts an externally obtained access token
	// (e.g. from login automation) and persists it.
	UpdateToken(ctx context.Context, configID, accessToken string, expiresAt time.Time, source string) (*types.TokenRecord, error)

	// Disconnect revokes upstream best-effort and always deletes the
	// local token record.
	Disconnect(ctx context.Context, configID string) error

	// Status derives the current connection snapshot from stored truth.
	Status(ctx context.Context, configID string) (*types.ConnectionStatus, error)

	// StatusByUser resolves (userID, brokerName) to its config and
	// derives the same snapshot. Unknown pairs are Unconfigured.
	StatusByUser(ctx context.Context, userID, brokerName string) (*types.ConnectionStatus, error)
}

// HealthProber checks whether the upstream broker endpoint is
// reachable right now.
type HealthProber interface {
	Probe(ctx context.Context) types.ProbeResult
}
