// Package auth owns the broker token lifecycle: authorization-code
// exchange, just-in-time refresh with single-flight de-duplication,
// revocation, and the derived connection state.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"broker-auth-service/internal/interfaces"
	"broker-auth-service/internal/logger"
	"broker-auth-service/internal/types"
	"broker-auth-service/internal/vault"
)

// minTokenLen rejects implausibly short access/request tokens before
// they reach the upstream. Kite tokens are 32 characters.
const minTokenLen = 16

// Options wires a Manager. Zero durations get safe defaults.
type Options struct {
	Configs  interfaces.ConfigStore
	Tokens   interfaces.TokenStore
	Vault    *vault.Vault
	Adapters func(brokerName string) (interfaces.Adapter, error)
	Prober   interfaces.HealthProber

	RedirectURI     string
	CorrelationTTL  time.Duration
	RefreshSkew     time.Duration
	ExpiringWindow  time.Duration
	FlightTimeout   time.Duration
	BackoffBase     time.Duration
	BackoffFactor   int
	BackoffAttempts int

	// Now is swappable in tests.
	Now func() time.Time
}

// Manager is the single source of truth for "can we call the broker
// right now, and with what credential".
type Manager struct {
	configs  interfaces.ConfigStore
	tokens   interfaces.TokenStore
	vault    *vault.Vault
	adapters func(string) (interfaces.Adapter, error)
	prober   interfaces.HealthProber
	corr     *CorrelationRegistry

	redirectURI     string
	refreshSkew     time.Duration
	flightTimeout   time.Duration
	backoffBase     time.Duration
	backoffFactor   int
	backoffAttempts int
	stateParams     stateParams

	flight singleflight.Group

	mu       sync.Mutex
	overlays map[string]overlay

	now func() time.Time
}

var _ interfaces.TokenManager = (*Manager)(nil)

// NewManager builds a Manager from options.
func NewManager(o Options) *Manager {
	if o.CorrelationTTL == 0 {
		o.CorrelationTTL = 10 * time.Minute
	}
	if o.RefreshSkew == 0 {
		o.RefreshSkew = time.Minute
	}
	if o.ExpiringWindow == 0 {
		o.ExpiringWindow = 15 * time.Minute
	}
	if o.FlightTimeout == 0 {
		o.FlightTimeout = 30 * time.Second
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffFactor == 0 {
		o.BackoffFactor = 4
	}
	if o.BackoffAttempts == 0 {
		o.BackoffAttempts = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	return &Manager{
		configs:         o.Configs,
		tokens:          o.Tokens,
		vault:           o.Vault,
		adapters:        o.Adapters,
		prober:          o.Prober,
		corr:            NewCorrelationRegistry(o.CorrelationTTL),
		redirectURI:     o.RedirectURI,
		refreshSkew:     o.RefreshSkew,
		flightTimeout:   o.FlightTimeout,
		backoffBase:     o.BackoffBase,
		backoffFactor:   o.BackoffFactor,
		backoffAttempts: o.BackoffAttempts,
		stateParams:     stateParams{skew: o.RefreshSkew, expiringWindow: o.ExpiringWindow},
		overlays:        make(map[string]overlay),
		now:             o.Now,
	}
}

// SetupConfig creates the config for (userID, brokerName), or rotates
// credentials on an existing one. Rotation invalidates any outstanding
// token record: old tokens were minted against the old secret, so a
// silent stale-Connected state is never allowed.
func (m *Manager) SetupConfig(ctx context.Context, userID, brokerName, apiKey, apiSecret string) (*types.BrokerConfig, error) {
	userID = strings.TrimSpace(userID)
	apiKey = strings.TrimSpace(apiKey)
	apiSecret = strings.TrimSpace(apiSecret)
	if userID == "" {
		return nil, fmt.Errorf("setup: empty user id: %w", types.ErrInvalidCredentialsFormat)
	}
	if len(apiKey) < 6 || len(apiSecret) < 6 {
		return nil, fmt.Errorf("setup: %w", types.ErrInvalidCredentialsFormat)
	}
	if _, err := m.adapters(brokerName); err != nil {
		return nil, fmt.Errorf("setup: %w: %v", types.ErrInvalidCredentialsFormat, err)
	}

	keyEnc, err := m.vault.Encrypt(apiKey)
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	secretEnc, err := m.vault.Encrypt(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}

	now := m.now()
	cfg, err := m.configs.FindConfig(ctx, userID, brokerName)
	switch {
	case err == nil:
		// Credential rotation on an existing config.
		cfg.APIKeyEnc = keyEnc
		cfg.APISecretEnc = secretEnc
		cfg.DisconnectedAt = nil
		cfg.UpdatedAt = now
		if err := m.tokens.DeleteToken(ctx, cfg.ID); err != nil {
			return nil, fmt.Errorf("setup: invalidate tokens: %w", err)
		}
		m.clearOverlay(cfg.ID)
		logger.Info(ctx, "Broker credentials rotated",
			"config_id", cfg.ID, "broker", brokerName,
			"api_key", logger.Redacted(apiKey))
	case errors.Is(err, types.ErrConfigNotFound):
		cfg = &types.BrokerConfig{
			ID:           uuid.NewString(),
			UserID:       userID,
			BrokerName:   brokerName,
			APIKeyEnc:    keyEnc,
			APISecretEnc: secretEnc,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		logger.Info(ctx, "Broker config created",
			"config_id", cfg.ID, "broker", brokerName, "user_id", userID)
	default:
		return nil, fmt.Errorf("setup: %w", err)
	}

	if err := m.configs.SaveConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	return cfg, nil
}

// StartAuthorization mints a correlation token for the config and
// returns the broker authorize URL with it embedded as state.
func (m *Manager) StartAuthorization(ctx context.Context, configID string) (string, error) {
	cfg, err := m.configs.GetConfig(ctx, configID)
	if err != nil {
		return "", err
	}
	if cfg.APIKeyEnc == "" || cfg.APISecretEnc == "" {
		return "", fmt.Errorf("start authorization: %w", types.ErrInvalidCredentialsFormat)
	}

	apiKey, err := m.vault.Decrypt(cfg.APIKeyEnc)
	if err != nil {
		return "", fmt.Errorf("start authorization: %w", err)
	}
	adapter, err := m.adapters(cfg.BrokerName)
	if err != nil {
		return "", fmt.Errorf("start authorization: %w: %v", types.ErrConfigNotFound, err)
	}

	// Re-authorization on a disconnected config revives it.
	if cfg.DisconnectedAt != nil {
		cfg.DisconnectedAt = nil
		cfg.UpdatedAt = m.now()
		if err := m.configs.SaveConfig(ctx, cfg); err != nil {
			return "", fmt.Errorf("start authorization: %w", err)
		}
	}

	state := m.corr.Mint(configID)
	authorizeURL := adapter.BuildAuthorizeURL(apiKey, m.redirectURI, state)
	logger.Info(ctx, "Authorization started", "config_id", configID, "broker", cfg.BrokerName)
	return authorizeURL, nil
}

// CompleteAuthorization consumes the correlation token exactly once,
// exchanges the code upstream, and persists the encrypted session.
func (m *Manager) CompleteAuthorization(ctx context.Context, correlation, code string) (*types.TokenRecord, error) {
	configID, err := m.corr.Consume(correlation)
	if err != nil {
		// Security-relevant: replay or CSRF. The code value itself is
		// never logged.
		logger.Security(ctx, "correlation_rejected", "reason", err.Error())
		return nil, err
	}
	if len(code) < minTokenLen {
		m.setOverlay(configID, overlayError, types.ErrExchangeRejected.Info())
		return nil, fmt.Errorf("complete authorization: code too short: %w", types.ErrExchangeRejected)
	}

	cfg, err := m.configs.GetConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	apiKey, apiSecret, err := m.decryptCredentials(cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := m.adapters(cfg.BrokerName)
	if err != nil {
		return nil, fmt.Errorf("complete authorization: %w: %v", types.ErrConfigNotFound, err)
	}

	m.setOverlay(configID, overlayExchanging, nil)

	grant, err := adapter.ExchangeCode(ctx, code, apiKey, apiSecret)
	if err != nil {
		de := types.Classify(err)
		m.setOverlay(configID, overlayError, de.Info())
		logger.ErrorWithErr(ctx, "Code exchange failed", err,
			"config_id", configID, "broker", cfg.BrokerName, "retryable", de.Retryable)
		return nil, err
	}

	rec, err := m.persistGrant(ctx, configID, grant)
	if err != nil {
		m.setOverlay(configID, overlayError, types.Classify(err).Info())
		return nil, err
	}

	m.clearOverlay(configID)
	if cfg.DisconnectedAt != nil {
		cfg.DisconnectedAt = nil
		cfg.UpdatedAt = m.now()
		if err := m.configs.SaveConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("complete authorization: %w", err)
		}
	}

	logger.Info(ctx, "Authorization completed",
		"config_id", configID, "broker", cfg.BrokerName,
		"expires_at", rec.ExpiresAt,
		"access_token", logger.Redacted(grant.AccessToken))
	return rec, nil
}

// EnsureFreshToken is the call every broker API consumer makes first.
// Fresh tokens are returned from the store; stale ones trigger one
// shared refresh per config, regardless of how many callers arrive
// concurrently. Waiting is bounded by the flight timeout.
func (m *Manager) EnsureFreshToken(ctx context.Context, configID string) (string, error) {
	rec, err := m.tokens.LoadToken(ctx, configID)
	if err != nil {
		return "", err
	}
	now := m.now()
	if rec != nil && !rec.Expired(now, m.refreshSkew) {
		return m.vault.Decrypt(rec.AccessTokenEnc)
	}

	ch := m.flight.DoChan(configID, func() (interface{}, error) {
		// Detached from the caller's context: one caller timing out
		// must not cancel the refresh every other caller shares.
		fctx, cancel := context.WithTimeout(context.Background(), m.flightTimeout)
		defer cancel()
		return m.refresh(fctx, configID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-time.After(m.flightTimeout):
		return "", fmt.Errorf("ensure fresh token: refresh wait timed out: %w", types.ErrUpstreamUnavailable)
	case <-ctx.Done():
		return "", fmt.Errorf("ensure fresh token: %v: %w", ctx.Err(), types.ErrUpstreamUnavailable)
	}
}

// refresh runs inside the single-flight group.
func (m *Manager) refresh(ctx context.Context, configID string) (string, error) {
	// Another flight may have refreshed while we queued.
	rec, err := m.tokens.LoadToken(ctx, configID)
	if err != nil {
		return "", err
	}
	now := m.now()
	if rec != nil && !rec.Expired(now, m.refreshSkew) {
		return m.vault.Decrypt(rec.AccessTokenEnc)
	}
	if rec == nil {
		return "", fmt.Errorf("refresh: no session: %w", types.ErrReauthorizationRequired)
	}
	if !rec.HasRefreshToken() {
		return "", m.expireSession(ctx, configID, fmt.Errorf("refresh: %w", types.ErrReauthorizationRequired))
	}

	cfg, err := m.configs.GetConfig(ctx, configID)
	if err != nil {
		return "", err
	}
	apiKey, apiSecret, err := m.decryptCredentials(cfg)
	if err != nil {
		return "", err
	}
	refreshToken, err := m.vault.Decrypt(rec.RefreshTokenEnc)
	if err != nil {
		return "", err
	}
	adapter, err := m.adapters(cfg.BrokerName)
	if err != nil {
		return "", fmt.Errorf("refresh: %w: %v", types.ErrConfigNotFound, err)
	}

	grant, err := m.refreshWithRetry(ctx, adapter, refreshToken, apiKey, apiSecret)
	if err != nil {
		if errors.Is(err, types.ErrReauthorizationRequired) || errors.Is(err, types.ErrRefreshUnsupported) {
			return "", m.expireSession(ctx, configID, err)
		}
		de := types.Classify(err)
		m.setOverlay(configID, overlayError, de.Info())
		return "", err
	}

	if _, err := m.persistGrant(ctx, configID, grant); err != nil {
		return "", err
	}
	m.clearOverlay(configID)
	logger.Info(ctx, "Access token refreshed",
		"config_id", configID, "expires_at", grant.ExpiresAt,
		"access_token", logger.Redacted(grant.AccessToken))
	return grant.AccessToken, nil
}

// refreshWithRetry retries transient upstream failures with
// exponential backoff. Authorization rejections are never retried.
func (m *Manager) refreshWithRetry(ctx context.Context, adapter interfaces.Adapter, refreshToken, apiKey, apiSecret string) (types.TokenGrant, error) {
	var lastErr error
	delay := m.backoffBase

	for attempt := 1; attempt <= m.backoffAttempts; attempt++ {
		grant, err := adapter.RefreshToken(ctx, refreshToken, apiKey, apiSecret)
		if err == nil {
			return grant, nil
		}
		lastErr = err

		de := types.Classify(err)
		if !de.Retryable {
			return types.TokenGrant{}, err
		}
		if attempt == m.backoffAttempts {
			break
		}

		logger.Warn(ctx, "Refresh attempt failed, backing off",
			"attempt", attempt, "delay", delay.String(), "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return types.TokenGrant{}, fmt.Errorf("refresh: %v: %w", ctx.Err(), types.ErrUpstreamUnavailable)
		}
		delay *= time.Duration(m.backoffFactor)
	}
	return types.TokenGrant{}, lastErr
}

// expireSession destroys the token record after an irrecoverable
// refresh failure and marks the config expired.
func (m *Manager) expireSession(ctx context.Context, configID string, cause error) error {
	if err := m.tokens.DeleteToken(ctx, configID); err != nil {
		logger.ErrorWithErr(ctx, "Failed to delete expired token record", err, "config_id", configID)
	}
	m.setOverlay(configID, overlayExpired, types.ErrReauthorizationRequired.Info())
	logger.Warn(ctx, "Session expired, re-authorization required", "config_id", configID)
	if errors.Is(cause, types.ErrReauthorizationRequired) {
		return cause
	}
	return fmt.Errorf("%v: %w", cause, types.ErrReauthorizationRequired)
}

// UpdateToken accepts an access token obtained outside the normal
// browser flow (login automation posts tokens it minted itself) and
// persists it as the current session.
func (m *Manager) UpdateToken(ctx context.Context, configID, accessToken string, expiresAt time.Time, source string) (*types.TokenRecord, error) {
	if len(strings.TrimSpace(accessToken)) < minTokenLen {
		return nil, fmt.Errorf("update token: token too short: %w", types.ErrInvalidCredentialsFormat)
	}
	now := m.now()
	if expiresAt.IsZero() || !expiresAt.After(now) {
		return nil, fmt.Errorf("update token: expiry absent or in the past: %w", types.ErrInvalidCredentialsFormat)
	}
	cfg, err := m.configs.GetConfig(ctx, configID)
	if err != nil {
		return nil, err
	}

	rec, err := m.persistGrant(ctx, configID, types.TokenGrant{
		AccessToken: accessToken,
		TokenType:   "token",
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return nil, err
	}

	m.clearOverlay(configID)
	if cfg.DisconnectedAt != nil {
		cfg.DisconnectedAt = nil
		cfg.UpdatedAt = now
		if err := m.configs.SaveConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("update token: %w", err)
		}
	}

	logger.Info(ctx, "Access token updated externally",
		"config_id", configID, "source", source,
		"expires_at", expiresAt, "access_token", logger.Redacted(accessToken))
	return rec, nil
}

// Disconnect revokes the upstream session best-effort and then always
// removes the local token record. A flaky upstream must never block a
// user from disconnecting.
func (m *Manager) Disconnect(ctx context.Context, configID string) error {
	cfg, err := m.configs.GetConfig(ctx, configID)
	if err != nil {
		return err
	}

	rec, err := m.tokens.LoadToken(ctx, configID)
	if err == nil && rec != nil {
		m.revokeUpstream(ctx, cfg, rec)
	}

	if err := m.tokens.DeleteToken(ctx, configID); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}

	now := m.now()
	cfg.DisconnectedAt = &now
	cfg.UpdatedAt = now
	if err := m.configs.SaveConfig(ctx, cfg); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}

	m.clearOverlay(configID)
	logger.Info(ctx, "Broker disconnected", "config_id", configID, "broker", cfg.BrokerName)
	return nil
}

func (m *Manager) revokeUpstream(ctx context.Context, cfg *types.BrokerConfig, rec *types.TokenRecord) {
	accessToken, err := m.vault.Decrypt(rec.AccessTokenEnc)
	if err != nil {
		logger.ErrorWithErr(ctx, "Cannot decrypt token for revocation", err, "config_id", cfg.ID)
		return
	}
	apiKey, err := m.vault.Decrypt(cfg.APIKeyEnc)
	if err != nil {
		logger.ErrorWithErr(ctx, "Cannot decrypt api key for revocation", err, "config_id", cfg.ID)
		return
	}
	adapter, err := m.adapters(cfg.BrokerName)
	if err != nil {
		logger.Warn(ctx, "No adapter for revocation", "config_id", cfg.ID, "error", err)
		return
	}
	if err := adapter.RevokeSession(ctx, accessToken, apiKey); err != nil {
		logger.Warn(ctx, "Upstream revoke failed, continuing local cleanup",
			"config_id", cfg.ID, "error", err)
	}
}

// Status derives the connection snapshot for a config from stored
// truth plus the last health probe.
func (m *Manager) Status(ctx context.Context, configID string) (*types.ConnectionStatus, error) {
	cfg, err := m.configs.GetConfig(ctx, configID)
	if err != nil && !errors.Is(err, types.ErrConfigNotFound) {
		return nil, err
	}

	var rec *types.TokenRecord
	if cfg != nil {
		rec, err = m.tokens.LoadToken(ctx, cfg.ID)
		if err != nil {
			return nil, err
		}
	}

	var probe types.ProbeResult
	if m.prober != nil {
		probe = m.prober.Probe(ctx)
	}

	st := deriveStatus(cfg, rec, probe, m.getOverlay(configID), m.stateParams, m.now())
	return &st, nil
}

// StatusByUser resolves (userID, brokerName) to its config and derives
// its status. An unknown pair is simply Unconfigured.
func (m *Manager) StatusByUser(ctx context.Context, userID, brokerName string) (*types.ConnectionStatus, error) {
	cfg, err := m.configs.FindConfig(ctx, userID, brokerName)
	if errors.Is(err, types.ErrConfigNotFound) {
		st := deriveStatus(nil, nil, types.ProbeResult{}, overlay{}, m.stateParams, m.now())
		st.UserID = userID
		st.BrokerName = brokerName
		return &st, nil
	}
	if err != nil {
		return nil, err
	}
	return m.Status(ctx, cfg.ID)
}

func (m *Manager) persistGrant(ctx context.Context, configID string, grant types.TokenGrant) (*types.TokenRecord, error) {
	accessEnc, err := m.vault.Encrypt(grant.AccessToken)
	if err != nil {
		return nil, err
	}
	var refreshEnc string
	if grant.RefreshToken != "" {
		refreshEnc, err = m.vault.Encrypt(grant.RefreshToken)
		if err != nil {
			return nil, err
		}
	}

	expiresAt := grant.ExpiresAt
	if expiresAt.IsZero() {
		// No reliable expiry from upstream: treat as already expired
		// rather than trusting an unbounded credential.
		expiresAt = m.now()
	}

	now := m.now()
	rec := &types.TokenRecord{
		ConfigID:        configID,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		TokenType:       grant.TokenType,
		ExpiresAt:       expiresAt,
		Scope:           strings.Join(grant.Scope, " "),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.tokens.SaveToken(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) decryptCredentials(cfg *types.BrokerConfig) (apiKey, apiSecret string, err error) {
	apiKey, err = m.vault.Decrypt(cfg.APIKeyEnc)
	if err != nil {
		return "", "", err
	}
	apiSecret, err = m.vault.Decrypt(cfg.APISecretEnc)
	if err != nil {
		return "", "", err
	}
	return apiKey, apiSecret, nil
}

func (m *Manager) setOverlay(configID string, event overlayEvent, info *types.ErrorInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overlays[configID] = overlay{event: event, err: info, at: m.now()}
}

func (m *Manager) clearOverlay(configID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.overlays, configID)
}

func (m *Manager) getOverlay(configID string) overlay {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlays[configID]
}
