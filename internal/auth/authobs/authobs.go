// Package authobs wraps a TokenManager with logging and tracing
// middleware so the manager itself stays free of span bookkeeping.
package authobs

import (
	"context"
	"time"

	"broker-auth-service/internal/interfaces"
	"broker-auth-service/internal/logger"
	"broker-auth-service/internal/trace"
	"broker-auth-service/internal/types"
)

// observableManager wraps a TokenManager with observability
type observableManager struct {
	mgr interfaces.TokenManager
}

// Compile-time interface check
var _ interfaces.TokenManager = (*observableManager)(nil)

// Wrap wraps a token manager with observability middleware
func Wrap(mgr interfaces.TokenManager) interfaces.TokenManager {
	return &observableManager{mgr: mgr}
}

func (om *observableManager) SetupConfig(ctx context.Context, userID, brokerName, apiKey, apiSecret string) (*types.BrokerConfig, error) {
	ctx, span := trace.StartSpan(ctx, "auth.SetupConfig")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Setting up broker config",
		"user_id", userID,
		"broker", brokerName,
		"api_key", logger.Redacted(apiKey),
	)

	cfg, err := om.mgr.SetupConfig(ctx, userID, brokerName, apiKey, apiSecret)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to set up broker config", err,
			"user_id", userID, "broker", brokerName)
		return nil, err
	}

	logger.InfoSkip(ctx, 1, "Broker config ready", "config_id", cfg.ID)
	return cfg, nil
}

func (om *observableManager) StartAuthorization(ctx context.Context, configID string) (string, error) {
	ctx, span := trace.StartSpan(ctx, "auth.StartAuthorization")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Starting authorization", "config_id", configID)

	url, err := om.mgr.StartAuthorization(ctx, configID)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to start authorization", err, "config_id", configID)
		return "", err
	}

	logger.DebugSkip(ctx, 1, "Authorize URL issued", "config_id", configID)
	return url, nil
}

func (om *observableManager) CompleteAuthorization(ctx context.Context, correlation, code string) (*types.TokenRecord, error) {
	ctx, span := trace.StartSpan(ctx, "auth.CompleteAuthorization")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Completing authorization", "code", logger.Redacted(code))

	rec, err := om.mgr.CompleteAuthorization(ctx, correlation, code)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to complete authorization", err)
		return nil, err
	}

	logger.InfoSkip(ctx, 1, "Authorization complete",
		"config_id", rec.ConfigID, "expires_at", rec.ExpiresAt)
	return rec, nil
}

func (om *observableManager) EnsureFreshToken(ctx context.Context, configID string) (string, error) {
	ctx, span := trace.StartSpan(ctx, "auth.EnsureFreshToken")
	defer span.End()

	start := time.Now()
	token, err := om.mgr.EnsureFreshToken(ctx, configID)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to ensure fresh token", err,
			"config_id", configID, "duration_ms", time.Since(start).Milliseconds())
		return "", err
	}

	logger.DebugSkip(ctx, 1, "Fresh token ensured",
		"config_id", configID,
		"duration_ms", time.Since(start).Milliseconds(),
		"access_token", logger.Redacted(token),
	)
	return token, nil
}

func (om *observableManager) UpdateToken(ctx context.Context, configID, accessToken string, expiresAt time.Time, source string) (*types.TokenRecord, error) {
	ctx, span := trace.StartSpan(ctx, "auth.UpdateToken")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Updating token from external source",
		"config_id", configID, "source", source,
		"access_token", logger.Redacted(accessToken))

	rec, err := om.mgr.UpdateToken(ctx, configID, accessToken, expiresAt, source)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to update token", err, "config_id", configID)
		return nil, err
	}
	return rec, nil
}

func (om *observableManager) Disconnect(ctx context.Context, configID string) error {
	ctx, span := trace.StartSpan(ctx, "auth.Disconnect")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Disconnecting broker", "config_id", configID)

	if err := om.mgr.Disconnect(ctx, configID); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to disconnect", err, "config_id", configID)
		return err
	}
	return nil
}

func (om *observableManager) Status(ctx context.Context, configID string) (*types.ConnectionStatus, error) {
	ctx, span := trace.StartSpan(ctx, "auth.Status")
	defer span.End()

	st, err := om.mgr.Status(ctx, configID)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to derive status", err, "config_id", configID)
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Status derived", "config_id", configID, "state", string(st.State))
	return st, nil
}

func (om *observableManager) StatusByUser(ctx context.Context, userID, brokerName string) (*types.ConnectionStatus, error) {
	ctx, span := trace.StartSpan(ctx, "auth.StatusByUser")
	defer span.End()

	st, err := om.mgr.StatusByUser(ctx, userID, brokerName)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to derive status", err,
			"user_id", userID, "broker", brokerName)
		return nil, err
	}
	return st, nil
}
