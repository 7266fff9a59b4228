package auth

import (
	"time"

	"broker-auth-service/internal/types"
)

// overlayEvent marks a transient condition that cannot be derived from
// stored rows alone: an exchange in flight, the last failed operation,
// or a token record that was just destroyed by an irrecoverable
// refresh failure. Everything else is recomputed from ground truth on
// every read.
type overlayEvent int

const (
	overlayNone overlayEvent = iota
	overlayExchanging
	overlayError
	overlayExpired
)

type overlay struct {
	event overlayEvent
	err   *types.ErrorInfo
	at    time.Time
}

// stateParams are the tuning knobs the derivation needs.
type stateParams struct {
	skew           time.Duration
	expiringWindow time.Duration
}

// deriveStatus computes the connection snapshot from (config, token
// record, last probe, overlay). Pure: it mutates nothing and owns no
// clock.
func deriveStatus(cfg *types.BrokerConfig, rec *types.TokenRecord, probe types.ProbeResult, ov overlay, p stateParams, now time.Time) types.ConnectionStatus {
	st := types.ConnectionStatus{LastChecked: now}
	if cfg != nil {
		st.ConfigID = cfg.ID
		st.UserID = cfg.UserID
		st.BrokerName = cfg.BrokerName
	}

	switch {
	case cfg == nil || cfg.APIKeyEnc == "" || cfg.APISecretEnc == "":
		st.State = types.StateUnconfigured
		st.Message = "broker credentials not set up"

	case ov.event == overlayExchanging:
		st.State = types.StateExchanging
		st.Message = "exchanging authorization code"

	case rec == nil && cfg.DisconnectedAt != nil:
		st.State = types.StateDisconnected
		st.Message = "disconnected"

	case rec == nil && ov.event == overlayExpired:
		st.State = types.StateExpired
		st.Message = "session expired, re-authorization required"
		st.Error = ov.err

	case rec == nil && ov.event == overlayError:
		st.State = types.StateError
		st.Message = "last operation failed"
		st.Error = ov.err

	case rec == nil:
		st.State = types.StatePendingAuthorization
		st.Message = "waiting for broker authorization"

	case rec.Expired(now, 0):
		st.State = types.StateExpired
		st.Message = "access token expired"
		st.ExpiresAt = &rec.ExpiresAt

	case !probe.CheckedAt.IsZero() && !probe.Reachable:
		st.State = types.StateError
		st.Message = "broker endpoint unreachable"
		st.ExpiresAt = &rec.ExpiresAt
		st.Error = types.ErrUpstreamUnavailable.Info()

	case now.After(rec.ExpiresAt.Add(-p.expiringWindow)):
		st.State = types.StateExpiring
		st.Message = "access token expiring soon"
		st.ExpiresAt = &rec.ExpiresAt

	default:
		st.State = types.StateConnected
		st.Message = "connected"
		st.ExpiresAt = &rec.ExpiresAt
	}

	if !probe.CheckedAt.IsZero() {
		st.LastChecked = probe.CheckedAt
	}
	return st
}
