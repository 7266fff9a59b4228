package server

import (
	"net/http"
	"strings"
	"time"
)

type setupOAuthRequest struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
	UserID    string `json:"userId"`
	Broker    string `json:"broker,omitempty"`
}

// handleSetupOAuth creates or rotates the credential config and kicks
// off authorization in one step: the UI gets back the URL to open in
// the popup.
func (s *Server) handleSetupOAuth(w http.ResponseWriter, r *http.Request) {
	var req setupOAuthRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	broker := req.Broker
	if broker == "" {
		broker = s.defaultBroker
	}

	cfg, err := s.mgr.SetupConfig(r.Context(), req.UserID, broker, req.APIKey, req.APISecret)
	if err != nil {
		writeError(w, err)
		return
	}
	authorizeURL, err := s.mgr.StartAuthorization(r.Context(), cfg.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"configId":     cfg.ID,
		"authorizeUrl": authorizeURL,
	})
}

type refreshTokenRequest struct {
	ConfigID string `json:"configId"`
}

// handleRefreshToken forces a freshness check. The UI calls this from
// its "reconnect" action; ordinary consumers go through
// EnsureFreshToken directly.
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConfigID == "" {
		writeError(w, badRequest("configId is required"))
		return
	}

	if _, err := s.mgr.EnsureFreshToken(r.Context(), req.ConfigID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tokenUpdateRequest struct {
	ConfigID    string `json:"configId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Broker      string `json:"broker,omitempty"`
	AccessToken string `json:"accessToken"`
	// ExpiresAt is RFC3339; ExpiresIn is seconds from now. One of the
	// two must be present.
	ExpiresAt string `json:"expiresAt,omitempty"`
	ExpiresIn int64  `json:"expiresIn,omitempty"`
	Source    string `json:"source,omitempty"`
}

// handleTokenUpdate accepts an access token minted outside the browser
// flow, e.g. by headless login automation.
func (s *Server) handleTokenUpdate(w http.ResponseWriter, r *http.Request) {
	var req tokenUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	configID := req.ConfigID
	if configID == "" {
		if req.UserID == "" {
			writeError(w, badRequest("configId or userId is required"))
			return
		}
		broker := req.Broker
		if broker == "" {
			broker = s.defaultBroker
		}
		st, err := s.mgr.StatusByUser(r.Context(), req.UserID, broker)
		if err != nil {
			writeError(w, err)
			return
		}
		if st.ConfigID == "" {
			writeError(w, badRequest("no broker config for user"))
			return
		}
		configID = st.ConfigID
	}

	var expiresAt time.Time
	switch {
	case req.ExpiresAt != "":
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, badRequest("expiresAt must be RFC3339"))
			return
		}
		expiresAt = t
	case req.ExpiresIn > 0:
		expiresAt = time.Now().Add(time.Duration(req.ExpiresIn) * time.Second)
	}

	source := req.Source
	if source == "" {
		source = "external"
	}

	rec, err := s.mgr.UpdateToken(r.Context(), configID, req.AccessToken, expiresAt, source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"configId":  rec.ConfigID,
		"expiresAt": rec.ExpiresAt,
	})
}

type disconnectRequest struct {
	ConfigID string `json:"configId"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConfigID == "" {
		writeError(w, badRequest("configId is required"))
		return
	}

	if err := s.mgr.Disconnect(r.Context(), req.ConfigID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// handleStatus answers by configId or by (userId, broker).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	configID := strings.TrimSpace(r.URL.Query().Get("configId"))
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	broker := strings.TrimSpace(r.URL.Query().Get("broker"))
	if broker == "" {
		broker = s.defaultBroker
	}

	switch {
	case configID != "":
		st, err := s.mgr.Status(r.Context(), configID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	case userID != "":
		st, err := s.mgr.StatusByUser(r.Context(), userID, broker)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	default:
		writeError(w, badRequest("configId or userId is required"))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded", "db": "unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
