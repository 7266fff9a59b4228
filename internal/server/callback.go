package server

import (
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"broker-auth-service/internal/logger"
	"broker-auth-service/internal/types"
)

// minRequestTokenLen rejects implausibly short tokens before any
// exchange is attempted.
const minRequestTokenLen = 16

// relayMessage is the one-shot typed message the relay page posts to
// the opener window.
type relayMessage struct {
	Type   string `json:"type"` // AUTH_SUCCESS or AUTH_ERROR
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// handleCallback receives the broker redirect in the popup context.
// The exchange happens server-side first; the rendered page only
// relays the outcome to the opener at the single configured origin and
// then closes itself, so a stranded popup can never hold the flow.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	state := strings.TrimSpace(q.Get("state"))
	if upErr := firstNonEmpty(q.Get("error"), q.Get("error_type")); upErr != "" || q.Get("status") == "error" {
		logger.Warn(ctx, "Broker returned authorization error", "error_type", upErr)
		s.renderRelay(w, relayMessage{Type: "AUTH_ERROR", Reason: "broker rejected the authorization"})
		return
	}

	code, ok := extractRequestToken(firstNonEmpty(q.Get("request_token"), q.Get("code")))
	if !ok {
		logger.Security(ctx, "callback_token_implausible")
		s.renderRelay(w, relayMessage{Type: "AUTH_ERROR", Reason: "authorization code missing or malformed"})
		return
	}
	if state == "" {
		// Some upstreams echo the whole redirect URL into the token
		// parameter; the state can be buried in there too.
		state = stateFromEcho(q.Get("request_token"))
	}
	if state == "" {
		logger.Security(ctx, "callback_missing_state")
		s.renderRelay(w, relayMessage{Type: "AUTH_ERROR", Reason: "missing correlation state"})
		return
	}

	if _, err := s.mgr.CompleteAuthorization(ctx, state, code); err != nil {
		de := types.Classify(err)
		s.renderRelay(w, relayMessage{Type: "AUTH_ERROR", Reason: de.Message})
		return
	}

	s.renderRelay(w, relayMessage{Type: "AUTH_SUCCESS", Code: code})
}

// extractRequestToken normalizes the authorization code. The broker
// sometimes echoes a full URL back instead of the bare token; pull the
// real value out in either case and refuse short ones.
func extractRequestToken(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	if strings.Contains(raw, "request_token=") {
		var v string
		if u, err := url.Parse(raw); err == nil {
			v = u.Query().Get("request_token")
		}
		if v == "" {
			// Not a parseable URL, or the token rides outside the query
			// string. Cut it out by hand.
			idx := strings.LastIndex(raw, "request_token=")
			v = raw[idx+len("request_token="):]
			if amp := strings.IndexByte(v, '&'); amp >= 0 {
				v = v[:amp]
			}
		}
		raw = v
	}

	if len(raw) < minRequestTokenLen {
		return "", false
	}
	return raw, true
}

// stateFromEcho digs the correlation value out of an echoed URL.
func stateFromEcho(raw string) string {
	if !strings.Contains(raw, "state=") {
		return ""
	}
	if u, err := url.Parse(raw); err == nil {
		return u.Query().Get("state")
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

var relayTmpl = template.Must(template.New("relay").Parse(`<!DOCTYPE html>
<html>
<head><title>Broker Authorization</title></head>
<body>
<p id="msg">Finishing broker authorization…</p>
<script>
(function () {
  var payload = {{.PayloadJSON}};
  var targetOrigin = {{.TargetOrigin}};
  var delivered = false;

  if (window.opener && !window.opener.closed) {
    try {
      // One-shot, explicit origin. Never "*": a wildcard would hand
      // the authorization code to whatever page opened us.
      window.opener.postMessage(payload, targetOrigin);
      delivered = true;
    } catch (e) {
      delivered = false;
    }
  }

  var msg = document.getElementById("msg");
  if (payload.type === "AUTH_SUCCESS") {
    msg.textContent = delivered
      ? "Broker connected. This window will close."
      : "Broker connected. You can close this window and return to the app.";
  } else {
    msg.textContent = "Authorization failed: " + (payload.reason || "unknown error") +
      (delivered ? "" : ". Close this window and retry from the app.");
  }

  // Close regardless of delivery so no popup is left stranded.
  setTimeout(function () { window.close(); }, 1500);
})();
</script>
</body>
</html>
`))

func (s *Server) renderRelay(w http.ResponseWriter, msg relayMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = relayTmpl.Execute(w, struct {
		PayloadJSON  template.JS
		TargetOrigin string
	}{
		PayloadJSON:  template.JS(payload),
		TargetOrigin: s.cfg.Server.AllowedOrigin,
	})
}
