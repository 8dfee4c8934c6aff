package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ryuuseigun/ryuu-gate/internal/bridge"
	"github.com/ryuuseigun/ryuu-gate/internal/gate"
	"github.com/ryuuseigun/ryuu-gate/internal/logsanitize"
)

// handleCallback receives the provider redirect when the redirect URI points
// at this server. The code is handed to the gate and pushed to subscribed UI
// processes; the membership check itself is requested by the UI.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	redirect := bridge.RedirectFromQuery(r.URL.Query())

	slog.Info("callback received", // #nosec G706 -- only boolean values logged, no injection risk
		"code_present", redirect.Code != "",
		"state_present", redirect.State != "",
		"error_present", redirect.Error != "",
	)

	d := s.bridge.DeliverRedirect(r.Context(), redirect)

	switch d.Disposition {
	case gate.Accepted:
		s.renderSuccess(w, "Discord authorized the login. You can close this tab and return to the app.")

	case gate.Declined:
		msg := fmt.Sprintf("Authorization was declined: %s", redirect.ErrorDescription)
		if redirect.ErrorDescription == "" {
			msg = fmt.Sprintf("Authorization was declined: %s", redirect.Error)
		}
		s.renderError(w, msg)

	default:
		slog.Info("callback ignored", "reason", d.Err)
		s.renderError(w, ignoredMessage(d.Err))
	}
}

// handleLogin starts a login attempt and sends the browser to the
// authorization page. The UI is expected to be subscribed for the result.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !sameOriginNavigation(r) {
		slog.Warn("rejecting cross-site login request",
			"remote_addr", r.RemoteAddr,
			"sec_fetch_site", logsanitize.Sanitize(r.Header.Get("Sec-Fetch-Site")),
		)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	authURL, err := s.bridge.Gate().LoginURL(r.Context())
	if err != nil {
		slog.Error("failed to start login", "error", err)
		s.renderError(w, "Could not start the login. Please try again.")
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

func ignoredMessage(err error) string {
	switch err {
	case gate.ErrNoLoginInProgress:
		return "No login is in progress. Start a new login from the app."
	case gate.ErrStateMismatch:
		return "This login link does not belong to the current login. Start a new login from the app."
	case gate.ErrCodeConsumed:
		return "This login link was already used. Start a new login from the app."
	default:
		return "Invalid callback parameters"
	}
}
