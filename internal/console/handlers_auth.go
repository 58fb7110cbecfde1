package console

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/redpepper-go/fleet/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	TOTPRequired bool   `json:"totp_required,omitempty"`
	TOTPToken    string `json:"totp_token,omitempty"`
}

// apiLogin authenticates a username/password pair and sets a session cookie
// on success, or requests a TOTP follow-up when the account has 2FA enabled.
func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	if !s.loginLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many login attempts across all clients")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	session, _, err := s.deps.Auth.Login(r.Context(), req.Username, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		var totpErr *auth.ErrTOTPRequired
		if errors.As(err, &totpErr) {
			writeJSON(w, http.StatusOK, loginResponse{TOTPRequired: true, TOTPToken: totpErr.PendingToken})
			return
		}
		switch {
		case errors.Is(err, auth.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
		case errors.Is(err, auth.ErrAccountLocked):
			writeError(w, http.StatusForbidden, "account locked")
		default:
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		}
		return
	}

	auth.SetSessionCookie(w, session.Token, session.ExpiresAt, s.deps.Auth.CookieSecure)
	s.deps.Log.Info("login succeeded", "user", req.Username, "ip", clientIP(r))
	writeJSON(w, http.StatusOK, loginResponse{})
}

type totpRequest struct {
	TOTPToken string `json:"totp_token"`
	Code      string `json:"code"`
}

// apiLoginTOTP completes a pending login by verifying a TOTP code or
// recovery code against the pending token issued by apiLogin.
func (s *Server) apiLoginTOTP(w http.ResponseWriter, r *http.Request) {
	if !s.loginLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many login attempts across all clients")
		return
	}
	var req totpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TOTPToken == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "totp_token and code are required")
		return
	}

	session, err := s.deps.Auth.VerifyTOTP(r.Context(), req.TOTPToken, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "too many attempts")
		case errors.Is(err, auth.ErrTOTPInvalidToken):
			writeError(w, http.StatusUnauthorized, "totp session expired, log in again")
		case errors.Is(err, auth.ErrTOTPInvalidCode):
			writeError(w, http.StatusUnauthorized, "invalid code")
		default:
			writeError(w, http.StatusUnauthorized, "verification failed")
		}
		return
	}

	auth.SetSessionCookie(w, session.Token, session.ExpiresAt, s.deps.Auth.CookieSecure)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// apiLogout deletes the caller's session and clears its cookie.
func (s *Server) apiLogout(w http.ResponseWriter, r *http.Request) {
	token := auth.GetSessionToken(r)
	if token != "" {
		_ = s.deps.Auth.Logout(token)
	}
	auth.ClearSessionCookie(w, s.deps.Auth.CookieSecure)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// apiGetMe returns the caller's identity and effective permissions.
func (s *Server) apiGetMe(w http.ResponseWriter, r *http.Request) {
	rc := auth.GetRequestContext(r.Context())
	if rc == nil || rc.User == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":    rc.User.Username,
		"permissions": rc.Permissions,
	})
}
