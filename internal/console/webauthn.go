package console

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	libwebauthn "github.com/go-webauthn/webauthn/webauthn"

	"github.com/redpepper-go/fleet/internal/auth"
)

// webauthnUser adapts an auth.User plus its stored credentials to the
// go-webauthn library's User interface. internal/auth's WebAuthnCredential/
// WebAuthnFlags/WebAuthnAuthenticator types already mirror the library's
// Credential/CredentialFlags/Authenticator field-for-field, so the
// conversion here is a plain reshape, not a translation.
type webauthnUser struct {
	user  *auth.User
	creds []auth.WebAuthnCredential
}

func (u *webauthnUser) WebAuthnID() []byte          { return u.user.WebAuthnUserID }
func (u *webauthnUser) WebAuthnName() string        { return u.user.Username }
func (u *webauthnUser) WebAuthnDisplayName() string { return u.user.Username }

func (u *webauthnUser) WebAuthnCredentials() []libwebauthn.Credential {
	out := make([]libwebauthn.Credential, 0, len(u.creds))
	for _, c := range u.creds {
		transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transport))
		for _, t := range c.Transport {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		out = append(out, libwebauthn.Credential{
			ID:              c.ID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Transport:       transports,
			Flags: libwebauthn.CredentialFlags{
				UserPresent:    c.Flags.UserPresent,
				UserVerified:   c.Flags.UserVerified,
				BackupEligible: c.Flags.BackupEligible,
				BackupState:    c.Flags.BackupState,
			},
			Authenticator: libwebauthn.Authenticator{
				AAGUID:       c.Authenticator.AAGUID,
				SignCount:    c.Authenticator.SignCount,
				CloneWarning: c.Authenticator.CloneWarning,
				Attachment:   protocol.AuthenticatorAttachment(c.Authenticator.Attachment),
			},
		})
	}
	return out
}

// newCeremonyID returns a random token identifying one Begin*/Finish*
// handoff, handed to the client so it can echo it back on the matching
// Finish call via the X-Ceremony-Id header.
func newCeremonyID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// apiWebAuthnRegisterBegin starts a passkey-registration ceremony for the
// signed-in user.
func (s *Server) apiWebAuthnRegisterBegin(w http.ResponseWriter, r *http.Request) {
	if s.webauthn == nil {
		writeError(w, http.StatusNotImplemented, "webauthn is not configured")
		return
	}
	rc := auth.GetRequestContext(r.Context())
	if rc == nil || rc.User == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	user := rc.User
	if generated, err := user.EnsureWebAuthnUserID(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to prepare webauthn identity")
		return
	} else if generated {
		if err := s.deps.Auth.Users.UpdateUser(*user); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save webauthn identity")
			return
		}
	}

	creds, err := s.deps.Auth.WebAuthnCreds.ListWebAuthnCredentialsForUser(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load existing credentials")
		return
	}

	options, session, err := s.webauthn.BeginRegistration(&webauthnUser{user: user, creds: creds})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to begin registration")
		return
	}
	ceremonyID := newCeremonyID()
	s.deps.Auth.Ceremonies.Put(ceremonyID, session, user.ID)
	w.Header().Set("X-Ceremony-Id", ceremonyID)
	writeJSON(w, http.StatusOK, options)
}

// apiWebAuthnRegisterFinish completes a passkey-registration ceremony begun
// by apiWebAuthnRegisterBegin and persists the resulting credential.
func (s *Server) apiWebAuthnRegisterFinish(w http.ResponseWriter, r *http.Request) {
	if s.webauthn == nil {
		writeError(w, http.StatusNotImplemented, "webauthn is not configured")
		return
	}
	rc := auth.GetRequestContext(r.Context())
	if rc == nil || rc.User == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	ceremony := s.deps.Auth.Ceremonies.Get(r.Header.Get("X-Ceremony-Id"))
	if ceremony == nil || ceremony.UserID != rc.User.ID {
		writeError(w, http.StatusBadRequest, "registration ceremony not found or expired")
		return
	}
	session, ok := ceremony.Data.(*libwebauthn.SessionData)
	if !ok {
		writeError(w, http.StatusInternalServerError, "invalid ceremony state")
		return
	}

	creds, err := s.deps.Auth.WebAuthnCreds.ListWebAuthnCredentialsForUser(rc.User.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load existing credentials")
		return
	}

	cred, err := s.webauthn.FinishRegistration(&webauthnUser{user: rc.User, creds: creds}, *session, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "registration verification failed")
		return
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	stored := auth.WebAuthnCredential{
		ID:              cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transport:       transports,
		Flags: auth.WebAuthnFlags{
			UserPresent:    cred.Flags.UserPresent,
			UserVerified:   cred.Flags.UserVerified,
			BackupEligible: cred.Flags.BackupEligible,
			BackupState:    cred.Flags.BackupState,
		},
		Authenticator: auth.WebAuthnAuthenticator{
			AAGUID:       cred.Authenticator.AAGUID,
			SignCount:    cred.Authenticator.SignCount,
			CloneWarning: cred.Authenticator.CloneWarning,
			Attachment:   string(cred.Authenticator.Attachment),
		},
		UserID:    rc.User.ID,
		Name:      "passkey",
		CreatedAt: time.Now(),
	}
	if err := s.deps.Auth.WebAuthnCreds.CreateWebAuthnCredential(stored); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// apiWebAuthnLoginBegin starts a discoverable (usernameless) passkey login.
func (s *Server) apiWebAuthnLoginBegin(w http.ResponseWriter, r *http.Request) {
	if s.webauthn == nil {
		writeError(w, http.StatusNotImplemented, "webauthn is not configured")
		return
	}
	options, session, err := s.webauthn.BeginDiscoverableLogin()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to begin login")
		return
	}
	ceremonyID := newCeremonyID()
	s.deps.Auth.Ceremonies.Put(ceremonyID, session, "")
	w.Header().Set("X-Ceremony-Id", ceremonyID)
	writeJSON(w, http.StatusOK, options)
}

// apiWebAuthnLoginFinish completes a discoverable login: the credential's
// user handle resolves the account, the assertion is verified against its
// stored credential, and a session is created exactly as LoginWithWebAuthn
// does for the password+TOTP flow.
func (s *Server) apiWebAuthnLoginFinish(w http.ResponseWriter, r *http.Request) {
	if !s.loginLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many login attempts across all clients")
		return
	}
	if s.webauthn == nil {
		writeError(w, http.StatusNotImplemented, "webauthn is not configured")
		return
	}

	ceremony := s.deps.Auth.Ceremonies.Get(r.Header.Get("X-Ceremony-Id"))
	if ceremony == nil {
		writeError(w, http.StatusBadRequest, "login ceremony not found or expired")
		return
	}
	session, ok := ceremony.Data.(*libwebauthn.SessionData)
	if !ok {
		writeError(w, http.StatusInternalServerError, "invalid ceremony state")
		return
	}

	var resolved *auth.User
	handler := func(rawID, userHandle []byte) (libwebauthn.User, error) {
		u, err := s.deps.Auth.WebAuthnCreds.GetUserByWebAuthnHandle(userHandle)
		if err != nil {
			return nil, err
		}
		creds, err := s.deps.Auth.WebAuthnCreds.ListWebAuthnCredentialsForUser(u.ID)
		if err != nil {
			return nil, err
		}
		resolved = u
		return &webauthnUser{user: u, creds: creds}, nil
	}

	if _, err := s.webauthn.FinishDiscoverableLogin(handler, *session, r); err != nil || resolved == nil {
		writeError(w, http.StatusUnauthorized, "passkey verification failed")
		return
	}

	loginSession, _, err := s.deps.Auth.LoginWithWebAuthn(r.Context(), resolved.ID, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "login failed")
		return
	}
	auth.SetSessionCookie(w, loginSession.Token, loginSession.ExpiresAt, s.deps.Auth.CookieSecure)
	s.deps.Log.Info("passkey login succeeded", "user", resolved.Username, "ip", clientIP(r))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
