// Package console implements the Manager's HTTP/WebSocket control-plane API
// (renamed from the teacher's internal/web dashboard): agent listing,
// command dispatch and await, command log reads, a live event stream, and
// session-based login, over a second TLS listener separate from the
// Manager's agent protocol port.
package console

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	libwebauthn "github.com/go-webauthn/webauthn/webauthn"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/redpepper-go/fleet/internal/auth"
	"github.com/redpepper-go/fleet/internal/commandlog"
	"github.com/redpepper-go/fleet/internal/events"
	clusterserver "github.com/redpepper-go/fleet/internal/cluster/server"
)

// Fleet is what the console needs from the Manager's agent-facing server.
// *cluster/server.Server satisfies this directly.
type Fleet interface {
	ConnectedAgents() []string
	Connected(agentID string) bool
	SendCommand(ctx context.Context, agentID, cmdtype string, args []any, kwargs map[string]any) (string, error)
	AwaitCommandResult(ctx context.Context, id string) (*clusterserver.CommandOutcome, error)
}

// CommandLog is what the console needs from the command log. *commandlog.Log
// satisfies this directly.
type CommandLog interface {
	Get(id string) (*commandlog.Record, error)
	Last(n int) ([]commandlog.Record, error)
	Since(t time.Time) ([]commandlog.Record, error)
}

// ConfigStore reads and writes files under the Manager's data tree, backing
// GET/PUT /api/config/{path...}.
type ConfigStore interface {
	ReadFile(relPath string) ([]byte, error)
	WriteFile(relPath string, data []byte) error
}

// Dependencies defines what the console server needs from the rest of the
// application.
type Dependencies struct {
	Fleet          Fleet
	CommandLog     CommandLog
	EventBus       *events.Bus
	Auth           *auth.Service
	Config         ConfigStore
	MetricsEnabled bool
	Log            *slog.Logger

	// WebAuthnRPID, when non-empty, enables passkey registration/login
	// endpoints. It must match the effective domain the console API is
	// served under (no scheme, no port).
	WebAuthnRPID          string
	WebAuthnRPDisplayName string
	WebAuthnOrigins       []string
}

// Server is the console's HTTP/WebSocket API server.
type Server struct {
	deps         Dependencies
	mux          *http.ServeMux
	server       *http.Server
	startTime    time.Time
	tlsCert      string
	tlsKey       string
	loginLimiter *rate.Limiter
	webauthn     *libwebauthn.WebAuthn
}

// NewServer creates a Server with all routes registered. The login/TOTP
// endpoints are additionally throttled server-wide at loginRateLimit, a
// flood guard in front of auth.Service's own per-IP lockout bookkeeping.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:         deps,
		mux:          http.NewServeMux(),
		startTime:    time.Now(),
		loginLimiter: rate.NewLimiter(rate.Limit(loginRateLimit), loginRateBurst),
	}
	if deps.WebAuthnRPID != "" {
		wa, err := libwebauthn.New(&libwebauthn.Config{
			RPDisplayName: deps.WebAuthnRPDisplayName,
			RPID:          deps.WebAuthnRPID,
			RPOrigins:     deps.WebAuthnOrigins,
		})
		if err != nil {
			deps.Log.Error("webauthn disabled: failed to initialize", "error", err)
		} else {
			s.webauthn = wa
		}
	}
	s.registerRoutes()
	return s
}

const (
	loginRateLimit = 20 // sustained logins/sec across all clients
	loginRateBurst = 40
)

// SetTLS configures TLS certificate and key paths for HTTPS serving.
func (s *Server) SetTLS(cert, key string) {
	s.tlsCert = cert
	s.tlsKey = key
}

// ListenAndServe starts the console's HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the event stream holds connections open indefinitely
		IdleTimeout:  120 * time.Second,
	}
	if s.tlsCert != "" {
		s.deps.Log.Info("console listening (TLS)", "addr", addr)
		return s.server.ListenAndServeTLS(s.tlsCert, s.tlsKey)
	}
	s.deps.Log.Info("console listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the console's HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	authMw := auth.AuthMiddleware(s.deps.Auth)
	csrfMw := auth.CSRFMiddleware

	perm := func(p auth.Permission, h http.HandlerFunc) http.Handler {
		return authMw(csrfMw(auth.RequirePermission(p)(h)))
	}
	authed := func(h http.HandlerFunc) http.Handler {
		return authMw(csrfMw(h))
	}

	if s.deps.MetricsEnabled {
		s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
			promhttp.Handler().ServeHTTP(w, r)
		})
	}

	// --- Public routes ---
	s.mux.HandleFunc("POST /login", s.apiLogin)
	s.mux.HandleFunc("POST /login/totp", s.apiLoginTOTP)
	s.mux.HandleFunc("POST /logout", s.apiLogout)
	s.mux.HandleFunc("POST /api/webauthn/login/begin", s.apiWebAuthnLoginBegin)
	s.mux.HandleFunc("POST /api/webauthn/login/finish", s.apiWebAuthnLoginFinish)

	// --- Auth-only routes (authenticated, no specific permission) ---
	s.mux.Handle("GET /api/auth/me", authed(s.apiGetMe))
	s.mux.Handle("POST /api/webauthn/register/begin", authed(s.apiWebAuthnRegisterBegin))
	s.mux.Handle("POST /api/webauthn/register/finish", authed(s.apiWebAuthnRegisterFinish))

	// --- Permission-gated routes ---
	s.mux.Handle("GET /api/agents", perm(auth.PermAgentsView, s.apiAgents))
	s.mux.Handle("POST /api/agents/{id}/command", perm(auth.PermCommandsDispatch, s.apiSendCommand))
	s.mux.Handle("GET /api/commands/{id}/await", perm(auth.PermCommandsAwait, s.apiAwaitCommand))
	s.mux.Handle("GET /api/commands", perm(auth.PermCommandLogView, s.apiCommands))
	s.mux.Handle("GET /api/events", perm(auth.PermEventsSubscribe, s.apiEvents))
	s.mux.Handle("GET /api/config/{path...}", perm(auth.PermConfigView, s.apiConfigGet))
	s.mux.Handle("PUT /api/config/{path...}", perm(auth.PermConfigEdit, s.apiConfigPut))
}
