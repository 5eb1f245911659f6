package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/avatarkey/session"
	"github.com/jmcleod/avatarkey/unlock"
	"github.com/jmcleod/avatarkey/vault"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	gate           *unlock.Gate
	vault          *vault.Vault
	sessions       *session.Manager
	audit          *auditLogger
	logger         *slog.Logger
	alertFn        AlertFunc
	trustedProxies []netip.Prefix
	wsOrigins      []string
	maxAudioBytes  int64
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithAlertHandler installs fn as the anomaly alert sink.
func WithAlertHandler(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithTrustedProxies lists the reverse proxies whose forwarding headers are
// honoured when keying unlock attempts by client address.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithAllowedOrigins sets the origin patterns accepted by the snapshot
// stream. With none, only same-host origins are accepted.
func WithAllowedOrigins(patterns []string) Option {
	return func(a *API) { a.wsOrigins = patterns }
}

// WithMaxAudioBytes bounds a single audio upload.
func WithMaxAudioBytes(n int64) Option {
	return func(a *API) { a.maxAudioBytes = n }
}

const defaultMaxAudioBytes = 1 << 20

// New creates a new API instance.
func New(gate *unlock.Gate, v *vault.Vault, sessions *session.Manager, opts ...Option) *API {
	a := &API{
		gate:          gate,
		vault:         v,
		sessions:      sessions,
		maxAudioBytes: defaultMaxAudioBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.alertFn == nil {
		a.alertFn = logAlert(a.logger)
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.metrics = newMetricsCollector(a.alertFn)
	return a
}

// ObserveSession writes session lifecycle events to the audit log. It is
// meant to be installed as session.Deps.Observer.
func (a *API) ObserveSession(ev session.Event) {
	var event AuditEvent
	switch ev.Kind {
	case session.EventStarted:
		event = AuditSessionStarted
	case session.EventExtended:
		event = AuditSessionExtended
	case session.EventEnded:
		event = AuditSessionEnded
	default:
		return
	}
	attrs := []slog.Attr{
		slog.String("client_id", ev.ClientID),
		slog.String("session_id", ev.SessionID),
		slog.String("avatar_id", ev.AvatarID),
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	a.audit.logBackground(event, attrs...)
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/unlock", a.Unlock)
	r.Get("/unlock/status", a.UnlockStatus)

	r.Route("/avatars/{avatarID}/credentials", func(r chi.Router) {
		r.Get("/status", a.CredentialStatus)
		r.Get("/", a.GetCredentials)
		r.Put("/", a.PutCredentials)
		r.Delete("/", a.DeleteCredentials)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Use(a.ClientIDMiddleware)
		r.Post("/", a.StartSession)
		r.Get("/current", a.CurrentSession)
		r.Get("/stream", a.StreamSession)
		r.Delete("/{sessionID}", a.StopSession)
		r.Post("/{sessionID}/text", a.SendText)
		r.Post("/{sessionID}/extend", a.ExtendSession)
		r.Post("/{sessionID}/activity", a.Activity)
		r.Post("/{sessionID}/audio", a.PushAudio)
		r.Post("/{sessionID}/audio/finish", a.FinishAudio)
	})

	return r
}
