package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	appanalysis "github.com/bryanwahyu/diagnovision/internal/application/analysis"
	apphistory "github.com/bryanwahyu/diagnovision/internal/application/history"
	appsession "github.com/bryanwahyu/diagnovision/internal/application/session"
	"github.com/bryanwahyu/diagnovision/internal/domain/analysis"
	"github.com/bryanwahyu/diagnovision/internal/domain/session"
	"github.com/bryanwahyu/diagnovision/internal/infra/identity"
	"github.com/bryanwahyu/diagnovision/internal/middleware"
)

// Deps are everything the HTTP layer talks to.
type Deps struct {
	Sessions *appsession.Registry
	Tokens   *identity.Tokens
	History  *apphistory.Service
	Analysis *appanalysis.Service

	Checkers    map[string]middleware.HealthChecker
	RateLimiter *middleware.RateLimiter
	CORSOrigins []string
	// MaxUploadBytes caps the scan upload body.
	MaxUploadBytes int64
	// KeepAlive is the comment interval on event streams.
	KeepAlive time.Duration
	Log       *zap.Logger
}

type Router struct {
	Deps
	views *viewTracker
	log   *zap.Logger
}

// NewRouter wires the routes and registers the view cleanup on d.Sessions.
func NewRouter(d Deps) http.Handler {
	_, h := newRouter(d)
	return h
}

func newRouter(d Deps) (*Router, http.Handler) {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 10 << 20
	}
	if d.KeepAlive <= 0 {
		d.KeepAlive = 25 * time.Second
	}
	r := &Router{Deps: d, views: newViewTracker(), log: d.Log.Named("http")}
	d.Sessions.OnClose(func(sid string) {
		r.views.Close(sid)
		middleware.DecrementSessionsOpen()
	})

	mux := chi.NewRouter()
	mux.Use(chimw.RequestID)
	mux.Use(chimw.RealIP)
	mux.Use(chimw.Recoverer)
	mux.Use(middleware.LoggingMiddleware(r.log))
	mux.Use(middleware.MetricsMiddleware)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Location", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	mux.Get("/health", middleware.HealthHandler(d.Checkers))
	mux.Get("/health/ready", middleware.HealthHandler(d.Checkers))
	mux.Get("/health/live", middleware.LivenessHandler)
	mux.Get("/metrics", middleware.MetricsHandler)

	mux.Route("/v1", func(rt chi.Router) {
		rt.Use(middleware.SessionAuth(d.Tokens, d.Sessions))
		if d.RateLimiter != nil {
			rt.Use(middleware.RateLimitMiddleware(d.RateLimiter))
		}

		rt.Post("/auth/signup", r.wrap(r.handleSignUp))
		rt.Post("/auth/signin", r.wrap(r.handleSignIn))
		rt.Post("/auth/signout", r.wrap(r.handleSignOut))

		rt.Get("/session", r.wrap(r.handleSession))
		rt.Get("/session/events", r.wrap(r.handleSessionEvents))

		rt.Route("/patient", func(pt chi.Router) {
			pt.Use(middleware.RequireRole(session.RolePatient))
			pt.Post("/scans", r.wrap(r.handleAnalyze))
			pt.Get("/history", r.wrap(r.handlePatientHistory))
			pt.Delete("/history", r.wrap(r.handleCloseHistory))
			pt.Get("/history/{imageId}/assets", r.wrap(r.handlePatientAssets))
		})

		rt.Route("/doctor", func(dt chi.Router) {
			dt.Use(middleware.RequireRole(session.RoleDoctor))
			dt.Get("/patients/{patientId}/history", r.wrap(r.handleDoctorHistory))
			dt.Delete("/patients/{patientId}/history", r.wrap(r.handleCloseHistory))
			dt.Get("/patients/{patientId}/history/{imageId}/assets", r.wrap(r.handleDoctorAssets))
		})
	})

	return r, mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

var (
	errNotFound  = errors.New("not found")
	errNoSession = errors.New("no active session")
)

// wrap maps service errors onto status codes.
func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}

		var (
			ve *analysis.ValidationError
			bu *analysis.BackendUnavailableError
			ae *analysis.AnalysisError
		)
		switch {
		case errors.As(err, &ve):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error(), "field": ve.Field})
		case errors.As(err, &bu):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": bu.Error(), "hint": bu.Hint})
		case errors.As(err, &ae):
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": ae.Error(), "status": ae.StatusCode})
		case errors.Is(err, session.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, err.Error())
		case errors.Is(err, session.ErrEmailInUse):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, session.ErrTooManyAttempts):
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, session.ErrSessionClosed), errors.Is(err, session.ErrNotSignedIn), errors.Is(err, errNoSession):
			w.Header().Set("Location", middleware.SignInPath)
			writeError(w, http.StatusUnauthorized, err.Error())
		case errors.Is(err, apphistory.ErrPatientRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, apphistory.ErrViewClosed):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, errNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, context.Canceled):
			// client went away; nothing to write
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "request timed out")
		default:
			r.log.Error("request failed", zap.String("path", req.URL.Path), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	_ = writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, req.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &analysis.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}
