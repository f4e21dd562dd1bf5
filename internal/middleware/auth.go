package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	appsession "github.com/bryanwahyu/diagnovision/internal/application/session"
	domain "github.com/bryanwahyu/diagnovision/internal/domain/session"
	"github.com/bryanwahyu/diagnovision/internal/infra/identity"
)

type contextKey string

const (
	SessionIDKey contextKey = "session_id"
	SessionKey   contextKey = "session"
)

// SignInPath is where unauthenticated clients are sent.
const SignInPath = "/signin"

// TokenParser verifies session tokens.
type TokenParser interface {
	Parse(raw string) (identity.Claims, error)
}

// SessionLookup finds the live store of a client session.
type SessionLookup interface {
	Get(id string) (*appsession.Store, bool)
}

type sessionSource interface {
	Current() domain.Session
}

// SessionAuth attaches the client session named by the bearer token, if any.
// Requests without a valid token pass through with no session.
func SessionAuth(tokens TokenParser, sessions SessionLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := tokens.Parse(raw)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			st, ok := sessions.Get(claims.SessionID)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			// a token only speaks for the identity it was issued to
			if cur := st.Current(); cur.Identity == nil || cur.Identity.ID != claims.Subject {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), claims.SessionID, st)))
		})
	}
}

// bearerToken reads the Authorization header. EventSource cannot set headers,
// so the access_token query parameter is accepted too.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

func withSession(ctx context.Context, sid string, src sessionSource) context.Context {
	ctx = context.WithValue(ctx, SessionIDKey, sid)
	return context.WithValue(ctx, SessionKey, src)
}

// SessionIDFromContext returns the client session id, or "".
func SessionIDFromContext(ctx context.Context) string {
	if sid, ok := ctx.Value(SessionIDKey).(string); ok {
		return sid
	}
	return ""
}

// StoreFromContext returns the session store attached by SessionAuth.
func StoreFromContext(ctx context.Context) (*appsession.Store, bool) {
	st, ok := ctx.Value(SessionKey).(*appsession.Store)
	return st, ok
}

// CurrentSession is the session snapshot for the request; signed out when none is attached.
func CurrentSession(ctx context.Context) domain.Session {
	if src, ok := ctx.Value(SessionKey).(sessionSource); ok && src != nil {
		return src.Current()
	}
	return domain.Session{}
}

// RequireRole gates a route. domain.RoleNone only requires a signed-in identity.
func RequireRole(required domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := domain.Authorize(CurrentSession(r.Context()), required)
			switch d.Verdict {
			case domain.Allow:
				next.ServeHTTP(w, r)
			case domain.Wait:
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusServiceUnavailable, "session is still loading")
			case domain.RedirectToSignIn:
				w.Header().Set("Location", SignInPath)
				writeError(w, http.StatusUnauthorized, "sign in required")
			case domain.Forbidden:
				writeJSON(w, http.StatusForbidden, map[string]any{
					"error":    "access denied",
					"required": d.Required,
					"actual":   d.Actual,
				})
			}
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
