package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Guard is the single authorization check applied to every mutating
// route. It reads the session cookie, verifies the signed token, and
// rejects before any handler runs.
type Guard struct {
	Logger        *slog.Logger
	SessionSecret string

	// AllowLegacy accepts the original dashboard's constant cookie
	// value during rollout.
	AllowLegacy bool

	Now func() time.Time
}

type ctxKeySession struct{}

// SessionFromContext returns the claims attached by the guard.
func SessionFromContext(ctx context.Context) (SessionClaims, bool) {
	v, ok := ctx.Value(ctxKeySession{}).(SessionClaims)
	return v, ok
}

func (g Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now().UTC()
}

// Wrap protects a handler; unauthorized requests receive a uniform 401
// and the wrapped handler never executes.
func (g Guard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil || cookie.Value == "" {
			g.deny(w, r, "missing_session", nil)
			return
		}

		if g.AllowLegacy && cookie.Value == LegacySessionValue {
			claims := SessionClaims{Subject: "admin"}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeySession{}, claims)))
			return
		}

		claims, err := VerifySessionToken(g.SessionSecret, cookie.Value, g.now())
		if err != nil {
			reason := "invalid_session"
			if errors.Is(err, ErrSessionExpired) {
				reason = "session_expired"
			}
			g.deny(w, r, reason, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeySession{}, claims)))
	})
}

func (g Guard) deny(w http.ResponseWriter, r *http.Request, reason string, err error) {
	if g.Logger != nil {
		attrs := []any{
			"reason", reason,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", r.Header.Get("X-Request-Id"),
		}
		if err != nil {
			attrs = append(attrs, "error", err)
		}
		g.Logger.Warn("request denied", attrs...)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":      "unauthorized",
		"reason":     reason,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
