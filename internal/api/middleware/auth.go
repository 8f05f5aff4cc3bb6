package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/atm0s-sip/gateway/internal/directory"
)

// appContextKey is the context key for the authenticated app.
type appContextKey string

const appInfoKey appContextKey = "app_info"

// AppValidator resolves a bearer secret to the app it belongs to. The
// directory implements it.
type AppValidator interface {
	ValidateApp(secret string) (directory.AppInfo, bool)
}

// RequireAppSecret returns middleware that validates `Authorization:
// Bearer <app_secret>` against the directory. On success the resolved
// AppInfo is stored in the request context.
func RequireAppSecret(apps AppValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			app, ok := apps.ValidateApp(parts[1])
			if !ok {
				writeAuthError(w, http.StatusBadRequest, "WrongSecret")
				return
			}

			ctx := context.WithValue(r.Context(), appInfoKey, app)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AppFromContext retrieves the authenticated app from the request context.
func AppFromContext(ctx context.Context) (directory.AppInfo, bool) {
	app, ok := ctx.Value(appInfoKey).(directory.AppInfo)
	return app, ok
}

// authEnvelope matches the api package's envelope format for error responses.
type authEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeAuthError writes a JSON error matching the API envelope format.
func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(authEnvelope{Error: msg}) //nolint:errcheck
}
