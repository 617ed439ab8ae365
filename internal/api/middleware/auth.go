package middleware

import (
	"context"
	"net/http"
	"strings"

	apierrors "github.com/reoxt/basesync/internal/api/errors"
)

// APIKeys maps a bearer credential to the userId it authenticates as. The
// host process populates this from its own account/API-key store; the
// engine itself has no concept of issuing keys.
type APIKeys map[string]string

// Auth validates "Authorization: Bearer <key>" against keys and, on
// success, stores the resolved userId on the request context for handlers
// to read via GetUserID.
func Auth(keys APIKeys) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())
			header := r.Header.Get(AuthorizationHeader)
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				apierrors.Write(w, apierrors.Unauthorized("missing or malformed Authorization header").WithRequestID(requestID))
				return
			}

			userID, ok := keys[strings.TrimPrefix(header, prefix)]
			if !ok {
				apierrors.Write(w, apierrors.Unauthorized("invalid API key").WithRequestID(requestID))
				return
			}

			ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(UserIDContextKey).(string)
	return id
}
