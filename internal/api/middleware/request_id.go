package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestID generates or forwards an X-Request-ID and makes it available to
// handlers via GetRequestID, so every logged line and error envelope can be
// correlated back to one inbound request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDContextKey, id)))
	})
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDContextKey).(string)
	return id
}
