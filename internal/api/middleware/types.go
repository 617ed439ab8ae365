// Package middleware is the HTTP middleware chain wrapped around every
// route: request id propagation, structured access logging, and API-key
// authentication, grounded on the teacher's internal/api/middleware of the
// same names and generalized from its role-hierarchy model to the engine's
// single-tenant-per-request model (a request authenticates as one User).
package middleware

// contextKey namespaces values this package stores on a request's context.
type contextKey string

const (
	RequestIDContextKey contextKey = "request_id"
	UserIDContextKey     contextKey = "user_id"
)

const (
	RequestIDHeader     = "X-Request-ID"
	AuthorizationHeader = "Authorization"
)
