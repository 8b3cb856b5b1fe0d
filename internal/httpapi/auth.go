package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"clinic/queue-service/internal/access"
	"clinic/queue-service/internal/auth"
)

type authContextKey struct{}

func AuthMiddleware(resolver PrincipalResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		token := tokenFromRequest(r)
		if token == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		principal, err := resolver.Resolve(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "principal lookup failed")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFromContext(ctx context.Context) (*access.Principal, bool) {
	principal, ok := ctx.Value(authContextKey{}).(*access.Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

func requirePermission(w http.ResponseWriter, r *http.Request, permission access.Permission) bool {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing principal")
		return false
	}
	if !access.HasPermission(principal, permission) {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "forbidden", "missing permission "+string(permission))
		return false
	}
	return true
}

func requireOrganization(w http.ResponseWriter, r *http.Request, organizationID string) bool {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing principal")
		return false
	}
	if !access.CanAccessOrganization(principal, organizationID) {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "forbidden", "organization access denied")
		return false
	}
	return true
}

// tokenFromRequest reads the bearer header, falling back to the access_token
// query parameter for websocket upgrades where browsers cannot set headers.
func tokenFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if r.URL.Path == "/api/realtime" {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/readyz", "/metrics":
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
