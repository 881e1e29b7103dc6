package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gatehouse/gatehouse/internal/shared"
)

// Middleware wires authorization checks for HTTP handlers. The acting
// subject and tenant scope are taken from the request context, bound by
// the identity middleware in internal/app.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireAny grants access when the subject holds at least one of the
// permissions. Wildcard grants apply.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			subjectID, tenantID, ok := m.scope(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			for _, p := range normalized {
				if m.Service.Authorize(r.Context(), subjectID, tenantID, p) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll grants access only when the subject holds every permission.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			subjectID, tenantID, ok := m.scope(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			for _, p := range normalized {
				if !m.Service.Authorize(r.Context(), subjectID, tenantID, p) {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) scope(r *http.Request) (subjectID, tenantID int64, ok bool) {
	subjectID, ok = shared.ActorFromContext(r.Context())
	if !ok {
		return 0, 0, false
	}
	tenantID, ok = shared.TenantFromContext(r.Context())
	if !ok {
		return 0, 0, false
	}
	return subjectID, tenantID, true
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}
