package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nikhilbhutani/promptplane/internal/tenant"
)

const (
	PermPromptsRead    = "prompts:read"
	PermPromptsWrite   = "prompts:write"
	PermPromptsResolve = "prompts:resolve"
	PermPromptsTest    = "prompts:test"
	PermCallsRead      = "calls:read"
	PermCallsWrite     = "calls:write"
	PermAdminRead      = "admin:read"
	PermAdminWrite     = "admin:write"
	PermWildcard       = "*"
)

// Claims are issued by the identity provider fronting this service. The
// subject is recorded as the actor of every mutation.
type Claims struct {
	TenantID    string   `json:"tenant_id"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

// Authenticate verifies the bearer token and places tenant, actor and
// permissions on the request context.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractBearerToken(r)
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing authorization token")
			return
		}

		claims := &Claims{}
		token, err := a.parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.secret, nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		if strings.TrimSpace(claims.TenantID) == "" || strings.TrimSpace(claims.Subject) == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "token is missing tenant or subject")
			return
		}

		ctx := tenant.WithTenant(r.Context(), claims.TenantID)
		ctx = tenant.WithActor(ctx, claims.Subject)
		ctx = tenant.WithPermissions(ctx, claims.Permissions)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tenant.HasPermission(r.Context(), perm) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
