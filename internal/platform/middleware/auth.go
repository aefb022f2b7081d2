package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mssola/useragent"

	dErrors "creditflow/pkg/domain-errors"
)

// Role is the operator role carried in the auth token.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
	RoleAuditor  Role = "auditor"
)

// AuthContext is the validated identity of the caller. It is produced by
// exactly one parsing function (ParseAuthContext) which fails closed when a
// required claim is absent; handlers never reach into raw token claims.
type AuthContext struct {
	UserID    string
	TenantID  string
	Email     string
	Role      Role
	SessionID string

	// Captured from the request, not the token.
	IP        string
	UserAgent string
	Browser   string
}

type contextKeyAuth struct{}

// ParseAuthContext validates a bearer token and returns the caller identity.
// Every required claim must be present and well-formed.
func ParseAuthContext(tokenString, signingKey string) (*AuthContext, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, dErrors.Newf(dErrors.CodeUnauthorized, "unexpected signing method %v", t.Header["alg"])
		}
		return []byte(signingKey), nil
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}

	ac := &AuthContext{
		UserID:    stringClaim(claims, "sub"),
		TenantID:  stringClaim(claims, "tenant_id"),
		Email:     stringClaim(claims, "email"),
		Role:      Role(stringClaim(claims, "role")),
		SessionID: stringClaim(claims, "sid"),
	}
	if ac.UserID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token missing subject")
	}
	if ac.TenantID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token missing tenant")
	}
	switch ac.Role {
	case RoleOwner, RoleOperator, RoleViewer, RoleAuditor:
	default:
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token missing or unknown role")
	}
	return ac, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// RequireAuth authenticates the request and stores the AuthContext.
func RequireAuth(signingKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				unauthorized(w, r, logger, "missing bearer token")
				return
			}

			ac, err := ParseAuthContext(token, signingKey)
			if err != nil {
				logger.WarnContext(r.Context(), "unauthorized access",
					"error", err,
					"request_id", GetRequestID(r.Context()),
				)
				unauthorized(w, r, logger, "invalid or expired token")
				return
			}

			ac.IP = clientIP(r)
			ac.UserAgent = r.UserAgent()
			if ua := useragent.New(r.UserAgent()); ua != nil {
				name, version := ua.Browser()
				ac.Browser = strings.TrimSpace(name + " " + version)
			}

			ctx := context.WithValue(r.Context(), contextKeyAuth{}, ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthContext retrieves the authenticated caller from the context.
// Never nil under RequireAuth; handlers mounted there dereference it
// directly. Returns nil on unauthenticated paths (webhooks).
func GetAuthContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(contextKeyAuth{}).(*AuthContext)
	return ac
}

// RequireRole enforces a role gate for privileged operations.
func (a *AuthContext) RequireRole(roles ...Role) error {
	for _, r := range roles {
		if a.Role == r {
			return nil
		}
	}
	return dErrors.Newf(dErrors.CodeForbidden, "role %q may not perform this action", a.Role)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return host
}

func unauthorized(w http.ResponseWriter, r *http.Request, logger *slog.Logger, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	if _, err := w.Write([]byte(`{"error":"unauthorized","error_description":"` + detail + `"}`)); err != nil {
		logger.ErrorContext(r.Context(), "failed to write unauthorized response", "error", err)
	}
}
