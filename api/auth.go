package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// AUTHENTICATION - Bearer JWT -> TenantContext
// =============================================================================

type tenantKey struct{}

// Authenticator verifies HS256 tokens issued by the clinic application.
// The tenant is taken from the "tenant_id" claim, falling back to "sub".
type Authenticator struct {
	Secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{Secret: []byte(secret)}
}

var (
	errMissingToken  = errors.New("missing bearer token")
	errInvalidToken  = errors.New("invalid token")
	errMissingTenant = errors.New("token has no tenant")
)

// Middleware rejects requests without a valid token and stores the
// TenantContext on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, err := a.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tc)))
	})
}

// Authenticate parses an Authorization header value.
func (a *Authenticator) Authenticate(header string) (billing.TenantContext, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return billing.TenantContext{}, errMissingToken
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return billing.TenantContext{}, errInvalidToken
	}

	tenant, _ := claims["tenant_id"].(string)
	if tenant == "" {
		tenant, _ = claims.GetSubject()
	}
	if tenant == "" {
		return billing.TenantContext{}, errMissingTenant
	}
	return billing.TenantContext{TenantID: billing.TenantID(tenant), AuthToken: raw}, nil
}

// WithTenant attaches a TenantContext to ctx.
func WithTenant(ctx context.Context, tc billing.TenantContext) context.Context {
	return context.WithValue(ctx, tenantKey{}, tc)
}

// TenantFrom returns the TenantContext set by the auth middleware.
func TenantFrom(ctx context.Context) (billing.TenantContext, bool) {
	tc, ok := ctx.Value(tenantKey{}).(billing.TenantContext)
	return tc, ok && tc.TenantID != ""
}
