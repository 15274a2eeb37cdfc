package guard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// PermissionChecker authorizes a caller for a request.
// A false result with a reason rejects; an error fails closed.
type PermissionChecker interface {
	Authorize(ctx context.Context, cmd Command) (bool, string, error)
}

// AllowAll is the pass-through checker used when no RBAC is configured.
type AllowAll struct{}

// Authorize implements PermissionChecker.
func (AllowAll) Authorize(context.Context, Command) (bool, string, error) {
	return true, "", nil
}

// PermissionStage delegates to a PermissionChecker.
type PermissionStage struct {
	base
	checker PermissionChecker
}

// NewPermissionStage creates the stage. A nil checker allows everyone.
func NewPermissionStage(checker PermissionChecker, opts StageOptions) *PermissionStage {
	if checker == nil {
		checker = AllowAll{}
	}
	return &PermissionStage{base: newBase("permission", opts), checker: checker}
}

// Check implements Stage.
func (s *PermissionStage) Check(ctx context.Context, cmd Command) (Result, error) {
	ok, reason, err := s.checker.Authorize(ctx, cmd)
	if err != nil {
		return Result{}, fmt.Errorf("permission check: %w", err)
	}
	if !ok {
		if reason == "" {
			reason = "caller is not authorized"
		}
		return Reject(CategoryPermission, reason), nil
	}
	return Allow(), nil
}

// MetadataTokenKey is the command metadata key holding the caller's token.
const MetadataTokenKey = "auth_token"

// ErrInvalidToken is returned for malformed or badly signed tokens.
var ErrInvalidToken = errors.New("invalid token")

// RoleClaims are the JWT claims read by JWTPermissionChecker.
type RoleClaims struct {
	Roles  []string `json:"roles,omitempty"`
	Tenant string   `json:"tenant,omitempty"`
	jwt.RegisteredClaims
}

// JWTPermissionChecker authorizes callers from an HMAC-signed token in
// the command metadata. The token subject must match the caller and the
// roles claim must contain one of RequiredRoles.
type JWTPermissionChecker struct {
	secret        []byte
	requiredRoles []string
}

// NewJWTPermissionChecker creates a checker. With no required roles any
// valid token for the caller is accepted.
func NewJWTPermissionChecker(secret string, requiredRoles ...string) *JWTPermissionChecker {
	return &JWTPermissionChecker{secret: []byte(secret), requiredRoles: requiredRoles}
}

// Authorize implements PermissionChecker.
func (c *JWTPermissionChecker) Authorize(_ context.Context, cmd Command) (bool, string, error) {
	raw := strings.TrimSpace(cmd.Metadata[MetadataTokenKey])
	if raw == "" {
		return false, "missing caller token", nil
	}
	raw = strings.TrimPrefix(raw, "Bearer ")

	claims, err := c.parse(raw)
	if err != nil {
		return false, "invalid caller token", nil
	}
	if claims.Subject != cmd.CallerID {
		return false, "token subject does not match caller", nil
	}
	if cmd.TenantID != "" && claims.Tenant != "" && claims.Tenant != cmd.TenantID {
		return false, "token tenant does not match request", nil
	}
	if len(c.requiredRoles) == 0 {
		return true, "", nil
	}
	for _, role := range c.requiredRoles {
		if slices.Contains(claims.Roles, role) {
			return true, "", nil
		}
	}
	return false, fmt.Sprintf("caller lacks required role (%s)", strings.Join(c.requiredRoles, ", ")), nil
}

func (c *JWTPermissionChecker) parse(raw string) (*RoleClaims, error) {
	if len(c.secret) == 0 {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &RoleClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*RoleClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SignRoleToken issues a token accepted by JWTPermissionChecker.
func SignRoleToken(secret, subject, tenant string, roles ...string) (string, error) {
	claims := RoleClaims{
		Roles:            roles,
		Tenant:           tenant,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
