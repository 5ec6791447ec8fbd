package middleware

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-autograde/internal/utils"
)

// portalClaims are the claims minted by the course portal. Subject holds the user id; older
// tokens carry it in user_id instead. Runner tokens use the "pipeline" role.
type portalClaims struct {
	jwt.RegisteredClaims
	UserID json.Number `json:"user_id,omitempty"`
	Role   string      `json:"role,omitempty"`
	Roles  []string    `json:"roles,omitempty"`
}

func (c portalClaims) userID() (uint, bool) {
	for _, raw := range []string{c.Subject, c.UserID.String()} {
		if id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64); err == nil {
			return uint(id), true
		}
	}
	return 0, false
}

func (c portalClaims) role() string {
	for _, candidate := range append([]string{c.Role}, c.Roles...) {
		if role := strings.ToLower(strings.TrimSpace(candidate)); role != "" {
			return role
		}
	}
	return ""
}

// JWTProtected validates HMAC bearer tokens and exposes user_id and user_role locals to later
// handlers. Tokens without an expiry are rejected.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (interface{}, error) { return []byte(secret), nil }

	return func(c *fiber.Ctx) error {
		scheme, raw, found := strings.Cut(strings.TrimSpace(c.Get(fiber.HeaderAuthorization)), " ")
		switch {
		case scheme == "":
			return utils.Fail(c, fiber.StatusUnauthorized, "authorization header missing", nil)
		case !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(raw) == "":
			return utils.Fail(c, fiber.StatusUnauthorized, "invalid authorization header", nil)
		}

		var claims portalClaims
		token, err := parser.ParseWithClaims(strings.TrimSpace(raw), &claims, keyFunc)
		if err != nil || !token.Valid {
			return utils.Fail(c, fiber.StatusUnauthorized, "invalid token", nil)
		}

		if id, ok := claims.userID(); ok {
			c.Locals("user_id", id)
		}
		if role := claims.role(); role != "" {
			c.Locals("user_role", role)
		}

		return c.Next()
	}
}
