package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-autograde/internal/utils"
)

// Roles understood by WithAuth.
const (
	AuthRoleAny     = "any"
	AuthRoleAdmin   = "admin"
	AuthRoleStudent = "student"
	// AuthRolePipeline admits runner callbacks and administrators.
	AuthRolePipeline = "pipeline"
)

// rolesAdmitted maps a guard role to the JWT roles it lets through.
var rolesAdmitted = map[string]map[string]bool{
	AuthRoleAdmin:    roleSet("admin", "teacher"),
	AuthRoleStudent:  roleSet("student"),
	AuthRolePipeline: roleSet("pipeline", "admin"),
}

// AuthOptions configures WithAuth. Any role other than AuthRoleAny implies RequireUser.
type AuthOptions struct {
	Role        string
	RequireUser bool
}

// WithAuth guards handler with an identity check and, unless Role is AuthRoleAny, a role check.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	role := strings.ToLower(strings.TrimSpace(opts.Role))
	if role == "" {
		role = AuthRoleAny
	}
	requireUser := opts.RequireUser || role != AuthRoleAny

	admitted, known := rolesAdmitted[role]
	if !known && role != AuthRoleAny {
		admitted = roleSet(role)
	}

	return func(c *fiber.Ctx) error {
		if requireUser && c.Locals("user_id") == nil {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}
		if role == AuthRoleAny {
			return handler(c)
		}

		if current := normalizeRoleValue(c.Locals("user_role")); !admitted[current] {
			return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", fiber.Map{"role": current})
		}

		return handler(c)
	}
}
