package rbac

import (
	"strings"
	"time"

	"github.com/ankader/backoffice/internal/shared"
)

// Role represents a high-level permission grouping.
type Role string

// Roles known to the back office. The wire names match the stored values.
const (
	RoleSuperUser Role = "ACAR"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
)

// Roles returns the fixed role enumeration.
func Roles() []Role {
	return []Role{RoleSuperUser, RoleAdmin, RoleModerator}
}

// ParseRole maps a stored role name onto the enumeration. Matching is exact.
func ParseRole(raw string) (Role, bool) {
	for _, role := range Roles() {
		if string(role) == strings.TrimSpace(raw) {
			return role, true
		}
	}
	return "", false
}

// Permissions is a resource -> action -> granted matrix.
type Permissions map[string]map[string]bool

// Allows reports whether the matrix grants action on resource. A missing
// resource or action is a denial.
func (p Permissions) Allows(resource, action string) bool {
	actions, ok := p[resource]
	if !ok {
		return false
	}
	return actions[action]
}

// DefaultPermissions is the matrix given to new non-superuser accounts.
func DefaultPermissions() Permissions {
	return Permissions{
		shared.ResourceMembers: {shared.ActionRead: true, shared.ActionWrite: true, shared.ActionDelete: false},
		shared.ResourceEvents:  {shared.ActionRead: true, shared.ActionWrite: true, shared.ActionDelete: false},
		shared.ResourceBudget:  {shared.ActionRead: true, shared.ActionWrite: true, shared.ActionDelete: false},
		shared.ResourceAdmin:   {shared.ActionRead: false, shared.ActionWrite: false, shared.ActionDelete: false},
	}
}

// Grant names one resource/action pair.
type Grant struct {
	Resource string
	Action   string
}

// Principal describes the authenticated actor. It is owned by the user
// directory and read-only to the authorization pipeline.
type Principal struct {
	ID          int64
	Name        string
	Phone       string
	Role        Role
	IsActive    bool
	Permissions Permissions
	LastLogin   *time.Time
}

// GetID returns the principal identifier.
func (p *Principal) GetID() int64 {
	if p == nil {
		return 0
	}
	return p.ID
}

// IsSuperUser reports whether the principal bypasses permission checks.
func (p *Principal) IsSuperUser() bool {
	return p != nil && p.Role == RoleSuperUser
}
