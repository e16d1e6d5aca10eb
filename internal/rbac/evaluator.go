package rbac

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/ankader/backoffice/internal/shared"
)

// Evaluator answers access-control questions for one principal at a time.
// It holds no per-request state and is safe for concurrent use.
type Evaluator struct {
	apiKeys [][]byte
}

// NewEvaluator builds an Evaluator accepting the supplied API keys. Blank
// entries are ignored.
func NewEvaluator(apiKeys []string) *Evaluator {
	keys := make([][]byte, 0, len(apiKeys))
	seen := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, []byte(k))
	}
	return &Evaluator{apiKeys: keys}
}

// RequireAuthenticated fails when no principal is attached to the request.
func (e *Evaluator) RequireAuthenticated(p *Principal) error {
	if p == nil {
		return fmt.Errorf("%w: authentication required", shared.ErrUnauthorized)
	}
	return nil
}

// RequireRole fails unless the principal's role is one of allowed. The
// superuser is not implied; callers list it explicitly.
func (e *Evaluator) RequireRole(p *Principal, allowed ...Role) error {
	if err := e.RequireAuthenticated(p); err != nil {
		return err
	}
	for _, role := range allowed {
		if p.Role == role {
			return nil
		}
	}
	names := make([]string, len(allowed))
	for i, role := range allowed {
		names[i] = string(role)
	}
	return fmt.Errorf("%w: requires role %s", shared.ErrForbidden, strings.Join(names, ", "))
}

// RequireAdmin admits superusers and admins.
func (e *Evaluator) RequireAdmin(p *Principal) error {
	return e.RequireRole(p, RoleSuperUser, RoleAdmin)
}

// RequireSuperuser admits superusers only.
func (e *Evaluator) RequireSuperuser(p *Principal) error {
	return e.RequireRole(p, RoleSuperUser)
}

// RequirePermission fails unless the principal may perform action on
// resource.
func (e *Evaluator) RequirePermission(p *Principal, resource, action string) error {
	if err := e.RequireAuthenticated(p); err != nil {
		return err
	}
	if e.Can(p, resource, action) {
		return nil
	}
	return fmt.Errorf("%w: %s %s not permitted", shared.ErrForbidden, resource, action)
}

// Can is the single place the superuser bypass is expressed.
func (e *Evaluator) Can(p *Principal, resource, action string) bool {
	if p == nil {
		return false
	}
	if p.IsSuperUser() {
		return true
	}
	return p.Permissions.Allows(resource, action)
}

// EffectivePermissions expands the full matrix for p, applying the superuser
// bypass.
func (e *Evaluator) EffectivePermissions(p *Principal) Permissions {
	out := make(Permissions, len(shared.CoreResources()))
	for _, resource := range shared.CoreResources() {
		actions := make(map[string]bool, len(shared.CoreActions()))
		for _, action := range shared.CoreActions() {
			actions[action] = e.Can(p, resource, action)
		}
		out[resource] = actions
	}
	return out
}

// RequireAPIKey validates a presented key against the allow-list. It is
// independent of principal-based checks.
func (e *Evaluator) RequireAPIKey(presented string) error {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return fmt.Errorf("%w: api key required", shared.ErrUnauthorized)
	}
	candidate := []byte(presented)
	match := 0
	for _, key := range e.apiKeys {
		match |= subtle.ConstantTimeCompare(candidate, key)
	}
	if match != 1 {
		return fmt.Errorf("%w: invalid api key", shared.ErrUnauthorized)
	}
	return nil
}
