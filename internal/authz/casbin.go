package authz

import (
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"secure-vault-hub/internal/managererr"
)

// Permission model: a role is granted permission patterns; `*` grants
// everything and keyMatch lets a grant like `read:*` cover `read:projects`.
const modelText = `
[request_definition]
r = sub, perm

[policy_definition]
p = sub, perm

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (p.perm == "*" || keyMatch(r.perm, p.perm))
`

// Authorizer answers role-to-permission questions for authenticated
// principals that carry a role instead of (or in addition to) direct
// permission grants.
type Authorizer struct {
	enforcer *casbin.Enforcer
}

// New builds an enforcer with the baseline role grants.
func New() (*Authorizer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, managererr.New(managererr.CodeIntegrationInit, 500, "failed to load authorization model").WithCause(err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, managererr.New(managererr.CodeIntegrationInit, 500, "failed to create enforcer").WithCause(err)
	}

	a := &Authorizer{enforcer: e}
	// Baseline roles; deployments extend these through Grant.
	a.Grant("admin", "*")
	a.Grant("operator", "read:*")
	a.Grant("operator", "write:*")
	a.Grant("viewer", "read:*")
	return a, nil
}

// Grant adds a permission pattern to a role.
func (a *Authorizer) Grant(role, permission string) {
	_, _ = a.enforcer.AddPolicy(role, permission)
}

// Check reports whether role holds the permission.
func (a *Authorizer) Check(role, permission string) bool {
	if role == "" {
		return false
	}
	ok, err := a.enforcer.Enforce(role, permission)
	return err == nil && ok
}

// Roles lists the roles with at least one grant.
func (a *Authorizer) Roles() []string {
	policies := a.enforcer.GetPolicy()
	seen := map[string]bool{}
	var roles []string
	for _, p := range policies {
		if len(p) > 0 && !seen[p[0]] {
			seen[p[0]] = true
			roles = append(roles, p[0])
		}
	}
	return roles
}
