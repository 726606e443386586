package auth

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"gorm.io/gorm"
)

// Role subjects used in policies.
const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && keyMatch2(r.obj, p.obj) && regexMatch(r.act, p.act)
`

// NewEnforcer builds the RESTful enforcer, persisting policies in db through
// the gorm adapter, and seeds the admin policy for apiBase.
func NewEnforcer(db *gorm.DB, apiBase string) (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("rbac model: %w", err)
	}
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, fmt.Errorf("rbac adapter: %w", err)
	}
	e, err := casbin.NewEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("rbac enforcer: %w", err)
	}

	prefix := strings.TrimRight(apiBase, "/")
	if _, err := e.AddPolicy(RoleAdmin, prefix+"/admin/*", "(GET)|(POST)|(PUT)|(PATCH)|(DELETE)"); err != nil {
		return nil, fmt.Errorf("rbac seed: %w", err)
	}
	return e, nil
}

// RoleName maps the staff flag to a policy subject.
func RoleName(admin bool) string {
	if admin {
		return RoleAdmin
	}
	return RoleCustomer
}
