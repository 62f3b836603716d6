// Package authz decides whether a principal may perform a restricted action.
//
// Decisions come from a declared policy table mapping roles to capabilities.
// A principal whose own role lacks a capability can still be allowed by a
// time-bounded grant issued by someone whose role holds it (a manager
// approving a cashier's void, for example).
package authz

import (
	"slices"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrUnauthorized is returned when the actor may not perform an action.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRequiresAuthorization is returned when an action needs an elevated
	// grant that was not supplied.
	ErrRequiresAuthorization = errors.New("action requires manager authorization")
)

// Role of an authenticated actor.
type Role string

const (
	RoleCashier       Role = "cashier"
	RoleManager       Role = "manager"
	RoleAdministrator Role = "administrator"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleCashier, RoleManager, RoleAdministrator:
		return r, nil
	default:
		return "", errors.Errorf("unknown role %q", s)
	}
}

// Capability is a restricted action class.
type Capability string

const (
	CapSales     Capability = "sales"
	CapRefund    Capability = "refund"
	CapVoid      Capability = "void"
	CapOverride  Capability = "override"
	CapReports   Capability = "reports"
	CapInventory Capability = "inventory"
	CapAdmin     Capability = "admin"
)

// Policy maps a role to the capabilities it holds.
type Policy map[Role][]Capability

// DefaultPolicy is the register's standard role table.
func DefaultPolicy() Policy {
	return Policy{
		RoleAdministrator: {CapSales, CapRefund, CapVoid, CapOverride, CapReports, CapInventory, CapAdmin},
		RoleManager:       {CapSales, CapRefund, CapVoid, CapOverride, CapReports, CapInventory},
		RoleCashier:       {CapSales},
	}
}

// Allows reports whether role holds c.
func (p Policy) Allows(role Role, c Capability) bool {
	return slices.Contains(p[role], c)
}

// Grant is an elevated, time-bounded permission issued by GrantorID.
type Grant struct {
	GrantorID   string
	GrantorRole Role
	ExpiresAt   time.Time
}

// Principal is the resolved identity of a request.
type Principal struct {
	ActorID string
	Role    Role
	Grant   *Grant
}

// Decision is the explicit outcome of an authorization check.
type Decision struct {
	Allowed bool
	// AuthorizedBy is the actor whose role carried the capability: the
	// principal itself, or the grantor when Elevated.
	AuthorizedBy string
	Elevated     bool
	Reason       string
}

// Authorizer returns a decision for principal p and capability c.
type Authorizer interface {
	Authorize(p Principal, c Capability) Decision
}

// PolicyAuthorizer evaluates a Policy table.
type PolicyAuthorizer struct {
	policy Policy
	now    func() time.Time
}

// NewPolicyAuthorizer creates an Authorizer backed by policy.
func NewPolicyAuthorizer(policy Policy) *PolicyAuthorizer {
	return &PolicyAuthorizer{policy: policy, now: time.Now}
}

// Authorize implements Authorizer.
func (a *PolicyAuthorizer) Authorize(p Principal, c Capability) Decision {
	if p.ActorID == "" {
		return Decision{Reason: "anonymous principal"}
	}
	if a.policy.Allows(p.Role, c) {
		return Decision{Allowed: true, AuthorizedBy: p.ActorID}
	}
	g := p.Grant
	if g == nil {
		return Decision{Reason: "role " + string(p.Role) + " lacks " + string(c)}
	}
	if !a.now().Before(g.ExpiresAt) {
		return Decision{Reason: "grant expired"}
	}
	if !a.policy.Allows(g.GrantorRole, c) {
		return Decision{Reason: "grantor role " + string(g.GrantorRole) + " lacks " + string(c)}
	}
	return Decision{Allowed: true, AuthorizedBy: g.GrantorID, Elevated: true}
}
