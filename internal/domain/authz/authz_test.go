package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyAuthorizer(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewPolicyAuthorizer(DefaultPolicy())
	a.now = func() time.Time { return now }

	managerGrant := &Grant{GrantorID: "m1", GrantorRole: RoleManager, ExpiresAt: now.Add(time.Minute)}

	tests := []struct {
		name      string
		p         Principal
		c         Capability
		wantAllow bool
		wantBy    string
		elevated  bool
	}{
		{name: "cashier sells", p: Principal{ActorID: "c1", Role: RoleCashier}, c: CapSales, wantAllow: true, wantBy: "c1"},
		{name: "cashier cannot void", p: Principal{ActorID: "c1", Role: RoleCashier}, c: CapVoid},
		{name: "manager voids", p: Principal{ActorID: "m1", Role: RoleManager}, c: CapVoid, wantAllow: true, wantBy: "m1"},
		{name: "manager is not admin", p: Principal{ActorID: "m1", Role: RoleManager}, c: CapAdmin},
		{name: "administrator has everything", p: Principal{ActorID: "a1", Role: RoleAdministrator}, c: CapAdmin, wantAllow: true, wantBy: "a1"},
		{
			name:      "cashier with manager grant",
			p:         Principal{ActorID: "c1", Role: RoleCashier, Grant: managerGrant},
			c:         CapOverride,
			wantAllow: true,
			wantBy:    "m1",
			elevated:  true,
		},
		{
			name: "expired grant",
			p: Principal{ActorID: "c1", Role: RoleCashier, Grant: &Grant{
				GrantorID: "m1", GrantorRole: RoleManager, ExpiresAt: now,
			}},
			c: CapRefund,
		},
		{
			name: "grant from a cashier is useless",
			p: Principal{ActorID: "c1", Role: RoleCashier, Grant: &Grant{
				GrantorID: "c2", GrantorRole: RoleCashier, ExpiresAt: now.Add(time.Hour),
			}},
			c: CapVoid,
		},
		{name: "anonymous", p: Principal{Role: RoleAdministrator}, c: CapSales},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := a.Authorize(tt.p, tt.c)
			assert.Equal(t, tt.wantAllow, d.Allowed, d.Reason)
			assert.Equal(t, tt.wantBy, d.AuthorizedBy)
			assert.Equal(t, tt.elevated, d.Elevated)
			if !tt.wantAllow {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("manager")
	require.NoError(t, err)
	assert.Equal(t, RoleManager, r)

	_, err = ParseRole("owner")
	require.Error(t, err)
}
