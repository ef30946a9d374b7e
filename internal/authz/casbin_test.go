package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaselineRoles(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	assert.True(t, a.Check("admin", "delete:anything"))
	assert.True(t, a.Check("operator", "read:projects"))
	assert.True(t, a.Check("operator", "write:projects"))
	assert.False(t, a.Check("operator", "delete:projects"))
	assert.True(t, a.Check("viewer", "read:projects"))
	assert.False(t, a.Check("viewer", "write:projects"))
}

func TestCheckUnknownRole(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	assert.False(t, a.Check("intern", "read:projects"))
	assert.False(t, a.Check("", "read:projects"))
}

func TestGrantExtendsRole(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	assert.False(t, a.Check("auditor", "read:audit"))
	a.Grant("auditor", "read:audit")
	assert.True(t, a.Check("auditor", "read:audit"))

	// pattern grants cover the whole prefix
	a.Grant("auditor", "export:*")
	assert.True(t, a.Check("auditor", "export:reports"))
}

func TestRolesListsGrantedRoles(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	roles := a.Roles()
	assert.Contains(t, roles, "admin")
	assert.Contains(t, roles, "operator")
	assert.Contains(t, roles, "viewer")
}
