package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/magpie/pkg/types"
)

func threeNodes() []*types.Node {
	return []*types.Node{
		{Name: "alpha", Role: types.NodeRolePrimary, Priority: 1, Health: types.HealthHealthy},
		{Name: "beta", Role: types.NodeRoleSecondary, Priority: 2, Health: types.HealthHealthy},
		{Name: "gamma", Role: types.NodeRoleStandby, Priority: 3, Health: types.HealthHealthy},
	}
}

func TestRegistryPrimaryAndSecondaries(t *testing.T) {
	r, err := NewRegistry(threeNodes(), "alpha")
	require.NoError(t, err)

	p := r.Primary()
	require.NotNil(t, p)
	assert.Equal(t, "alpha", p.Name)

	secs := r.Secondaries()
	require.Len(t, secs, 2)
	assert.Equal(t, "beta", secs[0].Name)
	assert.Equal(t, "gamma", secs[1].Name)
}

func TestRegistryPromoteDemotesOldPrimary(t *testing.T) {
	r, err := NewRegistry(threeNodes(), "alpha")
	require.NoError(t, err)

	require.NoError(t, r.Promote("beta"))

	p := r.Primary()
	require.NotNil(t, p)
	assert.Equal(t, "beta", p.Name)

	old, ok := r.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, types.NodeRoleSecondary, old.Role)

	assert.Error(t, r.Promote("nosuch"))
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	r, err := NewRegistry(threeNodes(), "alpha")
	require.NoError(t, err)

	snap := r.Snapshot()
	snap["alpha"].Role = types.NodeRoleStandby

	p := r.Primary()
	require.NotNil(t, p)
	assert.Equal(t, "alpha", p.Name)
}

func TestRegistryRejectsUnknownLocal(t *testing.T) {
	_, err := NewRegistry(threeNodes(), "delta")
	assert.Error(t, err)
}

func TestRegistryUpdateHealth(t *testing.T) {
	r, err := NewRegistry(threeNodes(), "alpha")
	require.NoError(t, err)

	r.UpdateHealth("beta", func(n *types.Node) {
		n.FailureCount = 5
		n.Health = types.HealthOffline
	})

	n, ok := r.Get("beta")
	require.True(t, ok)
	assert.Equal(t, 5, n.FailureCount)
	assert.Equal(t, types.HealthOffline, n.Health)

	r.ResetFailureCounts()
	n, _ = r.Get("beta")
	assert.Equal(t, 0, n.FailureCount)
}
