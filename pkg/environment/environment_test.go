package environment

import (
	"strings"
	"testing"

	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/registry"
	"github.com/cuemby/snops/pkg/storage"
	"github.com/cuemby/snops/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const oneValidatorSpec = `
kind: Nodes
spec:
  network: testnet
  nodes:
    validator/0:
      online: true
      replicas: 2
      key: local
`

func newTestManager(t *testing.T) (*Manager, *registry.Registry, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	reg, err := registry.New(store, broker)
	require.NoError(t, err)

	mgr, err := New(store, reg, broker)
	require.NoError(t, err)
	return mgr, reg, store
}

func TestApplyDelegatesToAvailableAgents(t *testing.T) {
	mgr, reg, _ := newTestManager(t)

	_, err := reg.Connect("agent-1", "n1", types.AgentFlags{Mode: types.ModeValidator, LocalPK: true})
	require.NoError(t, err)
	_, err = reg.Connect("agent-2", "n2", types.AgentFlags{Mode: types.ModeValidator, LocalPK: true})
	require.NoError(t, err)

	env, errs := mgr.Apply(strings.NewReader(oneValidatorSpec), ApplyInput{EnvID: "env-1", NetworkID: types.NetworkTestnet})
	require.Empty(t, errs)
	require.NotNil(t, env)
	assert.Equal(t, 2, env.Nodes.Len())

	agent1, _ := reg.Get("agent-1")
	agent2, _ := reg.Get("agent-2")
	assert.True(t, agent1.EnvClaim.Held())
	assert.True(t, agent2.EnvClaim.Held())
}

func TestApplyFailsInsufficientAgents(t *testing.T) {
	mgr, reg, _ := newTestManager(t)

	_, err := reg.Connect("agent-1", "n1", types.AgentFlags{Mode: types.ModeValidator})
	require.NoError(t, err)

	_, errs := mgr.Apply(strings.NewReader(oneValidatorSpec), ApplyInput{EnvID: "env-1", NetworkID: types.NetworkTestnet})
	require.NotEmpty(t, errs)
	var delegErr *types.DelegationError
	require.ErrorAs(t, errs[0], &delegErr)
	assert.Equal(t, types.ErrInsufficientAgentCount, delegErr.Kind)
}

func TestDeleteReleasesClaimsAndRemoves(t *testing.T) {
	mgr, reg, _ := newTestManager(t)

	_, err := reg.Connect("agent-1", "n1", types.AgentFlags{Mode: types.ModeValidator, LocalPK: true})
	require.NoError(t, err)
	_, err = reg.Connect("agent-2", "n2", types.AgentFlags{Mode: types.ModeValidator, LocalPK: true})
	require.NoError(t, err)

	env, errs := mgr.Apply(strings.NewReader(oneValidatorSpec), ApplyInput{EnvID: "env-1", NetworkID: types.NetworkTestnet})
	require.Empty(t, errs)

	require.NoError(t, mgr.Delete(env.ID))
	assert.False(t, mgr.Exists(env.ID))

	agent1, _ := reg.Get("agent-1")
	agent2, _ := reg.Get("agent-2")
	assert.False(t, agent1.EnvClaim.Held())
	assert.False(t, agent2.EnvClaim.Held())
	assert.Equal(t, types.DesiredInventory, agent1.Desired.Kind)
}

func TestResolveAddrsRules(t *testing.T) {
	ext := "1.2.3.4"
	otherExt := "5.6.7.8"

	self := &types.Agent{Addrs: types.AgentAddrs{External: &ext}}
	samePeer := &types.Agent{Addrs: types.AgentAddrs{External: &ext, Internal: []string{"10.0.0.2"}}}
	addr, ok := ResolveAddrs(self, samePeer)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", addr)

	diffPeer := &types.Agent{Addrs: types.AgentAddrs{External: &otherExt, Internal: []string{"10.0.0.3"}}}
	addr, ok = ResolveAddrs(self, diffPeer)
	require.True(t, ok)
	assert.Equal(t, otherExt, addr)

	noExtSelf := &types.Agent{}
	noExtPeer := &types.Agent{Addrs: types.AgentAddrs{Internal: []string{"10.0.0.4"}}}
	addr, ok = ResolveAddrs(noExtSelf, noExtPeer)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.4", addr)
}
