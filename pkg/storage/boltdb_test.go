package storage

import (
	"testing"

	"github.com/cuemby/snops/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAgentCreateGetList(t *testing.T) {
	store := newTestStore(t)

	agent := &types.Agent{ID: "agent-1"}
	require.NoError(t, store.CreateAgent(agent))

	got, err := store.GetAgent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.ID)

	all, err := store.ListAgents()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteAgent("agent-1"))
	_, err = store.GetAgent("agent-1")
	assert.Error(t, err)
}

func TestTrackerPrefixIteration(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutTracker("env-1", "cannon-a", &types.TransactionTracker{TxID: "tx-1"}))
	require.NoError(t, store.PutTracker("env-1", "cannon-a", &types.TransactionTracker{TxID: "tx-2"}))
	require.NoError(t, store.PutTracker("env-1", "cannon-b", &types.TransactionTracker{TxID: "tx-3"}))

	trackers, err := store.ListTrackers("env-1", "cannon-a")
	require.NoError(t, err)
	assert.Len(t, trackers, 2)

	trackers, err = store.ListTrackers("env-1", "cannon-b")
	require.NoError(t, err)
	assert.Len(t, trackers, 1)
}

func TestSchemaVersionMismatchRejected(t *testing.T) {
	var v types.Agent
	raw, err := encode(99, &v)
	require.NoError(t, err)
	assert.Error(t, decode(raw, agentSchemaVersion, &v))
}
