package reconciler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cuemby/snops/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	running            map[string]bool
	current            map[string]types.NodeCommand
	started            []string
	stopped            []string
	appliedCheckpoints []string
	applyErr           error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{running: map[string]bool{}, current: map[string]types.NodeCommand{}}
}

func (f *fakeProcess) Running(key string) bool { return f.running[key] }
func (f *fakeProcess) CurrentCommand(key string) (types.NodeCommand, bool) {
	c, ok := f.current[key]
	return c, ok
}
func (f *fakeProcess) Start(key string, cmd types.NodeCommand) error {
	f.running[key] = true
	f.current[key] = cmd
	f.started = append(f.started, key)
	return nil
}
func (f *fakeProcess) Stop(key string, _ time.Duration) error {
	f.running[key] = false
	delete(f.current, key)
	f.stopped = append(f.stopped, key)
	return nil
}
func (f *fakeProcess) ApplyCheckpoint(ctx context.Context, program, ledgerDir, genesisPath, checkpointPath string) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.appliedCheckpoints = append(f.appliedCheckpoints, checkpointPath)
	return nil
}

type fakeTransfers struct{ pending bool }

func (f *fakeTransfers) Ensure(ctx context.Context, desc, url, dst string, size *uint64, sha *string, perm *os.FileMode) (bool, error) {
	return f.pending, nil
}

type fakeCatalog struct{ path string }

func (f *fakeCatalog) ResolveBinary(ctx context.Context, storage *types.LoadedStorage, binaryID string) (string, string, *string, *uint64, error) {
	return f.path, "", nil, nil, nil
}

func baseRuntime() *RuntimeState {
	return &RuntimeState{
		EnvID:          "env-1",
		StorageVersion: 1,
		Node: types.NodeState{
			NodeKey: types.NodeKey{Kind: types.NodeKindValidator, Name: "0"},
			Online:  true,
		},
		Storage: &types.LoadedStorage{Version: 1, GenesisSource: "https://example.test/genesis.block"},
	}
}

func TestInventoryShortCircuitStopsRunningProcess(t *testing.T) {
	proc := newFakeProcess()
	proc.running["validator/0"] = true

	rt := baseRuntime()
	deps := Dependencies{Process: proc, Transfers: &fakeTransfers{}, Catalog: &fakeCatalog{path: "/bin/node"}, DataDir: t.TempDir()}

	status, err := Reconcile(context.Background(), types.Inventory(), rt, deps)
	require.NoError(t, err)
	assert.True(t, status.IsDone())
	assert.Contains(t, proc.stopped, "validator/0")
}

func TestGenesisPendingRequeues(t *testing.T) {
	rt := baseRuntime()
	deps := Dependencies{
		Process:   newFakeProcess(),
		Transfers: &fakeTransfers{pending: true},
		Catalog:   &fakeCatalog{path: "/bin/node"},
		DataDir:   t.TempDir(),
	}

	status, err := Reconcile(context.Background(), types.ToNode("env-1", rt.Node), rt, deps)
	require.NoError(t, err)
	require.NotNil(t, status.RequeueAfter)
	_, hasCondition := status.Conditions[types.ConditionPendingTransfer]
	assert.True(t, hasCondition)
}

func TestProcessStartsWhenMissing(t *testing.T) {
	proc := newFakeProcess()
	rt := baseRuntime()
	deps := Dependencies{
		Process:   proc,
		Transfers: &fakeTransfers{},
		Catalog:   &fakeCatalog{path: "/bin/node"},
		DataDir:   t.TempDir(),
	}

	_, err := Reconcile(context.Background(), types.ToNode("env-1", rt.Node), rt, deps)
	require.NoError(t, err)
	assert.Contains(t, proc.started, "validator/0")
}

func TestStorageVersionChangeInvalidates(t *testing.T) {
	rt := baseRuntime()
	rt.StorageVersion = 0
	rt.Storage.Version = 2
	deps := Dependencies{
		Process:   newFakeProcess(),
		Transfers: &fakeTransfers{},
		Catalog:   &fakeCatalog{path: "/bin/node"},
		DataDir:   t.TempDir(),
	}

	status, err := Reconcile(context.Background(), types.ToNode("env-1", rt.Node), rt, deps)
	require.NoError(t, err)
	_, hasCondition := status.Conditions[types.ConditionStorageInvalid]
	assert.True(t, hasCondition)
	assert.EqualValues(t, 2, rt.StorageVersion)
}

func TestHeightReconcileTopOnlyRecordsGeneration(t *testing.T) {
	proc := newFakeProcess()
	rt := baseRuntime()
	rt.Node.HeightRequest = types.GenerationalHeightRequest{Generation: 1, Request: types.HeightRequest{Kind: types.HeightTop}}
	deps := Dependencies{Process: proc, Transfers: &fakeTransfers{}, Catalog: &fakeCatalog{path: "/bin/node"}, DataDir: t.TempDir()}

	_, done, err := heightReconcile(context.Background(), rt, deps, "/bin/node")
	require.NoError(t, err)
	assert.False(t, done)
	assert.EqualValues(t, 1, rt.HeightGeneration)
	assert.Empty(t, proc.appliedCheckpoints)
}

func TestHeightReconcileAbsoluteAppliesSelectedCheckpoint(t *testing.T) {
	proc := newFakeProcess()
	rt := baseRuntime()
	rt.Storage.ID = "s1"
	rt.Storage.NetworkID = types.NetworkTestnet
	rt.Storage.Checkpoints = []types.CheckpointMeta{
		{Filename: "100.checkpoint", BlockHeight: 100},
		{Filename: "200.checkpoint", BlockHeight: 200},
		{Filename: "300.checkpoint", BlockHeight: 300},
	}
	rt.Node.HeightRequest = types.GenerationalHeightRequest{
		Generation: 1,
		Request:    types.HeightRequest{Kind: types.HeightAbsolute, Absolute: 250},
	}
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(dataDir+"/storage/testnet/s1", 0o755))
	require.NoError(t, os.WriteFile(dataDir+"/storage/testnet/s1/200.checkpoint", []byte("data"), 0o644))

	deps := Dependencies{Process: proc, Transfers: &fakeTransfers{}, Catalog: &fakeCatalog{path: "/bin/node"}, DataDir: dataDir}

	_, done, err := heightReconcile(context.Background(), rt, deps, "/bin/node")
	require.NoError(t, err)
	assert.False(t, done)
	assert.EqualValues(t, 1, rt.HeightGeneration)
	require.Len(t, proc.appliedCheckpoints, 1)
	assert.Contains(t, proc.appliedCheckpoints[0], "200.checkpoint")
}

func TestHeightReconcileCheckpointMissingRetentionPolicyFails(t *testing.T) {
	rt := baseRuntime()
	rt.Storage.Retention = nil
	rt.Node.HeightRequest = types.GenerationalHeightRequest{
		Generation: 1,
		Request:    types.HeightRequest{Kind: types.HeightCheckpoint, Span: "7d"},
	}
	deps := Dependencies{Process: newFakeProcess(), Transfers: &fakeTransfers{}, Catalog: &fakeCatalog{path: "/bin/node"}, DataDir: t.TempDir()}

	_, done, err := heightReconcile(context.Background(), rt, deps, "/bin/node")
	assert.True(t, done)
	require.Error(t, err)
	rerr, ok := err.(*types.ReconcileError)
	require.True(t, ok)
	assert.Equal(t, types.ErrMissingRetentionPolicy, rerr.Kind)
}

func TestHeightReconcileNoMatchingCheckpointFails(t *testing.T) {
	rt := baseRuntime()
	rt.Node.HeightRequest = types.GenerationalHeightRequest{
		Generation: 1,
		Request:    types.HeightRequest{Kind: types.HeightAbsolute, Absolute: 50},
	}
	deps := Dependencies{Process: newFakeProcess(), Transfers: &fakeTransfers{}, Catalog: &fakeCatalog{path: "/bin/node"}, DataDir: t.TempDir()}

	_, done, err := heightReconcile(context.Background(), rt, deps, "/bin/node")
	assert.True(t, done)
	require.Error(t, err)
	rerr, ok := err.(*types.ReconcileError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCheckpointAcquire, rerr.Kind)
}

func TestHeightReconcilePendingFetchRequeues(t *testing.T) {
	rt := baseRuntime()
	rt.Storage.ID = "s1"
	rt.Storage.NetworkID = types.NetworkTestnet
	rt.Storage.Checkpoints = []types.CheckpointMeta{{Filename: "100.checkpoint", BlockHeight: 100}}
	rt.Node.HeightRequest = types.GenerationalHeightRequest{
		Generation: 1,
		Request:    types.HeightRequest{Kind: types.HeightAbsolute, Absolute: 100},
	}
	deps := Dependencies{
		Process:     newFakeProcess(),
		Transfers:   &fakeTransfers{pending: true},
		Catalog:     &fakeCatalog{path: "/bin/node"},
		DataDir:     t.TempDir(),
		ControlAddr: "control.internal:8080",
	}

	status, done, err := heightReconcile(context.Background(), rt, deps, "/bin/node")
	require.NoError(t, err)
	assert.True(t, done)
	require.NotNil(t, status.RequeueAfter)
	_, hasCondition := status.Conditions[types.ConditionCheckpointPending]
	assert.True(t, hasCondition)
	assert.EqualValues(t, 0, rt.HeightGeneration)
}

func TestHeightReconcileApplyFailurePropagatesError(t *testing.T) {
	proc := newFakeProcess()
	proc.applyErr = assert.AnError
	rt := baseRuntime()
	rt.Storage.ID = "s1"
	rt.Storage.NetworkID = types.NetworkTestnet
	rt.Storage.Checkpoints = []types.CheckpointMeta{{Filename: "100.checkpoint", BlockHeight: 100}}
	rt.Node.HeightRequest = types.GenerationalHeightRequest{
		Generation: 1,
		Request:    types.HeightRequest{Kind: types.HeightAbsolute, Absolute: 100},
	}
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(dataDir+"/storage/testnet/s1", 0o755))
	require.NoError(t, os.WriteFile(dataDir+"/storage/testnet/s1/100.checkpoint", []byte("data"), 0o644))
	deps := Dependencies{Process: proc, Transfers: &fakeTransfers{}, Catalog: &fakeCatalog{path: "/bin/node"}, DataDir: dataDir}

	_, done, err := heightReconcile(context.Background(), rt, deps, "/bin/node")
	assert.True(t, done)
	require.Error(t, err)
	rerr, ok := err.(*types.ReconcileError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCheckpointApply, rerr.Kind)
	assert.Empty(t, proc.appliedCheckpoints)
}
