package cannon

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/registry"
	"github.com/cuemby/snops/pkg/storage"
	"github.com/cuemby/snops/pkg/types"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeExecutor) Execute(ctx context.Context, agentID string, source types.CannonSource, tracker *types.TransactionTracker) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return "", fmt.Errorf("execute failed")
	}
	return "blob-" + tracker.TxID, nil
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, sink types.CannonSink, blob string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("broadcast failed")
	}
	f.sent = append(f.sent, blob)
	return nil
}

type fakeConfirmer struct {
	confirmed map[string]bool
}

func (f *fakeConfirmer) Confirm(ctx context.Context, sink types.CannonSink, txID string) (uint32, bool, error) {
	if f.confirmed[txID] {
		return 1, true, nil
	}
	return 0, false, nil
}

func newTestEngine(t *testing.T, deps Dependencies) (*Engine, storage.Store, *registry.Registry) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	reg, err := registry.New(store, broker)
	require.NoError(t, err)

	if deps.Compute == nil {
		deps.Compute = reg
	}
	return NewEngine(store, broker, deps), store, reg
}

func addComputeAgent(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	_, err := reg.Connect(id, "nonce-"+id, types.AgentFlags{Mode: types.ModeCompute})
	require.NoError(t, err)
}

func TestAuthorizedTransitionsToUnsentOnExecuteSuccess(t *testing.T) {
	exec := &fakeExecutor{}
	engine, store, reg := newTestEngine(t, Dependencies{Executor: exec, Broadcaster: &fakeBroadcaster{}, Confirmer: &fakeConfirmer{confirmed: map[string]bool{}}})
	addComputeAgent(t, reg, "agent-1")

	inst := &types.CannonInstance{ID: "c1", EnvID: "env-1", Sink: types.CannonSink{AuthorizeAttempts: 3, BroadcastAttempts: 3}}
	require.NoError(t, store.CreateCannon(inst))
	require.NoError(t, engine.RegisterCannon(inst))
	defer engine.UnregisterCannon(inst.EnvID, inst.ID)

	tracker := &types.TransactionTracker{TxID: "tx-1", Status: types.TransactionSendState{Kind: types.TxAuthorized, At: time.Now()}}
	require.NoError(t, store.PutTracker(inst.EnvID, inst.ID, tracker))

	engine.scanCannon(context.Background(), mustWorker(t, engine, inst))

	require.Eventually(t, func() bool {
		got, err := store.GetTracker(inst.EnvID, inst.ID, "tx-1")
		return err == nil && got.Status.Kind == types.TxUnsent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnsentBroadcastsAndConfirms(t *testing.T) {
	bc := &fakeBroadcaster{}
	confirmer := &fakeConfirmer{confirmed: map[string]bool{}}
	engine, store, reg := newTestEngine(t, Dependencies{Executor: &fakeExecutor{}, Broadcaster: bc, Confirmer: confirmer})
	addComputeAgent(t, reg, "agent-1")

	inst := &types.CannonInstance{ID: "c1", EnvID: "env-1", Sink: types.CannonSink{AuthorizeAttempts: 3, BroadcastAttempts: 3, BroadcastTimeout: 100 * time.Millisecond}}
	require.NoError(t, store.CreateCannon(inst))
	require.NoError(t, engine.RegisterCannon(inst))
	defer engine.UnregisterCannon(inst.EnvID, inst.ID)

	blob := "blob-tx-2"
	tracker := &types.TransactionTracker{TxID: "tx-2", TransactionBlob: &blob, Status: types.TransactionSendState{Kind: types.TxUnsent, At: time.Now()}}
	require.NoError(t, store.PutTracker(inst.EnvID, inst.ID, tracker))

	engine.scanCannon(context.Background(), mustWorker(t, engine, inst))
	require.Eventually(t, func() bool {
		got, err := store.GetTracker(inst.EnvID, inst.ID, "tx-2")
		return err == nil && got.Status.Kind == types.TxBroadcasted
	}, 2*time.Second, 10*time.Millisecond)

	confirmer.confirmed["tx-2"] = true
	engine.scanCannon(context.Background(), mustWorker(t, engine, inst))
	_, err := store.GetTracker(inst.EnvID, inst.ID, "tx-2")
	require.Error(t, err)
}

func TestRestartDemotesExecutingToAuthorized(t *testing.T) {
	engine, store, _ := newTestEngine(t, Dependencies{Executor: &fakeExecutor{}, Broadcaster: &fakeBroadcaster{}, Confirmer: &fakeConfirmer{confirmed: map[string]bool{}}})

	inst := &types.CannonInstance{ID: "c1", EnvID: "env-1"}
	require.NoError(t, store.CreateCannon(inst))

	tracker := &types.TransactionTracker{TxID: "tx-3", Status: types.TransactionSendState{Kind: types.TxExecuting, At: time.Now()}}
	require.NoError(t, store.PutTracker(inst.EnvID, inst.ID, tracker))

	require.NoError(t, engine.RegisterCannon(inst))
	defer engine.UnregisterCannon(inst.EnvID, inst.ID)

	got, err := store.GetTracker(inst.EnvID, inst.ID, "tx-3")
	require.NoError(t, err)
	require.Equal(t, types.TxAuthorized, got.Status.Kind)
}

func TestExhaustedAttemptsDeletesTracker(t *testing.T) {
	exec := &fakeExecutor{fail: true}
	engine, store, reg := newTestEngine(t, Dependencies{Executor: exec, Broadcaster: &fakeBroadcaster{}, Confirmer: &fakeConfirmer{confirmed: map[string]bool{}}})
	addComputeAgent(t, reg, "agent-1")

	inst := &types.CannonInstance{ID: "c1", EnvID: "env-1", Sink: types.CannonSink{AuthorizeAttempts: 1}}
	require.NoError(t, store.CreateCannon(inst))
	require.NoError(t, engine.RegisterCannon(inst))
	defer engine.UnregisterCannon(inst.EnvID, inst.ID)

	tracker := &types.TransactionTracker{TxID: "tx-4", Status: types.TransactionSendState{Kind: types.TxAuthorized, At: time.Now()}}
	require.NoError(t, store.PutTracker(inst.EnvID, inst.ID, tracker))

	engine.scanCannon(context.Background(), mustWorker(t, engine, inst))

	require.Eventually(t, func() bool {
		_, err := store.GetTracker(inst.EnvID, inst.ID, "tx-4")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func mustWorker(t *testing.T, e *Engine, inst *types.CannonInstance) *worker {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[cannonKey{inst.EnvID, inst.ID}]
	require.True(t, ok)
	return w
}
