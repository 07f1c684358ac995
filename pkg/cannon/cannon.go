// Package cannon implements the transaction pipeline: a per-cannon
// tracker state machine (Authorized -> Executing -> Unsent -> Broadcasted ->
// deleted) driven by a periodic tracking loop, grounded on the teacher's
// ticker-driven reconcile cycle (pkg/reconciler's original reconciler.go)
// generalized from a node sweep to a transaction sweep, and on the
// environment manager's claim-and-dispatch shape for picking compute agents.
package cannon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/metrics"
	"github.com/cuemby/snops/pkg/storage"
	"github.com/cuemby/snops/pkg/types"
)

// channelCapacity bounds each cannon's auth/tx channels.
const channelCapacity = 16

// tickInterval is the tracking loop period.
const tickInterval = 5 * time.Second

// ledgerExistsPhrase is the duplicate-broadcast success marker: responses
// containing it are treated as success rather than a broadcast failure.
const ledgerExistsPhrase = "exists in the ledger"

// ComputeClaimant picks and releases compute-capable agents, satisfied by
// *registry.Registry.
type ComputeClaimant interface {
	List() []*types.Agent
	ClaimForCompute(id string) bool
	ReleaseCompute(id string)
}

// Executor asks a compute agent to produce a transaction blob from an
// authorization source.
type Executor interface {
	Execute(ctx context.Context, agentID string, source types.CannonSource, tracker *types.TransactionTracker) (blob string, err error)
}

// Broadcaster sends a transaction blob to a cannon's sink.
type Broadcaster interface {
	Broadcast(ctx context.Context, sink types.CannonSink, blob string) error
}

// Confirmer reports whether a transaction id has been included in a block,
// either from a local block cache or a live node query.
type Confirmer interface {
	Confirm(ctx context.Context, sink types.CannonSink, txID string) (blockHeight uint32, confirmed bool, err error)
}

// Dependencies bundles the cannon engine's external collaborators.
type Dependencies struct {
	Compute     ComputeClaimant
	Executor    Executor
	Broadcaster Broadcaster
	Confirmer   Confirmer
}

type cannonKey struct{ envID, cannonID string }

type worker struct {
	inst    *types.CannonInstance
	authCh  chan *types.TransactionTracker
	txCh    chan *types.TransactionTracker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	drained chan struct{}
}

// Engine runs the tracking loop across every registered cannon.
type Engine struct {
	store  storage.Store
	broker *events.Broker
	deps   Dependencies

	mu      sync.Mutex
	workers map[cannonKey]*worker
}

// NewEngine builds an Engine over store, publishing lifecycle events to
// broker.
func NewEngine(store storage.Store, broker *events.Broker, deps Dependencies) *Engine {
	return &Engine{store: store, broker: broker, deps: deps, workers: make(map[cannonKey]*worker)}
}

// RegisterCannon starts auth/tx workers for inst and demotes any tracker
// left in Executing from a prior process's crash back to Authorized.
func (e *Engine) RegisterCannon(inst *types.CannonInstance) error {
	key := cannonKey{inst.EnvID, inst.ID}

	e.mu.Lock()
	if _, exists := e.workers[key]; exists {
		e.mu.Unlock()
		return nil
	}
	w := &worker{
		inst:    inst,
		authCh:  make(chan *types.TransactionTracker, channelCapacity),
		txCh:    make(chan *types.TransactionTracker, channelCapacity),
		stopCh:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	e.workers[key] = w
	e.mu.Unlock()

	if err := e.demoteStaleExecuting(inst); err != nil {
		return err
	}

	w.wg.Add(2)
	go e.runAuthWorker(w)
	go e.runTxWorker(w)
	return nil
}

// UnregisterCannon stops inst's workers, allowing any in-flight item to
// finish before returning: a cannon whose environment is deleted drains and
// stops rather than aborting mid-item.
func (e *Engine) UnregisterCannon(envID, cannonID string) {
	key := cannonKey{envID, cannonID}

	e.mu.Lock()
	w, ok := e.workers[key]
	delete(e.workers, key)
	e.mu.Unlock()
	if !ok {
		return
	}

	close(w.stopCh)
	w.wg.Wait()
	close(w.drained)
}

func (e *Engine) demoteStaleExecuting(inst *types.CannonInstance) error {
	trackers, err := e.store.ListTrackers(inst.EnvID, inst.ID)
	if err != nil {
		return fmt.Errorf("list trackers for %s/%s: %w", inst.EnvID, inst.ID, err)
	}
	for _, t := range trackers {
		if t.Status.Kind != types.TxExecuting {
			continue
		}
		t.Status = types.TransactionSendState{Kind: types.TxAuthorized, At: time.Now()}
		if err := e.store.PutTracker(inst.EnvID, inst.ID, t); err != nil {
			return fmt.Errorf("demote tracker %s: %w", t.TxID, err)
		}
	}
	return nil
}

// Run executes the tracking loop until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CannonTrackingCycleDuration)

	e.mu.Lock()
	workers := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	for _, w := range workers {
		e.scanCannon(ctx, w)
	}
}

func (e *Engine) scanCannon(ctx context.Context, w *worker) {
	trackers, err := e.store.ListTrackers(w.inst.EnvID, w.inst.ID)
	if err != nil {
		log.WithCannonID(w.inst.ID).Error().Err(err).Msg("failed to list trackers")
		return
	}

	counts := map[string]int{}
	for _, t := range trackers {
		counts[statusLabel(t.Status.Kind)]++
		switch t.Status.Kind {
		case types.TxAuthorized:
			e.dispatchAuth(w, t)
		case types.TxUnsent:
			e.dispatchBroadcast(w, t)
		case types.TxBroadcasted:
			e.checkConfirmation(ctx, w, t)
		}
	}
	for _, status := range []string{"Authorized", "Executing", "Unsent", "Broadcasted"} {
		metrics.CannonTrackersTotal.WithLabelValues(w.inst.ID, status).Set(float64(counts[status]))
	}
}

func statusLabel(k types.TxSendStateKind) string {
	switch k {
	case types.TxAuthorized:
		return "Authorized"
	case types.TxExecuting:
		return "Executing"
	case types.TxUnsent:
		return "Unsent"
	case types.TxBroadcasted:
		return "Broadcasted"
	default:
		return "Unknown"
	}
}

// dispatchAuth attempts a non-blocking handoff to the auth worker; on a full
// channel it skips, retrying next tick.
func (e *Engine) dispatchAuth(w *worker, t *types.TransactionTracker) {
	t.Status = types.TransactionSendState{Kind: types.TxExecuting, At: time.Now()}
	if err := e.store.PutTracker(w.inst.EnvID, w.inst.ID, t); err != nil {
		log.WithCannonID(w.inst.ID).Error().Err(err).Msg("failed to persist Executing transition")
		return
	}
	select {
	case w.authCh <- t:
	default:
		// Full: revert so the next tick re-offers it.
		t.Status = types.TransactionSendState{Kind: types.TxAuthorized, At: time.Now()}
		_ = e.store.PutTracker(w.inst.EnvID, w.inst.ID, t)
	}
}

func (e *Engine) dispatchBroadcast(w *worker, t *types.TransactionTracker) {
	select {
	case w.txCh <- t:
	default:
		// Full: leave Unsent, retried next tick.
	}
}

func (e *Engine) runAuthWorker(w *worker) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case t := <-w.authCh:
			e.execute(w, t)
		}
	}
}

func (e *Engine) runTxWorker(w *worker) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case t := <-w.txCh:
			e.broadcast(w, t)
		}
	}
}

func (e *Engine) execute(w *worker, t *types.TransactionTracker) {
	ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout(w.inst))
	defer cancel()

	agentID, ok := e.pickCompute(w.inst)
	if !ok {
		e.retryOrDrop(w, t, w.inst.Sink.AuthorizeAttempts, types.TxAuthorized,
			&types.CannonError{Kind: types.ErrExecNoAvailableAgents, TxID: t.TxID, Msg: "no compute-capable agent available"})
		return
	}
	defer e.deps.Compute.ReleaseCompute(agentID)

	e.publish(w.inst, t, events.Content{Kind: events.ContentExecuting, Agent: agentID})
	blob, err := e.deps.Executor.Execute(ctx, agentID, w.inst.Source, t)
	if err != nil {
		e.retryOrDrop(w, t, w.inst.Sink.AuthorizeAttempts, types.TxAuthorized,
			&types.CannonError{Kind: types.ErrAuthorize, TxID: t.TxID, Msg: err.Error(), Err: err})
		return
	}

	t.TransactionBlob = &blob
	t.AttemptCounter = 0
	t.Status = types.TransactionSendState{Kind: types.TxUnsent, At: time.Now()}
	if err := e.store.PutTracker(w.inst.EnvID, w.inst.ID, t); err != nil {
		log.WithCannonID(w.inst.ID).Error().Err(err).Msg("failed to persist Unsent transition")
		return
	}
	e.publish(w.inst, t, events.Content{Kind: events.ContentExecuteComplete, Transaction: t.TxID})
}

func (e *Engine) broadcast(w *worker, t *types.TransactionTracker) {
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout(w.inst))
	defer cancel()

	if t.TransactionBlob == nil {
		e.retryOrDrop(w, t, w.inst.Sink.BroadcastAttempts, types.TxUnsent,
			&types.CannonError{Kind: types.ErrSource, TxID: t.TxID, Msg: "no transaction blob to broadcast"})
		return
	}

	err := e.deps.Broadcaster.Broadcast(ctx, w.inst.Sink, *t.TransactionBlob)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), ledgerExistsPhrase) {
		e.retryOrDrop(w, t, w.inst.Sink.BroadcastAttempts, types.TxUnsent,
			&types.CannonError{Kind: types.ErrExecBroadcast, TxID: t.TxID, Msg: err.Error(), Err: err})
		return
	}

	t.AttemptCounter = 0
	t.Status = types.TransactionSendState{Kind: types.TxBroadcasted, At: time.Now()}
	if err := e.store.PutTracker(w.inst.EnvID, w.inst.ID, t); err != nil {
		log.WithCannonID(w.inst.ID).Error().Err(err).Msg("failed to persist Broadcasted transition")
	}
}

func (e *Engine) checkConfirmation(ctx context.Context, w *worker, t *types.TransactionTracker) {
	_, confirmed, err := e.deps.Confirmer.Confirm(ctx, w.inst.Sink, t.TxID)
	if err != nil {
		log.WithCannonID(w.inst.ID).Debug().Err(err).Str("tx", t.TxID).Msg("confirmation check failed")
		return
	}
	if confirmed {
		if err := e.store.DeleteTracker(w.inst.EnvID, w.inst.ID, t.TxID); err != nil {
			log.WithCannonID(w.inst.ID).Error().Err(err).Msg("failed to delete confirmed tracker")
			return
		}
		metrics.TransactionsConfirmedTotal.Inc()
		e.publish(w.inst, t, events.Content{Kind: events.ContentExecuteComplete, Transaction: t.TxID})
		return
	}

	if time.Since(t.Status.At) < w.inst.Sink.BroadcastTimeout {
		return
	}
	// Block height advanced without confirmation and the timeout elapsed:
	// treat as a failed broadcast attempt and retry.
	e.retryOrDrop(w, t, w.inst.Sink.BroadcastAttempts, types.TxUnsent,
		&types.CannonError{Kind: types.ErrExecBroadcast, TxID: t.TxID, Msg: "confirmation timeout"})
}

// retryOrDrop increments the attempt counter; once it reaches max the
// tracker is deleted, otherwise it reverts to fallback so the tracking loop
// re-offers it.
func (e *Engine) retryOrDrop(w *worker, t *types.TransactionTracker, max int, fallback types.TxSendStateKind, cause *types.CannonError) {
	t.AttemptCounter++
	if max > 0 && t.AttemptCounter >= max {
		if err := e.store.DeleteTracker(w.inst.EnvID, w.inst.ID, t.TxID); err != nil {
			log.WithCannonID(w.inst.ID).Error().Err(err).Msg("failed to delete exhausted tracker")
		}
		metrics.TransactionsExceededTotal.Inc()
		e.publish(w.inst, t, events.Content{Kind: events.ContentExecuteExceeded, Attempts: t.AttemptCounter, ErrorMsg: cause.Error()})
		return
	}

	t.Status = types.TransactionSendState{Kind: fallback, At: time.Now()}
	if err := e.store.PutTracker(w.inst.EnvID, w.inst.ID, t); err != nil {
		log.WithCannonID(w.inst.ID).Error().Err(err).Msg("failed to persist retry transition")
	}
	e.publish(w.inst, t, events.Content{Kind: events.ContentExecuteFailed, ErrorMsg: cause.Error()})
}

// pickCompute scans for a compute-available agent matching inst's labels and
// claims it atomically: the executor picks a compute-capable agent,
// label-filtered.
func (e *Engine) pickCompute(inst *types.CannonInstance) (string, bool) {
	for _, agent := range e.deps.Compute.List() {
		if !agent.IsComputeAvailable() {
			continue
		}
		if !agent.Flags.HasLabels(inst.Labels) {
			continue
		}
		if e.deps.Compute.ClaimForCompute(agent.ID) {
			return agent.ID, true
		}
	}
	return "", false
}

func (e *Engine) publish(inst *types.CannonInstance, t *types.TransactionTracker, content events.Content) {
	if e.broker == nil {
		return
	}
	envID, cannonID, txID := inst.EnvID, inst.ID, t.TxID
	e.broker.Publish(&events.Event{EnvID: &envID, CannonID: &cannonID, TxID: &txID, Content: content})
}

func authorizeTimeout(inst *types.CannonInstance) time.Duration {
	if inst.Sink.AuthorizeTimeout > 0 {
		return inst.Sink.AuthorizeTimeout
	}
	return 30 * time.Second
}

func broadcastTimeout(inst *types.CannonInstance) time.Duration {
	if inst.Sink.BroadcastTimeout > 0 {
		return inst.Sink.BroadcastTimeout
	}
	return 30 * time.Second
}
