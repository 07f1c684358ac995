package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/metrics"
	"github.com/cuemby/snops/pkg/types"
)

// Loop drives a single agent's reconcile iterations, serialized per agent:
// no two top-level reconciles for the same agent run in flight.
// Grounded on the teacher's ticker-driven reconcile cycle in reconciler.go,
// generalized to a per-node cooperative loop that restarts on desired-state
// change instead of polling a fixed set of containers.
type Loop struct {
	deps    Dependencies
	broker  *events.Broker
	agentID string

	mu         sync.Mutex
	rt         *RuntimeState
	desired    types.DesiredState
	generation uint64
	notifyCh   chan struct{}

	cancelCurrent context.CancelFunc
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewLoop builds a Loop for agentID.
func NewLoop(agentID string, deps Dependencies, broker *events.Broker) *Loop {
	return &Loop{
		agentID:  agentID,
		deps:     deps,
		broker:   broker,
		stopCh:   make(chan struct{}),
		notifyCh: make(chan struct{}),
	}
}

// Current returns the runtime state installed by the most recent SetDesired
// call, or nil before the first one.
func (l *Loop) Current() *RuntimeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rt
}

// SetDesired installs a new desired state, aborting any in-flight iteration
// at its next cooperative yield and scheduling an immediate new one.
func (l *Loop) SetDesired(desired types.DesiredState, rt *RuntimeState) {
	l.mu.Lock()
	l.desired = desired
	l.rt = rt
	l.generation++
	cancel := l.cancelCurrent
	old := l.notifyCh
	l.notifyCh = make(chan struct{})
	l.mu.Unlock()

	close(old)
	if cancel != nil {
		cancel()
	}
}

// Run executes reconcile iterations until Stop is called, each iteration
// waiting requeue_after (or being interrupted by a new desired state).
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		l.mu.Lock()
		rt := l.rt
		desired := l.desired
		gen := l.generation
		l.mu.Unlock()

		if rt == nil {
			if !l.wait(ctx, 200*time.Millisecond) {
				return
			}
			continue
		}

		iterCtx, cancel := context.WithCancel(ctx)
		l.mu.Lock()
		l.cancelCurrent = cancel
		l.mu.Unlock()

		status, err := l.runOnce(iterCtx, desired, rt)
		cancel()

		l.mu.Lock()
		staleGen := l.generation != gen
		l.mu.Unlock()
		if staleGen {
			continue // a new desired state preempted this iteration
		}

		if err != nil {
			l.publishError(err)
			if !l.wait(ctx, 5*time.Second) {
				return
			}
			continue
		}

		delay := 10 * time.Second
		if status.RequeueAfter != nil {
			delay = *status.RequeueAfter
		} else if status.IsDone() {
			delay = 10 * time.Second
		}
		if !l.wait(ctx, delay) {
			return
		}
	}
}

func (l *Loop) runOnce(ctx context.Context, desired types.DesiredState, rt *RuntimeState) (types.ReconcileStatus, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	l.publish(events.Content{Kind: events.ContentReconcileStart})
	status, err := Reconcile(ctx, desired, rt, l.deps)
	if err != nil {
		return status, err
	}
	if status.IsDone() {
		l.publish(events.Content{Kind: events.ContentReconcileComplete})
	}
	return status, nil
}

// Stop terminates the loop.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Loop) wait(ctx context.Context, d time.Duration) bool {
	l.mu.Lock()
	notify := l.notifyCh
	l.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-notify:
		return true // preempted by SetDesired, loop again immediately
	case <-l.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (l *Loop) publish(content events.Content) {
	if l.broker == nil {
		return
	}
	agentID := l.agentID
	l.broker.Publish(&events.Event{AgentID: &agentID, Content: content})
}

func (l *Loop) publishError(err error) {
	if rerr, ok := err.(*types.ReconcileError); ok {
		metrics.ReconcileErrorsTotal.WithLabelValues(string(rerr.Kind)).Inc()
		l.publish(events.Content{Kind: events.ContentReconcileError, ErrorType: rerr.TypePath(), ErrorMsg: rerr.Error()})
		log.WithAgentID(l.agentID).Error().Err(err).Str("kind", string(rerr.Kind)).Msg("fatal reconcile error")
		return
	}
	l.publish(events.Content{Kind: events.ContentReconcileError, ErrorMsg: err.Error()})
	log.WithAgentID(l.agentID).Error().Err(err).Msg("reconcile error")
}
