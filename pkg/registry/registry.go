// Package registry implements the agent registry: an indexed,
// concurrent map of agents backed by persistence, tracking connection state
// and claim counters.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/metrics"
	"github.com/cuemby/snops/pkg/storage"
	"github.com/cuemby/snops/pkg/types"
)

// ReconcileNotifier pushes a desired-state change to a connected agent
// immediately, instead of leaving it for the agent's own next poll.
// Satisfied by *pkg/agentconn.Hub; kept as an interface here so registry
// never needs to import the connection layer.
type ReconcileNotifier interface {
	Reconcile(ctx context.Context, agentID string, desired types.DesiredState) error
}

// Registry is the concurrent map of registered agents: a read-mostly map
// guarded by per-entry locking semantics.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*types.Agent
	store    storage.Store
	broker   *events.Broker
	notifier ReconcileNotifier
}

// SetReconcileNotifier installs the push target for SetDesiredState. Called
// once at startup after the agent connection hub exists; nil (the default)
// leaves desired-state pushes to the agent's own next reconnect/poll.
func (r *Registry) SetReconcileNotifier(n ReconcileNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// New builds a Registry, hydrating it from store.
func New(store storage.Store, broker *events.Broker) (*Registry, error) {
	agents, err := store.ListAgents()
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}

	r := &Registry{
		agents: make(map[string]*types.Agent, len(agents)),
		store:  store,
		broker: broker,
	}
	for _, a := range agents {
		r.agents[a.ID] = a
	}
	r.refreshMetrics()
	return r, nil
}

// Connect registers a new agent or re-attaches a reconnecting one. nonce must
// match a previously issued credential for an existing agent id; for a
// brand-new id, nonce is recorded for future reconnects.
func (r *Registry) Connect(agentID, nonce string, flags types.AgentFlags) (*types.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if exists {
		if agent.Nonce != nonce {
			return nil, fmt.Errorf("nonce mismatch for agent %s", agentID)
		}
		if agent.Connection.Online {
			return nil, fmt.Errorf("agent %s is already online", agentID)
		}
		agent.Flags = flags
		agent.Connection = types.ConnectionState{Online: true}
	} else {
		agent = &types.Agent{
			ID:        agentID,
			Nonce:     nonce,
			Flags:     flags,
			Connection: types.ConnectionState{Online: true},
			Desired:   types.Inventory(),
			CreatedAt: time.Now(),
		}
		r.agents[agentID] = agent
	}

	if err := r.store.UpdateAgent(agent); err != nil {
		log.WithAgentID(agentID).Error().Err(err).Msg("failed to persist agent on connect")
	}

	r.publish(agentID, events.Content{Kind: events.ContentAgentConnected})
	r.refreshMetricsLocked()
	return agent, nil
}

// Disconnect marks an agent offline, recording the time for reconnect
// back-off bookkeeping.
func (r *Registry) Disconnect(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return
	}
	agent.Connection = types.ConnectionState{Online: false, OfflineAt: time.Now()}
	if err := r.store.UpdateAgent(agent); err != nil {
		log.WithAgentID(agentID).Error().Err(err).Msg("failed to persist agent on disconnect")
	}
	r.publish(agentID, events.Content{Kind: events.ContentAgentDisconnected})
	r.refreshMetricsLocked()
}

// List returns a snapshot of every registered agent.
func (r *Registry) List() []*types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// Get returns a single agent by id.
func (r *Registry) Get(id string) (*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", id)
	}
	return agent, nil
}

// UpdateFlags replaces an agent's reported capability mask.
func (r *Registry) UpdateFlags(id string, flags types.AgentFlags) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent not found: %s", id)
	}
	agent.Flags = flags
	return r.store.UpdateAgent(agent)
}

// SetDesiredState persists a new desired state for id and, if a
// ReconcileNotifier is installed, pushes it to the agent's live session
// immediately rather than waiting for its next poll.
func (r *Registry) SetDesiredState(id string, desired types.DesiredState) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent not found: %s", id)
	}
	agent.Desired = desired
	err := r.store.UpdateAgent(agent)
	notifier := r.notifier
	r.mu.Unlock()

	if err != nil || notifier == nil {
		return err
	}
	if pushErr := notifier.Reconcile(context.Background(), id, desired); pushErr != nil {
		log.WithAgentID(id).Warn().Err(pushErr).Msg("failed to push desired state to connected agent, will pick up on next poll")
	}
	return nil
}

// ClaimForEnv atomically takes the env claim, used by the environment
// manager's delegation algorithm. Acquisition is atomic and succeeds only
// when the claim is not currently held.
func (r *Registry) ClaimForEnv(id string) bool {
	r.mu.RLock()
	agent, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	acquired := agent.EnvClaim.Acquire()
	if acquired {
		r.refreshMetrics()
	}
	return acquired
}

// ReleaseEnv frees a previously taken env claim.
func (r *Registry) ReleaseEnv(id string) {
	r.mu.RLock()
	agent, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	agent.EnvClaim.Release()
	r.refreshMetrics()
}

// ClaimForCompute atomically takes the compute claim used by the cannon
// pipeline when dispatching to a compute-capable agent.
func (r *Registry) ClaimForCompute(id string) bool {
	r.mu.RLock()
	agent, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return agent.ComputeClaim.Acquire()
}

// ReleaseCompute frees a previously taken compute claim.
func (r *Registry) ReleaseCompute(id string) {
	r.mu.RLock()
	agent, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	agent.ComputeClaim.Release()
}

// IsComputeAvailable reports whether id can be claimed for compute work.
func (r *Registry) IsComputeAvailable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return false
	}
	return agent.IsComputeAvailable()
}

// AvailableForDelegation returns every agent currently eligible to be paired
// with a new node (not env-claimed), in registry iteration order, for the
// environment manager's label/type scan.
func (r *Registry) AvailableForDelegation() []*types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Agent
	for _, a := range r.agents {
		if !a.EnvClaim.Held() {
			out = append(out, a)
		}
	}
	return out
}

// DowngradeIfEnvMissing transitions id back to Inventory if its desired
// state references an environment that no longer exists: any environment
// assignment to a now-missing env is downgraded to Inventory on reconnect.
func (r *Registry) DowngradeIfEnvMissing(id string, envExists func(envID string) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent not found: %s", id)
	}
	if agent.Desired.Kind != types.DesiredNode {
		return nil
	}
	if envExists(agent.Desired.EnvID) {
		return nil
	}
	agent.Desired = types.Inventory()
	agent.EnvClaim.Release()
	return r.store.UpdateAgent(agent)
}

func (r *Registry) publish(agentID string, content events.Content) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{AgentID: &agentID, Content: content})
}

func (r *Registry) refreshMetrics() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.refreshMetricsLocked()
}

func (r *Registry) refreshMetricsLocked() {
	counts := make(map[[2]string]int)
	computeClaims, envClaims := 0, 0
	for _, a := range r.agents {
		connection := "offline"
		if a.Connection.Online {
			connection = "online"
		}
		mode := "inventory"
		if a.Desired.Kind == types.DesiredNode {
			mode = "node"
		}
		counts[[2]string{connection, mode}]++
		if a.ComputeClaim.Held() {
			computeClaims++
		}
		if a.EnvClaim.Held() {
			envClaims++
		}
	}
	metrics.AgentsTotal.Reset()
	for k, v := range counts {
		metrics.AgentsTotal.WithLabelValues(k[0], k[1]).Set(float64(v))
	}
	metrics.AgentClaimsHeld.WithLabelValues("compute").Set(float64(computeClaims))
	metrics.AgentClaimsHeld.WithLabelValues("env").Set(float64(envClaims))
}
