// Package environment implements the environment manager: spec
// apply/update/delete, the delegation algorithm pairing nodes to agents, and
// peer address resolution.
package environment

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/metrics"
	"github.com/cuemby/snops/pkg/registry"
	"github.com/cuemby/snops/pkg/spec"
	"github.com/cuemby/snops/pkg/storage"
	"github.com/cuemby/snops/pkg/types"
	"github.com/google/uuid"
)

// Manager owns the concurrent environment map: writes (apply/delete) take a
// brief write lock, reads never block writes.
type Manager struct {
	mu       sync.RWMutex
	envs     map[string]*types.Environment
	store    storage.Store
	registry *registry.Registry
	broker   *events.Broker
}

// New builds a Manager, hydrating it from store.
func New(store storage.Store, reg *registry.Registry, broker *events.Broker) (*Manager, error) {
	envs, err := store.ListEnvironments()
	if err != nil {
		return nil, fmt.Errorf("failed to load environments: %w", err)
	}
	m := &Manager{
		envs:     make(map[string]*types.Environment, len(envs)),
		store:    store,
		registry: reg,
		broker:   broker,
	}
	for _, e := range envs {
		m.envs[e.ID] = e
		if reg == nil || e.Nodes == nil {
			continue
		}
		// Env claims are not persisted: re-take them for every agent an
		// environment's node slot references.
		e.Nodes.Each(func(_ string, state *types.EnvNodeState) bool {
			if state.Kind == types.EnvNodeInternal && state.AgentID != "" {
				reg.ClaimForEnv(state.AgentID)
			}
			return true
		})
	}
	m.refreshMetrics()
	return m, nil
}

// Exists reports whether envID names a live environment, used by the
// registry's reconnect downgrade.
func (m *Manager) Exists(envID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.envs[envID]
	return ok
}

// Get returns a single environment by id.
func (m *Manager) Get(id string) (*types.Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.envs[id]
	if !ok {
		return nil, fmt.Errorf("environment not found: %s", id)
	}
	return env, nil
}

// List returns a snapshot of every live environment.
func (m *Manager) List() []*types.Environment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Environment, 0, len(m.envs))
	for _, e := range m.envs {
		out = append(out, e)
	}
	return out
}

// delegationResult pairs an expanded node key with the agent chosen for it.
type delegationResult struct {
	nodeKey string
	doc     spec.NodeDoc
	agentID string
}

// delegate matches agents to the given expanded node set, returning either a
// full assignment or the full list of collected failures (delegation
// either fully succeeds or fully fails, never partial).
func (m *Manager) delegate(nodes map[string]spec.NodeDoc, reservedAgents map[string]bool) ([]delegationResult, []error) {
	available := m.registry.AvailableForDelegation()
	availableByID := make(map[string]bool, len(available))
	for _, a := range available {
		if !reservedAgents[a.ID] {
			availableByID[a.ID] = true
		}
	}

	var namedCount, scanCount int
	for _, doc := range nodes {
		if doc.Agent != "" {
			namedCount++
		} else {
			scanCount++
		}
	}
	if len(availableByID) < namedCount+scanCount {
		return nil, []error{&types.DelegationError{
			Kind: types.ErrInsufficientAgentCount,
			Have: len(availableByID),
			Need: namedCount + scanCount,
		}}
	}

	var results []delegationResult
	var errs []error
	claimed := make(map[string]bool)

	for nodeKey, doc := range nodes {
		key, err := spec.ParseNodeKey(nodeKey)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		required := requiredMask(key, doc)

		if doc.Agent != "" {
			agent, err := m.registry.Get(doc.Agent)
			if err != nil {
				errs = append(errs, &types.DelegationError{Kind: types.ErrAgentNotFound, NodeKey: nodeKey, AgentID: doc.Agent})
				continue
			}
			if claimed[agent.ID] || agent.EnvClaim.Held() {
				errs = append(errs, &types.DelegationError{Kind: types.ErrAgentAlreadyClaimed, NodeKey: nodeKey, AgentID: doc.Agent})
				continue
			}
			if !agentSatisfies(agent, required) {
				errs = append(errs, &types.DelegationError{Kind: types.ErrAgentMissingMode, NodeKey: nodeKey, AgentID: doc.Agent})
				continue
			}
			claimed[agent.ID] = true
			results = append(results, delegationResult{nodeKey: nodeKey, doc: doc, agentID: agent.ID})
			continue
		}

		var picked string
		for _, agent := range available {
			if claimed[agent.ID] || !availableByID[agent.ID] {
				continue
			}
			if agentSatisfies(agent, required) {
				picked = agent.ID
				break
			}
		}
		if picked == "" {
			errs = append(errs, &types.DelegationError{Kind: types.ErrNoAvailableAgents, NodeKey: nodeKey})
			continue
		}
		claimed[picked] = true
		results = append(results, delegationResult{nodeKey: nodeKey, doc: doc, agentID: picked})
	}

	if len(errs) > 0 {
		return nil, errs
	}

	// Acquire all claims atomically; if any acquisition fails (raced by a
	// concurrent apply) roll back every claim taken so far and fail whole.
	var acquired []string
	for _, r := range results {
		if !m.registry.ClaimForEnv(r.agentID) {
			for _, id := range acquired {
				m.registry.ReleaseEnv(id)
			}
			return nil, []error{&types.DelegationError{Kind: types.ErrAgentAlreadyClaimed, AgentID: r.agentID}}
		}
		acquired = append(acquired, r.agentID)
	}

	return results, nil
}

// requiredMask derives the capability mask a node requires: its type bit,
// local_pk bit, and label bits.
func requiredMask(key types.NodeKey, doc spec.NodeDoc) types.AgentFlags {
	mode := map[types.NodeKind]types.ModeFlag{
		types.NodeKindValidator: types.ModeValidator,
		types.NodeKindProver:    types.ModeProver,
		types.NodeKindClient:    types.ModeClient,
	}[key.Kind]

	labels := make(map[string]struct{}, len(doc.Labels))
	for _, l := range doc.Labels {
		labels[l] = struct{}{}
	}

	return types.AgentFlags{
		Mode:    mode,
		Labels:  labels,
		LocalPK: doc.Key == "local",
	}
}

func agentSatisfies(agent *types.Agent, required types.AgentFlags) bool {
	if !agent.Flags.Mode.Has(required.Mode) {
		return false
	}
	if required.LocalPK && !agent.Flags.LocalPK {
		return false
	}
	return agent.Flags.HasLabels(required.Labels)
}

// ApplyInput is the decoded, validated input to Apply/Update.
type ApplyInput struct {
	EnvID     string
	NetworkID types.NetworkID
	Storage   *types.LoadedStorage
}

// Apply validates and applies a spec stream, delegating nodes to agents and
// persisting the resulting environment.
func (m *Manager) Apply(r io.Reader, input ApplyInput) (*types.Environment, []error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.EnvironmentApplyDuration)

	parsed, err := spec.Parse(r)
	if err != nil {
		return nil, []error{err}
	}
	if len(parsed.Nodes) == 0 {
		return nil, []error{&types.SchemaError{Msg: "spec stream contains no Nodes document"}}
	}

	expanded, errs := expandAndValidate(parsed.Nodes[0])
	if len(errs) > 0 {
		return nil, errs
	}

	delegated, delegErrs := m.delegate(expanded, nil)
	if len(delegErrs) > 0 {
		for _, e := range delegErrs {
			if de, ok := e.(*types.DelegationError); ok {
				metrics.DelegationFailuresTotal.WithLabelValues(string(de.Kind)).Inc()
			}
		}
		return nil, delegErrs
	}

	agentByKey := make(map[string]string, len(delegated))
	for _, d := range delegated {
		agentByKey[d.nodeKey] = d.agentID
	}

	env := types.NewEnvironment(input.EnvID, input.NetworkID, input.Storage)
	for _, d := range delegated {
		node, err := buildNodeState(d.nodeKey, d.doc, agentByKey)
		if err != nil {
			return nil, []error{err}
		}
		env.Nodes.Set(d.nodeKey, &types.EnvNodeState{
			Kind:    types.EnvNodeInternal,
			AgentID: d.agentID,
			Node:    node,
		})
		_ = m.registry.SetDesiredState(d.agentID, types.ToNode(env.ID, node))
	}
	for key, ext := range parsed.Nodes[0].External {
		env.Nodes.Set(key, &types.EnvNodeState{
			Kind:          types.EnvNodeExternal,
			ExternalAddrs: []string{ext.REST, ext.Node, ext.BFT},
		})
	}

	for _, cd := range parsed.Cannons {
		cannon := buildCannonInstance(env.ID, cd)
		env.CannonIDs = append(env.CannonIDs, cannon.ID)
		if err := m.store.CreateCannon(cannon); err != nil {
			log.WithEnvID(env.ID).Error().Err(err).Msg("failed to persist cannon instance")
		}
	}

	m.mu.Lock()
	m.envs[env.ID] = env
	m.mu.Unlock()

	if err := m.store.CreateEnvironment(env); err != nil {
		log.WithEnvID(env.ID).Error().Err(err).Msg("failed to persist environment")
	}
	m.publish(env.ID, events.Content{Kind: events.ContentEnvironmentApplied})
	m.refreshMetrics()

	return env, nil
}

// Delete transitions every paired agent back to Inventory, drops cannons
// (draining in-flight), and removes persisted entries.
func (m *Manager) Delete(envID string) error {
	m.mu.Lock()
	env, ok := m.envs[envID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("environment not found: %s", envID)
	}
	delete(m.envs, envID)
	m.mu.Unlock()

	env.Nodes.Each(func(key string, state *types.EnvNodeState) bool {
		if state.Kind == types.EnvNodeInternal {
			_ = m.registry.SetDesiredState(state.AgentID, types.Inventory())
			m.registry.ReleaseEnv(state.AgentID)
		}
		return true
	})

	for _, cannonID := range env.CannonIDs {
		if cannon, err := m.store.GetCannon(envID, cannonID); err == nil {
			cannon.Draining = true
			_ = m.store.UpdateCannon(cannon)
		}
		_ = m.store.DeleteCannon(envID, cannonID)
	}

	if err := m.store.DeleteEnvironment(envID); err != nil {
		log.WithEnvID(envID).Error().Err(err).Msg("failed to delete persisted environment")
	}
	m.publish(envID, events.Content{Kind: events.ContentEnvironmentDeleted})
	m.refreshMetrics()
	return nil
}

// ResolveAddrs implements the peer address resolution rule: for node N and
// peer P, prefer P's internal address when N and P share an external
// IP or both lack one; otherwise use P's external address.
func ResolveAddrs(self, peer *types.Agent) (string, bool) {
	selfExternal := self.Addrs.External
	peerExternal := peer.Addrs.External

	sameExternal := selfExternal != nil && peerExternal != nil && *selfExternal == *peerExternal
	bothMissing := selfExternal == nil && peerExternal == nil

	if sameExternal || bothMissing {
		if len(peer.Addrs.Internal) > 0 {
			return peer.Addrs.Internal[0], true
		}
		return "", false
	}
	if peerExternal != nil {
		return *peerExternal, true
	}
	return "", false
}

// TargetedNode pairs a matched internal node_key with the agent it's
// delegated to, the resolution the bulk node action endpoints operate on.
type TargetedNode struct {
	NodeKey string
	AgentID string
}

// ResolveTargets matches targets (node_key glob patterns, the same
// matchTargets rule used by the operator-facing action endpoints) against
// envID's internal nodes.
func (m *Manager) ResolveTargets(envID string, targets []string) ([]TargetedNode, error) {
	m.mu.RLock()
	env, ok := m.envs[envID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("environment not found: %s", envID)
	}

	var out []TargetedNode
	env.Nodes.Each(func(key string, state *types.EnvNodeState) bool {
		if state.Kind != types.EnvNodeInternal {
			return true
		}
		for _, pattern := range targets {
			if ok, err := doublestar.Match(pattern, key); err == nil && ok {
				out = append(out, TargetedNode{NodeKey: key, AgentID: state.AgentID})
				break
			}
		}
		return true
	})
	return out, nil
}

// SetOnline sets NodeState.Online for every node matching targets and pushes
// the updated desired state to each node's agent.
func (m *Manager) SetOnline(envID string, targets []string, online bool) ([]TargetedNode, error) {
	return m.mutateTargets(envID, targets, func(node *types.NodeState) {
		node.Online = online
	})
}

// ConfigUpdate is a partial NodeState override applied to every targeted
// node by Configure; a nil field leaves that part of the state unchanged,
// while a non-nil empty slice clears peers/validators.
type ConfigUpdate struct {
	Online     *bool
	Height     *types.HeightRequest
	Peers      *[]string // node_key glob patterns, re-resolved against the live node set
	Validators *[]string
}

// Configure applies upd to every node matching targets.
func (m *Manager) Configure(envID string, targets []string, upd ConfigUpdate) ([]TargetedNode, error) {
	m.mu.RLock()
	env, ok := m.envs[envID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("environment not found: %s", envID)
	}

	all := make(map[string]string, env.Nodes.Len())
	env.Nodes.Each(func(key string, state *types.EnvNodeState) bool {
		if state.Kind == types.EnvNodeInternal {
			all[key] = state.AgentID
		}
		return true
	})

	return m.mutateTargets(envID, targets, func(node *types.NodeState) {
		if upd.Online != nil {
			node.Online = *upd.Online
		}
		if upd.Height != nil {
			node.HeightRequest.Generation++
			node.HeightRequest.Request = *upd.Height
		}
		if upd.Peers != nil {
			node.Peers = matchTargets(*upd.Peers, all)
		}
		if upd.Validators != nil {
			node.Validators = matchTargets(*upd.Validators, all)
		}
	})
}

// mutateTargets applies mutate to every internal node matching targets,
// persists the environment, and re-pushes each affected node's desired state
// to its paired agent.
func (m *Manager) mutateTargets(envID string, targets []string, mutate func(*types.NodeState)) ([]TargetedNode, error) {
	m.mu.Lock()
	env, ok := m.envs[envID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("environment not found: %s", envID)
	}

	var matched []TargetedNode
	env.Nodes.Each(func(key string, state *types.EnvNodeState) bool {
		if state.Kind != types.EnvNodeInternal {
			return true
		}
		for _, pattern := range targets {
			if ok, err := doublestar.Match(pattern, key); err == nil && ok {
				mutate(&state.Node)
				matched = append(matched, TargetedNode{NodeKey: key, AgentID: state.AgentID})
				break
			}
		}
		return true
	})
	env.UpdatedAt = time.Now()
	m.mu.Unlock()

	if err := m.store.UpdateEnvironment(env); err != nil {
		log.WithEnvID(envID).Error().Err(err).Msg("failed to persist environment after node action")
	}
	for _, t := range matched {
		node, ok := env.Nodes.Get(t.NodeKey)
		if !ok {
			continue
		}
		_ = m.registry.SetDesiredState(t.AgentID, types.ToNode(envID, node.Node))
	}
	return matched, nil
}

func (m *Manager) publish(envID string, content events.Content) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{EnvID: &envID, Content: content})
}

func (m *Manager) refreshMetrics() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metrics.EnvironmentsTotal.Set(float64(len(m.envs)))
}

// expandAndValidate validates and replica-expands a single Nodes document.
func expandAndValidate(doc spec.NodesDoc) (map[string]spec.NodeDoc, []error) {
	var errs []error
	seen := make(map[string]bool)
	expanded := make(map[string]spec.NodeDoc)

	for name, nodeDoc := range doc.Nodes {
		if nodeDoc.Replicas == 0 {
			nodeDoc.Replicas = 1
		}
		if nodeDoc.Replicas < 1 {
			errs = append(errs, &types.SchemaError{Msg: fmt.Sprintf("node %s: replicas must be >= 1", name)})
			continue
		}
		for key, d := range spec.ExpandReplicas(name, nodeDoc) {
			if seen[key] {
				errs = append(errs, &types.SchemaError{Msg: fmt.Sprintf("duplicate node_key %s", key)})
				continue
			}
			seen[key] = true
			expanded[key] = d
		}
	}
	return expanded, errs
}

// buildNodeState builds a node's initial NodeState: height
// request Top, peers/validators resolved as far as the glob can be matched
// within this apply's node set. all maps every candidate node_key to the
// agent id it was delegated to.
func buildNodeState(nodeKey string, doc spec.NodeDoc, all map[string]string) (types.NodeState, error) {
	key, err := spec.ParseNodeKey(nodeKey)
	if err != nil {
		return types.NodeState{}, err
	}

	height, err := spec.ParseHeightRequest(doc.Height)
	if err != nil {
		return types.NodeState{}, err
	}

	var binary *string
	if doc.Binary != "" {
		b := doc.Binary
		binary = &b
	}

	return types.NodeState{
		NodeKey:       key,
		PrivateKey:    spec.ParsePrivateKeySource(doc.Key),
		HeightRequest: types.GenerationalHeightRequest{Generation: 1, Request: height},
		Online:        doc.Online,
		Peers:         matchTargets(doc.Peers, all),
		Validators:    matchTargets(doc.Validators, all),
		Env:           doc.Env,
		Binary:        binary,
	}, nil
}

// defaultNodeListenPort is the node binary's conventional peer-to-peer
// listen port, used for every Internal AgentPeer: agents don't negotiate a
// per-node port today, so this is the one every node binds.
const defaultNodeListenPort = 4130

// matchTargets resolves glob targets against the node set being applied,
// recording each match as an Internal AgentPeer carrying the matched node's
// delegated agent id; cross-agent address resolution (agent id -> socket
// address) is left to ResolveAddrs at reconcile time.
func matchTargets(targets []string, all map[string]string) []types.AgentPeer {
	var peers []types.AgentPeer
	for key, agentID := range all {
		for _, pattern := range targets {
			if ok, err := doublestar.Match(pattern, key); err == nil && ok {
				peers = append(peers, types.AgentPeer{
					Kind:    types.PeerInternal,
					AgentID: agentID,
					Port:    defaultNodeListenPort,
				})
				break
			}
		}
	}
	return peers
}

func buildCannonInstance(envID string, cd spec.CannonDoc) *types.CannonInstance {
	id := cd.ID
	if id == "" {
		id = uuid.NewString()
	}

	source := types.CannonSource{Kind: types.SourceGenerator}
	if cd.Source == "listen" {
		source = types.CannonSource{Kind: types.SourceListen, ListenPath: cd.ListenPath}
	} else {
		source.PrivateKeys = cd.PrivateKeys
		source.Addresses = cd.Addresses
		source.Program = cd.Program
		source.Inputs = cd.Inputs
	}

	sink := types.CannonSink{Kind: types.SinkBroadcast, Target: cd.Target}
	if cd.Sink == "file" {
		sink = types.CannonSink{Kind: types.SinkFile, FilePath: cd.FilePath}
	}
	sink.AuthorizeAttempts = cd.AuthorizeAttempts
	sink.BroadcastAttempts = cd.BroadcastAttempts
	if d, err := time.ParseDuration(cd.AuthorizeTimeout); err == nil {
		sink.AuthorizeTimeout = d
	}
	if d, err := time.ParseDuration(cd.BroadcastTimeout); err == nil {
		sink.BroadcastTimeout = d
	}

	return &types.CannonInstance{
		ID:     id,
		EnvID:  envID,
		Source: source,
		Sink:   sink,
		Labels: make(map[string]struct{}),
	}
}
