package types

import (
	"encoding/json"
	"time"

	"github.com/elliotchance/orderedmap"
)

// EnvNodeStateKind tags the EnvNodeState sum type.
type EnvNodeStateKind int

const (
	EnvNodeInternal EnvNodeStateKind = iota
	EnvNodeExternal
)

// EnvNodeState is Internal(node_spec) | External(addrs), the persisted,
// resolved counterpart to a spec-file node entry.
type EnvNodeState struct {
	Kind          EnvNodeStateKind
	AgentID       string // Internal: the delegated agent
	Node          NodeState
	ExternalAddrs []string // External
}

// NodeMap is a node_key -> *EnvNodeState map that preserves insertion order,
// matching Environment.nodes's declaration order. It's a thin typed wrapper
// over elliotchance/orderedmap's interface{}-keyed map.
type NodeMap struct {
	inner *orderedmap.OrderedMap
}

// NewNodeMap creates an empty, order-preserving node map.
func NewNodeMap() *NodeMap {
	return &NodeMap{inner: orderedmap.NewOrderedMap()}
}

// Set inserts or updates the node state for key, preserving first-insertion order.
func (m *NodeMap) Set(key string, val *EnvNodeState) {
	m.inner.Set(key, val)
}

// Get looks up the node state for key.
func (m *NodeMap) Get(key string) (*EnvNodeState, bool) {
	v, ok := m.inner.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*EnvNodeState), true
}

// Delete removes key, returning whether it was present.
func (m *NodeMap) Delete(key string) bool {
	return m.inner.Delete(key)
}

// Len returns the number of entries.
func (m *NodeMap) Len() int { return m.inner.Len() }

// Keys returns node keys in insertion order.
func (m *NodeMap) Keys() []string {
	raw := m.inner.Keys()
	out := make([]string, len(raw))
	for i, k := range raw {
		out[i] = k.(string)
	}
	return out
}

// Each iterates entries in insertion order, stopping early if fn returns false.
func (m *NodeMap) Each(fn func(key string, val *EnvNodeState) bool) {
	for el := m.inner.Front(); el != nil; el = el.Next() {
		if !fn(el.Key.(string), el.Value.(*EnvNodeState)) {
			return
		}
	}
}

// nodeMapEntry is the wire form of one NodeMap entry, used to round-trip
// insertion order through JSON since map[string]any does not preserve it.
type nodeMapEntry struct {
	Key   string        `json:"key"`
	Value *EnvNodeState `json:"value"`
}

// MarshalJSON encodes the map as an ordered array of {key, value} entries.
func (m *NodeMap) MarshalJSON() ([]byte, error) {
	entries := make([]nodeMapEntry, 0, m.Len())
	m.Each(func(key string, val *EnvNodeState) bool {
		entries = append(entries, nodeMapEntry{Key: key, Value: val})
		return true
	})
	return json.Marshal(entries)
}

// UnmarshalJSON decodes an ordered array of {key, value} entries, rebuilding
// insertion order.
func (m *NodeMap) UnmarshalJSON(data []byte) error {
	var entries []nodeMapEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	m.inner = orderedmap.NewOrderedMap()
	for _, e := range entries {
		m.inner.Set(e.Key, e.Value)
	}
	return nil
}

// Environment is a declared testnet: nodes, shared storage, and cannons.
type Environment struct {
	ID        string
	NetworkID NetworkID
	Storage   *LoadedStorage
	Nodes     *NodeMap // node_key -> state, insertion order preserved
	CannonIDs []string // ids into the cannon arena, resolved at call sites
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewEnvironment builds an empty Environment ready for node/cannon assignment.
func NewEnvironment(id string, network NetworkID, storage *LoadedStorage) *Environment {
	return &Environment{
		ID:        id,
		NetworkID: network,
		Storage:   storage,
		Nodes:     NewNodeMap(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}
