package types

import (
	"sync/atomic"
	"time"
)

// ModeFlag is a capability bit carried in Agent.Flags.Mode.
type ModeFlag uint8

const (
	ModeValidator ModeFlag = 1 << iota
	ModeProver
	ModeClient
	ModeCompute
)

// Has reports whether m contains all bits of other.
func (m ModeFlag) Has(other ModeFlag) bool { return m&other == other }

// AgentFlags is the capability mask an agent reports on every connect.
type AgentFlags struct {
	Mode      ModeFlag
	Labels    map[string]struct{}
	LocalPK   bool // agent can supply a local private key for a node
}

// HasLabels reports whether f contains every label in want.
func (f AgentFlags) HasLabels(want map[string]struct{}) bool {
	for l := range want {
		if _, ok := f.Labels[l]; !ok {
			return false
		}
	}
	return true
}

// ConnectionState is either Online (with a live session handle) or Offline.
type ConnectionState struct {
	Online      bool
	SessionID   string // opaque handle into the wire session registry
	OfflineAt   time.Time
}

// DesiredStateKind tags the Agent.DesiredState sum type.
type DesiredStateKind int

const (
	DesiredInventory DesiredStateKind = iota
	DesiredNode
)

// DesiredState is Inventory or Node(EnvID, NodeState).
type DesiredState struct {
	Kind  DesiredStateKind
	EnvID string
	Node  NodeState
}

// Inventory builds an Inventory desired state.
func Inventory() DesiredState { return DesiredState{Kind: DesiredInventory} }

// ToNode builds a Node desired state.
func ToNode(envID string, node NodeState) DesiredState {
	return DesiredState{Kind: DesiredNode, EnvID: envID, Node: node}
}

// ProcessStatus is the locally observed state of the node child process.
type ProcessStatus string

const (
	ProcessNotRunning ProcessStatus = "not_running"
	ProcessStarting   ProcessStatus = "starting"
	ProcessRunning    ProcessStatus = "running"
	ProcessStopping   ProcessStatus = "stopping"
	ProcessFailed     ProcessStatus = "failed"
)

// AgentStatus is the most recently reported operational status of an agent.
type AgentStatus struct {
	LastHeight         uint32
	Process            ProcessStatus
	OutstandingTransfers []string // TransferIDs
	UpdatedAt          time.Time
}

// AgentAddrs holds the addresses an agent observed about itself.
type AgentAddrs struct {
	External *string
	Internal []string
}

// ClaimCounter is an exclusive token: acquiring succeeds only while no one
// holds it. It models
// the source's atomic reference count with a CAS-guarded int32.
//
// held is deliberately unexported so ClaimCounter never round-trips through
// JSON: claims are runtime facts re-derived from the environment manager on
// reload (the env claim is held iff some environment's node slot references
// the agent), not a persisted ledger entry.
type ClaimCounter struct {
	held int32
}

// Acquire succeeds iff the counter is currently unheld.
func (c *ClaimCounter) Acquire() bool {
	return atomic.CompareAndSwapInt32(&c.held, 0, 1)
}

// Release frees the claim. Releasing an unheld counter is a no-op.
func (c *ClaimCounter) Release() {
	atomic.StoreInt32(&c.held, 0)
}

// Held reports whether the claim is currently held.
func (c *ClaimCounter) Held() bool {
	return atomic.LoadInt32(&c.held) == 1
}

// Agent is a registered host-side process capable of running a node binary.
type Agent struct {
	ID         string
	Nonce      string // embedded in the session credential, never rotated
	Flags      AgentFlags
	Connection ConnectionState
	Desired    DesiredState
	Status     AgentStatus
	ObservedPorts []int
	Addrs      AgentAddrs

	ComputeClaim ClaimCounter
	EnvClaim     ClaimCounter

	CreatedAt time.Time
}

// IsComputeAvailable reports whether the agent can be claimed for compute
// work: in Inventory, compute-capable, and not already compute-claimed.
func (a *Agent) IsComputeAvailable() bool {
	return a.Desired.Kind == DesiredInventory &&
		a.Flags.Mode.Has(ModeCompute) &&
		!a.ComputeClaim.Held()
}
