package types

import "time"

// Condition tags a transient, non-fatal reason a reconcile iteration
// requeued instead of completing.
type Condition string

const (
	ConditionPendingTransfer  Condition = "PendingTransfer"
	ConditionStorageInvalid   Condition = "StorageInvalidated"
	ConditionProcessStarting  Condition = "ProcessStarting"
	ConditionProcessStopping  Condition = "ProcessStopping"
	ConditionAddressUnresolved Condition = "AddressUnresolved"
	ConditionCheckpointPending Condition = "CheckpointPending"
)

// ReconcileStatus is the result of one ordered-reconciler step.
// Success is Inner != nil && RequeueAfter == nil; anything else requeues.
type ReconcileStatus struct {
	Inner        any // step-specific result payload, nil until success
	Conditions   map[Condition]struct{}
	RequeueAfter *time.Duration
	Scopes       []string // dotted path of reconciler names that ran
}

// Done builds a terminal success status.
func Done(inner any) ReconcileStatus {
	return ReconcileStatus{Inner: inner}
}

// Requeue builds a status that reruns after d, carrying cond as the reason.
func Requeue(d time.Duration, cond Condition) ReconcileStatus {
	return ReconcileStatus{
		Conditions:   map[Condition]struct{}{cond: {}},
		RequeueAfter: &d,
	}
}

// IsDone reports whether this status represents completion (no requeue).
func (s ReconcileStatus) IsDone() bool {
	return s.Inner != nil && s.RequeueAfter == nil
}

// WithScope appends name to the status's scope trail, used by the ordered
// reconciler runner to build a breadcrumb for logging/debugging.
func (s ReconcileStatus) WithScope(name string) ReconcileStatus {
	s.Scopes = append(append([]string{}, s.Scopes...), name)
	return s
}

// NodeCommand is the deterministic process invocation the command-assembly
// reconciler builds for the node binary.
type NodeCommand struct {
	Program         string
	Env             map[string]string
	Bind            string
	BFT             string
	REST            string
	Node            string
	Metrics         string
	Type            NodeKind
	Ledger          string
	Genesis         string
	PrivateKey      string
	PrivateKeyFile  string
	RetentionPolicy string
	Peers           []string
	Validators      []string
}

// Equal reports structural equality with other, used to decide whether a
// running process must be restarted.
func (c NodeCommand) Equal(other NodeCommand) bool {
	if c.Program != other.Program || c.Bind != other.Bind || c.BFT != other.BFT ||
		c.REST != other.REST || c.Node != other.Node || c.Metrics != other.Metrics ||
		c.Type != other.Type || c.Ledger != other.Ledger || c.Genesis != other.Genesis ||
		c.PrivateKey != other.PrivateKey || c.PrivateKeyFile != other.PrivateKeyFile ||
		c.RetentionPolicy != other.RetentionPolicy {
		return false
	}
	if len(c.Env) != len(other.Env) {
		return false
	}
	for k, v := range c.Env {
		if other.Env[k] != v {
			return false
		}
	}
	if len(c.Peers) != len(other.Peers) || len(c.Validators) != len(other.Validators) {
		return false
	}
	for i := range c.Peers {
		if c.Peers[i] != other.Peers[i] {
			return false
		}
	}
	for i := range c.Validators {
		if c.Validators[i] != other.Validators[i] {
			return false
		}
	}
	return true
}
