package types

import "fmt"

// ReconcileErrorKind enumerates the agent-side reconcile failure kinds.
type ReconcileErrorKind string

const (
	ErrDatabase             ReconcileErrorKind = "Database"
	ErrAddressResolve       ReconcileErrorKind = "AddressResolve"
	ErrFileRead             ReconcileErrorKind = "FileRead"
	ErrFileStat             ReconcileErrorKind = "FileStat"
	ErrCreateDirectory      ReconcileErrorKind = "CreateDirectory"
	ErrHTTP                 ReconcileErrorKind = "Http"
	ErrStorageAcquire       ReconcileErrorKind = "StorageAcquire"
	ErrCheckpointAcquire    ReconcileErrorKind = "CheckpointAcquire"
	ErrCheckpointApply      ReconcileErrorKind = "CheckpointApply"
	ErrMissingRetentionPolicy ReconcileErrorKind = "MissingRetentionPolicy"
	ErrBinaryHashMismatch   ReconcileErrorKind = "BinaryHashMismatch"
	ErrBinarySizeMismatch   ReconcileErrorKind = "BinarySizeMismatch"
	ErrRPC                  ReconcileErrorKind = "Rpc"
)

// ReconcileError is a fatal or transient reconcile failure tagged with a kind
// drawn from a fixed taxonomy, surfaced to the control plane as a
// ReconcileError event.
type ReconcileError struct {
	Kind    ReconcileErrorKind
	Agent   string
	NodeKey string
	Path    string
	Method  string
	URL     string
	Msg     string
	Err     error
}

func (e *ReconcileError) Error() string {
	switch e.Kind {
	case ErrAddressResolve:
		return fmt.Sprintf("%s: address resolve failed for agent=%s node=%s", e.Kind, e.Agent, e.NodeKey)
	case ErrFileRead, ErrFileStat, ErrCreateDirectory:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Msg)
	case ErrHTTP:
		return fmt.Sprintf("%s: %s %s: %s", e.Kind, e.Method, e.URL, e.Msg)
	default:
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
		}
		return string(e.Kind)
	}
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// DelegationErrorKind enumerates environment-apply delegation failures.
type DelegationErrorKind string

const (
	ErrAgentAlreadyClaimed   DelegationErrorKind = "AgentAlreadyClaimed"
	ErrAgentMissingMode      DelegationErrorKind = "AgentMissingMode"
	ErrAgentNotFound         DelegationErrorKind = "AgentNotFound"
	ErrInsufficientAgentCount DelegationErrorKind = "InsufficientAgentCount"
	ErrNoAvailableAgents     DelegationErrorKind = "NoAvailableAgents"
)

// DelegationError reports a single node's delegation failure; callers collect
// these rather than short-circuiting.
type DelegationError struct {
	Kind      DelegationErrorKind
	NodeKey   string
	AgentID   string
	Have, Need int
}

func (e *DelegationError) Error() string {
	switch e.Kind {
	case ErrInsufficientAgentCount:
		return fmt.Sprintf("%s: have=%d need=%d", e.Kind, e.Have, e.Need)
	case ErrAgentNotFound, ErrAgentAlreadyClaimed, ErrAgentMissingMode:
		return fmt.Sprintf("%s: node=%s agent=%s", e.Kind, e.NodeKey, e.AgentID)
	default:
		return fmt.Sprintf("%s: node=%s", e.Kind, e.NodeKey)
	}
}

// CannonErrorKind enumerates transaction-pipeline failures.
type CannonErrorKind string

const (
	ErrAuthorize             CannonErrorKind = "Authorize"
	ErrSource                CannonErrorKind = "Source"
	ErrExecBroadcast         CannonErrorKind = "Broadcast"
	ErrExecBroadcastRequest  CannonErrorKind = "BroadcastRequest"
	ErrExecEnvDropped        CannonErrorKind = "EnvDropped"
	ErrExecNoAvailableAgents CannonErrorKind = "NoAvailableAgents"
	ErrExecDrainNotFound     CannonErrorKind = "TransactionDrainNotFound"
	ErrExecSinkNotFound      CannonErrorKind = "TransactionSinkNotFound"
	ErrTargetAgentOffline    CannonErrorKind = "TargetAgentOffline"
	ErrTransactionExists     CannonErrorKind = "TransactionAlreadyExists"
	ErrInvalidTxState        CannonErrorKind = "InvalidTransactionState"
)

// CannonError reports a cannon pipeline failure.
type CannonError struct {
	Kind  CannonErrorKind
	TxID  string
	Msg   string
	Err   error
}

func (e *CannonError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: tx=%s: %s", e.Kind, e.TxID, e.Msg)
	}
	return fmt.Sprintf("%s: tx=%s", e.Kind, e.TxID)
}

func (e *CannonError) Unwrap() error { return e.Err }

// SchemaError reports a parse error or shape violation on environment apply.
type SchemaError struct {
	Path string
	Msg  string
	Err  error
}

func (e *SchemaError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("schema: %s: %s", e.Path, e.Msg)
	}
	return fmt.Sprintf("schema: %s", e.Msg)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// TypePath returns the REST-facing "Kebab.Kind.Path" error type string every
// user-visible failure is tagged with.
func (e *ReconcileError) TypePath() string  { return "Reconcile." + string(e.Kind) }
func (e *DelegationError) TypePath() string { return "Delegation." + string(e.Kind) }
func (e *CannonError) TypePath() string     { return "Cannon." + string(e.Kind) }
func (e *SchemaError) TypePath() string     { return "Schema.Error" }
