package types

import "time"

// TxSendStateKind tags the TransactionSendState sum type.
type TxSendStateKind int

const (
	TxAuthorized TxSendStateKind = iota
	TxExecuting
	TxUnsent
	TxBroadcasted
)

// TransactionSendState is Authorized | Executing(time) | Unsent |
// Broadcasted(optional block_height, time).
type TransactionSendState struct {
	Kind        TxSendStateKind
	At          time.Time
	BlockHeight *uint32 // only meaningful when Kind == TxBroadcasted
}

// TransactionTracker is the durable per-tx state machine inside a cannon.
type TransactionTracker struct {
	Index            uint64 // monotonic insert order
	TxID             string
	Status           TransactionSendState
	Authorization    *string
	TransactionBlob  *string
	AttemptCounter   int
}

// CannonSourceKind tags TxSource.
type CannonSourceKind int

const (
	SourceGenerator CannonSourceKind = iota
	SourceListen
)

// CannonSinkKind tags TxSink.
type CannonSinkKind int

const (
	SinkFile CannonSinkKind = iota
	SinkBroadcast
)

// CannonSink describes how a completed transaction leaves the cannon.
type CannonSink struct {
	Kind              CannonSinkKind
	FilePath          string        // SinkFile
	Target            string        // SinkBroadcast: node target glob/address
	AuthorizeTimeout  time.Duration
	AuthorizeAttempts int
	BroadcastTimeout  time.Duration
	BroadcastAttempts int
}

// CannonSource describes where authorizations come from.
type CannonSource struct {
	Kind CannonSourceKind

	// SourceGenerator
	PrivateKeys []string
	Addresses   []string
	Program     string
	Inputs      []string

	// SourceListen
	ListenPath string
}

// CannonInstance is a named sub-entity of an environment pairing a source and
// a sink. Environment<->CannonInstance is arena+index: this struct carries
// only the env id it belongs to, never a pointer back.
type CannonInstance struct {
	ID       string
	EnvID    string
	Source   CannonSource
	Sink     CannonSink
	Labels   map[string]struct{}
	Draining bool
}
