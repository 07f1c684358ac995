package types

// NodeKind is the role a node plays inside an environment.
type NodeKind string

const (
	NodeKindValidator NodeKind = "validator"
	NodeKindProver    NodeKind = "prover"
	NodeKindClient    NodeKind = "client"
)

// NodeKey identifies a node within an environment: kind/name[@namespace].
type NodeKey struct {
	Kind      NodeKind
	Name      string
	Namespace string // optional
}

// String renders the canonical "<kind>/<name>[@<namespace>]" form.
func (k NodeKey) String() string {
	s := string(k.Kind) + "/" + k.Name
	if k.Namespace != "" {
		s += "@" + k.Namespace
	}
	return s
}

// PrivateKeySourceKind tags the NodeState.PrivateKey sum type.
type PrivateKeySourceKind int

const (
	PrivateKeyNone PrivateKeySourceKind = iota
	PrivateKeyLocal
	PrivateKeyLiteral
)

// PrivateKeySource is None | Local | Literal(string).
type PrivateKeySource struct {
	Kind    PrivateKeySourceKind
	Literal string // only meaningful when Kind == PrivateKeyLiteral
}

// HeightRequestKind tags the HeightRequest sum type.
type HeightRequestKind int

const (
	HeightTop HeightRequestKind = iota
	HeightAbsolute
	HeightCheckpoint
)

// RetentionSpan is an implementation-defined duration string (e.g. "7d"); its
// rounding relative to "now" is left to the node binary rather than
// reinterpreted here, see DESIGN.md.
type RetentionSpan string

// HeightRequest is Top | Absolute(u32) | Checkpoint(RetentionSpan).
type HeightRequest struct {
	Kind     HeightRequestKind
	Absolute uint32
	Span     RetentionSpan
}

// GenerationalHeightRequest pairs a monotonic generation counter with the
// request so the reconciler can detect "height_request changed".
type GenerationalHeightRequest struct {
	Generation uint64
	Request    HeightRequest
}

// AgentPeerKind tags the AgentPeer sum type.
type AgentPeerKind int

const (
	PeerInternal AgentPeerKind = iota
	PeerExternal
)

// AgentPeer is Internal(agent_id, port) | External(socket_addr).
type AgentPeer struct {
	Kind    AgentPeerKind
	AgentID string // Internal
	Port    int    // Internal
	Addr    string // External: "host:port"
}

// NodeState is the desired configuration of a single node slot.
type NodeState struct {
	NodeKey       NodeKey
	PrivateKey    PrivateKeySource
	HeightRequest GenerationalHeightRequest
	Online        bool
	Peers         []AgentPeer
	Validators    []AgentPeer
	Env           map[string]string
	Binary        *string // binary id, nil = storage default
}
