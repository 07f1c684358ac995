package api

import "context"

// AgentRPC is the subset of the control-to-agent RPC surface (handshake,
// reconcile(new_state), get_addrs, set_log_level, execute_authorization,
// broadcast_tx, find_transaction, get_metric, get_status, kill) that the
// operator API issues directly rather than through pkg/cannon or pkg/registry.
// The concrete implementation is pkg/agentconn.Hub, which calls the agent
// over its live wire.Session; NewServer uses its own Hub when passed a nil
// AgentRPC.
type AgentRPC interface {
	// Kill asks agentID's supervisor to terminate its node process, relying
	// on process supervision to respawn it if the desired state is
	// still Online.
	Kill(ctx context.Context, agentID string) error

	// SetLogLevel adjusts the node process's log verbosity in place.
	SetLogLevel(ctx context.Context, agentID, level string) error
}

// AuthorizeRequest is the input to Authorizer.Authorize: the fields of a
// `scli env action execute` invocation that name a program call, resolved to
// literal keys by the caller before authorization.
type AuthorizeRequest struct {
	PrivateKey    string
	FeePrivateKey string
	Program       string
	Function      string
	Inputs        []string
	PriorityFee   *uint64
	FeeRecord     string
	QueryAddr     string
}

// Authorizer produces a signed transaction authorization. It wraps the
// cryptographic transaction-authorization binary, which spec.md lists as an
// external collaborator entirely out of scope: only this interface is
// specified, the binary invocation itself is not snops's concern.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (authorizationJSON string, err error)
}
