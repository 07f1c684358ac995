// Package agentconn tracks the live wire.Session for every connected agent
// and turns it into the control-to-agent call surface the rest of the
// control plane needs (pkg/api's AgentRPC, pkg/cannon's Executor). Grounded
// on the teacher's worker connection table (pkg/manager kept one net.Conn
// per worker node), replacing its raft-replicated membership with a plain
// in-memory map since this control plane is single-process.
package agentconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/snops/pkg/types"
	"github.com/cuemby/snops/pkg/wire"
)

// Hub is the concurrent agentID -> *wire.Session map.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*wire.Session
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*wire.Session)}
}

// Register installs sess as agentID's active session, replacing any prior
// one (a stale session from a connection that hasn't yet noticed it died).
func (h *Hub) Register(agentID string, sess *wire.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[agentID] = sess
}

// Unregister removes agentID's session iff it still is sess, so a
// handshake that races a disconnect can't clobber a newer registration.
func (h *Hub) Unregister(agentID string, sess *wire.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[agentID] == sess {
		delete(h.sessions, agentID)
	}
}

func (h *Hub) get(agentID string) (*wire.Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s has no active session", agentID)
	}
	return sess, nil
}

// Kill implements api.AgentRPC.
func (h *Hub) Kill(ctx context.Context, agentID string) error {
	sess, err := h.get(agentID)
	if err != nil {
		return err
	}
	return sess.Call(ctx, "kill", nil, nil)
}

// SetLogLevel implements api.AgentRPC.
func (h *Hub) SetLogLevel(ctx context.Context, agentID, level string) error {
	sess, err := h.get(agentID)
	if err != nil {
		return err
	}
	return sess.Call(ctx, "set_log_level", setLogLevelParams{Level: level}, nil)
}

type setLogLevelParams struct {
	Level string `json:"level"`
}

// ExecuteAuthParams is the execute_authorization RPC's request payload.
type ExecuteAuthParams struct {
	Source  types.CannonSource
	Tracker *types.TransactionTracker
}

// executeAuthResult is the execute_authorization RPC's response payload.
type executeAuthResult struct {
	Blob string
}

// Execute implements cannon.Executor, asking agentID's supervisor to run the
// authorization binary and return the signed transaction blob.
func (h *Hub) Execute(ctx context.Context, agentID string, source types.CannonSource, tracker *types.TransactionTracker) (string, error) {
	sess, err := h.get(agentID)
	if err != nil {
		return "", err
	}
	var res executeAuthResult
	if err := sess.Call(ctx, "execute_authorization", ExecuteAuthParams{Source: source, Tracker: tracker}, &res); err != nil {
		return "", err
	}
	return res.Blob, nil
}

// Reconcile pushes a desired-state change to agentID, used by
// registry.SetDesiredState callers that need the agent to act immediately
// rather than waiting for its own poll.
func (h *Hub) Reconcile(ctx context.Context, agentID string, desired types.DesiredState) error {
	sess, err := h.get(agentID)
	if err != nil {
		return err
	}
	return sess.Call(ctx, "reconcile", desired, nil)
}

// GetAddrsRequest is the get_addrs RPC's request payload, sent by an agent
// asking the control plane to resolve its internal peers to dial addresses.
type GetAddrsRequest struct {
	EnvID string
	Peers []types.AgentPeer
}
