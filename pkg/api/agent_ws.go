package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-semver/semver"

	"github.com/cuemby/snops/pkg/environment"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/security"
	"github.com/cuemby/snops/pkg/types"
	"github.com/cuemby/snops/pkg/wire"
)

// minAgentVersion is the oldest agent build the control plane accepts; older
// agents are refused at the upgrade rather than left to fail a later RPC.
var minAgentVersion = semver.New("0.1.0")

// handshakeParams is the first control-to-agent RPC sent on a new session:
// the persisted desired state, plus a freshly minted token on an agent's
// very first connect (a reconnect presenting an already-valid bearer token
// gets an empty Token, nothing to persist).
type handshakeParams struct {
	Token   string             `json:"token,omitempty"`
	Desired types.DesiredState `json:"desired"`
}

// getAddrsParams/getAddrsResult are the get_addrs RPC: an agent asks the
// control plane to resolve its internal peers to dialable socket addresses.
type getAddrsParams struct {
	EnvID string            `json:"env_id"`
	Peers []types.AgentPeer `json:"peers"`
}

type getAddrsResult struct {
	Addrs map[string]string `json:"addrs"`
}

// handleAgentConnect upgrades an agent's WebSocket connection on /agent,
// authenticates it, and serves its wire.Session until it disconnects.
// Transport and auth follow the external wire contract: query string
// mode/version/id/local_pk/labels, Authorization: Bearer <jwt> once an agent
// has a token, or an X-Snops-Nonce header presenting a freshly generated
// nonce on an agent's very first connect (the control plane mints and hands
// back the token over the handshake RPC, mirroring how the agent persists
// it to snops.jwt).
func (s *Server) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID := q.Get("id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "Agent.Connect.MissingID", fmt.Errorf("missing id query parameter"))
		return
	}

	if secret := security.SharedSecretFromEnv(); secret != "" {
		if r.Header.Get("X-Snops-Agent-Key") != secret {
			writeError(w, http.StatusUnauthorized, "Agent.Connect.BadSharedSecret", fmt.Errorf("shared secret mismatch"))
			return
		}
	}

	if v := q.Get("version"); v != "" {
		parsed, err := semver.NewVersion(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Agent.Connect.BadVersion", err)
			return
		}
		if parsed.LessThan(*minAgentVersion) {
			writeError(w, http.StatusUpgradeRequired, "Agent.Connect.VersionTooOld",
				fmt.Errorf("agent version %s is older than minimum %s", parsed, minAgentVersion))
			return
		}
	}

	flags, err := parseAgentFlags(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Agent.Connect.BadFlags", err)
		return
	}

	nonce, mintedToken, err := s.authenticateAgent(r, agentID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Agent.Connect.Unauthorized", err)
		return
	}

	if _, err := s.registry.Connect(agentID, nonce, flags); err != nil {
		writeError(w, http.StatusConflict, "Agent.Connect.Refused", err)
		return
	}
	if err := s.registry.DowngradeIfEnvMissing(agentID, s.manager.Exists); err != nil {
		log.WithAgentID(agentID).Error().Err(err).Msg("failed to downgrade stale desired state on connect")
	}
	agent, err := s.registry.Get(agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Agent.Connect.Lost", err)
		return
	}

	conn, err := wire.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithAgentID(agentID).Warn().Err(err).Msg("agent websocket upgrade failed")
		return
	}
	defer conn.Close()

	session := wire.NewSession(conn)
	session.RegisterHandler("get_addrs", func(ctx context.Context, raw json.RawMessage) (any, error) {
		return s.handleGetAddrs(agentID, raw)
	})

	if s.hub != nil {
		s.hub.Register(agentID, session)
		defer s.hub.Unregister(agentID, session)
	}
	defer s.registry.Disconnect(agentID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		hctx, hcancel := context.WithTimeout(ctx, 10*time.Second)
		defer hcancel()
		if err := session.Call(hctx, "handshake", handshakeParams{Token: mintedToken, Desired: agent.Desired}, nil); err != nil {
			log.WithAgentID(agentID).Warn().Err(err).Msg("handshake RPC failed")
		}
	}()

	if err := session.Serve(ctx); err != nil {
		log.WithAgentID(agentID).Debug().Err(err).Msg("agent session ended")
	}
}

// authenticateAgent resolves the credential presented by a connecting agent
// to a nonce. A Bearer token returns its embedded nonce and no minted
// token; a first-connect X-Snops-Nonce header returns that nonce plus a
// freshly minted token for the agent to persist.
func (s *Server) authenticateAgent(r *http.Request, agentID string) (nonce string, minted string, err error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		tok, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return "", "", fmt.Errorf("malformed Authorization header")
		}
		claims, err := s.issuer.Verify(tok)
		if err != nil {
			return "", "", err
		}
		if claims.AgentID != agentID {
			return "", "", fmt.Errorf("token agent id %q does not match connect id %q", claims.AgentID, agentID)
		}
		return claims.Nonce, "", nil
	}

	nonce = r.Header.Get("X-Snops-Nonce")
	if nonce == "" {
		return "", "", fmt.Errorf("missing Authorization bearer token or X-Snops-Nonce header")
	}
	tok, err := s.issuer.Mint(agentID, nonce)
	if err != nil {
		return "", "", fmt.Errorf("mint token: %w", err)
	}
	return nonce, tok, nil
}

func parseAgentFlags(q map[string][]string) (types.AgentFlags, error) {
	get := func(k string) string {
		if v, ok := q[k]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}

	flags := types.AgentFlags{}
	if m := get("mode"); m != "" {
		v, err := strconv.ParseUint(m, 10, 8)
		if err != nil {
			return flags, fmt.Errorf("bad mode: %w", err)
		}
		flags.Mode = types.ModeFlag(v)
	}
	if lbls := get("labels"); lbls != "" {
		flags.Labels = make(map[string]struct{})
		for _, l := range strings.Split(lbls, ",") {
			if l != "" {
				flags.Labels[l] = struct{}{}
			}
		}
	}
	flags.LocalPK = get("local_pk") == "true"
	return flags, nil
}

// handleGetAddrs answers selfID's resolve-peers request using
// environment.ResolveAddrs's external/internal address preference rule,
// keyed by AgentID per the reconciler's PeerAddrs convention.
func (s *Server) handleGetAddrs(selfID string, raw json.RawMessage) (any, error) {
	var req getAddrsParams
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("malformed get_addrs params: %w", err)
	}

	self, err := s.registry.Get(selfID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(req.Peers))
	for _, p := range req.Peers {
		if p.Kind != types.PeerInternal {
			continue
		}
		peer, err := s.registry.Get(p.AgentID)
		if err != nil {
			continue
		}
		host, ok := environment.ResolveAddrs(self, peer)
		if !ok {
			continue
		}
		out[p.AgentID] = fmt.Sprintf("%s:%d", host, p.Port)
	}
	return getAddrsResult{Addrs: out}, nil
}
