package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/snops/pkg/environment"
	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/registry"
	"github.com/cuemby/snops/pkg/security"
	"github.com/cuemby/snops/pkg/storage"
	"github.com/cuemby/snops/pkg/types"
	"github.com/cuemby/snops/pkg/wire"
)

func newAgentWSTestServer(t *testing.T) (*httptest.Server, *Server, *registry.Registry) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	reg, err := registry.New(store, broker)
	require.NoError(t, err)

	mgr, err := environment.New(store, reg, broker)
	require.NoError(t, err)

	issuer, err := security.NewTokenIssuer([]byte("test-secret"))
	require.NoError(t, err)

	s := NewServer(store, mgr, reg, broker, issuer, nil, nil, t.TempDir())
	server := httptest.NewServer(s)
	t.Cleanup(server.Close)
	return server, s, reg
}

func dialAgentWS(t *testing.T, server *httptest.Server, agentID string, header http.Header) (*wire.Session, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/agent?id=" + agentID + "&mode=8&version=1.0.0"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return nil, resp, err
	}
	sess := wire.NewSession(conn)
	return sess, resp, nil
}

func TestHandleAgentConnectFirstConnectMintsToken(t *testing.T) {
	server, _, reg := newAgentWSTestServer(t)

	header := http.Header{}
	header.Set("X-Snops-Nonce", "nonce-abc")
	sess, _, err := dialAgentWS(t, server, "agent-1", header)
	require.NoError(t, err)

	var handshake handshakeParams
	sess.RegisterHandler("handshake", func(ctx context.Context, params json.RawMessage) (any, error) {
		require.NoError(t, json.Unmarshal(params, &handshake))
		return nil, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sess.Serve(ctx)

	require.Eventually(t, func() bool {
		agent, err := reg.Get("agent-1")
		return err == nil && agent.Connection.Online
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return handshake.Token != ""
	}, time.Second, 10*time.Millisecond)

	agent, err := reg.Get("agent-1")
	require.NoError(t, err)
	require.Equal(t, "nonce-abc", agent.Nonce)
	require.True(t, agent.Flags.Mode.Has(types.ModeCompute))
}

func TestHandleAgentConnectMissingCredentialRefused(t *testing.T) {
	server, _, _ := newAgentWSTestServer(t)

	_, resp, err := dialAgentWS(t, server, "agent-2", http.Header{})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleAgentConnectBearerTokenReconnect(t *testing.T) {
	server, s, reg := newAgentWSTestServer(t)

	tok, err := s.issuer.Mint("agent-3", "nonce-xyz")
	require.NoError(t, err)
	_, err = reg.Connect("agent-3", "nonce-xyz", types.AgentFlags{})
	require.NoError(t, err)
	reg.Disconnect("agent-3")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	sess, _, err := dialAgentWS(t, server, "agent-3", header)
	require.NoError(t, err)
	sess.RegisterHandler("handshake", func(ctx context.Context, params json.RawMessage) (any, error) { return nil, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sess.Serve(ctx)

	require.Eventually(t, func() bool {
		agent, err := reg.Get("agent-3")
		return err == nil && agent.Connection.Online
	}, time.Second, 10*time.Millisecond)
}

func TestHandleAgentConnectGetAddrsResolvesInternalPeer(t *testing.T) {
	server, _, reg := newAgentWSTestServer(t)

	extA := "203.0.113.10"
	_, err := reg.Connect("agent-a", "nonce-a", types.AgentFlags{})
	require.NoError(t, err)
	peerA, err := reg.Get("agent-a")
	require.NoError(t, err)
	peerA.Addrs.External = &extA

	header := http.Header{}
	header.Set("X-Snops-Nonce", "nonce-b")
	sess, _, err := dialAgentWS(t, server, "agent-b", header)
	require.NoError(t, err)
	sess.RegisterHandler("handshake", func(ctx context.Context, params json.RawMessage) (any, error) { return nil, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sess.Serve(ctx)

	require.Eventually(t, func() bool {
		agent, err := reg.Get("agent-b")
		return err == nil && agent.Connection.Online
	}, time.Second, 10*time.Millisecond)

	var result getAddrsResult
	err = sess.Call(ctx, "get_addrs", getAddrsParams{
		Peers: []types.AgentPeer{{Kind: types.PeerInternal, AgentID: "agent-a", Port: 4133}},
	}, &result)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.10:4133", result.Addrs["agent-a"])
}
