package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/snops/pkg/environment"
	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/registry"
	"github.com/cuemby/snops/pkg/storage"
	"github.com/cuemby/snops/pkg/types"
)

const oneValidatorSpec = `
kind: Nodes
spec:
  network: testnet
  nodes:
    validator/0:
      online: true
      key: local
`

func newTestServer(t *testing.T) (*Server, storage.Store, *registry.Registry, *events.Broker) {
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

	s := NewServer(store, mgr, reg, broker, nil, nil, nil, t.TempDir())
	return s, store, reg, broker
}

func TestHandleListEnvsEmpty(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/env/list", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var envs []*types.Environment
	require.NoError(t, json.NewDecoder(w.Body).Decode(&envs))
	require.Len(t, envs, 0)
}

func TestHandleApplyEnvDelegatesToMatchingAgent(t *testing.T) {
	s, _, reg, _ := newTestServer(t)

	_, err := reg.Connect("agent-1", "nonce-1", types.AgentFlags{Mode: types.ModeValidator, LocalPK: true})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/env/e1/apply", strings.NewReader(oneValidatorSpec))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var env types.Environment
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	require.Equal(t, "e1", env.ID)
	require.Equal(t, 1, env.Nodes.Len())

	state, ok := env.Nodes.Get("validator/0")
	require.True(t, ok)
	require.Equal(t, types.EnvNodeInternal, state.Kind)
	require.Equal(t, "agent-1", state.AgentID)
}

func TestHandleApplyEnvFailsWithoutAvailableAgent(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/env/e1/apply", strings.NewReader(oneValidatorSpec))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "Env.Invalid.Apply", resp.Type)
}

func TestHandleGetEnvNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/env/missing", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "Env.NotFound.Get", resp.Type)
}

func TestHandleDeleteEnv(t *testing.T) {
	s, _, reg, _ := newTestServer(t)
	_, err := reg.Connect("agent-1", "nonce-1", types.AgentFlags{Mode: types.ModeValidator, LocalPK: true})
	require.NoError(t, err)

	applyReq := httptest.NewRequest(http.MethodPost, "/api/v1/env/e1/apply", strings.NewReader(oneValidatorSpec))
	applyW := httptest.NewRecorder()
	s.ServeHTTP(applyW, applyReq)
	require.Equal(t, http.StatusOK, applyW.Code)

	delReq := httptest.NewRequest(http.MethodDelete, "/api/v1/env/e1", nil)
	delW := httptest.NewRecorder()
	s.ServeHTTP(delW, delReq)
	require.Equal(t, http.StatusNoContent, delW.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/env/e1", nil)
	getW := httptest.NewRecorder()
	s.ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusNotFound, getW.Code)
}

func TestHandleCannonAuthAsync(t *testing.T) {
	s, store, _, _ := newTestServer(t)

	require.NoError(t, store.CreateCannon(&types.CannonInstance{
		ID:    "c1",
		EnvID: "e1",
		Source: types.CannonSource{Kind: types.SourceGenerator, Program: "credits.aleo"},
		Sink:   types.CannonSink{Kind: types.SinkBroadcast},
	}))

	body, err := json.Marshal(submitAuthRequest{Authorization: `{"type":"execute"}`})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/env/e1/cannons/c1/auth?async=true", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotEmpty(t, resp["transaction"])
}

func TestHandleCannonAuthUnknownCannon(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	body, err := json.Marshal(submitAuthRequest{Authorization: `{"type":"execute"}`})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/env/e1/cannons/missing/auth?async=true", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "CannonError.ExecutionContext.TransactionSinkNotFound", resp.Type)
}

func TestHandleActionOffline(t *testing.T) {
	s, _, reg, _ := newTestServer(t)
	_, err := reg.Connect("agent-1", "nonce-1", types.AgentFlags{Mode: types.ModeValidator, LocalPK: true})
	require.NoError(t, err)

	applyReq := httptest.NewRequest(http.MethodPost, "/api/v1/env/e1/apply", strings.NewReader(oneValidatorSpec))
	applyW := httptest.NewRecorder()
	s.ServeHTTP(applyW, applyReq)
	require.Equal(t, http.StatusOK, applyW.Code)

	body, err := json.Marshal(targetsRequest{Targets: []string{"validator/*"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/env/e1/action/offline", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var matched []environment.TargetedNode
	require.NoError(t, json.NewDecoder(w.Body).Decode(&matched))
	require.Len(t, matched, 1)
	require.Equal(t, "validator/0", matched[0].NodeKey)

	env, err := httpGetEnv(t, s, "e1")
	require.NoError(t, err)
	state, ok := env.Nodes.Get("validator/0")
	require.True(t, ok)
	require.False(t, state.Node.Online)
}

func TestHandleActionRebootWithNoLiveSessionReturnsBadGateway(t *testing.T) {
	s, _, reg, _ := newTestServer(t)
	_, err := reg.Connect("agent-1", "nonce-1", types.AgentFlags{Mode: types.ModeValidator, LocalPK: true})
	require.NoError(t, err)

	applyReq := httptest.NewRequest(http.MethodPost, "/api/v1/env/e1/apply", strings.NewReader(oneValidatorSpec))
	applyW := httptest.NewRecorder()
	s.ServeHTTP(applyW, applyReq)
	require.Equal(t, http.StatusOK, applyW.Code)

	body, err := json.Marshal(targetsRequest{Targets: []string{"validator/*"}})
	require.NoError(t, err)

	// No agent has an active wire.Session (none ever dialed /agent), so the
	// default hub's Kill call fails for every matched target.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/env/e1/action/reboot", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandleActionExecuteWithoutAuthorizerReturns501(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	body, err := json.Marshal(executeActionRequest{Cannon: "c1", Program: "credits.aleo", Function: "transfer_public"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/env/e1/action/execute", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestHandleStorageContentServesFile(t *testing.T) {
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

	dataDir := t.TempDir()
	root := filepath.Join(dataDir, "storage", "testnet", "s1")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "100.checkpoint"), []byte("checkpoint-bytes"), 0o644))

	s := NewServer(store, mgr, reg, broker, nil, nil, nil, dataDir)

	req := httptest.NewRequest(http.MethodGet, "/content/storage/testnet/s1/100.checkpoint", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "checkpoint-bytes", w.Body.String())
}

func TestHandleStorageContentMissingFileReturns404(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/content/storage/testnet/s1/missing.checkpoint", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStorageContentRejectsPathTraversal(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/content/storage/testnet/s1/etc%5Cpasswd", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStorageContentRejectsDotDot(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/content/storage/testnet/s1/%2e%2e", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func httpGetEnv(t *testing.T, s *Server, envID string) (*types.Environment, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/env/"+envID, nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var env types.Environment
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}
