// Package api implements the operator-facing REST/WebSocket surface:
// environment CRUD, agent/topology/storage inspection, ledger read-through
// proxying, cannon authorization submission, bulk node actions, and the
// /events subscription stream. Grounded on the teacher's chi-mounted HTTP
// server shape, replacing its gRPC+mTLS transport (unusable here: this
// module carries no grpc/proto dependency) with a plain JSON REST API over
// chi, matching the rest of the pack's chi+gorilla/websocket services.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/cuemby/snops/pkg/agentconn"
	"github.com/cuemby/snops/pkg/catalog"
	"github.com/cuemby/snops/pkg/environment"
	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/metrics"
	"github.com/cuemby/snops/pkg/registry"
	"github.com/cuemby/snops/pkg/security"
	"github.com/cuemby/snops/pkg/storage"
	"github.com/cuemby/snops/pkg/types"
)

// executeTimeout bounds the synchronous POST auth/execute wait for a
// terminal transaction event: blocks until ExecuteComplete | ExecuteFailed |
// ExecuteAborted or this timeout.
const executeTimeout = 30 * time.Second

// Server is the operator API's dependency set and chi router.
type Server struct {
	store    storage.Store
	manager  *environment.Manager
	registry *registry.Registry
	broker   *events.Broker
	issuer   *security.TokenIssuer
	agents   AgentRPC
	authz    Authorizer
	hub      *agentconn.Hub
	dataDir  string

	router chi.Router
}

// NewServer builds a Server and its agentconn.Hub, the live-session
// registry backing /agent connections. agents defaults to the hub when nil,
// since it is the only concrete AgentRPC implementation in this module
// (Kill/SetLogLevel on a never-connected agent still fail, just later, at
// the RPC call rather than at this nil check); authz has no concrete
// implementation yet and routes needing it return a 501 until the
// transaction-authorization binary wrapper is wired, see DESIGN.md. dataDir
// roots the /content file-serving route agents download checkpoints from.
func NewServer(store storage.Store, mgr *environment.Manager, reg *registry.Registry, broker *events.Broker, issuer *security.TokenIssuer, agents AgentRPC, authz Authorizer, dataDir string) *Server {
	hub := agentconn.NewHub()
	if agents == nil {
		agents = hub
	}
	s := &Server{
		store:    store,
		manager:  mgr,
		registry: reg,
		broker:   broker,
		issuer:   issuer,
		agents:   agents,
		authz:    authz,
		hub:      hub,
		dataDir:  dataDir,
	}
	s.router = s.routes()
	return s
}

// Hub returns the Server's agentconn.Hub, also the cannon.Executor
// implementation a cannon.Engine constructed alongside this Server should
// use: both need the same live-session registry.
func (s *Server) Hub() *agentconn.Hub {
	return s.hub
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)

	r.Get("/agent", s.handleAgentConnect)
	r.Get("/content/storage/{network}/{storageID}/{filename}", s.handleStorageContent)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/events", s.handleEvents)

		r.Route("/env", func(r chi.Router) {
			r.Get("/list", s.handleListEnvs)

			r.Route("/{envID}", func(r chi.Router) {
				r.Get("/", s.handleGetEnv)
				r.Post("/", s.handleApplyEnv)
				r.Delete("/", s.handleDeleteEnv)
				r.Post("/apply", s.handleApplyEnv)

				r.Get("/agents", s.handleListAgents)
				r.Get("/agents/{key}", s.handleGetAgent)

				r.Get("/topology", s.handleTopology)
				r.Get("/topology/resolved", s.handleTopologyResolved)

				r.Get("/storage", s.handleStorage)

				r.Get("/block/{hOrHash}", s.handleBlock)
				r.Get("/transaction/{txID}", s.handleTransaction)
				r.Get("/program/{prog}", s.handleProgram)
				r.Get("/program/{prog}/mapping/{mapping}", s.handleProgramMapping)

				r.Post("/cannons/{cannon}/auth", s.handleCannonAuth)

				r.Post("/action/online", s.handleActionOnline)
				r.Post("/action/offline", s.handleActionOffline)
				r.Post("/action/reboot", s.handleActionReboot)
				r.Post("/action/execute", s.handleActionExecute)
				r.Post("/action/config", s.handleActionConfig)
			})
		})
	})
	return r
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		log.WithComponent("api").Debug().
			Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", ww.Status()).Dur("elapsed", timer.Duration()).Msg("request")
	})
}

// --- environment CRUD ---

func (s *Server) handleListEnvs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleGetEnv(w http.ResponseWriter, r *http.Request) {
	env, err := s.manager.Get(chi.URLParam(r, "envID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Env.NotFound.Get", err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleApplyEnv(w http.ResponseWriter, r *http.Request) {
	envID := chi.URLParam(r, "envID")
	network := types.NetworkID(r.URL.Query().Get("network"))
	if network == "" {
		network = types.NetworkTestnet
	}

	var loaded *types.LoadedStorage
	if storageID := r.URL.Query().Get("storage_id"); storageID != "" {
		ls, err := s.store.GetStorage(string(network), storageID)
		if err != nil {
			writeError(w, http.StatusNotFound, "Env.NotFound.Storage", err)
			return
		}
		loaded = ls
	}

	env, errs := s.manager.Apply(r.Body, environment.ApplyInput{EnvID: envID, NetworkID: network, Storage: loaded})
	if len(errs) > 0 {
		writeError(w, http.StatusUnprocessableEntity, "Env.Invalid.Apply", errors.Join(errs...))
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleDeleteEnv(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(chi.URLParam(r, "envID")); err != nil {
		writeError(w, http.StatusNotFound, "Env.NotFound.Delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	env, err := s.manager.Get(chi.URLParam(r, "envID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Env.NotFound.Agents", err)
		return
	}

	type pairedAgent struct {
		NodeKey string       `json:"node_key"`
		Agent   *types.Agent `json:"agent,omitempty"`
	}
	var out []pairedAgent
	env.Nodes.Each(func(key string, state *types.EnvNodeState) bool {
		if state.Kind != types.EnvNodeInternal {
			return true
		}
		agent, _ := s.registry.Get(state.AgentID)
		out = append(out, pairedAgent{NodeKey: key, Agent: agent})
		return true
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	env, err := s.manager.Get(chi.URLParam(r, "envID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Env.NotFound.Agent", err)
		return
	}
	key := chi.URLParam(r, "key")
	state, ok := env.Nodes.Get(key)
	if !ok || state.Kind != types.EnvNodeInternal {
		writeError(w, http.StatusNotFound, "Env.NotFound.Node", fmt.Errorf("no internal node %q", key))
		return
	}
	agent, err := s.registry.Get(state.AgentID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Agent.NotFound.Get", err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// --- topology ---

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	env, err := s.manager.Get(chi.URLParam(r, "envID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Env.NotFound.Topology", err)
		return
	}
	writeJSON(w, http.StatusOK, env.Nodes)
}

// resolvedNode is one node_key's concrete dial endpoint, as opposed to the
// declared EnvNodeState returned by /topology.
type resolvedNode struct {
	NodeKey string `json:"node_key"`
	Addr    string `json:"addr,omitempty"`
}

func (s *Server) handleTopologyResolved(w http.ResponseWriter, r *http.Request) {
	env, err := s.manager.Get(chi.URLParam(r, "envID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Env.NotFound.Topology", err)
		return
	}

	var out []resolvedNode
	env.Nodes.Each(func(key string, state *types.EnvNodeState) bool {
		rn := resolvedNode{NodeKey: key}
		switch state.Kind {
		case types.EnvNodeExternal:
			if len(state.ExternalAddrs) > 0 {
				rn.Addr = state.ExternalAddrs[0]
			}
		case types.EnvNodeInternal:
			if agent, err := s.registry.Get(state.AgentID); err == nil {
				if agent.Addrs.External != nil {
					rn.Addr = *agent.Addrs.External
				} else if len(agent.Addrs.Internal) > 0 {
					rn.Addr = agent.Addrs.Internal[0]
				}
			}
		}
		out = append(out, rn)
		return true
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	env, err := s.manager.Get(chi.URLParam(r, "envID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Env.NotFound.Storage", err)
		return
	}
	if env.Storage == nil {
		writeError(w, http.StatusNotFound, "Env.NotFound.Storage", fmt.Errorf("environment %s has no loaded storage", env.ID))
		return
	}
	writeJSON(w, http.StatusOK, env.Storage)
}

// handleStorageContent serves a single file out of a storage's ledger
// directory (checkpoints, principally), the endpoint the height reconciler
// fetches a missing checkpoint from when it isn't already cached locally.
func (s *Server) handleStorageContent(w http.ResponseWriter, r *http.Request) {
	network := chi.URLParam(r, "network")
	storageID := chi.URLParam(r, "storageID")
	filename := filepath.Base(chi.URLParam(r, "filename"))
	if strings.ContainsAny(filename, `/\`) || filename == "." || filename == ".." {
		writeError(w, http.StatusBadRequest, "Storage.Content.BadFilename", fmt.Errorf("invalid filename %q", filename))
		return
	}

	root := catalog.LedgerRoot(s.dataDir, network, storageID)
	path := filepath.Join(root, filename)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "Storage.Content.NotFound", err)
		return
	}
	http.ServeFile(w, r, path)
}

// --- ledger read-through proxy ---
//
// Block/transaction/program queries answer from the node binary's own REST
// API (out of scope per spec.md's "explicitly out of scope" list), not from
// anything snops persists. pickQueryNode resolves which internal node to
// forward to; a real deployment would pick a synced validator, but with no
// liveness signal modeled yet the first internal validator (else the first
// internal node) stands in (DESIGN.md).

// defaultNodeRESTPort is the node binary's conventional REST port, used when
// an agent hasn't reported an observed port.
const defaultNodeRESTPort = 3030

func (s *Server) pickQueryNode(env *types.Environment) (string, error) {
	var nodeKey string
	env.Nodes.Each(func(key string, state *types.EnvNodeState) bool {
		if state.Kind == types.EnvNodeInternal && state.Node.NodeKey.Kind == types.NodeKindValidator {
			nodeKey = key
			return false
		}
		return true
	})
	if nodeKey == "" {
		env.Nodes.Each(func(key string, state *types.EnvNodeState) bool {
			if state.Kind == types.EnvNodeInternal {
				nodeKey = key
				return false
			}
			return true
		})
	}
	if nodeKey == "" {
		return "", fmt.Errorf("no internal node available to query")
	}
	return nodeKey, nil
}

func (s *Server) proxyToNode(w http.ResponseWriter, r *http.Request, envID, upstreamPath string) {
	env, err := s.manager.Get(envID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Env.NotFound.Query", err)
		return
	}
	nodeKey, err := s.pickQueryNode(env)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "ExecutionContext.NoAvailableAgents", err)
		return
	}
	state, _ := env.Nodes.Get(nodeKey)
	agent, err := s.registry.Get(state.AgentID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "ExecutionContext.TargetAgentOffline", err)
		return
	}

	host := ""
	if agent.Addrs.External != nil {
		host = *agent.Addrs.External
	} else if len(agent.Addrs.Internal) > 0 {
		host = agent.Addrs.Internal[0]
	}
	if host == "" {
		writeError(w, http.StatusServiceUnavailable, "ExecutionContext.TargetAgentOffline", fmt.Errorf("agent %s has no observed address", agent.ID))
		return
	}
	port := defaultNodeRESTPort
	if len(agent.ObservedPorts) > 0 {
		port = agent.ObservedPorts[0]
	}

	url := fmt.Sprintf("http://%s:%d%s", host, port, upstreamPath)
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ExecutionContext.Broadcast", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "ExecutionContext.BroadcastRequest", err)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	s.proxyToNode(w, r, chi.URLParam(r, "envID"), "/block/"+chi.URLParam(r, "hOrHash"))
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	s.proxyToNode(w, r, chi.URLParam(r, "envID"), "/transaction/"+chi.URLParam(r, "txID"))
}

func (s *Server) handleProgram(w http.ResponseWriter, r *http.Request) {
	s.proxyToNode(w, r, chi.URLParam(r, "envID"), "/program/"+chi.URLParam(r, "prog"))
}

func (s *Server) handleProgramMapping(w http.ResponseWriter, r *http.Request) {
	path := "/program/" + chi.URLParam(r, "prog") + "/mapping/" + chi.URLParam(r, "mapping")
	s.proxyToNode(w, r, chi.URLParam(r, "envID"), path)
}

// --- cannon authorization submission ---

type submitAuthRequest struct {
	Authorization string `json:"authorization"`
}

func (s *Server) handleCannonAuth(w http.ResponseWriter, r *http.Request) {
	envID := chi.URLParam(r, "envID")
	cannonID := chi.URLParam(r, "cannon")
	async := r.URL.Query().Get("async") == "true"

	var body submitAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "CannonError.Authorize", err)
		return
	}

	cannon, err := s.store.GetCannon(envID, cannonID)
	if err != nil {
		writeError(w, http.StatusNotFound, "CannonError.ExecutionContext.TransactionSinkNotFound", err)
		return
	}
	if cannon.Draining {
		writeError(w, http.StatusConflict, "CannonError.ExecutionContext.EnvDropped", fmt.Errorf("cannon %s is draining", cannonID))
		return
	}

	txID := uuid.NewString()
	tracker := &types.TransactionTracker{
		TxID:          txID,
		Authorization: &body.Authorization,
		Status:        types.TransactionSendState{Kind: types.TxAuthorized, At: time.Now()},
	}
	if err := s.store.PutTracker(envID, cannonID, tracker); err != nil {
		writeError(w, http.StatusInternalServerError, "CannonError.Authorize", err)
		return
	}
	s.broker.Publish(&events.Event{EnvID: &envID, CannonID: &cannonID, TxID: &txID, Content: events.Content{Kind: events.ContentAuthorizationReceived}})

	if async {
		writeJSON(w, http.StatusAccepted, map[string]string{"transaction": txID})
		return
	}

	result, err := s.awaitTerminal(r.Context(), envID, cannonID, txID)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, "CannonError.ExecutionContext", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// awaitTerminal blocks on the event bus for this transaction's terminal
// status or executeTimeout, backing the synchronous POST auth contract.
func (s *Server) awaitTerminal(ctx context.Context, envID, cannonID, txID string) (map[string]any, error) {
	filter := events.AllOf{events.EnvIs{ID: envID}, events.CannonIs{ID: cannonID}, events.TransactionIs{TxID: txID}}
	sub := s.broker.Subscribe(filter)
	defer s.broker.Unsubscribe(sub)

	deadline := time.NewTimer(executeTimeout)
	defer deadline.Stop()

	for {
		select {
		case ev := <-sub:
			switch ev.Content.Kind {
			case events.ContentExecuteComplete:
				return map[string]any{"transaction": ev.Content.Transaction}, nil
			case events.ContentExecuteFailed:
				return nil, fmt.Errorf("execution failed: %s", ev.Content.ErrorMsg)
			case events.ContentExecuteAborted:
				return nil, fmt.Errorf("execution aborted")
			}
		case <-deadline.C:
			return nil, fmt.Errorf("timed out waiting for transaction %s", txID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// --- bulk node actions ---

type targetsRequest struct {
	Targets []string `json:"targets"`
}

func (s *Server) handleActionOnline(w http.ResponseWriter, r *http.Request) {
	s.setOnline(w, r, true)
}

func (s *Server) handleActionOffline(w http.ResponseWriter, r *http.Request) {
	s.setOnline(w, r, false)
}

func (s *Server) setOnline(w http.ResponseWriter, r *http.Request, online bool) {
	var body targetsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "ExecutionError.Action", err)
		return
	}
	matched, err := s.manager.SetOnline(chi.URLParam(r, "envID"), body.Targets, online)
	if err != nil {
		writeError(w, http.StatusNotFound, "Env.NotFound.Action", err)
		return
	}
	writeJSON(w, http.StatusOK, matched)
}

func (s *Server) handleActionReboot(w http.ResponseWriter, r *http.Request) {
	var body targetsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "ExecutionError.Action", err)
		return
	}
	envID := chi.URLParam(r, "envID")
	matched, err := s.manager.ResolveTargets(envID, body.Targets)
	if err != nil {
		writeError(w, http.StatusNotFound, "Env.NotFound.Action", err)
		return
	}
	if s.agents == nil {
		writeError(w, http.StatusNotImplemented, "ExecutionError.Action", fmt.Errorf("agent RPC client not configured"))
		return
	}
	var failed []string
	for _, t := range matched {
		if err := s.agents.Kill(r.Context(), t.AgentID); err != nil {
			failed = append(failed, t.AgentID)
		}
	}
	if len(failed) > 0 {
		writeError(w, http.StatusBadGateway, "ExecutionError.Action", fmt.Errorf("kill failed for agents: %v", failed))
		return
	}
	writeJSON(w, http.StatusOK, matched)
}

type executeActionRequest struct {
	Cannon        string   `json:"cannon"`
	PrivateKey    string   `json:"private_key"`
	FeePrivateKey string   `json:"fee_private_key,omitempty"`
	Program       string   `json:"program"`
	Function      string   `json:"function"`
	Inputs        []string `json:"inputs,omitempty"`
	PriorityFee   *uint64  `json:"priority_fee,omitempty"`
	FeeRecord     string   `json:"fee_record,omitempty"`
	Async         bool     `json:"async,omitempty"`
}

// handleActionExecute authorizes and submits a transaction through a named
// cannon in one call, distinct from the per-node online/offline/reboot/config
// actions.
func (s *Server) handleActionExecute(w http.ResponseWriter, r *http.Request) {
	if s.authz == nil {
		writeError(w, http.StatusNotImplemented, "ExecutionError.Action", fmt.Errorf("authorizer not configured"))
		return
	}

	var body executeActionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "ExecutionError.Action", err)
		return
	}
	envID := chi.URLParam(r, "envID")
	if _, err := s.store.GetCannon(envID, body.Cannon); err != nil {
		writeError(w, http.StatusNotFound, "ExecutionError.UnknownCannon", err)
		return
	}

	authJSON, err := s.authz.Authorize(r.Context(), AuthorizeRequest{
		PrivateKey:    body.PrivateKey,
		FeePrivateKey: body.FeePrivateKey,
		Program:       body.Program,
		Function:      body.Function,
		Inputs:        body.Inputs,
		PriorityFee:   body.PriorityFee,
		FeeRecord:     body.FeeRecord,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "CannonError.Authorize", err)
		return
	}

	txID := uuid.NewString()
	tracker := &types.TransactionTracker{
		TxID:          txID,
		Authorization: &authJSON,
		Status:        types.TransactionSendState{Kind: types.TxAuthorized, At: time.Now()},
	}
	if err := s.store.PutTracker(envID, body.Cannon, tracker); err != nil {
		writeError(w, http.StatusInternalServerError, "CannonError.Authorize", err)
		return
	}
	s.broker.Publish(&events.Event{EnvID: &envID, CannonID: &body.Cannon, TxID: &txID, Content: events.Content{Kind: events.ContentAuthorizationReceived}})

	if body.Async {
		writeJSON(w, http.StatusAccepted, map[string]string{"transaction": txID})
		return
	}
	result, err := s.awaitTerminal(r.Context(), envID, body.Cannon, txID)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, "CannonError.ExecutionContext", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type configActionRequest struct {
	Targets       []string `json:"targets"`
	Online        *bool    `json:"online,omitempty"`
	Height        *string  `json:"height,omitempty"`
	Peers         []string `json:"peers,omitempty"`
	PeersSet      bool     `json:"peers_set,omitempty"`
	Validators    []string `json:"validators,omitempty"`
	ValidatorsSet bool     `json:"validators_set,omitempty"`
}

func (s *Server) handleActionConfig(w http.ResponseWriter, r *http.Request) {
	var body configActionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "ExecutionError.Action", err)
		return
	}

	upd := environment.ConfigUpdate{Online: body.Online}
	if body.Height != nil {
		hr, err := parseHeightRequest(*body.Height)
		if err != nil {
			writeError(w, http.StatusBadRequest, "ExecutionError.Action", err)
			return
		}
		upd.Height = &hr
	}
	if body.PeersSet {
		upd.Peers = &body.Peers
	}
	if body.ValidatorsSet {
		upd.Validators = &body.Validators
	}

	matched, err := s.manager.Configure(chi.URLParam(r, "envID"), body.Targets, upd)
	if err != nil {
		writeError(w, http.StatusNotFound, "Env.NotFound.Action", err)
		return
	}
	writeJSON(w, http.StatusOK, matched)
}

func parseHeightRequest(s string) (types.HeightRequest, error) {
	if s == "top" || s == "" {
		return types.HeightRequest{Kind: types.HeightTop}, nil
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return types.HeightRequest{Kind: types.HeightAbsolute, Absolute: uint32(n)}, nil
	}
	return types.HeightRequest{Kind: types.HeightCheckpoint, Span: types.RetentionSpan(s)}, nil
}
