// Command snops-agent runs on each fleet machine: it dials the control
// plane's /agent WebSocket, receives its desired state over the handshake
// RPC, and drives a single reconciler.Loop to bring the local node process
// toward it. Connection handling mirrors the original Rust agent's
// endpoint/credential/reconnect scheme; the reconcile/process/transfer
// machinery is the teacher's timer-driven cycle generalized in pkg/reconciler.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/snops/pkg/agentproc"
	"github.com/cuemby/snops/pkg/catalog"
	"github.com/cuemby/snops/pkg/client"
	"github.com/cuemby/snops/pkg/config"
	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/reconciler"
	"github.com/cuemby/snops/pkg/security"
	"github.com/cuemby/snops/pkg/transfer"
	"github.com/cuemby/snops/pkg/types"
	"github.com/cuemby/snops/pkg/wire"
)

// newNonce generates the per-connect credential a first-time agent presents
// via X-Snops-Nonce; the control plane embeds it in the minted token.
func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "snops-agent",
	Short:   "snops fleet agent",
	Long:    "snops-agent connects to a snops control plane and reconciles the local node process against its desired state.",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("snops-agent version %s\nCommit: %s\n", Version, Commit))
	config.RegisterAgentFlags(rootCmd)
}

// tokenPath is where the agent persists the bearer token minted on its
// first connect, mirroring the original agent's "<path>/snops.jwt".
func tokenPath(dataDir string) string { return filepath.Join(dataDir, "snops.jwt") }

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgentConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithAgentID(cfg.ID)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	a := &agent{
		cfg:    cfg,
		logger: logger,
		rest:   client.NewClient("http://"+cfg.Endpoint, ""),
	}

	deps := reconciler.Dependencies{
		Transfers:   transfer.NewManager(broker),
		Process:     agentproc.NewSupervisor(),
		Catalog:     catalog.NewResolver(cfg.DataDir, "aleo-node"),
		Addresses:   a,
		DataDir:     cfg.DataDir,
		ControlAddr: cfg.Endpoint,
	}
	a.loop = reconciler.NewLoop(cfg.ID, deps, broker)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		cancel()
	}()

	go a.loop.Run(ctx)

	wsURL, header, err := a.connectTarget()
	if err != nil {
		return err
	}

	err = wire.DialAndServe(ctx, wsURL, header, a.onSession)
	a.loop.Stop()
	deps.Process.(*agentproc.Supervisor).StopAll(context.Background(), 0)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// agent holds the agent's live session handle and everything its RPC
// handlers and AddressResolver need to reach the control plane.
type agent struct {
	cfg    *config.AgentConfig
	logger zerolog.Logger
	rest   *client.Client
	loop   *reconciler.Loop

	mu      sync.Mutex
	session *wire.Session
}

// connectTarget builds the /agent WebSocket URL and the credential header
// for the next dial: a persisted bearer token if one exists, otherwise a
// freshly generated nonce for the control plane to mint one from.
func (a *agent) connectTarget() (string, http.Header, error) {
	q := url.Values{}
	q.Set("id", a.cfg.ID)
	q.Set("version", Version)
	q.Set("mode", strconv.Itoa(int(a.modeFlags())))
	if a.cfg.PrivateKeyFile != "" {
		q.Set("local_pk", "true")
	}
	if len(a.cfg.Labels) > 0 {
		q.Set("labels", strings.Join(a.cfg.Labels, ","))
	}

	wsURL := "ws://" + a.cfg.Endpoint + "/agent?" + q.Encode()

	header := http.Header{}
	if secret := security.SharedSecretFromEnv(); secret != "" {
		header.Set("X-Snops-Agent-Key", secret)
	}
	if tok, err := os.ReadFile(tokenPath(a.cfg.DataDir)); err == nil && len(tok) > 0 {
		header.Set("Authorization", "Bearer "+strings.TrimSpace(string(tok)))
	} else {
		header.Set("X-Snops-Nonce", newNonce())
	}
	return wsURL, header, nil
}

func (a *agent) modeFlags() types.ModeFlag {
	var m types.ModeFlag
	if a.cfg.Validator {
		m |= types.ModeValidator
	}
	if a.cfg.Prover {
		m |= types.ModeProver
	}
	if a.cfg.Client {
		m |= types.ModeClient
	}
	if a.cfg.Compute {
		m |= types.ModeCompute
	}
	return m
}

// onSession registers this connection's RPC handlers and blocks until it
// ends, per wire.DialAndServe's contract.
func (a *agent) onSession(ctx context.Context, s *wire.Session) error {
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.session == s {
			a.session = nil
		}
		a.mu.Unlock()
	}()

	s.RegisterHandler("handshake", func(ctx context.Context, raw json.RawMessage) (any, error) {
		return nil, a.handleHandshake(ctx, raw)
	})
	s.RegisterHandler("reconcile", func(ctx context.Context, raw json.RawMessage) (any, error) {
		return nil, a.handleReconcile(ctx, raw)
	})
	s.RegisterHandler("set_log_level", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p struct {
			Level string `json:"level"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		log.SetLevel(log.Level(p.Level))
		return nil, nil
	})
	s.RegisterHandler("execute_authorization", func(ctx context.Context, raw json.RawMessage) (any, error) {
		if !a.modeFlags().Has(types.ModeCompute) {
			return nil, fmt.Errorf("agent is not running in compute mode")
		}
		return nil, fmt.Errorf("authorization execution is not configured on this agent")
	})

	return s.Serve(ctx)
}

type handshakeParams struct {
	Token   string             `json:"token,omitempty"`
	Desired types.DesiredState `json:"desired"`
}

func (a *agent) handleHandshake(ctx context.Context, raw json.RawMessage) error {
	var p handshakeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("malformed handshake params: %w", err)
	}
	if p.Token != "" {
		if err := os.WriteFile(tokenPath(a.cfg.DataDir), []byte(p.Token), 0o600); err != nil {
			a.logger.Error().Err(err).Msg("failed to persist agent token")
		}
	}
	return a.applyDesired(ctx, p.Desired)
}

func (a *agent) handleReconcile(ctx context.Context, raw json.RawMessage) error {
	var desired types.DesiredState
	if err := json.Unmarshal(raw, &desired); err != nil {
		return fmt.Errorf("malformed reconcile params: %w", err)
	}
	return a.applyDesired(ctx, desired)
}

// applyDesired loads the environment's storage document (when the desired
// state targets a node) and installs it as the loop's new runtime state.
func (a *agent) applyDesired(ctx context.Context, desired types.DesiredState) error {
	if desired.Kind != types.DesiredNode {
		a.loop.SetDesired(desired, &reconciler.RuntimeState{})
		return nil
	}

	storage, err := a.rest.Storage(ctx, desired.EnvID)
	if err != nil {
		return fmt.Errorf("failed to load environment storage: %w", err)
	}

	rt := &reconciler.RuntimeState{
		EnvID:   desired.EnvID,
		Node:    desired.Node,
		Storage: storage,
	}
	// Carry forward cached reconcile progress from the same node slot so an
	// unrelated desired-state push (e.g. an online/offline flip) doesn't
	// reset storage-invalidation or height-generation bookkeeping and force
	// redundant work (re-running a checkpoint apply, restarting a process
	// that's already correct).
	if prev := a.loop.Current(); prev != nil && prev.EnvID == rt.EnvID && prev.Node.NodeKey == rt.Node.NodeKey {
		rt.StorageVersion = prev.StorageVersion
		rt.PeerAddrs = prev.PeerAddrs
		rt.RunningCommand = prev.RunningCommand
		rt.HeightGeneration = prev.HeightGeneration
	}
	a.loop.SetDesired(desired, rt)
	return nil
}

// ResolvePeers implements reconciler.AddressResolver over the live session's
// get_addrs RPC, the same call pkg/api's handleAgentConnect answers.
func (a *agent) ResolvePeers(ctx context.Context, envID string, peers []types.AgentPeer) (map[string]string, error) {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("no live control plane session")
	}

	var result struct {
		Addrs map[string]string `json:"addrs"`
	}
	params := struct {
		EnvID string            `json:"env_id"`
		Peers []types.AgentPeer `json:"peers"`
	}{EnvID: envID, Peers: peers}
	if err := sess.Call(ctx, "get_addrs", params, &result); err != nil {
		return nil, err
	}
	return result.Addrs, nil
}
