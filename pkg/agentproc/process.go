// Package agentproc supervises the node child process an agent reconciles
// toward: starting it with a deterministic argv/env built from
// a types.NodeCommand, and stopping it gracefully. Grounded on the teacher's
// ContainerdManager process lifecycle (embedded/containerd.go): exec.Cmd
// plus a SIGTERM-then-timeout-then-SIGKILL shutdown.
package agentproc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/snops/pkg/health"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/types"
)

type process struct {
	cmd     *exec.Cmd
	command types.NodeCommand
	exited  chan struct{}
	health  *health.Status
}

// Supervisor manages one OS process per node key, implementing
// reconciler.ProcessSupervisor.
type Supervisor struct {
	mu         sync.Mutex
	procs      map[string]*process
	healthConf health.Config
}

// NewSupervisor builds an empty Supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{procs: make(map[string]*process), healthConf: health.DefaultConfig()}
}

// Running reports whether nodeKey currently has a live child process.
func (s *Supervisor) Running(nodeKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[nodeKey]
	if !ok {
		return false
	}
	select {
	case <-p.exited:
		delete(s.procs, nodeKey)
		return false
	default:
		return true
	}
}

// CurrentCommand returns the command the running process was started with.
func (s *Supervisor) CurrentCommand(nodeKey string) (types.NodeCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[nodeKey]
	if !ok {
		return types.NodeCommand{}, false
	}
	return p.command, true
}

// Ready probes nodeKey's REST port and folds the result into its rolling
// health.Status, returning whether the node is currently considered healthy
// (past its start period, within its consecutive-failure threshold). This
// goes beyond the bare OS-process-exited check Running performs.
func (s *Supervisor) Ready(ctx context.Context, nodeKey string) (bool, error) {
	s.mu.Lock()
	p, ok := s.procs[nodeKey]
	conf := s.healthConf
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("node %s has no running process", nodeKey)
	}
	if p.command.REST == "" {
		return false, fmt.Errorf("node %s has no REST address to probe", nodeKey)
	}

	checker := health.NewHTTPChecker("http://" + p.command.REST + "/health/latest/ping")
	result := checker.Check(ctx)

	s.mu.Lock()
	p.health.Update(result, conf)
	healthy := p.health.Healthy || p.health.InStartPeriod(conf)
	s.mu.Unlock()

	return healthy, nil
}

// Start launches cmd's program as nodeKey's child process.
func (s *Supervisor) Start(nodeKey string, cmd types.NodeCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.procs[nodeKey]; ok {
		select {
		case <-existing.exited:
		default:
			return fmt.Errorf("node %s already running", nodeKey)
		}
	}

	logger := log.WithNodeKey(nodeKey)
	ec := exec.Command(cmd.Program, buildArgs(cmd)...)
	ec.Env = buildEnv(cmd)
	ec.Stdout = &logWriter{logger: logger, level: "info"}
	ec.Stderr = &logWriter{logger: logger, level: "error"}
	ec.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := ec.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cmd.Program, err)
	}

	p := &process{cmd: ec, command: cmd, exited: make(chan struct{}), health: health.NewStatus()}
	s.procs[nodeKey] = p
	go func() {
		_ = ec.Wait()
		close(p.exited)
		logger.Info().Msg("node process exited")
	}()

	logger.Info().Str("program", cmd.Program).Int("pid", ec.Process.Pid).Msg("node process started")
	return nil
}

// Stop sends SIGTERM and waits up to timeout before SIGKILL, per the
// teacher's containerd shutdown sequence.
func (s *Supervisor) Stop(nodeKey string, timeout time.Duration) error {
	s.mu.Lock()
	p, ok := s.procs[nodeKey]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	logger := log.WithNodeKey(nodeKey)
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && err != os.ErrProcessDone {
		logger.Warn().Err(err).Msg("failed to send SIGTERM")
	}

	select {
	case <-p.exited:
	case <-time.After(timeout):
		logger.Warn().Msg("node did not stop gracefully, sending SIGKILL")
		if err := p.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
			return fmt.Errorf("kill %s: %w", nodeKey, err)
		}
		<-p.exited
	}

	s.mu.Lock()
	delete(s.procs, nodeKey)
	s.mu.Unlock()
	return nil
}

// ApplyCheckpoint runs `program ledger --ledger ledgerDir --genesis
// genesisPath checkpoint apply checkpointPath` to completion, used by the
// height reconciler before the node's own long-running process starts.
func (s *Supervisor) ApplyCheckpoint(ctx context.Context, program, ledgerDir, genesisPath, checkpointPath string) error {
	logger := log.WithComponent("checkpoint")
	args := []string{"ledger", "--ledger", ledgerDir, "--genesis", genesisPath, "checkpoint", "apply", checkpointPath}
	ec := exec.CommandContext(ctx, program, args...)
	ec.Stdout = &logWriter{logger: logger, level: "info"}
	ec.Stderr = &logWriter{logger: logger, level: "error"}

	if err := ec.Run(); err != nil {
		return fmt.Errorf("checkpoint apply %s: %w", checkpointPath, err)
	}
	return nil
}

// StopAll stops every running process, used on agent shutdown.
func (s *Supervisor) StopAll(ctx context.Context, timeout time.Duration) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.procs))
	for k := range s.procs {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, k := range keys {
		if err := s.Stop(k, timeout); err != nil {
			log.WithNodeKey(k).Error().Err(err).Msg("failed to stop node process")
		}
	}
}

func buildArgs(cmd types.NodeCommand) []string {
	var args []string
	if cmd.Type != "" {
		args = append(args, "--type", string(cmd.Type))
	}
	if cmd.Bind != "" {
		args = append(args, "--bind", cmd.Bind)
	}
	if cmd.BFT != "" {
		args = append(args, "--bft", cmd.BFT)
	}
	if cmd.REST != "" {
		args = append(args, "--rest", cmd.REST)
	}
	if cmd.Node != "" {
		args = append(args, "--node", cmd.Node)
	}
	if cmd.Metrics != "" {
		args = append(args, "--metrics", cmd.Metrics)
	}
	if cmd.Ledger != "" {
		args = append(args, "--ledger", cmd.Ledger)
	}
	if cmd.Genesis != "" {
		args = append(args, "--genesis", cmd.Genesis)
	}
	if cmd.PrivateKey != "" {
		args = append(args, "--private-key", cmd.PrivateKey)
	}
	if cmd.PrivateKeyFile != "" {
		args = append(args, "--private-key-file", cmd.PrivateKeyFile)
	}
	if cmd.RetentionPolicy != "" {
		args = append(args, "--retention", cmd.RetentionPolicy)
	}
	for _, p := range cmd.Peers {
		args = append(args, "--peer", p)
	}
	for _, v := range cmd.Validators {
		args = append(args, "--validator", v)
	}
	return args
}

func buildEnv(cmd types.NodeCommand) []string {
	env := os.Environ()
	for k, v := range cmd.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// logWriter pipes a process's stdout/stderr line-by-line into the zerolog
// logger, grounded on the teacher's embedded.logWriter.
type logWriter struct {
	logger zerolog.Logger
	level  string
}

var _ io.Writer = (*logWriter)(nil)

func (w *logWriter) Write(b []byte) (int, error) {
	msg := string(b)
	if w.level == "error" {
		w.logger.Error().Msg(msg)
	} else {
		w.logger.Info().Msg(msg)
	}
	return len(b), nil
}
