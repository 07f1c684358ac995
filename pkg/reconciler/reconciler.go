// Package reconciler implements the agent-side ordered reconcile loop:
// a single-threaded, idempotent, cooperative state machine that
// drives a node's running process toward its desired state. It keeps the
// teacher's timer-driven, metrics-wrapped reconcile cycle but replaces its
// node/container health sweep with the ordered short-circuit chain the node
// lifecycle requires.
package reconciler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/snops/pkg/catalog"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/types"
)

// TransferManager starts or polls a file transfer, reconciling it
// against its integrity hints.
type TransferManager interface {
	// Ensure decides whether dst needs downloading from url and, if so,
	// starts or continues a tracked transfer. pending is true while the
	// download is still in flight.
	Ensure(ctx context.Context, description, url, dst string, sizeHint *uint64, sha256Hint *string, perm *os.FileMode) (pending bool, err error)
}

// ProcessSupervisor manages the node child process.
type ProcessSupervisor interface {
	Running(nodeKey string) bool
	CurrentCommand(nodeKey string) (types.NodeCommand, bool)
	Start(nodeKey string, cmd types.NodeCommand) error
	Stop(nodeKey string, timeout time.Duration) error
	// ApplyCheckpoint runs the node binary's `ledger checkpoint apply`
	// subcommand to completion, rewinding ledgerDir to checkpointPath.
	ApplyCheckpoint(ctx context.Context, program, ledgerDir, genesisPath, checkpointPath string) error
}

// CatalogResolver resolves a storage-relative binary id to a local,
// integrity-checked path. sourceURL is empty when the descriptor is
// already a local path (nothing to fetch); otherwise it is the origin the
// transfer engine should download path from.
type CatalogResolver interface {
	ResolveBinary(ctx context.Context, storage *types.LoadedStorage, binaryID string) (path string, sourceURL string, sha256 *string, size *uint64, err error)
}

// AddressResolver asks the control plane to resolve internal agent peers to
// socket addresses.
type AddressResolver interface {
	ResolvePeers(ctx context.Context, envID string, peers []types.AgentPeer) (map[string]string, error)
}

// Dependencies bundles everything an iteration needs beyond the node's own
// state.
type Dependencies struct {
	Transfers   TransferManager
	Process     ProcessSupervisor
	Catalog     CatalogResolver
	Addresses   AddressResolver
	DataDir     string
	ControlAddr string // host:port checkpoints not cached locally are fetched from
}

// RuntimeState is the agent's locally cached view of one node slot,
// persisted across reconcile iterations.
type RuntimeState struct {
	EnvID            string
	Node             types.NodeState
	Storage          *types.LoadedStorage
	StorageVersion   uint64
	PeerAddrs        map[string]string // agent_id -> socket_addr cache
	RunningCommand   *types.NodeCommand
	HeightGeneration uint64 // last height_request.generation fully reconciled
}

// Reconcile runs the ordered reconcilers in sequence, short-circuiting as
// soon as one produces a requeue or fatal error.
func Reconcile(ctx context.Context, desired types.DesiredState, rt *RuntimeState, deps Dependencies) (types.ReconcileStatus, error) {
	logger := log.WithNodeKey(rt.Node.NodeKey.String())

	if status, done, err := inventoryShortCircuit(desired, rt, deps); done {
		return status.WithScope("inventory"), err
	}

	if status, done := storageInvalidation(rt); done {
		return status.WithScope("storage_invalidation"), nil
	}

	if err := ensureDirectory(deps.DataDir); err != nil {
		return types.ReconcileStatus{}, &types.ReconcileError{Kind: types.ErrCreateDirectory, Path: deps.DataDir, Msg: err.Error(), Err: err}
	}

	if status, done, err := genesisReconcile(ctx, rt, deps); done {
		return status.WithScope("genesis"), err
	}

	binaryPath, status, done, err := binaryReconcile(ctx, rt, deps)
	if done {
		return status.WithScope("binary"), err
	}

	if status, done, err := heightReconcile(ctx, rt, deps, binaryPath); done {
		return status.WithScope("height"), err
	}

	if status, done, err := addressResolve(ctx, rt, deps); done {
		return status.WithScope("address_resolution"), err
	}

	cmd := assembleCommand(rt, binaryPath)
	running, restartNeeded := processComparison(rt, deps, cmd)

	status = processSupervision(rt, deps, cmd, running, restartNeeded)
	logger.Debug().Bool("restart", restartNeeded).Msg("reconcile iteration complete")
	return status.WithScope("process_supervision"), nil
}

func inventoryShortCircuit(desired types.DesiredState, rt *RuntimeState, deps Dependencies) (types.ReconcileStatus, bool, error) {
	if desired.Kind != types.DesiredInventory {
		return types.ReconcileStatus{}, false, nil
	}
	if !deps.Process.Running(rt.Node.NodeKey.String()) {
		return types.Done(struct{}{}), true, nil
	}
	if err := deps.Process.Stop(rt.Node.NodeKey.String(), 30*time.Second); err != nil {
		return types.ReconcileStatus{}, true, err
	}
	return types.Done(struct{}{}), true, nil
}

func storageInvalidation(rt *RuntimeState) (types.ReconcileStatus, bool) {
	if rt.Storage == nil || rt.StorageVersion == rt.Storage.Version {
		return types.ReconcileStatus{}, false
	}
	rt.StorageVersion = rt.Storage.Version
	rt.RunningCommand = nil
	return types.Requeue(0, types.ConditionStorageInvalid), true
}

func ensureDirectory(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func genesisReconcile(ctx context.Context, rt *RuntimeState, deps Dependencies) (types.ReconcileStatus, bool, error) {
	if rt.Storage == nil || rt.Storage.GenesisSource == "" {
		return types.ReconcileStatus{}, false, nil
	}
	dst := fmt.Sprintf("%s/genesis.block", deps.DataDir)
	pending, err := deps.Transfers.Ensure(ctx, "genesis", rt.Storage.GenesisSource, dst, nil, nil, nil)
	if err != nil {
		return types.ReconcileStatus{}, true, &types.ReconcileError{Kind: types.ErrHTTP, URL: rt.Storage.GenesisSource, Msg: err.Error(), Err: err}
	}
	if pending {
		return types.Requeue(2*time.Second, types.ConditionPendingTransfer), true, nil
	}
	return types.ReconcileStatus{}, false, nil
}

func binaryReconcile(ctx context.Context, rt *RuntimeState, deps Dependencies) (string, types.ReconcileStatus, bool, error) {
	binaryID := "default"
	if rt.Node.Binary != nil {
		binaryID = *rt.Node.Binary
	}
	if rt.Storage == nil {
		return "", types.ReconcileStatus{}, true, &types.ReconcileError{Kind: types.ErrStorageAcquire, Msg: "no storage attached to environment"}
	}

	path, sourceURL, sha, size, err := deps.Catalog.ResolveBinary(ctx, rt.Storage, binaryID)
	if err != nil {
		return "", types.ReconcileStatus{}, true, &types.ReconcileError{Kind: types.ErrBinaryHashMismatch, Msg: err.Error(), Err: err}
	}
	if sourceURL == "" {
		return path, types.ReconcileStatus{}, false, nil
	}

	mode := os.FileMode(0o755)
	pending, err := deps.Transfers.Ensure(ctx, "binary:"+binaryID, sourceURL, path, size, sha, &mode)
	if err != nil {
		return "", types.ReconcileStatus{}, true, &types.ReconcileError{Kind: types.ErrHTTP, URL: sourceURL, Msg: err.Error(), Err: err}
	}
	if pending {
		return "", types.Requeue(2*time.Second, types.ConditionPendingTransfer), true, nil
	}
	return path, types.ReconcileStatus{}, false, nil
}

// heightReconcile acts on a height_request generation change: Top needs no
// action beyond recording the generation, Absolute/Checkpoint select a
// checkpoint, fetch it from the control plane if not already local, apply it
// via the node binary's `ledger checkpoint apply`, and record the generation
// so later iterations don't repeat the rewind.
func heightReconcile(ctx context.Context, rt *RuntimeState, deps Dependencies, binaryPath string) (types.ReconcileStatus, bool, error) {
	hr := rt.Node.HeightRequest
	if hr.Generation == rt.HeightGeneration {
		return types.ReconcileStatus{}, false, nil
	}

	if hr.Request.Kind == types.HeightTop {
		rt.HeightGeneration = hr.Generation
		return types.ReconcileStatus{}, false, nil
	}

	if rt.Storage == nil {
		return types.ReconcileStatus{}, true, &types.ReconcileError{Kind: types.ErrStorageAcquire, Msg: "no storage attached to environment"}
	}
	if hr.Request.Kind == types.HeightCheckpoint && rt.Storage.Retention == nil {
		return types.ReconcileStatus{}, true, &types.ReconcileError{Kind: types.ErrMissingRetentionPolicy, Msg: "checkpoint height request requires a retention policy"}
	}

	cp, ok := catalog.SelectCheckpoint(rt.Storage.Checkpoints, hr.Request)
	if !ok {
		return types.ReconcileStatus{}, true, &types.ReconcileError{Kind: types.ErrCheckpointAcquire, Msg: "no discovered checkpoint satisfies the requested height"}
	}

	ledgerDir := fmt.Sprintf("%s/storage/%s/%s", deps.DataDir, rt.Storage.NetworkID, rt.Storage.ID)
	checkpointPath := fmt.Sprintf("%s/%s", ledgerDir, cp.Filename)
	if _, err := os.Stat(checkpointPath); err != nil {
		url := fmt.Sprintf("http://%s/content/storage/%s/%s/%s", deps.ControlAddr, rt.Storage.NetworkID, rt.Storage.ID, cp.Filename)
		pending, err := deps.Transfers.Ensure(ctx, "checkpoint:"+cp.Filename, url, checkpointPath, nil, nil, nil)
		if err != nil {
			return types.ReconcileStatus{}, true, &types.ReconcileError{Kind: types.ErrCheckpointAcquire, URL: url, Msg: err.Error(), Err: err}
		}
		if pending {
			return types.Requeue(2*time.Second, types.ConditionCheckpointPending), true, nil
		}
	}

	genesisPath := fmt.Sprintf("%s/genesis.block", deps.DataDir)
	ledgerPath := fmt.Sprintf("%s/ledger", rt.EnvID)
	if err := deps.Process.ApplyCheckpoint(ctx, binaryPath, ledgerPath, genesisPath, checkpointPath); err != nil {
		return types.ReconcileStatus{}, true, &types.ReconcileError{Kind: types.ErrCheckpointApply, Msg: err.Error(), Err: err}
	}

	rt.HeightGeneration = hr.Generation
	return types.ReconcileStatus{}, false, nil
}

func addressResolve(ctx context.Context, rt *RuntimeState, deps Dependencies) (types.ReconcileStatus, bool, error) {
	var unresolved []types.AgentPeer
	for _, p := range append(append([]types.AgentPeer{}, rt.Node.Peers...), rt.Node.Validators...) {
		if p.Kind != types.PeerInternal {
			continue
		}
		if _, ok := rt.PeerAddrs[p.AgentID]; !ok {
			unresolved = append(unresolved, p)
		}
	}
	if len(unresolved) == 0 {
		return types.ReconcileStatus{}, false, nil
	}
	if deps.Addresses == nil {
		return types.Requeue(time.Second, types.ConditionAddressUnresolved), true, nil
	}

	resolved, err := deps.Addresses.ResolvePeers(ctx, rt.EnvID, unresolved)
	if err != nil {
		return types.ReconcileStatus{}, true, &types.ReconcileError{Kind: types.ErrAddressResolve, Msg: err.Error(), Err: err}
	}
	if rt.PeerAddrs == nil {
		rt.PeerAddrs = make(map[string]string)
	}
	for id, addr := range resolved {
		rt.PeerAddrs[id] = addr
	}
	if len(rt.PeerAddrs) < len(rt.Node.Peers)+len(rt.Node.Validators) {
		return types.Requeue(time.Second, types.ConditionAddressUnresolved), true, nil
	}
	return types.ReconcileStatus{}, false, nil
}

func peerAddrList(rt *RuntimeState, peers []types.AgentPeer) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		switch p.Kind {
		case types.PeerExternal:
			out = append(out, p.Addr)
		case types.PeerInternal:
			if addr, ok := rt.PeerAddrs[p.AgentID]; ok {
				out = append(out, addr)
			}
		}
	}
	return out
}

func assembleCommand(rt *RuntimeState, binaryPath string) types.NodeCommand {
	cmd := types.NodeCommand{
		Program:    binaryPath,
		Env:        rt.Node.Env,
		Type:       rt.Node.NodeKey.Kind,
		Ledger:     fmt.Sprintf("%s/ledger", rt.EnvID),
		Genesis:    "genesis.block",
		Peers:      peerAddrList(rt, rt.Node.Peers),
		Validators: peerAddrList(rt, rt.Node.Validators),
	}
	if rt.Storage != nil && rt.Storage.Retention != nil {
		cmd.RetentionPolicy = fmt.Sprintf("%s:%d", rt.Storage.Retention.Span, rt.Storage.Retention.MaxCheckpoints)
	}
	switch rt.Node.PrivateKey.Kind {
	case types.PrivateKeyLiteral:
		cmd.PrivateKey = rt.Node.PrivateKey.Literal
	case types.PrivateKeyLocal:
		cmd.PrivateKeyFile = fmt.Sprintf("%s/key.local", rt.EnvID)
	}
	return cmd
}

func processComparison(rt *RuntimeState, deps Dependencies, cmd types.NodeCommand) (running bool, restart bool) {
	key := rt.Node.NodeKey.String()
	running = deps.Process.Running(key)
	current, ok := deps.Process.CurrentCommand(key)
	restart = !ok || !current.Equal(cmd)
	return running, restart
}

func processSupervision(rt *RuntimeState, deps Dependencies, cmd types.NodeCommand, running, restartNeeded bool) types.ReconcileStatus {
	key := rt.Node.NodeKey.String()

	if !rt.Node.Online {
		if !running {
			return types.Done(struct{}{})
		}
		if err := deps.Process.Stop(key, 30*time.Second); err != nil {
			return types.Requeue(time.Second, types.ConditionProcessStopping)
		}
		return types.Requeue(0, types.ConditionProcessStopping)
	}

	if running && !restartNeeded {
		return types.Done(struct{}{})
	}

	if running && restartNeeded {
		if err := deps.Process.Stop(key, 30*time.Second); err != nil {
			return types.Requeue(time.Second, types.ConditionProcessStopping)
		}
		return types.Requeue(0, types.ConditionProcessStopping)
	}

	if err := deps.Process.Start(key, cmd); err != nil {
		return types.Requeue(5*time.Second, types.ConditionProcessStarting)
	}
	rt.RunningCommand = &cmd
	return types.Requeue(0, types.ConditionProcessStarting)
}
