// Package catalog implements the Storage Catalog: loading and
// validating a storage descriptor into a types.LoadedStorage, and resolving
// binary ids to local, integrity-checked paths for the agent-side
// reconciler. It follows the teacher's pattern of a thin document struct
// decoded with yaml.v3 and cross-checked against the filesystem, as in
// pkg/spec's NodesDoc/CannonDoc.
package catalog

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/types"
)

// defaultBinaryID and computeBinaryID are the well-known lookup keys
// resolve_binary falls back through: "compute -> default -> built-in
// default".
const (
	computeBinaryID = "compute"
	defaultBinaryID = "default"
)

// BinaryDoc is one entry of the storage document's `binaries` map.
type BinaryDoc struct {
	Path   string  `yaml:"path"`
	URL    string  `yaml:"url"`
	Sha256 *string `yaml:"sha256"`
	Size   *uint64 `yaml:"size"`
}

// KeyPairDoc mirrors types.KeyPair for YAML decoding.
type KeyPairDoc struct {
	Address    string `yaml:"address"`
	PrivateKey string `yaml:"private_key"`
}

// RetentionDoc mirrors types.RetentionPolicy for YAML decoding.
type RetentionDoc struct {
	Span           string `yaml:"span"`
	MaxCheckpoints int    `yaml:"max_checkpoints"`
}

// StorageDoc is the decoded shape of a storage registration document.
type StorageDoc struct {
	ID            string                  `yaml:"id"`
	Network       string                  `yaml:"network"`
	Version       uint64                  `yaml:"version"`
	Genesis       string                  `yaml:"genesis"`
	Committee     []KeyPairDoc            `yaml:"committee"`
	Accounts      map[string][]KeyPairDoc `yaml:"accounts"`
	Binaries      map[string]BinaryDoc    `yaml:"binaries"`
	Retention     *RetentionDoc           `yaml:"retention"`
	Persist       bool                    `yaml:"persist"`
	NativeGenesis bool                    `yaml:"native_genesis"`
}

// LedgerRoot resolves where a storage's checkpoint files are discovered and
// where URL-sourced binaries are cached, grounded on the original's
// `<data>/storage/<network>/<id>` layout.
func LedgerRoot(baseDir, network, storageID string) string {
	return filepath.Join(baseDir, "storage", network, storageID)
}

// Load decodes and validates a storage document into a LoadedStorage.
// baseDir roots the ledger directory checkpoints are globbed from.
func Load(r io.Reader, baseDir string) (*types.LoadedStorage, error) {
	var doc StorageDoc
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, &types.SchemaError{Msg: "decoding storage document: " + err.Error(), Err: err}
	}

	if doc.ID == "" {
		return nil, &types.SchemaError{Msg: "storage document missing id"}
	}
	if doc.Genesis == "" {
		return nil, &types.SchemaError{Path: doc.ID, Msg: "storage document missing genesis source"}
	}
	if err := checkGenesisReachable(doc.Genesis); err != nil {
		return nil, &types.SchemaError{Path: doc.ID, Msg: "genesis unreachable: " + err.Error(), Err: err}
	}

	binaries := make(map[string]types.BinaryEntry, len(doc.Binaries))
	for id, bd := range doc.Binaries {
		entry, err := validateBinaryDoc(id, bd)
		if err != nil {
			return nil, &types.SchemaError{Path: doc.ID, Msg: err.Error(), Err: err}
		}
		binaries[id] = entry
	}

	var retention *types.RetentionPolicy
	if doc.Retention != nil {
		if doc.Retention.Span == "" {
			return nil, &types.ReconcileError{Kind: types.ErrMissingRetentionPolicy, Msg: "retention present but span is empty"}
		}
		retention = &types.RetentionPolicy{
			Span:           types.RetentionSpan(doc.Retention.Span),
			MaxCheckpoints: doc.Retention.MaxCheckpoints,
		}
	}

	storage := &types.LoadedStorage{
		ID:            doc.ID,
		NetworkID:     types.NetworkID(doc.Network),
		Version:       doc.Version,
		CommitteeKeys: toKeyPairs(doc.Committee),
		AccountPools:  toAccountPools(doc.Accounts),
		Binaries:      binaries,
		GenesisSource: doc.Genesis,
		Retention:     retention,
		Persist:       doc.Persist,
		NativeGenesis: doc.NativeGenesis,
	}

	ledgerDir := LedgerRoot(baseDir, doc.Network, doc.ID)
	if err := DiscoverCheckpoints(ledgerDir, storage); err != nil {
		log.WithComponent("catalog").Warn().Err(err).Str("dir", ledgerDir).Msg("checkpoint discovery failed")
	}

	return storage, nil
}

func toKeyPairs(docs []KeyPairDoc) []types.KeyPair {
	out := make([]types.KeyPair, 0, len(docs))
	for _, d := range docs {
		out = append(out, types.KeyPair{Address: d.Address, PrivateKey: d.PrivateKey})
	}
	return out
}

func toAccountPools(docs map[string][]KeyPairDoc) map[string]types.AccountPool {
	out := make(map[string]types.AccountPool, len(docs))
	for name, kps := range docs {
		out[name] = types.AccountPool{Name: name, Accounts: toKeyPairs(kps)}
	}
	return out
}

func validateBinaryDoc(id string, bd BinaryDoc) (types.BinaryEntry, error) {
	switch {
	case bd.Path != "":
		info, err := os.Stat(bd.Path)
		if err != nil {
			return types.BinaryEntry{}, fmt.Errorf("binary %q: path-source %q does not exist: %w", id, bd.Path, err)
		}
		if info.Mode().Perm()&0o111 == 0 {
			if err := os.Chmod(bd.Path, 0o755); err != nil {
				return types.BinaryEntry{}, fmt.Errorf("binary %q: path-source %q is not executable and could not be fixed: %w", id, bd.Path, err)
			}
		}
		return types.BinaryEntry{SourceKind: types.BinarySourcePath, Source: bd.Path, Sha256: bd.Sha256, Size: bd.Size}, nil
	case bd.URL != "":
		// URL-sources are recorded but not pre-fetched.
		return types.BinaryEntry{SourceKind: types.BinarySourceURL, Source: bd.URL, Sha256: bd.Sha256, Size: bd.Size}, nil
	default:
		return types.BinaryEntry{}, fmt.Errorf("binary %q: neither path nor url given", id)
	}
}

func checkGenesisReachable(source string) error {
	if _, err := os.Stat(source); err == nil {
		return nil
	}
	req, err := http.NewRequest(http.MethodHead, source, nil)
	if err != nil {
		return fmt.Errorf("not a local path and not a valid URL: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// DiscoverCheckpoints globs ledgerDir for *.checkpoint files, reads each
// header, and attaches the readable ones to storage.Checkpoints. Genesis
// matching is done only when storage.NativeGenesis is set and
// ledgerDir/genesis.block is readable: files whose header genesis hash differs
// from that file's SHA-256 are then discarded. Otherwise no file is discarded
// for its genesis hash.
func DiscoverCheckpoints(ledgerDir string, storage *types.LoadedStorage) error {
	matches, err := doublestar.Glob(os.DirFS(ledgerDir), "*.checkpoint")
	if err != nil {
		return fmt.Errorf("glob %s: %w", ledgerDir, err)
	}

	var genesisHash [32]byte
	haveGenesisHash := false
	if storage.NativeGenesis {
		genesisHash, err = genesisHashOf(filepath.Join(ledgerDir, "genesis.block"))
		haveGenesisHash = err == nil
	}

	accepted := make([]types.CheckpointMeta, 0, len(matches))
	for _, name := range matches {
		hdr, err := ReadCheckpointHeader(filepath.Join(ledgerDir, name))
		if err != nil {
			continue
		}
		if haveGenesisHash && hdr.GenesisHash != genesisHash {
			continue
		}
		accepted = append(accepted, types.CheckpointMeta{
			Filename:    name,
			BlockHeight: hdr.BlockHeight,
			Timestamp:   hdr.Timestamp,
		})
	}
	storage.Checkpoints = accepted
	return nil
}

func genesisHashOf(path string) ([32]byte, error) {
	var out [32]byte
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return out, err
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// ResolveBinary resolves binaryID to a local path (a path source as-is, a URL
// source's cache location under baseDir), falling back
// compute -> default -> built-in default. It downloads nothing: for URL
// sources it returns the source URL and hash/size hints for the caller to
// fetch with.
func ResolveBinary(ctx context.Context, storage *types.LoadedStorage, binaryID, baseDir, builtinDefault string) (path string, sourceURL string, shaHint *string, size *uint64, err error) {
	id := binaryID
	if id == computeBinaryID {
		if _, ok := storage.Binaries[computeBinaryID]; !ok {
			id = defaultBinaryID
		}
	}

	entry, ok := storage.Binaries[id]
	if !ok {
		if id == defaultBinaryID {
			return builtinDefault, "", nil, nil, nil
		}
		return "", "", nil, nil, &types.ReconcileError{Kind: types.ErrBinaryHashMismatch, Msg: fmt.Sprintf("binary %q not found in storage %q", binaryID, storage.ID)}
	}

	if entry.SourceKind == types.BinarySourcePath {
		return entry.Source, "", entry.Sha256, entry.Size, nil
	}

	cachePath := filepath.Join(baseDir, "storage", string(storage.NetworkID), storage.ID, "binaries", id)
	return cachePath, entry.Source, entry.Sha256, entry.Size, nil
}

// Resolver adapts ResolveBinary into reconciler.CatalogResolver, fixing the
// per-agent base directory and built-in default binary path.
type Resolver struct {
	baseDir        string
	builtinDefault string
}

// NewResolver builds a resolver rooted at baseDir, falling back to
// builtinDefault when neither a "compute" nor "default" binary entry exists.
func NewResolver(baseDir, builtinDefault string) *Resolver {
	return &Resolver{baseDir: baseDir, builtinDefault: builtinDefault}
}

// ResolveBinary implements reconciler.CatalogResolver.
func (r *Resolver) ResolveBinary(ctx context.Context, storage *types.LoadedStorage, binaryID string) (string, string, *string, *uint64, error) {
	return ResolveBinary(ctx, storage, binaryID, r.baseDir, r.builtinDefault)
}
