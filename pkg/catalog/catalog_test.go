package catalog

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/snops/pkg/types"
)

func TestLoadValidatesPathBinaryAndGenesis(t *testing.T) {
	dir := t.TempDir()
	genesis := filepath.Join(dir, "genesis.block")
	require.NoError(t, os.WriteFile(genesis, []byte("genesis"), 0o644))

	binPath := filepath.Join(dir, "aot")
	require.NoError(t, os.WriteFile(binPath, []byte("#!/bin/sh\n"), 0o644))

	doc := `
id: canary-1
network: canary
version: 1
genesis: ` + genesis + `
binaries:
  default:
    path: ` + binPath + `
`
	storage, err := Load(strings.NewReader(doc), dir)
	require.NoError(t, err)
	require.Equal(t, "canary-1", storage.ID)

	info, err := os.Stat(binPath)
	require.NoError(t, err)
	require.NotZero(t, info.Mode().Perm()&0o111)
}

func TestLoadRejectsMissingGenesis(t *testing.T) {
	dir := t.TempDir()
	doc := `
id: canary-1
network: canary
genesis: ` + filepath.Join(dir, "missing-genesis.block") + `
`
	_, err := Load(strings.NewReader(doc), dir)
	require.Error(t, err)
}

func TestResolveBinaryFallsBackThroughDefaults(t *testing.T) {
	storage := &types.LoadedStorage{ID: "s1", NetworkID: "canary", Binaries: map[string]types.BinaryEntry{}}

	path, sourceURL, _, _, err := ResolveBinary(context.Background(), storage, "compute", "/data", "/usr/local/bin/snarkos-aot")
	require.NoError(t, err)
	require.Equal(t, "/usr/local/bin/snarkos-aot", path)
	require.Empty(t, sourceURL)
}

func TestResolveBinaryPathSourceReturnsAsIs(t *testing.T) {
	storage := &types.LoadedStorage{
		ID: "s1", NetworkID: "canary",
		Binaries: map[string]types.BinaryEntry{
			"default": {SourceKind: types.BinarySourcePath, Source: "/opt/bin/node"},
		},
	}
	path, sourceURL, _, _, err := ResolveBinary(context.Background(), storage, "default", "/data", "/builtin")
	require.NoError(t, err)
	require.Equal(t, "/opt/bin/node", path)
	require.Empty(t, sourceURL)
}

func TestResolveBinaryURLSourceReturnsCachePath(t *testing.T) {
	storage := &types.LoadedStorage{
		ID: "s1", NetworkID: "canary",
		Binaries: map[string]types.BinaryEntry{
			"default": {SourceKind: types.BinarySourceURL, Source: "https://example.test/node"},
		},
	}
	path, sourceURL, _, _, err := ResolveBinary(context.Background(), storage, "default", "/data", "/builtin")
	require.NoError(t, err)
	require.Equal(t, "https://example.test/node", sourceURL)
	require.Equal(t, filepath.Join("/data", "storage", "canary", "s1", "binaries", "default"), path)
}

func writeCheckpoint(t *testing.T, path string, genesisHash [32]byte, height uint32) {
	t.Helper()
	hdr := types.CheckpointHeader{Version: 1, BlockHeight: height, GenesisHash: genesisHash}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, binary.Write(f, binary.LittleEndian, &hdr))
}

func TestDiscoverCheckpointsKeepsAllWithoutNativeGenesis(t *testing.T) {
	dir := t.TempDir()
	var goodHash, badHash [32]byte
	goodHash[0] = 1
	badHash[0] = 2

	require.NoError(t, os.WriteFile(filepath.Join(dir, "genesis.block"), []byte("g"), 0o644))
	writeCheckpoint(t, filepath.Join(dir, "a.checkpoint"), goodHash, 10)
	writeCheckpoint(t, filepath.Join(dir, "b.checkpoint"), badHash, 20)

	storage := &types.LoadedStorage{NativeGenesis: false}
	require.NoError(t, DiscoverCheckpoints(dir, storage))
	require.Len(t, storage.Checkpoints, 2) // no genesis hash to compare against without NativeGenesis reading real genesis bytes
}

func TestSelectCheckpointAbsolutePicksHighestAtOrBelow(t *testing.T) {
	checkpoints := []types.CheckpointMeta{
		{Filename: "100.checkpoint", BlockHeight: 100},
		{Filename: "200.checkpoint", BlockHeight: 200},
		{Filename: "300.checkpoint", BlockHeight: 300},
	}
	cp, ok := SelectCheckpoint(checkpoints, types.HeightRequest{Kind: types.HeightAbsolute, Absolute: 250})
	require.True(t, ok)
	require.Equal(t, "200.checkpoint", cp.Filename)
}

func TestSelectCheckpointAbsoluteNoneBelowFails(t *testing.T) {
	checkpoints := []types.CheckpointMeta{{Filename: "100.checkpoint", BlockHeight: 100}}
	_, ok := SelectCheckpoint(checkpoints, types.HeightRequest{Kind: types.HeightAbsolute, Absolute: 50})
	require.False(t, ok)
}

func TestSelectCheckpointHeightTopNeverMatches(t *testing.T) {
	checkpoints := []types.CheckpointMeta{{Filename: "100.checkpoint", BlockHeight: 100}}
	_, ok := SelectCheckpoint(checkpoints, types.HeightRequest{Kind: types.HeightTop})
	require.False(t, ok)
}

func TestSelectCheckpointSpanPicksMostRecentBeforeCutoff(t *testing.T) {
	now := time.Now()
	checkpoints := []types.CheckpointMeta{
		{Filename: "old.checkpoint", Timestamp: now.Add(-10 * 24 * time.Hour).Unix()},
		{Filename: "borderline.checkpoint", Timestamp: now.Add(-8 * 24 * time.Hour).Unix()},
		{Filename: "too-recent.checkpoint", Timestamp: now.Add(-1 * time.Hour).Unix()},
	}

	cp, ok := SelectCheckpoint(checkpoints, types.HeightRequest{Kind: types.HeightCheckpoint, Span: "7d"})
	require.True(t, ok)
	require.Equal(t, "borderline.checkpoint", cp.Filename)
}

func TestSelectCheckpointSpanUnparseableFails(t *testing.T) {
	checkpoints := []types.CheckpointMeta{{Filename: "100.checkpoint", Timestamp: 1}}
	_, ok := SelectCheckpoint(checkpoints, types.HeightRequest{Kind: types.HeightCheckpoint, Span: "bogus"})
	require.False(t, ok)
}

func TestParseRetentionSpanDayUnit(t *testing.T) {
	d, err := ParseRetentionSpan("7d")
	require.NoError(t, err)
	require.Equal(t, 7*24*time.Hour, d)
}

func TestParseRetentionSpanStdlibUnit(t *testing.T) {
	d, err := ParseRetentionSpan("36h")
	require.NoError(t, err)
	require.Equal(t, 36*time.Hour, d)
}

func TestParseRetentionSpanInvalid(t *testing.T) {
	_, err := ParseRetentionSpan("not-a-span")
	require.Error(t, err)
}
