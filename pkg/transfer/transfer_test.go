package transfer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/snops/pkg/events"
)

func waitUntilDone(t *testing.T, m *Manager, description, url, dst string, size *uint64, sha *string, perm *os.FileMode) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := m.Ensure(context.Background(), description, url, dst, size, sha, perm)
		require.NoError(t, err)
		if !pending {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("transfer did not complete in time")
}

func TestEnsureDownloadsMissingFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello world"))
	}))
	defer server.Close()

	broker := events.NewBroker()
	go broker.Start()
	defer broker.Stop()

	m := NewManager(broker)
	dst := filepath.Join(t.TempDir(), "out.bin")

	waitUntilDone(t, m, "test", server.URL, dst, nil, nil, nil)

	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))
}

func TestEnsureSkipsWhenHashMatches(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, _ = w.Write([]byte("hello world"))
	}))
	defer server.Close()

	dir := t.TempDir()
	dst := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(dst, []byte("hello world"), 0o644))

	sum := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" // sha256("hello world")
	size := uint64(11)

	m := NewManager(nil)
	pending, err := m.Ensure(context.Background(), "test", server.URL, dst, &size, &sum, nil)
	require.NoError(t, err)
	require.False(t, pending)
	require.False(t, called)
}

func TestEnsureRedownloadsOnSizeMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("new content"))
	}))
	defer server.Close()

	dir := t.TempDir()
	dst := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(dst, []byte("stale"), 0o644))

	size := uint64(11)
	m := NewManager(nil)
	waitUntilDone(t, m, "test", server.URL, dst, &size, nil, nil)

	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "new content", string(content))
}

func TestEnsureFailsOnShaMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("unexpected"))
	}))
	defer server.Close()

	dst := filepath.Join(t.TempDir(), "out.bin")
	bogus := "0000000000000000000000000000000000000000000000000000000000000000"

	m := NewManager(nil)
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		pending, err := m.Ensure(context.Background(), "test", server.URL, dst, nil, &bogus, nil)
		if err != nil {
			lastErr = err
			break
		}
		if !pending {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Error(t, lastErr)

	_, statErr := os.Stat(dst)
	require.True(t, os.IsNotExist(statErr))
}

func TestEnsureAppliesPermissions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("binary"))
	}))
	defer server.Close()

	dst := filepath.Join(t.TempDir(), "node")
	perm := os.FileMode(0o755)

	m := NewManager(nil)
	waitUntilDone(t, m, "test", server.URL, dst, nil, nil, &perm)

	info, err := os.Stat(dst)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}
