package cannon

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/snops/pkg/types"
)

func TestLedgerClientBroadcastFileSink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")

	c := NewLedgerClient()
	sink := types.CannonSink{Kind: types.SinkFile, FilePath: path}
	require.NoError(t, c.Broadcast(t.Context(), sink, "blob-1"))
	require.NoError(t, c.Broadcast(t.Context(), sink, "blob-2"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "blob-1\nblob-2\n", string(data))
}

func TestLedgerClientConfirmFileSinkAlwaysConfirmed(t *testing.T) {
	c := NewLedgerClient()
	sink := types.CannonSink{Kind: types.SinkFile, FilePath: filepath.Join(t.TempDir(), "out.jsonl")}
	height, confirmed, err := c.Confirm(t.Context(), sink, "tx-1")
	require.NoError(t, err)
	require.True(t, confirmed)
	require.Equal(t, uint32(0), height)
}

func TestLedgerClientBroadcastNodeSink(t *testing.T) {
	var gotPath string
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewLedgerClient()
	sink := types.CannonSink{Kind: types.SinkBroadcast, Target: server.Listener.Addr().String()}
	require.NoError(t, c.Broadcast(t.Context(), sink, "signed-blob"))
	require.Equal(t, "/transaction/broadcast", gotPath)
	require.Equal(t, "signed-blob", gotBody)
}

// A duplicate-broadcast response still surfaces as an error from Broadcast
// itself; the cannon engine is the one that special-cases ledgerExistsPhrase
// as a non-fatal outcome (see broadcast() in cannon.go).
func TestLedgerClientBroadcastNodeSinkDuplicateStillReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("transaction already exists in the ledger"))
	}))
	defer server.Close()

	c := NewLedgerClient()
	sink := types.CannonSink{Kind: types.SinkBroadcast, Target: server.Listener.Addr().String()}
	err := c.Broadcast(t.Context(), sink, "signed-blob")
	require.Error(t, err)
	require.Contains(t, err.Error(), ledgerExistsPhrase)
}

func TestLedgerClientConfirmNodeSink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/transaction/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewLedgerClient()
	sink := types.CannonSink{Kind: types.SinkBroadcast, Target: server.Listener.Addr().String()}

	_, confirmed, err := c.Confirm(t.Context(), sink, "missing")
	require.NoError(t, err)
	require.False(t, confirmed)

	_, confirmed, err = c.Confirm(t.Context(), sink, "found")
	require.NoError(t, err)
	require.True(t, confirmed)
}
