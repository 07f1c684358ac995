package agentproc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/snops/pkg/types"
)

// testCommand runs indefinitely and accepts the empty argv buildArgs
// produces when every flag field is unset, so it doubles as a stand-in
// node binary for supervisor tests.
func testCommand() types.NodeCommand {
	return types.NodeCommand{Program: "yes"}
}

func TestStartAndStop(t *testing.T) {
	s := NewSupervisor()
	require.NoError(t, s.Start("validator/0", testCommand()))
	require.True(t, s.Running("validator/0"))

	got, ok := s.CurrentCommand("validator/0")
	require.True(t, ok)
	require.Equal(t, "yes", got.Program)

	require.NoError(t, s.Stop("validator/0", time.Second))
	require.False(t, s.Running("validator/0"))
}

func TestStartRejectsDuplicate(t *testing.T) {
	s := NewSupervisor()
	require.NoError(t, s.Start("validator/1", testCommand()))
	defer s.Stop("validator/1", time.Second)

	err := s.Start("validator/1", testCommand())
	require.Error(t, err)
}

func TestReadyReflectsRESTHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSupervisor()
	cmd := types.NodeCommand{Program: "yes", REST: strings.TrimPrefix(srv.URL, "http://")}
	require.NoError(t, s.Start("validator/0", cmd))
	defer s.Stop("validator/0", time.Second)

	healthy, err := s.Ready(context.Background(), "validator/0")
	require.NoError(t, err)
	require.True(t, healthy)
}

func TestReadyErrorsWithoutRunningProcess(t *testing.T) {
	s := NewSupervisor()
	_, err := s.Ready(context.Background(), "validator/0")
	require.Error(t, err)
}
