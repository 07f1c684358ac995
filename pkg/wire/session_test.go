package wire

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestBuildAndParsePingPayload(t *testing.T) {
	payload := buildPingPayload(7, 1500*time.Microsecond)
	seq, uptime, err := parsePingPayload(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(7), seq)
	require.Equal(t, 1500*time.Microsecond, uptime)
}

func TestParsePingPayloadRejectsBadHeader(t *testing.T) {
	bad := make([]byte, pingPayloadLen)
	copy(bad, "not-a-header")
	_, _, err := parsePingPayload(bad)
	require.Error(t, err)
}

type echoParams struct {
	Value string `json:"value"`
}

func TestSessionCallRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		session := NewSession(conn)
		session.RegisterHandler("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
			var p echoParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return echoParams{Value: p.Value + "-pong"}, nil
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = session.Serve(ctx)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	clientSession := NewSession(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go clientSession.Serve(ctx)

	var out echoParams
	err = clientSession.Call(ctx, "echo", echoParams{Value: "ping"}, &out)
	require.NoError(t, err)
	require.Equal(t, "ping-pong", out.Value)
}
