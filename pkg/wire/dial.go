package wire

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/snops/pkg/log"
	"github.com/gorilla/websocket"
)

// ReconnectBackoff is the agent's fixed retry delay after a session error:
// on any session error both sides back off and retry.
const ReconnectBackoff = 5 * time.Second

// DialAndServe repeatedly dials url, serving the resulting session with
// onSession until ctx is cancelled. Each session failure is logged and
// followed by ReconnectBackoff before retrying.
func DialAndServe(ctx context.Context, url string, header http.Header, onSession func(ctx context.Context, s *Session) error) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			log.WithComponent("wire").Error().Err(err).Msg("failed to dial control plane, retrying")
			if !sleepOrDone(ctx, ReconnectBackoff) {
				return ctx.Err()
			}
			continue
		}

		session := NewSession(conn)
		if err := onSession(ctx, session); err != nil {
			log.WithComponent("wire").Warn().Err(err).Msg("session ended, reconnecting")
		}

		if !sleepOrDone(ctx, ReconnectBackoff) {
			return ctx.Err()
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Upgrader is the default server-side websocket upgrader for the control
// plane's agent endpoint.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ErrHandshakeFailed wraps a failed upgrade for callers that need to
// distinguish it from a mid-session error.
type ErrHandshakeFailed struct{ Err error }

func (e *ErrHandshakeFailed) Error() string { return fmt.Sprintf("websocket handshake failed: %v", e.Err) }
func (e *ErrHandshakeFailed) Unwrap() error  { return e.Err }
