package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/snops/pkg/log"
	"github.com/gorilla/websocket"
)

// HeartbeatInterval is how often a session emits a ping.
const HeartbeatInterval = 10 * time.Second

// writeTimeout bounds every individual frame send; a send that doesn't
// complete inside it terminates the session.
const writeTimeout = 10 * time.Second

// Handler answers an incoming RPC request addressed to this side of the
// session.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// message is the wire envelope for both requests and responses. A message
// with Method set is a request; one without is a response correlated by ID.
type message struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Session is one multiplexed RPC channel over a websocket connection,
// carrying both request directions plus heartbeats.
type Session struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan message
	nextID    uint64

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	startedAt time.Time
	wantSeq   uint32

	closeOnce sync.Once
	closeCh   chan struct{}
	closeErr  error
}

// NewSession wraps an established websocket connection.
func NewSession(conn *websocket.Conn) *Session {
	s := &Session{
		conn:      conn,
		pending:   make(map[uint64]chan message),
		handlers:  make(map[string]Handler),
		startedAt: time.Now(),
		closeCh:   make(chan struct{}),
	}
	conn.SetPongHandler(s.handlePong)
	return s
}

// RegisterHandler installs the handler invoked for incoming requests named
// method. Must be called before Serve.
func (s *Session) RegisterHandler(method string, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[method] = h
}

// Call issues an RPC request and decodes its result into out (nil to discard
// the result). It blocks until a response arrives or ctx is done.
func (s *Session) Call(ctx context.Context, method string, params any, out any) error {
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params for %s: %w", method, err)
	}

	s.pendingMu.Lock()
	s.nextID++
	id := s.nextID
	respCh := make(chan message, 1)
	s.pending[id] = respCh
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.writeMessage(message{ID: id, Method: method, Params: paramsBytes}); err != nil {
		return fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return fmt.Errorf("%s: %s", method, resp.Error)
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return s.err()
	}
}

// Serve runs the session's read loop and heartbeat loop until the connection
// fails or ctx is cancelled. It always returns a non-nil error.
func (s *Session) Serve(ctx context.Context) error {
	done := make(chan struct{})
	var readErr error

	go func() {
		defer close(done)
		readErr = s.readLoop(ctx)
	}()

	go s.heartbeatLoop(ctx)

	select {
	case <-done:
		s.terminate(readErr)
	case <-ctx.Done():
		s.terminate(ctx.Err())
		_ = s.conn.Close()
	}
	<-done
	return s.err()
}

// Close terminates the session and the underlying connection.
func (s *Session) Close() error {
	s.terminate(fmt.Errorf("session closed"))
	return s.conn.Close()
}

func (s *Session) err() error {
	if s.closeErr == nil {
		return fmt.Errorf("session closed")
	}
	return s.closeErr
}

func (s *Session) terminate(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closeCh)

		s.pendingMu.Lock()
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.pendingMu.Unlock()
	})
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("session read failed: %w", err)
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WithComponent("wire").Warn().Err(err).Msg("discarding malformed session frame")
			continue
		}

		if msg.Method != "" {
			go s.serveRequest(ctx, msg)
			continue
		}

		s.pendingMu.Lock()
		ch, ok := s.pending[msg.ID]
		s.pendingMu.Unlock()
		if !ok {
			continue
		}
		ch <- msg
	}
}

func (s *Session) serveRequest(ctx context.Context, req message) {
	s.handlersMu.RLock()
	h, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()

	resp := message{ID: req.ID}
	if !ok {
		resp.Error = fmt.Sprintf("unknown method %q", req.Method)
	} else if result, err := h(ctx, req.Params); err != nil {
		resp.Error = err.Error()
	} else if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = encoded
		}
	}

	if err := s.writeMessage(resp); err != nil {
		log.WithComponent("wire").Error().Err(err).Str("method", req.Method).Msg("failed to send RPC response")
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			payload := buildPingPayload(s.wantSeq, time.Since(s.startedAt))
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.terminate(fmt.Errorf("heartbeat send failed: %w", err))
				_ = s.conn.Close()
				return
			}
			s.wantSeq++
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) handlePong(payload string) error {
	seq, _, err := parsePingPayload([]byte(payload))
	if err != nil {
		log.WithComponent("wire").Warn().Err(err).Msg("discarding invalid pong payload")
		return nil
	}
	if seq != s.wantSeq-1 && seq != s.wantSeq {
		log.WithComponent("wire").Warn().Uint32("got", seq).Msg("pong sequence mismatch, discarding")
		return nil
	}
	return nil
}

func (s *Session) writeMessage(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
