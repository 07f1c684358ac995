package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/wire"
)

// subscribeMsg is a client frame on the /events stream:
// {action:"subscribe", id, filter} / {action:"unsubscribe", id}.
type subscribeMsg struct {
	Action string `json:"action"`
	ID     string `json:"id"`
	Filter string `json:"filter"`
}

// eventFrame is one server-pushed event, tagged with the client-chosen
// subscription id it matched.
type eventFrame struct {
	ID    string        `json:"id"`
	Event *events.Event `json:"event"`
}

// handleEvents upgrades to a WebSocket and multiplexes any number of
// client-chosen subscriptions, each independently filtered, over the single
// connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wire.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("api").Warn().Err(err).Msg("events websocket upgrade failed")
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	subs := make(map[string]events.Subscriber)
	defer func() {
		for _, sub := range subs {
			s.broker.Unsubscribe(sub)
		}
	}()

	done := make(chan struct{})

	for {
		var msg subscribeMsg
		if err := conn.ReadJSON(&msg); err != nil {
			close(done)
			return
		}

		switch msg.Action {
		case "subscribe":
			filter, err := events.ParseFilter(msg.Filter)
			if err != nil {
				writeMu.Lock()
				_ = conn.WriteJSON(ErrorResponse{Type: "Events.InvalidFilter", Error: err.Error()})
				writeMu.Unlock()
				continue
			}
			if old, ok := subs[msg.ID]; ok {
				s.broker.Unsubscribe(old)
			}
			sub := s.broker.Subscribe(filter)
			subs[msg.ID] = sub
			go pumpSubscription(conn, &writeMu, msg.ID, sub, done)

		case "unsubscribe":
			if sub, ok := subs[msg.ID]; ok {
				s.broker.Unsubscribe(sub)
				delete(subs, msg.ID)
			}
		}
	}
}

// pumpSubscription forwards every event on sub to conn as an eventFrame
// tagged with id, until sub is closed (unsubscribe/disconnect) or done fires.
func pumpSubscription(conn *websocket.Conn, writeMu *sync.Mutex, id string, sub events.Subscriber, done chan struct{}) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			writeMu.Lock()
			err := conn.WriteJSON(eventFrame{ID: id, Event: ev})
			writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
