package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kehao95/gh-app-relay/internal/message"
)

// hub fans encoded deliveries out to the connected /ws subscribers. Slow
// subscribers whose buffer is full are dropped.
type hub struct {
	subscribers map[*subscriber]bool
	broadcast   chan broadcast
	register    chan *subscriber
	unregister  chan *subscriber
	done        chan struct{}
}

type broadcast struct {
	event  string
	action string
	data   []byte
}

func newHub() *hub {
	return &hub{
		subscribers: make(map[*subscriber]bool),
		broadcast:   make(chan broadcast, 64),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		done:        make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for sub := range h.subscribers {
				delete(h.subscribers, sub)
				close(sub.send)
			}
			return
		case sub := <-h.register:
			h.subscribers[sub] = true
		case sub := <-h.unregister:
			if h.subscribers[sub] {
				delete(h.subscribers, sub)
				close(sub.send)
			}
		case msg := <-h.broadcast:
			for sub := range h.subscribers {
				if !sub.subscribedTo(msg.event, msg.action) {
					continue
				}
				select {
				case sub.send <- msg.data:
				default:
					sub.logger.Warn("ws subscriber too slow, dropping")
					delete(h.subscribers, sub)
					close(sub.send)
				}
			}
		}
	}
}

// join registers sub unless the hub has stopped.
func (h *hub) join(sub *subscriber) bool {
	select {
	case h.register <- sub:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) leave(sub *subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

type subscriber struct {
	hub    *hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu     sync.RWMutex
	events []string
}

func (s *subscriber) readPump() {
	defer func() {
		s.hub.leave(s)
		_ = s.conn.Close()
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg message.SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != message.TypeSubscribe {
			continue
		}
		s.setEvents(msg.Events)
		s.logger.Info("ws subscribed", zap.Strings("events", msg.Events))
	}
}

func (s *subscriber) writePump() {
	defer func() {
		_ = s.conn.Close()
	}()

	for data := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

func (s *subscriber) setEvents(events []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append([]string(nil), events...)
}

func (s *subscriber) subscribedTo(event, action string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return message.Subscribed(s.events, event, action)
}
