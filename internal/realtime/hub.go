// README: Hub owns every session and watch table; all mutation happens on its goroutine.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dispatch/internal/metrics"
	"dispatch/internal/types"
)

// Session is one authenticated websocket connection.
type Session struct {
	ID          string
	UserID      types.ID
	Role        types.Role
	ConnectedAt time.Time

	send         chan []byte
	lastActivity atomic.Int64

	mu     sync.Mutex
	closed bool
}

func NewSession(userID types.ID, role types.Role, buffer int) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		Role:        role,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, buffer),
	}
	s.Touch()
	return s
}

func (s *Session) Touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// Send queues msg without blocking and reports whether it fit. Sends after
// the session is closed are dropped.
func (s *Session) Send(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

type watchRequest struct {
	session    *Session
	deliveryID types.ID
	on         bool
}

type Stats struct {
	Users    int `json:"users"`
	Sessions int `json:"sessions"`
	Watched  int `json:"watchedDeliveries"`
}

type Hub struct {
	register   chan *Session
	unregister chan *Session
	watch      chan watchRequest
	publish    chan Event
	stats      chan chan Stats
	done       chan struct{}

	sessions map[types.ID]map[*Session]struct{}
	watchers map[types.ID]map[*Session]struct{}
	watching map[*Session]map[types.ID]struct{}

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		register:   make(chan *Session),
		unregister: make(chan *Session),
		watch:      make(chan watchRequest),
		publish:    make(chan Event, 256),
		stats:      make(chan chan Stats),
		done:       make(chan struct{}),
		sessions:   map[types.ID]map[*Session]struct{}{},
		watchers:   map[types.ID]map[*Session]struct{}{},
		watching:   map[*Session]map[types.ID]struct{}{},
		logger:     logger,
		metrics:    m,
	}
}

// Run serves hub requests until ctx is cancelled, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for s := range h.watching {
				s.close()
			}
			return
		case s := <-h.register:
			if h.sessions[s.UserID] == nil {
				h.sessions[s.UserID] = map[*Session]struct{}{}
			}
			h.sessions[s.UserID][s] = struct{}{}
			h.watching[s] = map[types.ID]struct{}{}
			h.metrics.SessionOpened()
		case s := <-h.unregister:
			h.remove(s)
		case req := <-h.watch:
			h.setWatch(req)
		case e := <-h.publish:
			h.deliver(e)
		case reply := <-h.stats:
			st := Stats{Users: len(h.sessions), Watched: len(h.watchers)}
			for _, set := range h.sessions {
				st.Sessions += len(set)
			}
			reply <- st
		}
	}
}

func (h *Hub) remove(s *Session) {
	watched, ok := h.watching[s]
	if !ok {
		return
	}
	for id := range watched {
		delete(h.watchers[id], s)
		if len(h.watchers[id]) == 0 {
			delete(h.watchers, id)
		}
	}
	delete(h.watching, s)
	delete(h.sessions[s.UserID], s)
	if len(h.sessions[s.UserID]) == 0 {
		delete(h.sessions, s.UserID)
	}
	s.close()
	h.metrics.SessionClosed()
}

func (h *Hub) setWatch(req watchRequest) {
	watched, ok := h.watching[req.session]
	if !ok {
		return
	}
	if !req.on {
		delete(watched, req.deliveryID)
		delete(h.watchers[req.deliveryID], req.session)
		if len(h.watchers[req.deliveryID]) == 0 {
			delete(h.watchers, req.deliveryID)
		}
		return
	}
	watched[req.deliveryID] = struct{}{}
	if h.watchers[req.deliveryID] == nil {
		h.watchers[req.deliveryID] = map[*Session]struct{}{}
	}
	h.watchers[req.deliveryID][req.session] = struct{}{}
}

// deliver routes e to its audience plus, for watchable types, the delivery's
// watchers. Each session receives it at most once.
func (h *Hub) deliver(e Event) {
	targets := map[*Session]struct{}{}
	for _, r := range e.Audience {
		for s := range h.sessions[r.UserID] {
			if r.Role != "" && r.Role != s.Role {
				continue
			}
			if roleAllowed(e.Type, s.Role) {
				targets[s] = struct{}{}
			}
		}
	}
	if watchable[e.Type] && e.DeliveryID != "" {
		for s := range h.watchers[e.DeliveryID] {
			if roleAllowed(e.Type, s.Role) {
				targets[s] = struct{}{}
			}
		}
	}
	if len(targets) == 0 {
		return
	}

	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("marshal event", zap.String("type", string(e.Type)), zap.Error(err))
		return
	}
	for s := range targets {
		if s.Send(msg) {
			h.metrics.EventDelivered(string(e.Type))
			continue
		}
		h.metrics.EventDropped(string(e.Type))
		h.logger.Warn("session send buffer full, event dropped",
			zap.String("session_id", s.ID),
			zap.String("user_id", string(s.UserID)),
			zap.String("type", string(e.Type)))
	}
}

// Publish queues e for delivery. It never waits on receivers; it only
// blocks while the hub's own queue is full, and gives up when ctx ends.
func (h *Hub) Publish(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case h.publish <- e:
	case <-h.done:
	case <-ctx.Done():
		h.metrics.EventDropped(string(e.Type))
	}
}

func (h *Hub) Register(s *Session) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

func (h *Hub) Watch(s *Session, deliveryID types.ID) {
	h.sendWatch(watchRequest{session: s, deliveryID: deliveryID, on: true})
}

func (h *Hub) Unwatch(s *Session, deliveryID types.ID) {
	h.sendWatch(watchRequest{session: s, deliveryID: deliveryID, on: false})
}

func (h *Hub) sendWatch(req watchRequest) {
	select {
	case h.watch <- req:
	case <-h.done:
	}
}

func (h *Hub) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case h.stats <- reply:
		return <-reply
	case <-h.done:
		return Stats{}
	}
}
