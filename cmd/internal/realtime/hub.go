package realtime

import (
	"log/slog"
	"sync"

	"tidechat/cmd/internal/metrics"
)

// Hub is the broadcast fanout: it owns the set of registered sessions.
//
// Concurrency guarantees:
//   - Register/Unregister are safe under concurrent Broadcast.
//   - Broadcast never blocks on a transport; sessions that cannot keep up are
//     evicted instead of silently skipped.
//   - Callers serialize Broadcast (Service holds its publish lock), which is what
//     gives every session the same order.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.DeliveryMetrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub constructs a Hub. m may be nil.
func NewHub(log *slog.Logger, m *metrics.DeliveryMetrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// Register adds a session to the fanout set.
func (h *Hub) Register(s *Session) {
	if h == nil || s == nil || s.ID == "" {
		return
	}

	h.mu.Lock()
	h.sessions[s.ID] = s
	n := len(h.sessions)
	h.mu.Unlock()

	h.metrics.SetSessions(n)
	h.log.Debug("hub.session.register", "session_id", s.ID, "sessions", n)
}

// Unregister removes a session. It reports whether the session was registered.
func (h *Hub) Unregister(id string) bool {
	if h == nil || id == "" {
		return false
	}

	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	n := len(h.sessions)
	h.mu.Unlock()

	if ok {
		h.metrics.SetSessions(n)
		h.log.Debug("hub.session.unregister", "session_id", id, "sessions", n)
	}
	return ok
}

// Lookup returns a registered session.
func (h *Hub) Lookup(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast delivers m to every registered session, including the sender.
// It returns the number of sessions evicted for falling behind.
func (h *Hub) Broadcast(m Message) int {
	if h == nil {
		return 0
	}

	var slow []*Session

	h.mu.RLock()
	for _, s := range h.sessions {
		if !s.push(m) {
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	h.metrics.RecordBroadcast()

	// Evict outside the hub lock: the transport tears itself down and comes back
	// through Unregister.
	for _, s := range slow {
		h.log.Warn("hub.session.evict", "session_id", s.ID, "reason", EvictSlowConsumer, "seq", m.Seq)
		h.metrics.RecordEviction(EvictSlowConsumer)
		s.evict(EvictSlowConsumer)
	}
	return len(slow)
}

// Announce sends a best-effort notice to every session except the one named.
// Sessions whose transport is full simply miss it.
func (h *Hub) Announce(exceptID, text string) {
	if h == nil {
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id == exceptID {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.announce(text)
	}
}
