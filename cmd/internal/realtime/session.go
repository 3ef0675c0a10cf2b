package realtime

import (
	"sync"
	"time"
)

// SessionState is the connection lifecycle: Connecting -> Active -> Disconnected.
type SessionState uint8

const (
	StateConnecting SessionState = iota
	StateActive
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ResyncState is the per-session catch-up state machine.
type ResyncState uint8

const (
	NeedsResync ResyncState = iota
	Live
)

func (s ResyncState) String() string {
	if s == Live {
		return "live"
	}
	return "needs_resync"
}

// Session is one client connection as seen by the delivery core.
//
// Concurrency guarantees:
//   - every delivery to the transport happens under mu, so live messages are
//     handed over in the order the hub produced them.
//   - while NeedsResync, live messages are parked in a bounded backlog and
//     flushed (minus anything already replayed) on the switch to Live.
type Session struct {
	ID                 string
	LastKnownSeq       int64
	TransportRecovered bool
	ConnectedAt        time.Time

	mu            sync.Mutex
	out           Outbound
	state         SessionState
	resync        ResyncState
	backlog       []Message
	backlogLimit  int
	backlogLost   bool
	lastDelivered int64
	report        ResyncReport
	announced     bool
	evicted       bool
}

func newSession(id string, req ConnectRequest, out Outbound, backlogLimit int, now time.Time) *Session {
	s := &Session{
		ID:                 id,
		LastKnownSeq:       max(req.LastKnownSeq, 0),
		TransportRecovered: req.TransportRecovered,
		ConnectedAt:        now,
		out:                out,
		state:              StateConnecting,
		resync:             NeedsResync,
		backlogLimit:       backlogLimit,
	}
	if req.TransportRecovered {
		s.resync = Live
	}
	return s
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Resync returns the catch-up state.
func (s *Session) Resync() ResyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resync
}

// Report returns the outcome of the session's resync.
func (s *Session) Report() ResyncReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// LastDelivered is the highest seq handed to this session, by replay or live. A
// client-reported last seq only counts up to the log head.
func (s *Session) LastDelivered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelivered
}

func (s *Session) activate() {
	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateActive
	}
	s.mu.Unlock()
}

func (s *Session) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive
}

// markDisconnected moves the session to its terminal state. It reports false when
// the session was already disconnected.
func (s *Session) markDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	s.state = StateDisconnected
	s.backlog = nil
	return true
}

// claimAnnouncement reports true exactly once per session.
func (s *Session) claimAnnouncement() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.announced {
		return false
	}
	s.announced = true
	return true
}

// push hands a live broadcast to the session. False means the session must be evicted.
func (s *Session) push(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateDisconnected || s.evicted:
		return true
	case s.resync == NeedsResync:
		if len(s.backlog) >= s.backlogLimit {
			// The log still has everything; the resync engine re-reads it.
			s.backlog = s.backlog[:0]
			s.backlogLost = true
			return true
		}
		s.backlog = append(s.backlog, m)
		return true
	case m.Seq <= s.lastDelivered:
		return true
	}

	if !s.out.Deliver(m) {
		s.evicted = true
		return false
	}
	s.lastDelivered = m.Seq
	return true
}

// announce is best-effort and skips sessions still catching up.
func (s *Session) announce(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.resync != Live {
		return
	}
	_ = s.out.Announce(text)
}

func (s *Session) isEvicted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

func (s *Session) outbound() Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out
}

// evict asks the current transport to drop the connection.
func (s *Session) evict(reason string) {
	if out := s.outbound(); out != nil {
		out.Evict(reason)
	}
}

// goLive finishes a resync: it reports the outcome to the transport and flushes the
// backlog. If the backlog overflowed meanwhile (and the replay is still complete)
// it returns false without changing state, and the caller replays again from
// lastSeq.
func (s *Session) goLive(report ResyncReport, retry bool) (live bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if report.LastSeq > s.lastDelivered {
		s.lastDelivered = report.LastSeq
	}

	if s.backlogLost && retry {
		s.backlogLost = false
		return false, true
	}

	s.resync = Live
	s.report = report
	s.backlogLost = false

	if !s.out.ResyncDone(report) {
		s.backlog = nil
		s.evicted = true
		return true, false
	}

	for _, m := range s.backlog {
		if m.Seq <= s.lastDelivered {
			continue
		}
		if !s.out.Deliver(m) {
			s.backlog = nil
			s.evicted = true
			return true, false
		}
		s.lastDelivered = m.Seq
	}
	s.backlog = nil
	return true, true
}

// skipResync marks a transport-recovered session live without replay.
func (s *Session) skipResync(report ResyncReport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if report.LastSeq > s.lastDelivered {
		s.lastDelivered = report.LastSeq
	}
	s.resync = Live
	s.report = report
	if !s.out.ResyncDone(report) {
		s.evicted = true
		return false
	}
	return true
}

// rebind swaps the transport. Messages held by a recovery mailbox are handed to the
// new transport first so ordering is kept. Only what the old transport was handed
// counts as seen.
func (s *Session) rebind(out Outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted || s.state != StateActive {
		return false
	}

	var pending []Message
	floor := s.lastDelivered
	if mb, ok := s.out.(*mailbox); ok {
		pending = mb.drain()
		floor = mb.handedOff
	}

	s.out = out
	for _, m := range pending {
		if m.Seq <= floor {
			continue
		}
		if !out.Deliver(m) {
			s.evicted = true
			return false
		}
	}
	return true
}

// park swaps the transport for a recovery mailbox and records the seq last handed
// to the old transport.
func (s *Session) park(mb *mailbox) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb.handedOff = s.lastDelivered
	s.out = mb
	return mb.handedOff
}
