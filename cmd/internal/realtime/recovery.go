package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tidechat/cmd/internal/metrics"
)

// Recovery results (metrics labels).
const (
	RecoveryRecovered = "recovered"
	RecoveryExpired   = "expired"
	RecoveryBehind    = "behind"
	RecoveryUnknown   = "unknown"
	RecoveryOverflow  = "overflow"
)

var (
	// ErrNotParked means no parked session matches the requested id.
	ErrNotParked = errors.New("realtime: session not parked")
	// ErrClientBehind means the client missed messages the old transport accepted.
	ErrClientBehind = errors.New("realtime: client behind parked session")
)

// mailbox stands in for a transport while its session is parked. It holds live
// messages in order, up to a fixed size.
type mailbox struct {
	mu        sync.Mutex
	msgs      []Message
	limit     int
	handedOff int64
	onEvict   func(reason string)
}

func newMailbox(limit int, onEvict func(string)) *mailbox {
	return &mailbox{limit: limit, onEvict: onEvict}
}

func (b *mailbox) Deliver(m Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) >= b.limit {
		return false
	}
	b.msgs = append(b.msgs, m)
	return true
}

func (b *mailbox) Replay(context.Context, Message) error { return ErrNotParked }

func (b *mailbox) ResyncDone(ResyncReport) bool { return true }

// Announce drops notices; they are not worth holding for an absent client.
func (b *mailbox) Announce(string) bool { return false }

func (b *mailbox) Evict(reason string) {
	if b.onEvict != nil {
		b.onEvict(reason)
	}
}

func (b *mailbox) drain() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.msgs
	b.msgs = nil
	return out
}

func (b *mailbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

type parked struct {
	sess  *Session
	box   *mailbox
	timer *time.Timer
}

// Recovery keeps sessions whose transport dropped abnormally alive for a short
// window. A client that reconnects inside the window, naming its session and having
// seen everything the old transport was handed, resumes without a log replay.
type Recovery struct {
	log     *slog.Logger
	svc     *Service
	metrics *metrics.DeliveryMetrics

	window      time.Duration
	mailboxSize int

	mu     sync.Mutex
	parked map[string]*parked
	closed bool
}

// NewRecovery constructs a Recovery. A non-positive window disables parking.
func NewRecovery(log *slog.Logger, svc *Service, window time.Duration, mailboxSize int, reg *metrics.Registry) *Recovery {
	if log == nil {
		log = slog.Default()
	}
	if mailboxSize <= 0 {
		mailboxSize = defaultRecoveryMailbox
	}
	return &Recovery{
		log:         log,
		svc:         svc,
		metrics:     metrics.DeliveryOf(reg),
		window:      window,
		mailboxSize: mailboxSize,
		parked:      make(map[string]*parked),
	}
}

// Enabled reports whether sessions are parked at all.
func (r *Recovery) Enabled() bool { return r != nil && r.window > 0 }

// Park detaches sess from its transport and holds it for the recovery window.
// When parking is disabled (or the registry is closed) the session is disconnected.
func (r *Recovery) Park(sess *Session, reason string) {
	if sess == nil {
		return
	}
	if !r.Enabled() || !sess.active() {
		r.svc.Disconnect(sess, reason)
		return
	}

	box := newMailbox(r.mailboxSize, func(string) {
		go r.expire(sess.ID, RecoveryOverflow)
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.svc.Disconnect(sess, reason)
		return
	}
	handedOff := sess.park(box)
	p := &parked{sess: sess, box: box}
	p.timer = time.AfterFunc(r.window, func() { r.expire(sess.ID, RecoveryExpired) })
	r.parked[sess.ID] = p
	r.mu.Unlock()

	r.log.Info("session.park", "session_id", sess.ID, "reason", reason, "handed_off", handedOff, "window", r.window.String())
	r.svc.announceDeparture(sess)
}

// Claim removes a parked session so it can be resumed. Messages keep collecting in
// its mailbox until Service.Resume binds the new transport.
//
// When the client is behind (lastSeq lower than what the old transport was handed),
// the parked session is disconnected and ErrClientBehind is returned: the caller
// should connect a fresh session with a log resync. A session whose mailbox
// overflowed is dropped the same way and reported as ErrNotParked.
func (r *Recovery) Claim(id string, lastSeq int64) (*Session, error) {
	if r == nil {
		return nil, ErrNotParked
	}

	r.mu.Lock()
	p, ok := r.parked[id]
	if ok {
		delete(r.parked, id)
		p.timer.Stop()
	}
	r.mu.Unlock()

	if !ok {
		r.metrics.RecordRecovery(RecoveryUnknown)
		return nil, ErrNotParked
	}

	if p.sess.isEvicted() {
		r.metrics.RecordRecovery(RecoveryOverflow)
		r.log.Info("session.recover.overflow", "session_id", id, "last_seq", lastSeq)
		r.svc.Disconnect(p.sess, "recovery_"+RecoveryOverflow)
		return nil, ErrNotParked
	}

	if lastSeq < p.box.handedOff {
		r.metrics.RecordRecovery(RecoveryBehind)
		r.log.Info("session.recover.behind", "session_id", id, "last_seq", lastSeq, "handed_off", p.box.handedOff)
		r.svc.Disconnect(p.sess, "recovery_behind")
		return nil, ErrClientBehind
	}

	r.metrics.RecordRecovery(RecoveryRecovered)
	r.log.Info("session.recover", "session_id", id, "last_seq", lastSeq, "pending", p.box.len())
	return p.sess, nil
}

// Parked returns the number of parked sessions.
func (r *Recovery) Parked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parked)
}

// Close disconnects every parked session.
func (r *Recovery) Close() {
	r.mu.Lock()
	r.closed = true
	all := r.parked
	r.parked = make(map[string]*parked)
	r.mu.Unlock()

	for id, p := range all {
		p.timer.Stop()
		r.svc.Disconnect(p.sess, "shutdown")
		r.log.Debug("session.park.drop", "session_id", id)
	}
}

func (r *Recovery) expire(id, result string) {
	r.mu.Lock()
	p, ok := r.parked[id]
	if ok {
		delete(r.parked, id)
		p.timer.Stop()
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.metrics.RecordRecovery(result)
	r.log.Info("session.park.expire", "session_id", id, "result", result)
	r.svc.Disconnect(p.sess, "recovery_"+result)
}
