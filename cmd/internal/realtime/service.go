package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tidechat/cmd/internal/chatlog"
	"tidechat/cmd/internal/metrics"
)

// ConnectRequest is what the transport knows about a new connection.
type ConnectRequest struct {
	// SessionID is optional; a ULID is generated when empty.
	SessionID string
	// LastKnownSeq is the last seq the client observed (0 = nothing).
	LastKnownSeq int64
	// TransportRecovered means the transport already redelivered everything in flight.
	TransportRecovered bool
}

// OutcomeStatus is the settlement of a submission.
type OutcomeStatus uint8

const (
	Acknowledged OutcomeStatus = iota + 1
	Rejected
)

func (s OutcomeStatus) String() string {
	switch s {
	case Acknowledged:
		return "acknowledged"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Rejection reasons.
const (
	ReasonStorageUnavailable = "storage_unavailable"
	ReasonSessionNotActive   = "session_not_active"
	ReasonEmptyContent       = "empty_content"
	ReasonContentTooLong     = "content_too_long"
)

// Outcome is the result of Submit.
//
// Acknowledged: the message is stored; do not resubmit. Duplicate reports that the
// offset was already stored by an earlier attempt (Seq is 0 then).
// Rejected: nothing was stored; resubmit with the same client offset unless
// Terminal reports true.
type Outcome struct {
	Status    OutcomeStatus
	Seq       int64
	Duplicate bool
	Reason    string
}

// Acked reports whether the outcome settles the submission.
func (o Outcome) Acked() bool { return o.Status == Acknowledged }

// Terminal reports a rejection of the content itself. Resubmitting it fails the
// same way.
func (o Outcome) Terminal() bool {
	if o.Status != Rejected {
		return false
	}
	switch o.Reason {
	case ReasonEmptyContent, ReasonContentTooLong:
		return true
	default:
		return false
	}
}

// DisconnectNotice is the announcement sent to remaining sessions.
const DisconnectNotice = "user disconnected"

// Service is the delivery core: connect, submit and disconnect over one shared log.
type Service struct {
	log     *slog.Logger
	store   chatlog.Log
	gate    *Gate
	hub     *Hub
	resync  *Resyncer
	metrics *metrics.DeliveryMetrics
	reg     *metrics.Registry

	backlogLimit    int
	maxContentChars int
	now             func() time.Time
	newID           func(time.Time) (string, error)

	// publishMu spans append + broadcast so fanout order equals seq order.
	publishMu sync.Mutex
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMetrics attaches a metrics registry.
func WithMetrics(reg *metrics.Registry) ServiceOption {
	return func(s *Service) { s.reg = reg }
}

// WithBacklogLimit bounds how many live messages a resyncing session may hold.
func WithBacklogLimit(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.backlogLimit = n
		}
	}
}

// WithMaxContentChars bounds message length in runes.
func WithMaxContentChars(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxContentChars = n
		}
	}
}

// NewService wires the core around store. The caller owns store's lifecycle.
func NewService(log *slog.Logger, store chatlog.Log, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("realtime: nil log")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		log:             log,
		store:           store,
		backlogLimit:    defaultResyncBacklog,
		maxContentChars: maxMessageChars,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           NewSessionID,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.metrics = metrics.DeliveryOf(s.reg)
	s.gate = NewGate(store, metrics.StorageOf(s.reg))
	s.hub = NewHub(log, s.metrics)
	s.resync = NewResyncer(log, store, s.reg)
	return s, nil
}

// Hub exposes the fanout (diagnostics, tests).
func (s *Service) Hub() *Hub { return s.hub }

// Log exposes the underlying durable log.
func (s *Service) Log() chatlog.Log { return s.store }

// Connect registers a session and runs its resync to completion.
//
// The session is registered before the replay starts, so nothing committed
// meanwhile is missed: it is either read from the log or held in the session's
// backlog until the replay is done.
func (s *Service) Connect(ctx context.Context, req ConnectRequest, out Outbound) (*Session, error) {
	if out == nil {
		return nil, errors.New("realtime: nil outbound")
	}

	now := s.now()
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		var err error
		if id, err = s.newID(now); err != nil {
			return nil, fmt.Errorf("session id: %w", err)
		}
	}

	sess := newSession(id, req, out, s.backlogLimit, now)
	s.hub.Register(sess)
	sess.activate()

	s.log.Info("session.connect",
		"session_id", sess.ID,
		"last_seq", sess.LastKnownSeq,
		"transport_recovered", sess.TransportRecovered,
	)

	if _, err := s.resync.Run(ctx, sess); err != nil {
		s.Disconnect(sess, "resync_aborted")
		return nil, err
	}
	return sess, nil
}

// Submit stores content and, when it is new, broadcasts it to every session.
func (s *Service) Submit(ctx context.Context, sess *Session, content, clientOffset string) Outcome {
	if sess == nil || !sess.active() {
		s.metrics.RecordSubmission(metrics.OutcomeRejected)
		return Outcome{Status: Rejected, Reason: ReasonSessionNotActive}
	}

	if strings.TrimSpace(content) == "" {
		s.metrics.RecordSubmission(metrics.OutcomeRejected)
		return Outcome{Status: Rejected, Reason: ReasonEmptyContent}
	}
	if len([]rune(content)) > s.maxContentChars {
		s.metrics.RecordSubmission(metrics.OutcomeRejected)
		return Outcome{Status: Rejected, Reason: ReasonContentTooLong}
	}

	s.publishMu.Lock()
	adm, err := s.gate.Admit(ctx, content, clientOffset)
	if err != nil {
		s.publishMu.Unlock()
		s.metrics.RecordSubmission(metrics.OutcomeRejected)
		s.log.Error("submit.store.fail", "session_id", sess.ID, "client_offset", clientOffset, "err", err)
		return Outcome{Status: Rejected, Reason: ReasonStorageUnavailable}
	}
	if !adm.Accepted {
		s.publishMu.Unlock()
		s.metrics.RecordSubmission(metrics.OutcomeDuplicate)
		s.log.Info("submit.duplicate", "session_id", sess.ID, "client_offset", clientOffset)
		return Outcome{Status: Acknowledged, Duplicate: true}
	}
	s.hub.Broadcast(Message{Seq: adm.Seq, Content: content})
	s.publishMu.Unlock()

	s.metrics.RecordSubmission(metrics.OutcomeAccepted)
	s.log.Debug("submit.accepted", "session_id", sess.ID, "client_offset", clientOffset, "seq", adm.Seq)
	return Outcome{Status: Acknowledged, Seq: adm.Seq}
}

// Disconnect discards the session. Log state is untouched; the remaining sessions
// get a best-effort announcement.
func (s *Service) Disconnect(sess *Session, reason string) {
	if sess == nil || !sess.markDisconnected() {
		return
	}
	s.hub.Unregister(sess.ID)
	s.log.Info("session.disconnect", "session_id", sess.ID, "reason", reason)
	s.announceDeparture(sess)
}

// Resume binds a parked session to a new transport. Messages held while the session
// was parked are delivered first; no log replay happens.
func (s *Service) Resume(sess *Session, lastSeq int64, out Outbound) error {
	if sess == nil || out == nil {
		return errors.New("realtime: resume needs a session and an outbound")
	}
	if !sess.active() {
		return fmt.Errorf("resume %s: %w", sess.ID, ErrSessionEvicted)
	}
	if !sess.rebind(out) {
		s.metrics.RecordEviction(EvictSlowConsumer)
		out.Evict(EvictSlowConsumer)
		return fmt.Errorf("resume %s: %w", sess.ID, ErrSessionEvicted)
	}
	s.metrics.RecordResyncSkipped()
	s.log.Info("session.resume", "session_id", sess.ID, "last_seq", lastSeq)
	return nil
}

// History reads up to limit records after afterSeq. hasMore reports whether the log
// continues past the page.
func (s *Service) History(ctx context.Context, afterSeq int64, limit int) ([]Message, bool, error) {
	if limit <= 0 {
		return nil, false, errors.New("realtime: limit must be positive")
	}

	out := make([]Message, 0, min(limit, 64))
	for rec, err := range s.store.ReadFrom(ctx, max(afterSeq, 0)) {
		if err != nil {
			return nil, false, err
		}
		if len(out) == limit {
			return out, true, nil
		}
		out = append(out, Message{Seq: rec.Seq, Content: rec.Content, Replay: true})
	}
	return out, false, nil
}

func (s *Service) announceDeparture(sess *Session) {
	if !sess.claimAnnouncement() {
		return
	}
	s.hub.Announce(sess.ID, DisconnectNotice)
}
