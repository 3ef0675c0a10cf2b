package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tidechat/cmd/internal/chatlog"
	"tidechat/cmd/internal/metrics"
)

// ErrResyncRead marks a catch-up that stopped early because the log could not be read.
// It is non-fatal: the session goes live with a known gap.
var ErrResyncRead = errors.New("realtime: resync read failed")

// maxResyncPasses bounds how often a replay restarts after the live backlog overflowed.
const maxResyncPasses = 8

// ResyncReport describes how a session caught up.
type ResyncReport struct {
	// Replayed is the number of records delivered from the log.
	Replayed int
	// LastSeq is the highest seq the client is known to have after catch-up. It never
	// exceeds the log head.
	LastSeq int64
	// Complete is false when the replay stopped at a read failure.
	Complete bool
	// Skipped is true for transport-recovered sessions.
	Skipped bool
	// Err is the read failure (wrapping ErrResyncRead) when Complete is false.
	Err error
}

// Resyncer replays the gap between a client's last known seq and the log head.
type Resyncer struct {
	log      *slog.Logger
	store    chatlog.Log
	metrics  *metrics.DeliveryMetrics
	storeMet *metrics.StorageMetrics
}

// NewResyncer constructs a Resyncer. reg may be nil.
func NewResyncer(log *slog.Logger, store chatlog.Log, reg *metrics.Registry) *Resyncer {
	if log == nil {
		log = slog.Default()
	}
	return &Resyncer{
		log:      log,
		store:    store,
		metrics:  metrics.DeliveryOf(reg),
		storeMet: metrics.StorageOf(reg),
	}
}

// Run drives s from NeedsResync to Live. The session must already be registered
// with the hub so that live broadcasts issued during the replay land in its backlog.
//
// The returned error is non-nil only when the session could not be brought live at
// all: ctx was cancelled mid-replay, or the transport fell behind (ErrSessionEvicted).
// A log read failure is reported in the ResyncReport, not as an error.
func (r *Resyncer) Run(ctx context.Context, s *Session) (ResyncReport, error) {
	if s.TransportRecovered {
		report := ResyncReport{Complete: true, Skipped: true}
		floor, err := r.floor(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			r.storeMet.RecordReadError()
			r.log.Error("resync.head.fail", "session_id", s.ID, "err", err)
		}
		report.LastSeq = floor
		r.metrics.RecordResyncSkipped()
		if !s.skipResync(report) {
			return report, ErrSessionEvicted
		}
		r.log.Info("resync.skip", "session_id", s.ID, "last_seq", floor)
		return report, nil
	}

	report := ResyncReport{Complete: true}
	floor, err := r.floor(ctx, s)
	report.LastSeq = floor
	if err != nil {
		if ctx.Err() != nil {
			r.metrics.RecordResync(0, false)
			return report, ctx.Err()
		}
		r.readFailed(s, &report, err)
	}

	for pass := 1; ; pass++ {
		if report.Complete {
			n, last, err := r.replay(ctx, s, report.LastSeq)
			report.Replayed += n
			report.LastSeq = last

			if err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrSessionEvicted) {
					r.log.Info("resync.abort", "session_id", s.ID, "replayed", report.Replayed, "err", err)
					r.metrics.RecordResync(report.Replayed, false)
					return report, err
				}
				r.readFailed(s, &report, err)
			}
		}

		live, ok := s.goLive(report, report.Complete)
		if !live {
			r.log.Debug("resync.backlog.overrun", "session_id", s.ID, "pass", pass, "last_seq", report.LastSeq)
			if pass < maxResyncPasses {
				continue
			}
			r.metrics.RecordResync(report.Replayed, false)
			r.metrics.RecordEviction(EvictResyncOverrun)
			s.evict(EvictResyncOverrun)
			return report, ErrSessionEvicted
		}

		r.metrics.RecordResync(report.Replayed, !report.Complete)
		if !ok {
			r.metrics.RecordEviction(EvictSlowConsumer)
			s.evict(EvictSlowConsumer)
			return report, ErrSessionEvicted
		}

		r.log.Info("resync.done",
			"session_id", s.ID,
			"from_seq", s.LastKnownSeq,
			"last_seq", report.LastSeq,
			"replayed", report.Replayed,
			"complete", report.Complete,
		)
		return report, nil
	}
}

// floor is where catch-up starts: the client's last known seq, capped at the log
// head. It is 0 when the head cannot be read.
func (r *Resyncer) floor(ctx context.Context, s *Session) (int64, error) {
	head, err := r.store.Head(ctx)
	if err != nil {
		return 0, err
	}
	if s.LastKnownSeq > head {
		r.log.Warn("resync.client.ahead", "session_id", s.ID, "last_seq", s.LastKnownSeq, "head", head)
		return head, nil
	}
	return s.LastKnownSeq, nil
}

func (r *Resyncer) readFailed(s *Session, report *ResyncReport, err error) {
	report.Complete = false
	report.Err = fmt.Errorf("%w: %w", ErrResyncRead, err)
	r.storeMet.RecordReadError()
	r.log.Error("resync.read.fail", "session_id", s.ID, "after_seq", report.LastSeq, "replayed", report.Replayed, "err", err)
}

// replay streams records after afterSeq to the session alone.
func (r *Resyncer) replay(ctx context.Context, s *Session, afterSeq int64) (int, int64, error) {
	out := s.outbound()
	n := 0
	last := afterSeq

	for rec, err := range r.store.ReadFrom(ctx, afterSeq) {
		if err != nil {
			return n, last, err
		}
		if err := out.Replay(ctx, Message{Seq: rec.Seq, Content: rec.Content, Replay: true}); err != nil {
			if ctx.Err() != nil {
				return n, last, ctx.Err()
			}
			return n, last, fmt.Errorf("%w: %w", ErrSessionEvicted, err)
		}
		n++
		last = rec.Seq
	}
	return n, last, nil
}
