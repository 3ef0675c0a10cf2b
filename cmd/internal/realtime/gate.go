package realtime

import (
	"context"
	"errors"
	"time"

	"tidechat/cmd/internal/chatlog"
	"tidechat/cmd/internal/metrics"
)

// Admission is the result of passing a submission through the Gate.
//
// Accepted=false means the offset was already stored: the submission is settled
// and must be acknowledged, but not broadcast again.
type Admission struct {
	Accepted bool
	Seq      int64
}

// Gate enforces at-most-once insertion per client offset on top of a chatlog.Log.
type Gate struct {
	log     chatlog.Log
	metrics *metrics.StorageMetrics
	now     func() time.Time
}

// NewGate wraps l. m may be nil.
func NewGate(l chatlog.Log, m *metrics.StorageMetrics) *Gate {
	return &Gate{log: l, metrics: m, now: time.Now}
}

// Admit appends content. Storage failures other than a duplicate offset are returned
// unchanged so the caller can refuse to acknowledge.
func (g *Gate) Admit(ctx context.Context, content, clientOffset string) (Admission, error) {
	start := g.now()
	seq, err := g.log.Append(ctx, content, clientOffset)
	elapsed := g.now().Sub(start)

	switch {
	case err == nil:
		g.metrics.ObserveAppend("ok", elapsed)
		return Admission{Accepted: true, Seq: seq}, nil
	case errors.Is(err, chatlog.ErrDuplicateOffset):
		g.metrics.ObserveAppend("duplicate", elapsed)
		return Admission{Accepted: false}, nil
	default:
		g.metrics.ObserveAppend("error", elapsed)
		return Admission{}, err
	}
}
