package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tidechat/cmd/internal/chatlog"
)

// recorder is an in-memory Outbound that keeps everything it is handed.
type recorder struct {
	mu      sync.Mutex
	events  []event
	limit   int // max live deliveries accepted; 0 = unlimited
	live    int
	evicted []string

	// replayGate, when set, blocks the first Replay until closed; replayEntered is
	// closed when that first Replay starts.
	replayGate    chan struct{}
	replayEntered chan struct{}
	enteredOnce   sync.Once
}

type event struct {
	kind string // "live", "replay", "resync_done", "notice"
	msg  Message
	text string
	rep  ResyncReport
}

func newRecorder() *recorder { return &recorder{} }

func (r *recorder) Deliver(m Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && r.live >= r.limit {
		return false
	}
	r.live++
	r.events = append(r.events, event{kind: "live", msg: m})
	return true
}

func (r *recorder) Replay(ctx context.Context, m Message) error {
	if r.replayGate != nil {
		r.enteredOnce.Do(func() { close(r.replayEntered) })
		select {
		case <-r.replayGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: "replay", msg: m})
	return nil
}

func (r *recorder) ResyncDone(rep ResyncReport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: "resync_done", rep: rep})
	return true
}

func (r *recorder) Announce(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: "notice", text: text})
	return true
}

func (r *recorder) Evict(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, reason)
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func (r *recorder) evictions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.evicted...)
}

// seqs returns the seqs of every delivered message (live or replayed), in order.
func (r *recorder) seqs() []int64 {
	var out []int64
	for _, e := range r.snapshot() {
		if e.kind == "live" || e.kind == "replay" {
			out = append(out, e.msg.Seq)
		}
	}
	return out
}

func (r *recorder) count(kind string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.kind == kind {
			n++
		}
	}
	return n
}

// flakyLog wraps a Log and fails on demand.
type flakyLog struct {
	chatlog.Log

	failAppend atomic.Bool
	// failReadAfter > 0 makes ReadFrom yield that many records and then an error.
	failReadAfter atomic.Int32
}

var errDiskGone = errors.New("disk gone")

func (f *flakyLog) Append(ctx context.Context, content, offset string) (int64, error) {
	if f.failAppend.Load() {
		return 0, fmt.Errorf("%w: append: %w", chatlog.ErrStorageUnavailable, errDiskGone)
	}
	return f.Log.Append(ctx, content, offset)
}

func (f *flakyLog) ReadFrom(ctx context.Context, after int64) iter.Seq2[chatlog.Record, error] {
	limit := int(f.failReadAfter.Load())
	inner := f.Log.ReadFrom(ctx, after)
	if limit <= 0 {
		return inner
	}
	return func(yield func(chatlog.Record, error) bool) {
		n := 0
		for rec, err := range inner {
			if err != nil {
				yield(chatlog.Record{}, err)
				return
			}
			if n == limit {
				yield(chatlog.Record{}, fmt.Errorf("%w: read: %w", chatlog.ErrStorageUnavailable, errDiskGone))
				return
			}
			if !yield(rec, nil) {
				return
			}
			n++
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, l chatlog.Log, opts ...ServiceOption) *Service {
	t.Helper()
	if l == nil {
		l = chatlog.NewMemoryLog()
	}
	svc, err := NewService(discardLogger(), l, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func mustConnect(t *testing.T, svc *Service, req ConnectRequest, out Outbound) *Session {
	t.Helper()
	s, err := svc.Connect(testCtx(t), req, out)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}

func mustAppend(t *testing.T, l chatlog.Log, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		if _, err := l.Append(testCtx(t), fmt.Sprintf("m%d", i), fmt.Sprintf("seed-%d", i)); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testCtxCancel(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx, cancel
}
