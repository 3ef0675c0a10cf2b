package chatlog

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"
)

// MemoryLog is a dev-only fallback used when no storage location is configured.
// It keeps everything in process memory and loses it on restart.
type MemoryLog struct {
	mu      sync.RWMutex
	seq     int64
	offsets map[string]int64 // client_offset -> seq
	records []Record         // ordered by seq
	closed  bool
	now     func() time.Time
}

// NewMemoryLog constructs an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		offsets: make(map[string]int64),
		records: make([]Record, 0, 256),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Close marks the log closed (idempotent).
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Append stores content under the next sequence number.
func (l *MemoryLog) Append(ctx context.Context, content, clientOffset string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("append", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if clientOffset != "" {
		if _, ok := l.offsets[clientOffset]; ok {
			return 0, ErrDuplicateOffset
		}
	}

	l.seq++
	rec := Record{
		Seq:          l.seq,
		ClientOffset: clientOffset,
		Content:      content,
		CreatedAt:    l.now(),
	}
	l.records = append(l.records, rec)
	if clientOffset != "" {
		l.offsets[clientOffset] = rec.Seq
	}
	return rec.Seq, nil
}

// ReadFrom yields records with Seq > after. Records are copied out one at a time
// under the read lock, so concurrent appends are never blocked for the whole scan.
func (l *MemoryLog) ReadFrom(ctx context.Context, after int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		l.mu.RLock()
		if l.closed {
			l.mu.RUnlock()
			yield(Record{}, ErrClosed)
			return
		}
		i := sort.Search(len(l.records), func(i int) bool { return l.records[i].Seq > after })
		l.mu.RUnlock()

		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, unavailable("read", err))
				return
			}

			l.mu.RLock()
			if i >= len(l.records) {
				l.mu.RUnlock()
				return
			}
			rec := l.records[i]
			l.mu.RUnlock()

			if !yield(rec, nil) {
				return
			}
			i++
		}
	}
}

// Head returns the last assigned sequence number.
func (l *MemoryLog) Head(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("head", err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}
	return l.seq, nil
}
