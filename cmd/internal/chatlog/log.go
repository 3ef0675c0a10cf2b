// Package chatlog is the durable, append-only message log behind tidechat's delivery protocol.
//
// Every backend gives the same guarantees:
//   - Append assigns strictly increasing sequence numbers, starting at 1.
//   - A non-empty client offset is stored at most once; a second Append with the same
//     offset fails with ErrDuplicateOffset and consumes no sequence number.
//   - Records are immutable. There is no update or delete path.
//   - ReadFrom streams records with Seq > after in ascending order, one fresh cursor per call.
package chatlog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// Record is one accepted message.
type Record struct {
	Seq int64
	// ClientOffset is the idempotency key supplied by the sender. Empty means none was supplied.
	ClientOffset string
	Content      string
	CreatedAt    time.Time
}

// Log is the durable message log shared by every connection.
type Log interface {
	// Append stores content and returns its sequence number.
	// clientOffset may be empty, in which case no deduplication happens.
	Append(ctx context.Context, content, clientOffset string) (int64, error)

	// ReadFrom yields records with Seq > after, ascending. Iteration stops at the first error,
	// which is yielded with a zero Record. Breaking out of the loop releases the cursor.
	ReadFrom(ctx context.Context, after int64) iter.Seq2[Record, error]

	// Head returns the highest sequence number assigned so far (0 for an empty log).
	Head(ctx context.Context) (int64, error)

	Close() error
}

var (
	// ErrDuplicateOffset reports that a record with the same client offset is already stored.
	// It is the expected outcome of a client retry, not a failure.
	ErrDuplicateOffset = errors.New("chatlog: duplicate client offset")

	// ErrStorageUnavailable wraps every other persistence failure.
	ErrStorageUnavailable = errors.New("chatlog: storage unavailable")

	// ErrClosed is returned by operations on a closed log. It matches ErrStorageUnavailable.
	ErrClosed = fmt.Errorf("%w: log closed", ErrStorageUnavailable)
)

// unavailable wraps cause so that errors.Is(err, ErrStorageUnavailable) holds
// while the original error stays inspectable.
func unavailable(op string, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrStorageUnavailable) || errors.Is(cause, ErrDuplicateOffset) {
		return cause
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, cause)
}

// failed is a one-shot sequence that yields err and stops.
func failed(err error) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		yield(Record{}, err)
	}
}

// Collect drains seq into a slice. It is meant for tests and small tools; production
// callers should range over ReadFrom directly.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
