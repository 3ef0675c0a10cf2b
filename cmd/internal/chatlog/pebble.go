package chatlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	m/<seq big-endian uint64>  -> JSON pebbleRecord
//	o/<client offset>          -> seq big-endian uint64
var (
	pebbleMsgPrefix    = []byte("m/")
	pebbleMsgUpper     = []byte("m0") // '0' sorts right after '/'
	pebbleOffsetPrefix = []byte("o/")
)

type pebbleRecord struct {
	Seq          int64  `json:"seq"`
	ClientOffset string `json:"client_offset,omitempty"`
	Content      string `json:"content"`
	CreatedAt    int64  `json:"created_at"`
}

// PebbleLog is a Log backed by an embedded Pebble key-value store.
// Writers are serialized by mu; each append is one synced batch holding
// both the message key and its offset index key.
type PebbleLog struct {
	db   *pebble.DB
	path string

	mu     sync.Mutex
	seq    int64
	closed bool
}

// OpenPebble opens (or creates) a Pebble database at path and restores the
// sequence counter from the last stored message key.
func OpenPebble(path string) (*PebbleLog, error) {
	if path == "" {
		return nil, errors.New("chatlog: empty pebble path")
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	head, err := pebbleLastSeq(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("restore seq: %w", err)
	}

	return &PebbleLog{db: db, path: path, seq: head}, nil
}

func pebbleLastSeq(db *pebble.DB) (int64, error) {
	it, err := db.NewIter(&pebble.IterOptions{LowerBound: pebbleMsgPrefix, UpperBound: pebbleMsgUpper})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	if !it.Last() {
		return 0, it.Error()
	}
	return decodeMsgKey(it.Key())
}

// Close closes the underlying database (idempotent).
func (l *PebbleLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

// Append writes the message and, when present, its offset index entry in one batch.
func (l *PebbleLog) Append(ctx context.Context, content, clientOffset string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("append", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	var okey []byte
	if clientOffset != "" {
		okey = append(append([]byte(nil), pebbleOffsetPrefix...), clientOffset...)
		_, closer, err := l.db.Get(okey)
		switch {
		case err == nil:
			_ = closer.Close()
			return 0, ErrDuplicateOffset
		case !errors.Is(err, pebble.ErrNotFound):
			return 0, unavailable("offset lookup", err)
		}
	}

	seq := l.seq + 1
	val, err := json.Marshal(pebbleRecord{
		Seq:          seq,
		ClientOffset: clientOffset,
		Content:      content,
		CreatedAt:    time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return 0, unavailable("encode", err)
	}

	b := l.db.NewBatch()
	defer b.Close()

	if err := b.Set(msgKey(seq), val, nil); err != nil {
		return 0, unavailable("append", err)
	}
	if okey != nil {
		if err := b.Set(okey, seqBytes(seq), nil); err != nil {
			return 0, unavailable("append", err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, unavailable("commit", err)
	}

	// Only advance after a durable commit, so a failed write never burns a seq.
	l.seq = seq
	return seq, nil
}

// ReadFrom iterates message keys above after. The iterator reads a consistent
// snapshot taken when iteration starts.
func (l *PebbleLog) ReadFrom(ctx context.Context, after int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if after < 0 {
			after = 0
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			yield(Record{}, ErrClosed)
			return
		}
		it, err := l.db.NewIter(&pebble.IterOptions{
			LowerBound: msgKey(after + 1),
			UpperBound: pebbleMsgUpper,
		})
		l.mu.Unlock()
		if err != nil {
			yield(Record{}, unavailable("read", err))
			return
		}
		defer it.Close()

		for ok := it.First(); ok; ok = it.Next() {
			if err := ctx.Err(); err != nil {
				yield(Record{}, unavailable("read", err))
				return
			}

			var pr pebbleRecord
			if err := json.Unmarshal(it.Value(), &pr); err != nil {
				yield(Record{}, unavailable("decode", err))
				return
			}
			rec := Record{
				Seq:          pr.Seq,
				ClientOffset: pr.ClientOffset,
				Content:      pr.Content,
				CreatedAt:    time.Unix(0, pr.CreatedAt).UTC(),
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(Record{}, unavailable("read", err))
		}
	}
}

// Head returns the last committed sequence number.
func (l *PebbleLog) Head(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("head", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	return l.seq, nil
}

func msgKey(seq int64) []byte {
	k := make([]byte, 0, len(pebbleMsgPrefix)+8)
	k = append(k, pebbleMsgPrefix...)
	return binary.BigEndian.AppendUint64(k, uint64(seq))
}

func seqBytes(seq int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(seq))
}

func decodeMsgKey(k []byte) (int64, error) {
	if len(k) != len(pebbleMsgPrefix)+8 {
		return 0, fmt.Errorf("malformed message key %q", k)
	}
	return int64(binary.BigEndian.Uint64(k[len(pebbleMsgPrefix):])), nil
}
