package chatlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// runConformance exercises the Log contract against a backend. newLog must return
// an empty log; the suite closes it. Subtests named in skip are not run.
func runConformance(t *testing.T, newLog func(t *testing.T) Log, skip ...string) {
	t.Helper()

	skipped := make(map[string]bool, len(skip))
	for _, name := range skip {
		skipped[name] = true
	}
	run := func(name string, fn func(t *testing.T)) {
		t.Run(name, func(t *testing.T) {
			if skipped[name] {
				t.Skip("not applicable to this backend")
			}
			fn(t)
		})
	}

	run("AppendAssignsIncreasingSeq", func(t *testing.T) {
		l := newLog(t)
		defer l.Close()
		ctx := testCtx(t)

		for i := 1; i <= 5; i++ {
			seq, err := l.Append(ctx, fmt.Sprintf("m%d", i), fmt.Sprintf("off-%d", i))
			require.NoError(t, err)
			require.EqualValues(t, i, seq)
		}

		head, err := l.Head(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 5, head)
	})

	run("DuplicateOffsetConsumesNoSeq", func(t *testing.T) {
		l := newLog(t)
		defer l.Close()
		ctx := testCtx(t)

		seq, err := l.Append(ctx, "hello", "abc-1")
		require.NoError(t, err)
		require.EqualValues(t, 1, seq)

		_, err = l.Append(ctx, "hello", "abc-1")
		require.ErrorIs(t, err, ErrDuplicateOffset)
		require.False(t, errors.Is(err, ErrStorageUnavailable), "duplicate must not look like a storage failure")

		seq, err = l.Append(ctx, "next", "abc-2")
		require.NoError(t, err)
		require.EqualValues(t, 2, seq)

		recs, err := Collect(l.ReadFrom(ctx, 0))
		require.NoError(t, err)
		require.Len(t, recs, 2)
		require.Equal(t, "abc-1", recs[0].ClientOffset)
		require.Equal(t, "hello", recs[0].Content)
	})

	run("EmptyOffsetIsNotDeduplicated", func(t *testing.T) {
		l := newLog(t)
		defer l.Close()
		ctx := testCtx(t)

		a, err := l.Append(ctx, "same", "")
		require.NoError(t, err)
		b, err := l.Append(ctx, "same", "")
		require.NoError(t, err)
		require.Less(t, a, b)

		recs, err := Collect(l.ReadFrom(ctx, 0))
		require.NoError(t, err)
		require.Len(t, recs, 2)
		require.Empty(t, recs[0].ClientOffset)
	})

	run("ReadFromIsExclusiveAndOrdered", func(t *testing.T) {
		l := newLog(t)
		defer l.Close()
		ctx := testCtx(t)

		for i := 1; i <= 5; i++ {
			_, err := l.Append(ctx, fmt.Sprintf("m%d", i), "")
			require.NoError(t, err)
		}

		recs, err := Collect(l.ReadFrom(ctx, 3))
		require.NoError(t, err)
		require.Len(t, recs, 2)
		require.EqualValues(t, 4, recs[0].Seq)
		require.EqualValues(t, 5, recs[1].Seq)
		require.Equal(t, "m4", recs[0].Content)
		require.False(t, recs[0].CreatedAt.IsZero())

		recs, err = Collect(l.ReadFrom(ctx, 5))
		require.NoError(t, err)
		require.Empty(t, recs)

		// Restartable: a second full read sees the same records.
		all1, err := Collect(l.ReadFrom(ctx, 0))
		require.NoError(t, err)
		all2, err := Collect(l.ReadFrom(ctx, 0))
		require.NoError(t, err)
		require.Equal(t, all1, all2)
	})

	run("ReadFromEarlyBreak", func(t *testing.T) {
		l := newLog(t)
		defer l.Close()
		ctx := testCtx(t)

		for i := 0; i < 10; i++ {
			_, err := l.Append(ctx, "x", "")
			require.NoError(t, err)
		}

		n := 0
		for _, err := range l.ReadFrom(ctx, 0) {
			require.NoError(t, err)
			n++
			if n == 3 {
				break
			}
		}
		require.Equal(t, 3, n)

		// The cursor was released: appends and reads still work.
		seq, err := l.Append(ctx, "after-break", "")
		require.NoError(t, err)
		require.EqualValues(t, 11, seq)
	})

	run("ReadFromEmptyLog", func(t *testing.T) {
		l := newLog(t)
		defer l.Close()

		recs, err := Collect(l.ReadFrom(testCtx(t), 0))
		require.NoError(t, err)
		require.Empty(t, recs)
	})

	run("ConcurrentSameOffsetHasOneWinner", func(t *testing.T) {
		l := newLog(t)
		defer l.Close()
		ctx := testCtx(t)

		const writers = 16
		var (
			wg     sync.WaitGroup
			wins   atomic.Int32
			dups   atomic.Int32
			others atomic.Int32
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Append(ctx, "race", "same-offset")
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrDuplicateOffset):
					dups.Add(1)
				default:
					others.Add(1)
				}
			}()
		}
		wg.Wait()

		require.EqualValues(t, 1, wins.Load())
		require.EqualValues(t, writers-1, dups.Load())
		require.Zero(t, others.Load())

		head, err := l.Head(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, head)
	})

	run("ConcurrentDistinctOffsetsGetUniqueSeqs", func(t *testing.T) {
		l := newLog(t)
		defer l.Close()
		ctx := testCtx(t)

		const writers = 12
		const perWriter = 5

		var wg sync.WaitGroup
		seqs := make(chan int64, writers*perWriter)
		errs := make(chan error, writers*perWriter)

		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					seq, err := l.Append(ctx, "c", fmt.Sprintf("w%d-%d", w, i))
					if err != nil {
						errs <- err
						continue
					}
					seqs <- seq
				}
			}(w)
		}
		wg.Wait()
		close(seqs)
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}

		seen := make(map[int64]bool)
		for s := range seqs {
			require.False(t, seen[s], "seq %d assigned twice", s)
			seen[s] = true
		}
		require.Len(t, seen, writers*perWriter)

		recs, err := Collect(l.ReadFrom(ctx, 0))
		require.NoError(t, err)
		require.Len(t, recs, writers*perWriter)
		for i := 1; i < len(recs); i++ {
			require.Greater(t, recs[i].Seq, recs[i-1].Seq)
		}
	})

	run("ClosedLogReportsUnavailable", func(t *testing.T) {
		l := newLog(t)
		require.NoError(t, l.Close())

		_, err := l.Append(testCtx(t), "late", "late-1")
		require.Error(t, err)
		require.ErrorIs(t, err, ErrStorageUnavailable)
	})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}
