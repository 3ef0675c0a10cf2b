package chatlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteLog_Conformance(t *testing.T) {
	t.Parallel()

	runConformance(t, func(t *testing.T) Log {
		l, err := OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
		require.NoError(t, err)
		return l
	})
}

func TestSQLiteLog_CreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chat.db")
	l, err := OpenSQLite(path)
	require.NoError(t, err)
	defer l.Close()

	_, err = os.Stat(path)
	require.NoError(t, err, "database file was not created")
}

func TestSQLiteLog_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chat.db")
	ctx := testCtx(t)

	l1, err := OpenSQLite(path)
	require.NoError(t, err)
	for _, off := range []string{"a", "b", "c"} {
		_, err := l1.Append(ctx, "content-"+off, off)
		require.NoError(t, err)
	}
	require.NoError(t, l1.Close())

	l2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer l2.Close()

	// Dedup state is durable too.
	_, err = l2.Append(ctx, "content-b", "b")
	require.ErrorIs(t, err, ErrDuplicateOffset)

	seq, err := l2.Append(ctx, "content-d", "d")
	require.NoError(t, err)
	require.EqualValues(t, 4, seq)

	recs, err := Collect(l2.ReadFrom(ctx, 2))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "c", recs[0].ClientOffset)
	require.Equal(t, "d", recs[1].ClientOffset)
}

func TestSQLiteLog_PathWithURIMetacharacters(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chat?mode=ro#1.db")
	ctx := testCtx(t)

	l1, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = l1.Append(ctx, "hello", "a")
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	_, err = os.Stat(path)
	require.NoError(t, err, "database must live at the literal path")

	l2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer l2.Close()

	head, err := l2.Head(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, head)
}

func TestSQLiteDSN(t *testing.T) {
	t.Parallel()

	require.Equal(t, "file:/var/lib/tide/chat%3F.db?_busy_timeout=5000", sqliteDSN("/var/lib/tide/chat?.db", false))
	require.Equal(t, "file:chat%23x.db?_busy_timeout=5000&mode=ro", sqliteDSN("chat#x.db", true))
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite("")
	require.Error(t, err)
}
