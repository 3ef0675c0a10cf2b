package realtime

import (
	"errors"
	"testing"
	"time"

	"tidechat/cmd/internal/chatlog"
	"tidechat/cmd/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGate_Admit(t *testing.T) {
	t.Parallel()

	reg := metrics.NewRegistry(metrics.Config{Enabled: true})
	fl := &flakyLog{Log: chatlog.NewMemoryLog()}
	g := NewGate(fl, reg.Storage)

	adm, err := g.Admit(testCtx(t), "hello", "abc-1")
	if err != nil || !adm.Accepted || adm.Seq != 1 {
		t.Fatalf("first admit: adm=%+v err=%v", adm, err)
	}

	adm, err = g.Admit(testCtx(t), "hello", "abc-1")
	if err != nil {
		t.Fatalf("duplicate must not be an error: %v", err)
	}
	if adm.Accepted || adm.Seq != 0 {
		t.Fatalf("duplicate admission: %+v", adm)
	}

	fl.failAppend.Store(true)
	_, err = g.Admit(testCtx(t), "x", "abc-2")
	if !errors.Is(err, chatlog.ErrStorageUnavailable) || !errors.Is(err, errDiskGone) {
		t.Fatalf("storage error must propagate unchanged, got %v", err)
	}

	// One histogram series per result: ok, duplicate, error.
	if got := testutil.CollectAndCount(reg.Storage.AppendLatency); got != 3 {
		t.Fatalf("append latency series=%d want 3", got)
	}
}

func TestGate_OffsetlessSubmissionsAreNotDeduplicated(t *testing.T) {
	t.Parallel()

	g := NewGate(chatlog.NewMemoryLog(), nil)
	g.now = func() time.Time { return time.Unix(0, 0) }

	a, err := g.Admit(testCtx(t), "same", "")
	if err != nil || !a.Accepted {
		t.Fatalf("a: %+v %v", a, err)
	}
	b, err := g.Admit(testCtx(t), "same", "")
	if err != nil || !b.Accepted || b.Seq == a.Seq {
		t.Fatalf("b: %+v %v", b, err)
	}
}
