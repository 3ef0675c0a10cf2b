package realtime

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"
)

func TestRecovery_ResumeDeliversMailboxFirst(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil)
	rc := NewRecovery(discardLogger(), svc, time.Minute, 16, nil)
	defer rc.Close()

	recA, recB := newRecorder(), newRecorder()
	a := mustConnect(t, svc, ConnectRequest{}, recA)
	b := mustConnect(t, svc, ConnectRequest{}, recB)

	svc.Submit(testCtx(t), b, "before", "b-1") // seq 1, reaches A's transport

	rc.Park(a, "conn closed")
	if rc.Parked() != 1 {
		t.Fatalf("parked=%d want 1", rc.Parked())
	}
	if got := recB.count("notice"); got != 1 {
		t.Fatalf("park must announce departure once, got %d", got)
	}

	svc.Submit(testCtx(t), b, "while away 1", "b-2") // seq 2 -> mailbox
	svc.Submit(testCtx(t), b, "while away 2", "b-3") // seq 3 -> mailbox

	s, err := rc.Claim(a.ID, 1)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	svc.Submit(testCtx(t), b, "claimed", "b-4") // seq 4 -> still mailbox

	recA2 := newRecorder()
	if err := svc.Resume(s, 1, recA2); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	svc.Submit(testCtx(t), b, "back", "b-5") // seq 5 -> new transport

	if got := recA2.seqs(); !slices.Equal(got, []int64{2, 3, 4, 5}) {
		t.Fatalf("resumed seqs=%v want [2 3 4 5]", got)
	}
	if recA2.count("replay") != 0 || recA2.count("resync_done") != 0 {
		t.Fatalf("resume must not replay from the log: %+v", recA2.snapshot())
	}
	if a.State() != StateActive {
		t.Fatalf("resumed session state=%s", a.State())
	}

	// A later real disconnect does not announce a second time.
	svc.Disconnect(a, "bye")
	if got := recB.count("notice"); got != 1 {
		t.Fatalf("notices=%d want 1", got)
	}
}

func TestRecovery_ClientBehindFallsBack(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil)
	rc := NewRecovery(discardLogger(), svc, time.Minute, 16, nil)
	defer rc.Close()

	a := mustConnect(t, svc, ConnectRequest{}, newRecorder())
	b := mustConnect(t, svc, ConnectRequest{}, newRecorder())
	svc.Submit(testCtx(t), b, "one", "b-1")
	svc.Submit(testCtx(t), b, "two", "b-2")

	rc.Park(a, "conn closed")

	_, err := rc.Claim(a.ID, 1)
	if !errors.Is(err, ErrClientBehind) {
		t.Fatalf("err=%v want ErrClientBehind", err)
	}
	if a.State() != StateDisconnected {
		t.Fatalf("behind session must be disconnected, state=%s", a.State())
	}
	if _, err := rc.Claim(a.ID, 2); !errors.Is(err, ErrNotParked) {
		t.Fatalf("second claim err=%v want ErrNotParked", err)
	}

	// The client reconnects fresh and resyncs from the log.
	rec := newRecorder()
	_ = mustConnect(t, svc, ConnectRequest{LastKnownSeq: 1}, rec)
	if got := rec.seqs(); !slices.Equal(got, []int64{2}) {
		t.Fatalf("fresh resync seqs=%v want [2]", got)
	}
}

func TestRecovery_WindowExpiry(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil)
	rc := NewRecovery(discardLogger(), svc, 20*time.Millisecond, 16, nil)
	defer rc.Close()

	a := mustConnect(t, svc, ConnectRequest{}, newRecorder())
	rc.Park(a, "conn closed")

	waitFor(t, "parked session to expire", func() bool { return a.State() == StateDisconnected })

	if rc.Parked() != 0 || svc.Hub().Len() != 0 {
		t.Fatalf("parked=%d hub=%d, want 0/0", rc.Parked(), svc.Hub().Len())
	}
	if _, err := rc.Claim(a.ID, 0); !errors.Is(err, ErrNotParked) {
		t.Fatalf("claim after expiry err=%v", err)
	}
}

func TestRecovery_MailboxOverflowExpires(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil)
	rc := NewRecovery(discardLogger(), svc, time.Minute, 2, nil)
	defer rc.Close()

	a := mustConnect(t, svc, ConnectRequest{}, newRecorder())
	b := mustConnect(t, svc, ConnectRequest{}, newRecorder())
	rc.Park(a, "conn closed")

	for i := 0; i < 3; i++ {
		svc.Submit(testCtx(t), b, "flood", fmt.Sprintf("f-%d", i))
	}

	waitFor(t, "overflowed session to be dropped", func() bool { return a.State() == StateDisconnected })
	if rc.Parked() != 0 {
		t.Fatalf("parked=%d want 0", rc.Parked())
	}
}

func TestRecovery_ClaimAfterOverflowFallsBack(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil)
	rc := NewRecovery(discardLogger(), svc, time.Minute, 2, nil)
	defer rc.Close()

	a := mustConnect(t, svc, ConnectRequest{}, newRecorder())
	b := mustConnect(t, svc, ConnectRequest{}, newRecorder())
	rc.Park(a, "conn closed")

	for i := 0; i < 3; i++ {
		svc.Submit(testCtx(t), b, "flood", fmt.Sprintf("f-%d", i))
	}

	// Whether or not the overflow expiry already ran, the claim must miss.
	if _, err := rc.Claim(a.ID, 0); !errors.Is(err, ErrNotParked) {
		t.Fatalf("claim err=%v want ErrNotParked", err)
	}
	waitFor(t, "overflowed session to be dropped", func() bool { return a.State() == StateDisconnected })

	rec := newRecorder()
	_ = mustConnect(t, svc, ConnectRequest{}, rec)
	if got := rec.seqs(); !slices.Equal(got, []int64{1, 2, 3}) {
		t.Fatalf("fresh resync seqs=%v want [1 2 3]", got)
	}
	if len(rec.evictions()) != 0 {
		t.Fatalf("fresh transport evicted: %v", rec.evictions())
	}
}

func TestRecovery_ResumeIgnoresClaimBeyondHandedOff(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil)
	rc := NewRecovery(discardLogger(), svc, time.Minute, 16, nil)
	defer rc.Close()

	a := mustConnect(t, svc, ConnectRequest{}, newRecorder())
	b := mustConnect(t, svc, ConnectRequest{}, newRecorder())
	svc.Submit(testCtx(t), b, "seen", "b-1") // seq 1, handed to A

	rc.Park(a, "conn closed")
	svc.Submit(testCtx(t), b, "held 1", "b-2")
	svc.Submit(testCtx(t), b, "held 2", "b-3")

	s, err := rc.Claim(a.ID, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	rec := newRecorder()
	if err := svc.Resume(s, 10, rec); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	svc.Submit(testCtx(t), b, "live", "b-4")

	if got := rec.seqs(); !slices.Equal(got, []int64{2, 3, 4}) {
		t.Fatalf("resumed seqs=%v want [2 3 4]", got)
	}
}

func TestRecovery_DisabledDisconnects(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil)
	rc := NewRecovery(discardLogger(), svc, 0, 0, nil)

	a := mustConnect(t, svc, ConnectRequest{}, newRecorder())
	rc.Park(a, "conn closed")

	if rc.Enabled() {
		t.Fatalf("zero window must disable recovery")
	}
	if a.State() != StateDisconnected || rc.Parked() != 0 {
		t.Fatalf("state=%s parked=%d", a.State(), rc.Parked())
	}
}

func TestRecovery_CloseDropsParked(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil)
	rc := NewRecovery(discardLogger(), svc, time.Minute, 4, nil)

	a := mustConnect(t, svc, ConnectRequest{}, newRecorder())
	rc.Park(a, "conn closed")
	rc.Close()

	if a.State() != StateDisconnected || rc.Parked() != 0 {
		t.Fatalf("state=%s parked=%d", a.State(), rc.Parked())
	}

	b := mustConnect(t, svc, ConnectRequest{}, newRecorder())
	rc.Park(b, "conn closed")
	if b.State() != StateDisconnected {
		t.Fatalf("closed registry must not park")
	}
}
