package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTransport struct {
	name    string
	active  atomic.Bool
	starts  atomic.Int32
	stops   atomic.Int32
	sent    atomic.Int32
	sendErr error
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Start(ctx context.Context) error {
	f.starts.Add(1)
	return nil
}

func (f *fakeTransport) Stop(graceful bool) error {
	f.stops.Add(1)
	f.active.Store(false)
	return nil
}

func (f *fakeTransport) IsActive() bool { return f.active.Load() }

func (f *fakeTransport) Send(payload []byte, corrID uint64) (int64, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent.Add(1)
	return time.Now().UnixNano(), nil
}

func newTestPool(t *testing.T, n int, cfg Config) (*Pool, []*fakeTransport) {
	t.Helper()
	var sessions []Transport
	var fakes []*fakeTransport
	for i := 0; i < n; i++ {
		f := &fakeTransport{name: string(rune('a' + i))}
		fakes = append(fakes, f)
		sessions = append(sessions, f)
	}
	return New(cfg, sessions, nil), fakes
}

func waitStarts(t *testing.T, f *fakeTransport, want int32) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for f.starts.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("session %s starts %d, want %d", f.name, f.starts.Load(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPartitionInvariant(t *testing.T) {
	p, _ := newTestPool(t, 3, Config{})
	p.Start(context.Background())

	p.OnActivated("a")
	p.OnActivated("b")
	if got := len(p.active) + len(p.notActive); got != 3 {
		t.Fatalf("partition sum %d, want 3", got)
	}
	if !p.Active() {
		t.Fatal("pool must be active with two active sessions")
	}

	p.OnDeactivated("a", "test")
	if got := len(p.active) + len(p.notActive); got != 3 {
		t.Fatalf("partition sum %d after deactivation, want 3", got)
	}
}

func TestMoveRejectsInconsistentPreState(t *testing.T) {
	p, _ := newTestPool(t, 2, Config{})
	p.Start(context.Background())
	p.OnActivated("a")

	if err := p.MoveToActive("a"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
	if err := p.MoveToNotActive("b"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
	if err := p.MoveToActive("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestRotationTwoOfThree(t *testing.T) {
	p, _ := newTestPool(t, 3, Config{})
	p.Start(context.Background())
	p.OnActivated("a")
	p.OnActivated("b")
	// "c" stays starting.

	var seq []string
	for i := 0; i < 4; i++ {
		seq = append(seq, p.Current())
		p.RotateCurrent()
	}
	want := []string{"a", "b", "a", "b"}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("rotation sequence %v, want %v", seq, want)
		}
	}
}

func TestRotationFairness(t *testing.T) {
	p, fakes := newTestPool(t, 3, Config{})
	p.Start(context.Background())
	for _, f := range fakes {
		p.OnActivated(f.name)
	}

	const sends = 100
	for i := 0; i < sends; i++ {
		if _, _, err := p.Send([]byte("x"), uint64(i), uint64(i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	lo, hi := int32(sends/3), int32(sends/3+1)
	for _, f := range fakes {
		if n := f.sent.Load(); n < lo || n > hi {
			t.Fatalf("session %s carried %d sends, want %d..%d", f.name, n, lo, hi)
		}
	}
}

func TestSendFailsFastWithoutActiveSessions(t *testing.T) {
	p, _ := newTestPool(t, 2, Config{})
	p.Start(context.Background())
	if _, _, err := p.Send([]byte("x"), 1, 1); !errors.Is(err, ErrPoolUnavailable) {
		t.Fatalf("expected ErrPoolUnavailable, got %v", err)
	}
	if p.Current() != "" {
		t.Fatal("current must be empty with no active sessions")
	}
}

func TestCorrelationResolve(t *testing.T) {
	p, _ := newTestPool(t, 1, Config{})
	p.Start(context.Background())
	p.OnActivated("a")

	session, _, err := p.Send([]byte("x"), 42, 7)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	reqID, ok := p.Resolve(session, 42)
	if !ok || reqID != 7 {
		t.Fatalf("resolve: %d %v", reqID, ok)
	}
	p.Release(session, 42)
	if _, ok := p.Resolve(session, 42); ok {
		t.Fatal("released correlation must be gone")
	}
}

func TestStreamResetRestartsOneSession(t *testing.T) {
	p, fakes := newTestPool(t, 2, Config{})
	p.Start(context.Background())
	p.OnActivated("a")
	p.OnActivated("b")

	p.OnStreamReset("a", 7)
	if got := len(p.active); got != 1 {
		t.Fatalf("active size %d after reset, want 1", got)
	}
	if p.Current() != "b" {
		t.Fatalf("current %q after reset, want b", p.Current())
	}
	waitStarts(t, fakes[0], 2)
	if fakes[1].starts.Load() != 1 {
		t.Fatal("other session must not restart")
	}
}

func TestRotationRestartAfterBudget(t *testing.T) {
	p, fakes := newTestPool(t, 2, Config{MaxSessionRequests: 2})
	p.Start(context.Background())
	p.OnActivated("a")
	p.OnActivated("b")

	for i := 0; i < 4; i++ {
		if _, _, err := p.Send([]byte("x"), uint64(i), uint64(i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	// Both sessions carried two requests each, both rotate out.
	waitStarts(t, fakes[0], 2)
	waitStarts(t, fakes[1], 2)
}

func TestRestartSuppressedDuringMassCancel(t *testing.T) {
	p, fakes := newTestPool(t, 1, Config{MaxSessionRequests: 1})
	p.Start(context.Background())
	p.OnActivated("a")
	p.SetRestartSuppressed(true)

	if _, _, err := p.Send([]byte("x"), 1, 1); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if fakes[0].starts.Load() != 1 {
		t.Fatal("restart must be suppressed")
	}
	if p.Current() != "a" {
		t.Fatal("session must stay active while suppressed")
	}
}

func TestDeferredRestartResumesAfterSuppression(t *testing.T) {
	p, fakes := newTestPool(t, 1, Config{MaxSessionRequests: 1})
	p.Start(context.Background())
	p.OnActivated("a")
	p.SetRestartSuppressed(true)

	if _, _, err := p.Send([]byte("x"), 1, 1); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if fakes[0].starts.Load() != 1 {
		t.Fatal("restart must wait for suppression to lift")
	}

	// Lifting suppression runs the deferred restart.
	p.SetRestartSuppressed(false)
	waitStarts(t, fakes[0], 2)
	if p.Current() != "" {
		t.Fatal("restarting session must leave the active set")
	}
	if got := len(p.active) + len(p.notActive); got != 1 {
		t.Fatalf("partition sum %d after resume, want 1", got)
	}
}

func TestStopAllForcedResets(t *testing.T) {
	p, fakes := newTestPool(t, 3, Config{})
	p.Start(context.Background())
	p.OnActivated("a")
	p.OnActivated("b")

	p.StopAll(false)
	if len(p.active) != 0 || len(p.notActive) != 3 {
		t.Fatalf("partition after forced stop: %d/%d", len(p.active), len(p.notActive))
	}
	if p.Active() {
		t.Fatal("pool must be inactive after forced stop")
	}
	for _, f := range fakes {
		if f.stops.Load() == 0 {
			t.Fatalf("session %s not stopped", f.name)
		}
	}
	if _, _, err := p.Send([]byte("x"), 1, 1); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
}

func TestStopAllGracefulDrains(t *testing.T) {
	p, _ := newTestPool(t, 2, Config{})
	p.Start(context.Background())
	p.OnActivated("a")

	p.StopAll(true)
	// Graceful stop leaves set mutation to the deactivation callbacks.
	if len(p.active) != 1 {
		t.Fatalf("active size %d right after graceful stop, want 1", len(p.active))
	}
	p.OnDeactivated("a", "drained")
	if len(p.active) != 0 {
		t.Fatal("session must leave the active set once drained")
	}
}

func TestControlLegGatesPoolActive(t *testing.T) {
	data := &fakeTransport{name: "d1"}
	control := &fakeTransport{name: "ctl"}
	p := New(Config{}, []Transport{data}, control)
	p.Start(context.Background())

	p.OnActivated("d1")
	if p.Active() {
		t.Fatal("pool must wait for the control leg")
	}
	p.OnActivated("ctl")
	if !p.Active() {
		t.Fatal("pool must be active with data + control legs up")
	}
	p.OnDeactivated("ctl", "lost")
	if p.Active() {
		t.Fatal("pool must deactivate when the control leg drops")
	}
}
