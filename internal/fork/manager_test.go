package fork

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"txreplay/internal/apperr"
	"txreplay/internal/metrics"
)

type signalLog struct {
	mu   sync.Mutex
	sent []os.Signal
}

func (s *signalLog) send(p *os.Process, sig os.Signal) error {
	s.mu.Lock()
	s.sent = append(s.sent, sig)
	s.mu.Unlock()
	return p.Signal(sig)
}

func (s *signalLog) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func newTestManager(t *testing.T, script string, probe Prober) (*Manager, *signalLog) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sigs := &signalLog{}
	m := NewManager(Config{
		Host:          "127.0.0.1",
		Port:          freePort(t),
		ForkURL:       "http://upstream.invalid",
		StartTimeout:  2 * time.Second,
		ProbeInterval: 10 * time.Millisecond,
		KillGrace:     200 * time.Millisecond,
	}, zap.NewNop(), WithProber(probe))
	m.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
	m.signal = sigs.send
	t.Cleanup(func() { m.Kill(true) })
	return m, sigs
}

func readyAfter(n int32) Prober {
	var calls atomic.Int32
	return func(ctx context.Context, url string) error {
		if calls.Add(1) < n {
			return errors.New("connection refused")
		}
		return nil
	}
}

func neverReady(ctx context.Context, url string) error {
	return errors.New("connection refused")
}

func TestStartAndGracefulKill(t *testing.T) {
	m, sigs := newTestManager(t, "exec sleep 30", readyAfter(3))

	handle, err := m.Start(context.Background(), 99)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if handle.PID == 0 || handle.ForkBlock != 99 {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if !m.IsRunning() {
		t.Fatalf("expected running, got %s", m.State())
	}
	if handle.URL() != m.URL() {
		t.Fatalf("handle url %s != manager url %s", handle.URL(), m.URL())
	}

	if err := m.Kill(false); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if got := sigs.count(); got != 1 {
		t.Fatalf("signals sent = %d, want 1", got)
	}
	if m.State() != Stopped {
		t.Fatalf("state = %s, want stopped", m.State())
	}
	if _, ok := m.Handle(); ok {
		t.Fatalf("handle should be cleared")
	}

	if err := m.Kill(false); err != nil {
		t.Fatalf("second kill: %v", err)
	}
	if got := sigs.count(); got != 1 {
		t.Fatalf("second kill sent signals, total %d", got)
	}
}

func TestKillEscalatesWhenTermIgnored(t *testing.T) {
	m, sigs := newTestManager(t, `trap "" TERM; while :; do sleep 0.05; done`, readyAfter(1))

	if _, err := m.Start(context.Background(), 10); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Give the shell time to install its trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := m.Kill(false); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if got := sigs.count(); got != 2 {
		t.Fatalf("signals sent = %d, want 2", got)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("escalated before grace period: %s", elapsed)
	}
	if m.State() != Stopped {
		t.Fatalf("state = %s", m.State())
	}
}

func TestForceKillSendsOneSignal(t *testing.T) {
	m, sigs := newTestManager(t, `trap "" TERM; exec sleep 30`, readyAfter(1))

	if _, err := m.Start(context.Background(), 10); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Kill(true); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if got := sigs.count(); got != 1 {
		t.Fatalf("signals sent = %d, want 1", got)
	}
}

func TestStartProcessExitsEarly(t *testing.T) {
	m, sigs := newTestManager(t, "exit 3", neverReady)

	_, err := m.Start(context.Background(), 5)
	if !errors.Is(err, ErrExited) {
		t.Fatalf("expected ErrExited, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindForkProcess {
		t.Fatalf("kind = %s", apperr.KindOf(err))
	}
	if err := m.Kill(false); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if got := sigs.count(); got != 0 {
		t.Fatalf("signals sent to exited process: %d", got)
	}
}

func TestStartTimeoutLeavesHandleForKill(t *testing.T) {
	m, sigs := newTestManager(t, "exec sleep 30", neverReady)
	m.cfg.StartTimeout = 100 * time.Millisecond

	_, err := m.Start(context.Background(), 5)
	if !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("expected ErrStartTimeout, got %v", err)
	}
	if _, ok := m.Handle(); !ok {
		t.Fatalf("handle should survive a failed start")
	}
	if err := m.Kill(false); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if got := sigs.count(); got != 1 {
		t.Fatalf("signals sent = %d, want 1", got)
	}
}

func TestKillAbortsStart(t *testing.T) {
	m, _ := newTestManager(t, "exec sleep 30", neverReady)
	m.cfg.StartTimeout = 5 * time.Second

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background(), 5)
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != Starting {
		if time.Now().After(deadline) {
			t.Fatalf("never reached starting state")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := m.Kill(false); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStartAborted) && !errors.Is(err, ErrExited) {
			t.Fatalf("expected abort, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("start did not return after kill")
	}
}

func TestProbeSucceedingAfterKillDoesNotStart(t *testing.T) {
	inProbe := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	probe := func(ctx context.Context, url string) error {
		once.Do(func() { close(inProbe) })
		<-release
		return nil
	}
	m, _ := newTestManager(t, "exec sleep 30", probe)
	rec := metrics.NewRecorder()
	m.metrics = rec

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background(), 5)
		errCh <- err
	}()

	select {
	case <-inProbe:
	case <-time.After(2 * time.Second):
		t.Fatalf("probe never ran")
	}
	if err := m.Kill(false); err != nil {
		t.Fatalf("kill: %v", err)
	}
	close(release)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStartAborted) {
			t.Fatalf("expected ErrStartAborted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("start did not return")
	}
	if m.State() != Stopped {
		t.Fatalf("state = %s, want stopped", m.State())
	}

	path := filepath.Join(t.TempDir(), "fork.prom")
	if err := rec.WriteTextfile(path); err != nil {
		t.Fatalf("write metrics: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(data), "txreplay_fork_start_seconds_count 0") {
		t.Fatalf("aborted start was recorded as a fork start:\n%s", data)
	}
}

func TestOverlappingKillWaitsForExit(t *testing.T) {
	m, sigs := newTestManager(t, `trap "" TERM; while :; do sleep 0.05; done`, readyAfter(1))

	if _, err := m.Start(context.Background(), 10); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	first := make(chan error, 1)
	go func() { first <- m.Kill(false) }()

	deadline := time.Now().Add(time.Second)
	for m.State() != Stopping {
		if time.Now().After(deadline) {
			t.Fatalf("first kill never reached stopping")
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.Kill(false); err != nil {
		t.Fatalf("second kill: %v", err)
	}
	if m.State() != Stopped {
		t.Fatalf("second kill returned while state = %s", m.State())
	}
	if err := <-first; err != nil {
		t.Fatalf("first kill: %v", err)
	}
	if got := sigs.count(); got != 2 {
		t.Fatalf("signals sent = %d, want 2", got)
	}
}

func TestStartRejectsBusyPort(t *testing.T) {
	m, _ := newTestManager(t, "exec sleep 30", readyAfter(1))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	m.cfg.Port = ln.Addr().(*net.TCPAddr).Port

	_, err = m.Start(context.Background(), 5)
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}
	if m.State() != Stopped {
		t.Fatalf("state = %s", m.State())
	}
}

func TestStartTwiceFails(t *testing.T) {
	m, _ := newTestManager(t, "exec sleep 30", readyAfter(1))

	if _, err := m.Start(context.Background(), 5); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Start(context.Background(), 5); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestLineWriterSplitsLines(t *testing.T) {
	var lines []string
	logger := zap.NewExample(zap.Hooks(func(e zapcore.Entry) error {
		lines = append(lines, e.Message)
		return nil
	}))
	w := &lineWriter{logger: logger}
	w.Write([]byte("Listening on 127.0.0.1:8545\nFork"))
	w.Write([]byte("ed at block 99\n\n"))

	if len(lines) != 2 || lines[0] != "Listening on 127.0.0.1:8545" || lines[1] != "Forked at block 99" {
		t.Fatalf("unexpected lines %q", lines)
	}
}
