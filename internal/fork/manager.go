package fork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"txreplay/internal/apperr"
	"txreplay/internal/metrics"
)

const op = "fork"

var (
	ErrAlreadyRunning = errors.New("fork already running")
	ErrPortInUse      = errors.New("port in use")
	ErrStartTimeout   = errors.New("fork did not become ready")
	ErrStartAborted   = errors.New("fork start aborted by stop request")
	ErrExited         = errors.New("fork process exited during startup")
)

// State is the lifecycle position of the managed process.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config describes how to launch the fork node.
type Config struct {
	Binary        string
	Host          string
	Port          int
	ForkURL       string
	StartTimeout  time.Duration
	ProbeInterval time.Duration
	KillGrace     time.Duration
	LogFile       string
}

// Handle identifies a live fork process.
type Handle struct {
	Host      string
	Port      int
	PID       int
	ForkBlock uint64
	StartedAt time.Time
}

// URL is the JSON-RPC endpoint of the fork.
func (h Handle) URL() string {
	return "http://" + net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// Prober reports nil once the node at url answers JSON-RPC.
type Prober func(ctx context.Context, url string) error

type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

type signalFunc func(p *os.Process, sig os.Signal) error

// Manager owns at most one fork process at a time.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Recorder

	probe   Prober
	command commandFunc
	signal  signalFunc

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	handle   *Handle
	done     chan struct{}
	stopping chan struct{}
	killDone chan struct{}
	logSink  io.Closer
}

// Option customizes a Manager.
type Option func(*Manager)

// WithProber replaces the JSON-RPC readiness probe.
func WithProber(p Prober) Option {
	return func(m *Manager) {
		m.probe = p
	}
}

func WithMetrics(rec *metrics.Recorder) Option {
	return func(m *Manager) {
		m.metrics = rec
	}
}

func NewManager(cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Binary == "" {
		cfg.Binary = "anvil"
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 500 * time.Millisecond
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		probe:   rpcProbe,
		command: exec.CommandContext,
		signal:  func(p *os.Process, sig os.Signal) error { return p.Signal(sig) },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsRunning reports whether a fork has been started and not yet killed.
func (m *Manager) IsRunning() bool {
	return m.State() == Running
}

// Handle returns the live process handle, if any.
func (m *Manager) Handle() (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return Handle{}, false
	}
	return *m.handle, true
}

// URL is the endpoint the fork listens on, whether or not it is running.
func (m *Manager) URL() string {
	return Handle{Host: m.cfg.Host, Port: m.cfg.Port}.URL()
}

// Start launches a node forked at forkBlock and blocks until it answers
// JSON-RPC. On failure the process handle is retained so the caller's Kill
// can reap it.
func (m *Manager) Start(ctx context.Context, forkBlock uint64) (Handle, error) {
	m.mu.Lock()
	if m.state != Stopped || m.handle != nil {
		m.mu.Unlock()
		return Handle{}, apperr.Wrap(apperr.KindForkProcess, op, ErrAlreadyRunning)
	}
	if m.cfg.ForkURL == "" {
		m.mu.Unlock()
		return Handle{}, apperr.New(apperr.KindValidation, op, "fork url is required")
	}
	if err := checkPort(m.cfg.Host, m.cfg.Port); err != nil {
		m.mu.Unlock()
		return Handle{}, err
	}

	stdout, closer, err := m.processOutput()
	if err != nil {
		m.mu.Unlock()
		return Handle{}, err
	}

	args := []string{
		"--host", m.cfg.Host,
		"--port", strconv.Itoa(m.cfg.Port),
		"--fork-url", m.cfg.ForkURL,
		"--fork-block-number", strconv.FormatUint(forkBlock, 10),
	}
	// The process outlives ctx; only Kill terminates it.
	cmd := m.command(context.Background(), m.cfg.Binary, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout
	cmd.WaitDelay = m.cfg.KillGrace

	if err := cmd.Start(); err != nil {
		if closer != nil {
			closer.Close()
		}
		m.mu.Unlock()
		return Handle{}, apperr.Wrap(apperr.KindForkProcess, op, fmt.Errorf("spawn %s: %w", m.cfg.Binary, err))
	}

	handle := &Handle{
		Host:      m.cfg.Host,
		Port:      m.cfg.Port,
		PID:       cmd.Process.Pid,
		ForkBlock: forkBlock,
		StartedAt: time.Now(),
	}
	done := make(chan struct{})
	stopping := make(chan struct{})
	m.cmd = cmd
	m.handle = handle
	m.done = done
	m.stopping = stopping
	m.killDone = nil
	m.logSink = closer
	m.state = Starting
	m.mu.Unlock()

	go func() {
		err := cmd.Wait()
		m.logger.Debug("fork process exited", zap.Int("pid", handle.PID), zap.Error(err))
		close(done)
	}()

	m.logger.Info("fork process spawned",
		zap.Int("pid", handle.PID),
		zap.String("url", handle.URL()),
		zap.Uint64("fork_block", forkBlock),
	)

	if err := m.waitReady(ctx, handle.URL(), done, stopping); err != nil {
		return *handle, err
	}

	m.mu.Lock()
	if m.state != Starting {
		m.mu.Unlock()
		return *handle, apperr.Wrap(apperr.KindForkProcess, op, ErrStartAborted)
	}
	m.state = Running
	m.mu.Unlock()

	elapsed := time.Since(handle.StartedAt)
	m.metrics.ForkStarted(elapsed)
	m.logger.Info("fork ready", zap.String("url", handle.URL()), zap.Duration("elapsed", elapsed))
	return *handle, nil
}

func (m *Manager) waitReady(ctx context.Context, url string, done, stopping <-chan struct{}) error {
	deadline := time.NewTimer(m.cfg.StartTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeInterval)
		err := m.probe(probeCtx, url)
		cancel()
		if err == nil {
			// A probe in flight when Kill ran must not report success.
			select {
			case <-stopping:
				return apperr.Wrap(apperr.KindForkProcess, op, ErrStartAborted)
			default:
				return nil
			}
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return apperr.Wrap(apperr.KindForkProcess, op, fmt.Errorf("%w within %s", ErrStartTimeout, m.cfg.StartTimeout))
		case <-stopping:
			return apperr.Wrap(apperr.KindForkProcess, op, ErrStartAborted)
		case <-done:
			return apperr.Wrap(apperr.KindForkProcess, op, ErrExited)
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindForkProcess, op, ctx.Err())
		}
	}
}

// Kill terminates the fork: a graceful signal first, then a forced kill if
// the process outlives the grace period. Calling Kill with nothing running
// is a no-op; a Kill that overlaps another waits for the first to finish.
func (m *Manager) Kill(force bool) error {
	m.mu.Lock()
	if pending := m.killDone; pending != nil {
		m.mu.Unlock()
		<-pending
		return nil
	}
	if m.handle == nil {
		m.mu.Unlock()
		return nil
	}
	killDone := make(chan struct{})
	m.killDone = killDone
	m.state = Stopping
	close(m.stopping)
	cmd, done, handle := m.cmd, m.done, *m.handle
	m.mu.Unlock()

	defer func() {
		m.reset()
		close(killDone)
	}()

	select {
	case <-done:
		m.logger.Debug("fork already exited", zap.Int("pid", handle.PID))
		return nil
	default:
	}

	first := os.Signal(syscall.SIGTERM)
	if force {
		first = syscall.SIGKILL
	}
	if err := m.signal(cmd.Process, first); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.logger.Warn("signal fork process", zap.Int("pid", handle.PID), zap.Stringer("signal", first), zap.Error(err))
	}

	timer := time.NewTimer(m.cfg.KillGrace)
	defer timer.Stop()
	select {
	case <-done:
		m.logger.Info("fork stopped", zap.Int("pid", handle.PID))
		return nil
	case <-timer.C:
	}

	if force {
		<-done
		return nil
	}

	m.logger.Warn("fork ignored termination, killing", zap.Int("pid", handle.PID), zap.Duration("grace", m.cfg.KillGrace))
	if err := m.signal(cmd.Process, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return apperr.Wrap(apperr.KindForkProcess, op, fmt.Errorf("kill pid %d: %w", handle.PID, err))
	}
	<-done
	m.logger.Info("fork killed", zap.Int("pid", handle.PID))
	return nil
}

func (m *Manager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logSink != nil {
		m.logSink.Close()
	}
	m.cmd = nil
	m.handle = nil
	m.done = nil
	m.stopping = nil
	m.killDone = nil
	m.logSink = nil
	m.state = Stopped
}

// processOutput routes the child's stdout and stderr to the debug log and,
// when configured, to a log file.
func (m *Manager) processOutput() (io.Writer, io.Closer, error) {
	lw := &lineWriter{logger: m.logger.Named("anvil")}
	if m.cfg.LogFile == "" {
		return lw, nil, nil
	}
	f, err := os.OpenFile(m.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindSystem, op, fmt.Errorf("open fork log: %w", err))
	}
	return io.MultiWriter(lw, f), f, nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return apperr.Wrap(apperr.KindForkProcess, op, fmt.Errorf("%w: %s:%d: %v", ErrPortInUse, host, port, err))
	}
	return ln.Close()
}

func rpcProbe(ctx context.Context, url string) error {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return err
	}
	defer client.Close()
	var n string
	return client.CallContext(ctx, &n, "eth_blockNumber")
}
