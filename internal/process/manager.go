package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// Status represents the current state of a managed session.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// Session is the part of a Sparkplug engine the manager drives.
// engine.Node, engine.Device and engine.Application satisfy it.
type Session interface {
	Start(ctx context.Context) error
	Stop() error
	Done() <-chan struct{}
	Err() error
	Name() string
	ConnectionState() sparkplug.ConnectionState
}

// Factory builds a fresh session. Sessions own a single-use transport, so
// every restart needs a new one.
type Factory func(ctx context.Context) (Session, error)

// Config holds configuration for a managed session.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Factory creates the session for each attempt.
	Factory Factory

	// RestartOnFailure enables automatic restart when the session ends
	// with a recoverable error.
	RestartOnFailure bool

	// RestartDelay is the base delay before the first restart. Later
	// attempts double it up to MaxRestartDelay.
	RestartDelay time.Duration

	// MaxRestartDelay caps the backoff.
	MaxRestartDelay time.Duration

	// StableThreshold is how long a session must stay up before the
	// backoff resets to RestartDelay.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restart attempts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is how long Stop waits for the session's DEATH
	// before cancelling it.
	GracefulTimeout time.Duration

	// OnStart is called with each session once it is running.
	OnStart func(Session)

	// OnStop is called when a session ends (nil when stopped on request).
	OnStop func(err error)

	// OnRestart is called before each restart attempt.
	OnRestart func(attempt int)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(name string, factory Factory) Config {
	return Config{
		Name:               name,
		Factory:            factory,
		RestartOnFailure:   true,
		RestartDelay:       5 * time.Second,
		MaxRestartDelay:    5 * time.Minute,
		StableThreshold:    2 * time.Minute,
		MaxRestartAttempts: 0,
		GracefulTimeout:    10 * time.Second,
	}
}

// Logger defines the logging interface for the manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// RecoverableError lets an error decide whether its session is restarted.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether a session that ended with err should be
// restarted. Connection failures are; a clean stop, cancellation and
// protocol or configuration errors are not.
func IsRecoverable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return errors.Is(err, sparkplug.ErrConnection)
}

// Manager keeps one session running, replacing it when it fails.
type Manager struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	session       Session
	status        Status
	restartCount  int
	failures      int
	lastError     error
	startTime     time.Time
	stopRequested bool
	cancel        context.CancelFunc

	done chan struct{}
}

// NewManager creates a new session manager with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.MaxRestartDelay == 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.MaxRestartDelay < cfg.RestartDelay {
		cfg.MaxRestartDelay = cfg.RestartDelay
	}
	if cfg.StableThreshold == 0 {
		cfg.StableThreshold = 2 * time.Minute
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}

	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start builds and starts the first session. It returns that session's
// start error; later failures are handled by restarts.
func (m *Manager) Start(ctx context.Context) error {
	if m.config.Factory == nil {
		return fmt.Errorf("session %s: factory is required", m.config.Name)
	}

	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("session %s is already running", m.config.Name)
	}
	m.status = StatusStarting
	m.stopRequested = false
	m.done = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.startSession(runCtx); err != nil {
		cancel()
		m.mu.Lock()
		m.status = StatusFailed
		m.lastError = err
		m.mu.Unlock()
		close(m.done)
		return err
	}

	go m.monitor(runCtx)
	return nil
}

func (m *Manager) startSession(ctx context.Context) error {
	m.logger.Info("starting session", "name", m.config.Name)

	sess, err := m.config.Factory(ctx)
	if err != nil {
		return fmt.Errorf("building session %s: %w", m.config.Name, err)
	}
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("starting %s: %w", m.config.Name, err)
	}

	m.mu.Lock()
	m.session = sess
	m.status = StatusRunning
	m.startTime = time.Now()
	m.mu.Unlock()

	m.logger.Info("session started", "name", m.config.Name, "session", sess.Name())

	if m.config.OnStart != nil {
		m.config.OnStart(sess)
	}
	return nil
}

// monitor waits for the current session to end and restarts it while the
// failure is recoverable.
func (m *Manager) monitor(ctx context.Context) {
	defer close(m.done)

	err := m.wait()
	for {
		if m.stopping(ctx) {
			m.logger.Info("session stopped as requested", "name", m.config.Name)
			m.setStatus(StatusStopped)
			if m.config.OnStop != nil {
				m.config.OnStop(nil)
			}
			return
		}

		if err == nil {
			m.logger.Info("session ended", "name", m.config.Name)
			m.setStatus(StatusStopped)
			if m.config.OnStop != nil {
				m.config.OnStop(nil)
			}
			return
		}

		m.logger.Warn("session ended unexpectedly", "name", m.config.Name, "error", err)

		m.mu.Lock()
		m.lastError = err
		m.status = StatusFailed
		if !m.startTime.IsZero() && time.Since(m.startTime) >= m.config.StableThreshold {
			m.failures = 0
		}
		m.startTime = time.Time{}
		m.mu.Unlock()

		if m.config.OnStop != nil {
			m.config.OnStop(err)
		}

		if !m.config.RestartOnFailure {
			m.logger.Info("restart disabled, not restarting", "name", m.config.Name)
			return
		}
		if !IsRecoverable(err) {
			m.logger.Error("session failed with unrecoverable error, not restarting",
				"name", m.config.Name,
				"error", err,
			)
			return
		}

		m.mu.Lock()
		m.failures++
		m.restartCount++
		attempt := m.failures
		m.mu.Unlock()

		if m.config.MaxRestartAttempts > 0 && attempt > m.config.MaxRestartAttempts {
			m.logger.Error("max restart attempts reached",
				"name", m.config.Name,
				"attempts", attempt,
			)
			return
		}

		delay := m.calculateBackoffDelay(attempt)
		m.logger.Info("restarting session",
			"name", m.config.Name,
			"attempt", attempt,
			"delay", delay,
		)
		if m.config.OnRestart != nil {
			m.config.OnRestart(attempt)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			continue
		case <-timer.C:
		}

		if m.stopping(ctx) {
			continue
		}
		if err = m.startSession(ctx); err != nil {
			m.logger.Error("failed to restart session", "name", m.config.Name, "error", err)
			continue
		}
		err = m.wait()
	}
}

// wait blocks until the current session ends and returns its error.
func (m *Manager) wait() error {
	m.mu.RLock()
	sess := m.session
	m.mu.RUnlock()

	<-sess.Done()
	return sess.Err()
}

func (m *Manager) stopping(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopRequested || ctx.Err() != nil
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// calculateBackoffDelay returns RestartDelay * 2^(attempt-1), capped at
// MaxRestartDelay.
func (m *Manager) calculateBackoffDelay(attempt int) time.Duration {
	delay := m.config.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.config.MaxRestartDelay {
			return m.config.MaxRestartDelay
		}
	}
	return delay
}

// Stop ends the current session with its DEATH and stops restarting.
// It returns the error the session ended with, if any.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.done == nil || m.stopRequested {
		m.mu.Unlock()
		return nil
	}
	m.stopRequested = true
	sess := m.session
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	var err error
	if sess != nil {
		m.logger.Info("stopping session", "name", m.config.Name)
		stopped := make(chan error, 1)
		go func() { stopped <- sess.Stop() }()

		select {
		case err = <-stopped:
		case <-time.After(m.config.GracefulTimeout):
			m.logger.Warn("graceful stop timeout, cancelling session",
				"name", m.config.Name,
				"timeout", m.config.GracefulTimeout,
			)
		}
	}

	cancel()
	<-done
	m.setStatus(StatusStopped)
	return err
}

// Status returns the current status of the managed session.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning returns true if a session is currently running.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// Session returns the current session, or nil before the first start.
func (m *Manager) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Done is closed once the manager has given up or been stopped.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// LastError returns the last error that ended a session.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// RestartCount returns the number of times the session has been restarted.
func (m *Manager) RestartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restartCount
}

// Uptime returns how long the current session has been running.
// Returns 0 if no session is running.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// Stats describes a managed session.
type Stats struct {
	Name         string        `json:"name"`
	Session      string        `json:"session,omitempty"`
	Status       Status        `json:"status"`
	Connection   string        `json:"connection"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the session.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:         m.config.Name,
		Status:       m.status,
		Connection:   sparkplug.Disconnected.String(),
		RestartCount: m.restartCount,
	}
	if m.session != nil {
		stats.Session = m.session.Name()
		stats.Connection = m.session.ConnectionState().String()
	}
	if m.status == StatusRunning {
		stats.Uptime = time.Since(m.startTime)
	}
	if m.lastError != nil {
		stats.LastError = m.lastError.Error()
	}
	return stats
}
