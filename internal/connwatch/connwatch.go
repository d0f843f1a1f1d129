// Package connwatch keeps MCP servers connected. It is the reconnection
// policy that sits outside the mcp client: the client reports a lost
// stream once and forgets it, and a Watcher decides when to initialize
// again.
//
// This is distinct from httpkit's transport-level retry, which handles
// sub-second transient dial errors. connwatch handles multi-second to
// multi-minute outages: server restarts, dropped event streams, and
// network partitions.
//
// Each Watcher looks after a single server in two phases:
//  1. Startup: Connect with exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic probing with state-transition callbacks. A
//     ready server is probed with Check; a down one with Connect.
//
// Kick skips the wait for the next probe, and MarkDown records a
// failure reported by someone other than the probe.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks or establishes a server connection. Return nil if
// healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup connect attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval after startup
	// retries are exhausted or after a successful connection (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits how long each individual probe call may take (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped), with
// 10 startup retries and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WatcherConfig configures a single server watcher.
type WatcherConfig struct {
	// Name identifies the server in logs and in Manager lookups.
	Name string

	// Connect establishes the connection, typically an MCP initialize.
	// It runs whenever the server is not ready. Must be safe for
	// concurrent use.
	Connect ProbeFunc

	// Check verifies a ready connection, typically an MCP ping. When
	// nil, Connect is used.
	Check ProbeFunc

	// Backoff controls retry timing. Use DefaultBackoffConfig() as a starting point.
	Backoff BackoffConfig

	// OnReady is called when the server transitions from not-ready to ready.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnReady func()

	// OnDown is called when the server transitions from ready to not-ready.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServerStatus is the health status of a watched server, suitable for
// JSON output.
type ServerStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Connects  int       `json:"connects"`
}

// Watcher monitors a single server's connection.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	since     time.Time
	connects  int
}

// IsReady reports whether the watched server is currently connected.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent failure, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServerStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Since:     w.since,
		LastCheck: w.lastCheck,
		Connects:  w.connects,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Kick asks for a probe now instead of at the next backoff step or
// poll tick. Kicks made while a probe is running are coalesced into one.
func (w *Watcher) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// MarkDown records a failure observed outside the probe, such as a lost
// event stream. A ready watcher transitions to down and fires OnDown;
// the next probe will Connect.
func (w *Watcher) MarkDown(err error) {
	w.recordResult(err)
	if w.ready.CompareAndSwap(true, false) {
		w.transitioned()
		w.config.Logger.Info("MCP server marked down",
			"server", w.config.Name,
			"error", err,
		)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	}
}

// Wait blocks until the watcher goroutine exits (context cancelled or Stop called).
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run is the main goroutine. Phase 1: startup connect with exponential
// backoff. Phase 2: periodic probing with state-transition callbacks.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		if err == nil {
			logger.Info("MCP server connected",
				"server", w.config.Name,
				"after_attempts", attempt,
			)
			break
		}
		if ctx.Err() != nil {
			return
		}

		if attempt == cfg.MaxRetries {
			logger.Warn("startup connection failed, entering background polling",
				"server", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup connect failed, retrying",
			"server", w.config.Name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		if !w.sleep(ctx, delay) {
			return
		}

		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	for w.sleep(ctx, cfg.PollInterval) {
		wasReady := w.ready.Load()
		err := w.probe(ctx)
		if err != nil && !wasReady && ctx.Err() == nil {
			logger.Debug("MCP server still unreachable",
				"server", w.config.Name,
				"error", err,
			)
		}
	}
}

// probe runs Check when ready and Connect otherwise, records the
// outcome, and fires transition callbacks.
func (w *Watcher) probe(ctx context.Context) error {
	timeout := w.config.Backoff.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wasReady := w.ready.Load()
	fn := w.config.Connect
	if wasReady && w.config.Check != nil {
		fn = w.config.Check
	}
	err := fn(probeCtx)
	w.recordResult(err)

	switch {
	case err != nil && wasReady:
		if w.ready.CompareAndSwap(true, false) {
			w.transitioned()
			w.config.Logger.Info("MCP server became unreachable",
				"server", w.config.Name,
				"error", err,
			)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		}
	case err == nil && !wasReady:
		w.mu.Lock()
		w.connects++
		w.mu.Unlock()
		if w.ready.CompareAndSwap(false, true) {
			w.transitioned()
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		}
	}
	return err
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) transitioned() {
	w.mu.Lock()
	w.since = time.Now()
	w.mu.Unlock()
}

// sleep waits for d, a kick, or ctx. Returns false if ctx ended.
func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.kick:
		return true
	case <-timer.C:
		return true
	}
}

// Manager coordinates the watchers of several servers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a new server watcher. The watcher runs in a
// background goroutine until ctx is cancelled or Stop is called.
//
// Panics if Name is empty or Connect is nil; these are programming
// errors. Zero-value BackoffConfig fields are replaced with defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Connect == nil {
		panic("connwatch: WatcherConfig.Connect must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = defaults.MaxRetries
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = defaults.PollInterval
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = defaults.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		kick:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Watcher returns the watcher registered under name.
func (m *Manager) Watcher(name string) (*Watcher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watchers[name]
	return w, ok
}

// Kick asks the named watcher to probe now. It reports whether the
// watcher exists.
func (m *Manager) Kick(name string) bool {
	w, ok := m.Watcher(name)
	if ok {
		w.Kick()
	}
	return ok
}

// Status returns the health status of all watched servers.
func (m *Manager) Status() map[string]ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServerStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
