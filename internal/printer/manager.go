package printer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Connection defaults, matching the configuration defaults.
const (
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultConnectTimeout = 5 * time.Second

	// discardTimeout bounds the background close of a handle that failed to
	// connect or was replaced.
	discardTimeout = 5 * time.Second
)

// Failure is the last connection error recorded for a printer.
type Failure struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// ManagerConfig controls the connect-and-wait phase.
type ManagerConfig struct {
	// PollInterval is how often the device's connected flag is checked.
	PollInterval time.Duration

	// Timeout bounds one connection attempt, from creating the device until
	// it reports itself connected.
	Timeout time.Duration
}

// Manager owns the live set of connected printers.
//
// At most one connection attempt per printer is in flight at any time:
// concurrent callers for the same name share the attempt's outcome, while
// attempts for different names proceed independently.
//
// All public methods are thread-safe.
type Manager struct {
	registry *Registry
	factory  Factory
	interval time.Duration
	timeout  time.Duration
	logger   Logger
	observer Observer

	// states is built once in NewManager and never mutated afterwards.
	states map[string]*stateMachine

	mu       sync.RWMutex
	live     map[string]*Handle
	failures map[string]Failure
	locks    map[string]*semaphore.Weighted

	flights singleflight.Group

	// closed is set by CloseAll; attempts counts connection attempts in
	// flight. Both are guarded by mu so no attempt starts once CloseAll is
	// waiting.
	closed   bool
	attempts sync.WaitGroup

	// background tracks best-effort closes of discarded devices.
	background sync.WaitGroup
}

// NewManager creates a Manager for the printers in registry. factory builds
// an unconnected Device for each connection attempt.
func NewManager(registry *Registry, factory Factory, cfg ManagerConfig) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConnectTimeout
	}

	m := &Manager{
		registry: registry,
		factory:  factory,
		interval: cfg.PollInterval,
		timeout:  cfg.Timeout,
		logger:   noopLogger{},
		observer: NopObserver{},
		states:   make(map[string]*stateMachine, registry.Len()),
		live:     make(map[string]*Handle),
		failures: make(map[string]Failure),
		locks:    make(map[string]*semaphore.Weighted),
	}

	for _, name := range registry.Names() {
		m.states[name] = newStateMachine(func(from, to State) {
			m.observer.StateChanged(name, from, to)
		})
	}

	return m
}

// SetLogger sets the logger. Call before the Manager is used.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetObserver sets the event observer. Call before the Manager is used.
func (m *Manager) SetObserver(observer Observer) {
	m.observer = observer
}

// Registry returns the Registry the Manager was built with.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Existing returns the live handle for name if it reports itself connected,
// or nil. It never blocks on a connection attempt.
func (m *Manager) Existing(name string) *Handle {
	m.mu.RLock()
	h := m.live[name]
	m.mu.RUnlock()

	if h != nil && h.Connected() {
		return h
	}
	return nil
}

// Get returns the installed handle for name whether or not it currently
// reports itself connected.
func (m *Manager) Get(name string) *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live[name]
}

// EnsureConnected returns a connected handle for name, connecting first if
// needed.
//
// Errors are *Error values: KindUnknownPrinter / KindIncompleteConfig for
// registry problems, KindConnectionFailure when the attempt fails or times
// out. If ctx ends while waiting, the caller gets ctx's error but the shared
// attempt carries on for any other waiters.
func (m *Manager) EnsureConnected(ctx context.Context, name string) (*Handle, error) {
	cfg, err := m.registry.Lookup(name)
	if err != nil {
		return nil, lookupError(name, "connect", err)
	}

	if h := m.Existing(name); h != nil {
		return h, nil
	}

	ch := m.flights.DoChan(name, func() (any, error) {
		if !m.beginAttempt() {
			return nil, &Error{Kind: KindConnectionFailure, Printer: name, Op: "connect", Err: ErrManagerClosed}
		}
		defer m.attempts.Done()
		return m.connect(context.WithoutCancel(ctx), cfg)
	})

	select {
	case <-ctx.Done():
		return nil, &Error{Kind: KindConnectionFailure, Printer: name, Op: "connect", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	}
}

// beginAttempt registers a connection attempt unless CloseAll has started.
func (m *Manager) beginAttempt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.attempts.Add(1)
	return true
}

// connect runs one attempt under the per-name lock.
func (m *Manager) connect(ctx context.Context, cfg Config) (*Handle, error) {
	name := cfg.Name

	lock := m.lockFor(name)
	if err := lock.Acquire(ctx, 1); err != nil {
		return nil, &Error{Kind: KindConnectionFailure, Printer: name, Op: "connect", Err: err}
	}
	defer lock.Release(1)

	// Another attempt may have completed while this one waited for the lock.
	if h := m.Existing(name); h != nil {
		return h, nil
	}

	m.transition(ctx, name, eventConnect)

	start := time.Now()
	h, err := m.dial(ctx, cfg)
	took := time.Since(start)
	m.observer.ConnectFinished(name, took, err)

	if err != nil {
		m.RecordFailure(name, err)
		m.transition(ctx, name, eventFail)
		m.logger.Warn("printer connect failed",
			"printer", name,
			"host", cfg.Host,
			"error", describe(err),
			"took", took,
		)
		return nil, &Error{Kind: KindConnectionFailure, Printer: name, Op: "connect", Err: err}
	}

	m.install(h)
	m.transition(ctx, name, eventSucceed)
	m.logger.Info("printer connected",
		"printer", name,
		"host", cfg.Host,
		"serial", cfg.Serial,
		"took", took,
	)

	return h, nil
}

// dial creates the device, calls Connect and polls Connected until the
// deadline. The device is discarded on any failure.
func (m *Manager) dial(ctx context.Context, cfg Config) (*Handle, error) {
	dev, err := m.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating device: %w", err)
	}

	name := cfg.Name
	if rs, ok := dev.(ReportSource); ok {
		rs.SetReportHandler(func(report map[string]any) {
			m.observer.Report(name, report)
		})
	}
	if cw, ok := dev.(ConnectionWatcher); ok {
		cw.WatchConnection(
			func(err error) { m.sessionLost(name, dev, err) },
			func() { m.sessionRestored(name, dev) },
		)
	}

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- dev.Connect(cctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			m.discard(cfg.Name, dev)
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %w", ErrConnectTimeout, err)
			}
			return nil, err
		}
	case <-cctx.Done():
		m.discard(cfg.Name, dev)
		return nil, fmt.Errorf("%w: connect did not return within %s", ErrConnectTimeout, m.timeout)
	}

	if err := m.waitConnected(cctx, dev); err != nil {
		m.discard(cfg.Name, dev)
		return nil, err
	}

	return newHandle(cfg, dev), nil
}

// waitConnected polls dev.Connected every interval until it is true or ctx
// expires.
func (m *Manager) waitConnected(ctx context.Context, dev Device) error {
	if dev.Connected() {
		return nil
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if dev.Connected() {
				return nil
			}
			return fmt.Errorf("%w after %s", ErrConnectTimeout, m.timeout)
		case <-ticker.C:
			if dev.Connected() {
				return nil
			}
		}
	}
}

// install makes h the live handle for its printer and clears any recorded
// failure. A different handle previously installed is closed in the
// background.
func (m *Manager) install(h *Handle) {
	name := h.Name()

	m.mu.Lock()
	old := m.live[name]
	m.live[name] = h
	delete(m.failures, name)
	m.mu.Unlock()

	if old != nil && old != h {
		m.logger.Debug("replacing stale printer handle", "printer", name)
		m.discard(name, old.dev)
	}
}

// installed reports whether dev backs the live handle for name.
func (m *Manager) installed(name string, dev Device) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.live[name]
	return h != nil && h.dev == dev
}

// sessionLost marks name failed when its installed session drops. The
// handle stays installed; the next EnsureConnected replaces it unless the
// session comes back first.
func (m *Manager) sessionLost(name string, dev Device, err error) {
	if !m.installed(name, dev) {
		return
	}
	if err == nil {
		err = ErrSessionLost
	} else {
		err = fmt.Errorf("%w: %w", ErrSessionLost, err)
	}

	m.RecordFailure(name, err)
	m.transition(context.Background(), name, eventLost)
	m.logger.Warn("printer session lost", "printer", name, "error", describe(err))
	m.observer.Report(name, map[string]any{
		"connection": map[string]any{"state": "lost", "error": describe(err)},
	})
}

// sessionRestored undoes sessionLost when the device reconnects by itself.
func (m *Manager) sessionRestored(name string, dev Device) {
	if !m.installed(name, dev) {
		return
	}

	m.mu.Lock()
	delete(m.failures, name)
	m.mu.Unlock()

	m.transition(context.Background(), name, eventRestore)
	m.logger.Info("printer session restored", "printer", name)
	m.observer.Report(name, map[string]any{
		"connection": map[string]any{"state": "restored"},
	})
}

// discard closes dev without waiting for the result. Reports it sends
// afterwards are dropped.
func (m *Manager) discard(name string, dev Device) {
	if rs, ok := dev.(ReportSource); ok {
		rs.SetReportHandler(nil)
	}

	m.background.Add(1)
	go func() {
		defer m.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
		defer cancel()

		if err := dev.Close(ctx); err != nil {
			m.logger.Debug("closing discarded device failed", "printer", name, "error", err)
		}
	}()
}

func (m *Manager) lockFor(name string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[name]
	if !ok {
		lock = semaphore.NewWeighted(1)
		m.locks[name] = lock
	}
	return lock
}

func (m *Manager) transition(ctx context.Context, name, event string) {
	sm, ok := m.states[name]
	if !ok {
		return
	}
	if err := sm.fire(ctx, event); err != nil {
		m.logger.Debug("ignored printer state event",
			"printer", name,
			"event", event,
			"state", sm.current(),
			"error", err,
		)
	}
}

// RecordFailure stores err as the last connection failure for name.
func (m *Manager) RecordFailure(name string, err error) {
	f := Failure{Reason: describe(err), At: time.Now().UTC()}

	m.mu.Lock()
	m.failures[name] = f
	m.mu.Unlock()
}

// LastFailure returns the recorded failure for name, if any.
func (m *Manager) LastFailure(name string) (Failure, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.failures[name]
	return f, ok
}

// State returns the connection state of name.
func (m *Manager) State(name string) State {
	if sm, ok := m.states[name]; ok {
		return sm.current()
	}
	return StateDisconnected
}

// Snapshot returns point-in-time copies of the live set and the failure map.
func (m *Manager) Snapshot() (map[string]*Handle, map[string]Failure) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	live := make(map[string]*Handle, len(m.live))
	for k, v := range m.live {
		live[k] = v
	}
	failures := make(map[string]Failure, len(m.failures))
	for k, v := range m.failures {
		failures[k] = v
	}
	return live, failures
}

// Remove drops name from the live set without closing it and returns the
// removed handle, if any.
func (m *Manager) Remove(name string) *Handle {
	m.mu.Lock()
	h := m.live[name]
	delete(m.live, name)
	m.mu.Unlock()

	if h != nil {
		m.transition(context.Background(), name, eventDisconnect)
	}
	return h
}

// RemoveIf drops name from the live set only if h is still the installed
// handle. It reports whether h was removed.
func (m *Manager) RemoveIf(name string, h *Handle) bool {
	m.mu.Lock()
	removed := m.live[name] == h && h != nil
	if removed {
		delete(m.live, name)
	}
	m.mu.Unlock()

	if removed {
		m.transition(context.Background(), name, eventDisconnect)
	}
	return removed
}

// Clear empties the live set and the failure map. Handles are not closed;
// see CloseAll. Per-name locks are kept.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.live = make(map[string]*Handle)
	m.failures = make(map[string]Failure)
	m.mu.Unlock()

	for name := range m.states {
		m.transition(context.Background(), name, eventDisconnect)
	}
}

// ConnectAll connects every registered printer concurrently. Failures are
// logged and recorded but never returned. It returns how many printers are
// connected afterwards.
func (m *Manager) ConnectAll(ctx context.Context) int {
	var (
		g         errgroup.Group
		connected atomic.Int32
	)

	for _, name := range m.registry.Names() {
		g.Go(func() error {
			if _, err := m.EnsureConnected(ctx, name); err != nil {
				m.logger.Warn("warm-up connect failed", "printer", name, "error", err)
				return nil
			}
			connected.Add(1)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines never return errors

	return int(connected.Load())
}

// CloseAll waits for connection attempts in flight, closes every live
// handle concurrently, then clears all state. Later connection attempts
// fail with ErrManagerClosed. It returns the joined close errors.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	settled := make(chan struct{})
	go func() {
		m.attempts.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		m.logger.Warn("shutdown: connection attempts still running", "error", ctx.Err())
	}

	live, _ := m.Snapshot()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	for name, h := range live {
		g.Go(func() error {
			if err := h.dev.Close(ctx); err != nil {
				m.logger.Warn("shutdown: disconnect failed", "printer", name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
				mu.Unlock()
				return nil
			}
			m.logger.Info("shutdown: disconnected", "printer", name)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // errors are collected above

	m.Clear()
	m.background.Wait()

	return errors.Join(errs...)
}
