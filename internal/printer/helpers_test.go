package printer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeDevice is a Device with no optional capabilities.
type fakeDevice struct {
	// connectDelay delays Connect, honouring ctx.
	connectDelay time.Duration
	// block, when non-nil, makes Connect wait for it to close, ignoring ctx.
	block      chan struct{}
	connectErr error
	// neverConnect makes Connect succeed without the device ever reporting
	// itself connected.
	neverConnect bool
	closeErr     error

	connects  atomic.Int32
	closes    atomic.Int32
	connected atomic.Bool
}

func (f *fakeDevice) Connect(ctx context.Context) error {
	f.connects.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.connectDelay > 0 {
		select {
		case <-time.After(f.connectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	if !f.neverConnect {
		f.connected.Store(true)
	}
	return nil
}

func (f *fakeDevice) Connected() bool { return f.connected.Load() }

func (f *fakeDevice) Close(context.Context) error {
	f.closes.Add(1)
	if f.closeErr != nil {
		return f.closeErr
	}
	f.connected.Store(false)
	return nil
}

// fakeFactory counts attempts and hands out devices built by build.
type fakeFactory struct {
	build func(cfg Config, attempt int) Device

	mu      sync.Mutex
	calls   map[string]int
	devices []Device
}

func newFakeFactory(build func(cfg Config, attempt int) Device) *fakeFactory {
	if build == nil {
		build = func(Config, int) Device { return &fakeDevice{} }
	}
	return &fakeFactory{build: build, calls: make(map[string]int)}
}

func (f *fakeFactory) Factory(cfg Config) (Device, error) {
	f.mu.Lock()
	f.calls[cfg.Name]++
	attempt := f.calls[cfg.Name]
	f.mu.Unlock()

	dev := f.build(cfg, attempt)

	f.mu.Lock()
	f.devices = append(f.devices, dev)
	f.mu.Unlock()
	return dev, nil
}

func (f *fakeFactory) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeFactory) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func testRegistry(t *testing.T, names ...string) *Registry {
	t.Helper()

	cfgs := make([]Config, 0, len(names))
	for i, n := range names {
		cfgs = append(cfgs, Config{
			Name:       n,
			Host:       "127.0.0.1",
			Serial:     fmt.Sprintf("S%d", i+1),
			AccessCode: fmt.Sprintf("K%d", i+1),
		})
	}

	reg, err := NewRegistry(cfgs)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg
}

func testManager(t *testing.T, f *fakeFactory, cfg ManagerConfig, names ...string) *Manager {
	t.Helper()

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	m := NewManager(testRegistry(t, names...), f.Factory, cfg)
	t.Cleanup(func() { m.background.Wait() })
	return m
}

// recordingObserver keeps every event it receives.
type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	connects    []error
	actions     []actionEvent
	reports     []map[string]any
}

type actionEvent struct {
	printer string
	action  Action
	err     error
}

func (o *recordingObserver) StateChanged(printer string, from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, fmt.Sprintf("%s:%s->%s", printer, from, to))
}

func (o *recordingObserver) ConnectFinished(_ string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connects = append(o.connects, err)
}

func (o *recordingObserver) ActionFinished(printer string, action Action, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.actions = append(o.actions, actionEvent{printer: printer, action: action, err: err})
}

func (o *recordingObserver) Report(_ string, report map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, report)
}

func (o *recordingObserver) Transitions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.transitions...)
}

func (o *recordingObserver) Actions() []actionEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]actionEvent(nil), o.actions...)
}

// positionalDevice only accepts the positional job form.
type positionalDevice struct {
	*fakeDevice

	mu   sync.Mutex
	jobs [][]string
}

func (d *positionalDevice) StartJobArgs(_ context.Context, args []string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, args)
	return map[string]any{"started": args[0]}, nil
}

// pickyDevice rejects the named form, then takes the positional one.
type pickyDevice struct {
	*fakeDevice
	named atomic.Int32
}

func (d *pickyDevice) StartJob(context.Context, Job) (any, error) {
	d.named.Add(1)
	return nil, ErrSignatureMismatch
}

func (d *pickyDevice) StartJobArgs(_ context.Context, args []string) (any, error) {
	return "queued " + args[0], nil
}

// mismatchDevice rejects every form.
type mismatchDevice struct {
	*fakeDevice
}

func (d *mismatchDevice) StartJob(context.Context, Job) (any, error) {
	return nil, ErrSignatureMismatch
}

func (d *mismatchDevice) StartJobURL(context.Context, string, string) (any, error) {
	return nil, ErrSignatureMismatch
}

// controlDevice exposes both names for every control action.
type controlDevice struct {
	*fakeDevice

	mu    sync.Mutex
	calls []string
	err   error
}

func (d *controlDevice) record(name string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, name)
	if d.err != nil {
		return nil, d.err
	}
	return map[string]any{"command": name}, nil
}

func (d *controlDevice) PausePrint(context.Context) (any, error)  { return d.record("pause_print") }
func (d *controlDevice) Pause(context.Context) (any, error)       { return d.record("pause") }
func (d *controlDevice) ResumePrint(context.Context) (any, error) { return d.record("resume_print") }
func (d *controlDevice) Stop(context.Context) (any, error)        { return d.record("stop") }

func (d *controlDevice) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// innerClient is reached through wrappedDevice.Underlying.
type innerClient struct {
	paused atomic.Bool
}

func (c *innerClient) Pause(context.Context) (any, error) {
	c.paused.Store(true)
	return true, nil
}

type wrappedDevice struct {
	*fakeDevice
	inner *innerClient
}

func (d *wrappedDevice) Underlying() any { return d.inner }

// statusDevice reports backend status.
type statusDevice struct {
	*fakeDevice
	status any
	err    error
}

func (d *statusDevice) Status(context.Context) (any, error) {
	return d.status, d.err
}

// publisherDevice pushes frames on a channel, then waits to be cancelled.
type publisherDevice struct {
	*fakeDevice
	frames  []Frame
	stopped chan struct{}
}

func (d *publisherDevice) CameraFrames(ctx context.Context) (<-chan Frame, error) {
	ch := make(chan Frame)
	go func() {
		defer close(d.stopped)
		defer close(ch)
		for _, f := range d.frames {
			select {
			case ch <- f:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return ch, nil
}

// sliceSource is a pull-based FrameSource.
type sliceSource struct {
	frames []Frame
	closes atomic.Int32
	mu     sync.Mutex
}

func (s *sliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceSource) Close() error {
	s.closes.Add(1)
	return nil
}

type streamerDevice struct {
	*fakeDevice
	src *sliceSource
}

func (d *streamerDevice) OpenCamera(context.Context) (FrameSource, error) {
	return d.src, nil
}
