package printer

import (
	"context"
	"time"
)

// Device is one backend connection to a printer.
//
// Connect may return before the session is up; the Manager polls Connected
// until it reports true or the connect timeout expires. Implementations that
// connect synchronously simply return once connected.
type Device interface {
	Connect(ctx context.Context) error
	Connected() bool
	Close(ctx context.Context) error
}

// Factory creates an unconnected Device from a printer's Config.
type Factory func(cfg Config) (Device, error)

// Unwrapper exposes an inner device object. Operations the outer Device does
// not implement are looked up on the inner one.
type Unwrapper interface {
	Underlying() any
}

// StatusReporter returns backend-specific status data.
type StatusReporter interface {
	Status(ctx context.Context) (any, error)
}

// Job describes a print started from a URL. AuxURL is the optional
// companion project file (.3mf).
type Job struct {
	GcodeURL string `json:"gcodeUrl"`
	AuxURL   string `json:"auxUrl,omitempty"`
}

// JobStarter takes the job in its named form (gcode URL + aux URL).
type JobStarter interface {
	StartJob(ctx context.Context, job Job) (any, error)
}

// URLJobStarter takes the gcode location as a generic url parameter.
type URLJobStarter interface {
	StartJobURL(ctx context.Context, url, auxURL string) (any, error)
}

// PositionalJobStarter takes the URLs as an ordered argument list:
// gcode URL first, then the aux URL when present.
type PositionalJobStarter interface {
	StartJobArgs(ctx context.Context, args []string) (any, error)
}

// PrintPauser and Pauser are the two names a backend may expose for pausing.
// PausePrint is preferred when both exist.
type PrintPauser interface {
	PausePrint(ctx context.Context) (any, error)
}

// Pauser is the short form of PrintPauser.
type Pauser interface {
	Pause(ctx context.Context) (any, error)
}

// PrintResumer is preferred over Resumer when both exist.
type PrintResumer interface {
	ResumePrint(ctx context.Context) (any, error)
}

// Resumer is the short form of PrintResumer.
type Resumer interface {
	Resume(ctx context.Context) (any, error)
}

// PrintStopper is preferred over Stopper when both exist.
type PrintStopper interface {
	StopPrint(ctx context.Context) (any, error)
}

// Stopper is the short form of PrintStopper.
type Stopper interface {
	Stop(ctx context.Context) (any, error)
}

// CameraStreamer opens a pull-based frame source.
type CameraStreamer interface {
	OpenCamera(ctx context.Context) (FrameSource, error)
}

// CameraPublisher pushes frames on a channel until ctx is cancelled or the
// stream ends, then closes the channel.
type CameraPublisher interface {
	CameraFrames(ctx context.Context) (<-chan Frame, error)
}

// ReportSource is implemented by devices that push state reports. The
// Manager installs a handler when the device is connected.
type ReportSource interface {
	SetReportHandler(fn func(report map[string]any))
}

// ConnectionWatcher is implemented by devices whose session can drop and
// come back by itself after Connect succeeded. The Manager registers its
// callbacks before calling Connect.
type ConnectionWatcher interface {
	WatchConnection(onLost func(err error), onRestored func())
}

// Operation is a resolved, argument-free device call.
type Operation func(ctx context.Context) (any, error)

// jobVariant is one calling convention for starting a job.
type jobVariant struct {
	form string
	call func(ctx context.Context, job Job) (any, error)
}

// capabilities is the set of operations resolved once per connection.
type capabilities struct {
	status   Operation
	pause    Operation
	resume   Operation
	stop     Operation
	startJob []jobVariant
	camera   func(ctx context.Context) (FrameSource, error)
}

// resolveCapabilities inspects dev, then its Underlying object, for each
// operation. For each operation the first object that offers any accepted
// form wins, and within an object the preferred name wins.
func resolveCapabilities(dev Device) capabilities {
	targets := []any{dev}
	if u, ok := dev.(Unwrapper); ok {
		if inner := u.Underlying(); inner != nil {
			targets = append(targets, inner)
		}
	}

	var caps capabilities
	for _, t := range targets {
		if caps.status == nil {
			if s, ok := t.(StatusReporter); ok {
				caps.status = s.Status
			}
		}
		if caps.pause == nil {
			caps.pause = pauseOp(t)
		}
		if caps.resume == nil {
			caps.resume = resumeOp(t)
		}
		if caps.stop == nil {
			caps.stop = stopOp(t)
		}
		if caps.startJob == nil {
			caps.startJob = jobVariants(t)
		}
		if caps.camera == nil {
			caps.camera = cameraOpener(t)
		}
	}

	return caps
}

func pauseOp(t any) Operation {
	if p, ok := t.(PrintPauser); ok {
		return p.PausePrint
	}
	if p, ok := t.(Pauser); ok {
		return p.Pause
	}
	return nil
}

func resumeOp(t any) Operation {
	if r, ok := t.(PrintResumer); ok {
		return r.ResumePrint
	}
	if r, ok := t.(Resumer); ok {
		return r.Resume
	}
	return nil
}

func stopOp(t any) Operation {
	if s, ok := t.(PrintStopper); ok {
		return s.StopPrint
	}
	if s, ok := t.(Stopper); ok {
		return s.Stop
	}
	return nil
}

// jobVariants lists the job-start forms t supports in preference order:
// named, url, positional.
func jobVariants(t any) []jobVariant {
	var variants []jobVariant

	if s, ok := t.(JobStarter); ok {
		variants = append(variants, jobVariant{form: "named", call: s.StartJob})
	}
	if s, ok := t.(URLJobStarter); ok {
		variants = append(variants, jobVariant{form: "url", call: func(ctx context.Context, job Job) (any, error) {
			return s.StartJobURL(ctx, job.GcodeURL, job.AuxURL)
		}})
	}
	if s, ok := t.(PositionalJobStarter); ok {
		variants = append(variants, jobVariant{form: "positional", call: func(ctx context.Context, job Job) (any, error) {
			args := []string{job.GcodeURL}
			if job.AuxURL != "" {
				args = append(args, job.AuxURL)
			}
			return s.StartJobArgs(ctx, args)
		}})
	}

	return variants
}

func cameraOpener(t any) func(ctx context.Context) (FrameSource, error) {
	if s, ok := t.(CameraStreamer); ok {
		return s.OpenCamera
	}
	if p, ok := t.(CameraPublisher); ok {
		return func(ctx context.Context) (FrameSource, error) {
			cctx, cancel := context.WithCancel(ctx)
			ch, err := p.CameraFrames(cctx)
			if err != nil {
				cancel()
				return nil, err
			}
			return NewChanSource(ch, cancel), nil
		}
	}
	return nil
}

// Handle is a live, installed device connection.
type Handle struct {
	cfg         Config
	dev         Device
	caps        capabilities
	connectedAt time.Time
}

func newHandle(cfg Config, dev Device) *Handle {
	return &Handle{
		cfg:         cfg,
		dev:         dev,
		caps:        resolveCapabilities(dev),
		connectedAt: time.Now().UTC(),
	}
}

// Name returns the printer name.
func (h *Handle) Name() string { return h.cfg.Name }

// Host returns the printer's network address.
func (h *Handle) Host() string { return h.cfg.Host }

// Serial returns the printer serial number.
func (h *Handle) Serial() string { return h.cfg.Serial }

// Config returns the printer's Config.
func (h *Handle) Config() Config { return h.cfg }

// Device returns the backend device.
func (h *Handle) Device() Device { return h.dev }

// Connected reports the device's own view of its connection.
func (h *Handle) Connected() bool { return h.dev.Connected() }

// ConnectedAt is when the handle was installed.
func (h *Handle) ConnectedAt() time.Time { return h.connectedAt }
