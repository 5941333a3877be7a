package bambu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/bambubridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/bambubridge/internal/printer"
)

// ErrMalformedReport is returned by the report handler for payloads that are
// not JSON objects.
var ErrMalformedReport = errors.New("bambu: malformed report")

// transport is the part of *mqtt.Client the Device uses.
type transport interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	PublishRequest(payload []byte) error
	Topics() mqtt.Topics
	SetOnConnect(fn func())
	SetOnDisconnect(fn func(err error))
}

// Logger defines the logging interface used by the backend.
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

var (
	_ transport                 = (*mqtt.Client)(nil)
	_ printer.ConnectionWatcher = (*Device)(nil)
	_ printer.ReportSource      = (*Device)(nil)
)

// Device is one printer reached over its LAN MQTT broker.
//
// State reports arrive on device/<serial>/report. The printer only sends the
// fields that changed, so reports are merged into a running picture of the
// printer, which Status returns.
type Device struct {
	cfg    printer.Config
	client transport
	logger Logger
	seq    atomic.Uint64

	// sessions counts established MQTT sessions; anything after the first
	// is paho reconnecting on its own.
	sessions atomic.Int32

	mu       sync.RWMutex
	state    map[string]any
	version  map[string]any
	reports  int
	lastSeen time.Time
	onReport func(map[string]any)
	onLost   func(error)
	onBack   func()
}

func newDevice(cfg printer.Config, client transport, logger Logger) *Device {
	if logger == nil {
		logger = noopLogger{}
	}
	d := &Device{
		cfg:    cfg,
		client: client,
		logger: logger,
		state:  make(map[string]any),
	}
	client.SetOnConnect(d.sessionUp)
	client.SetOnDisconnect(d.sessionDown)
	return d
}

// Connect opens the MQTT session, subscribes to reports and asks the
// printer for a full state push.
func (d *Device) Connect(ctx context.Context) error {
	if err := d.client.Connect(ctx); err != nil {
		return err
	}

	if err := d.client.Subscribe(d.client.Topics().Report(), 0, d.handleReport); err != nil {
		_ = d.client.Close() //nolint:errcheck // subscribe error takes precedence
		return fmt.Errorf("subscribing to reports: %w", err)
	}

	// A printer that ignores these still works; status just stays sparse.
	for _, req := range []request{pushAllRequest(), getVersionRequest()} {
		if _, err := d.send(req); err != nil {
			d.logger.Warn("initial request failed", "printer", d.cfg.Name, "command", req.command(), "error", err)
		}
	}

	return nil
}

// Connected reports whether the MQTT session is up.
func (d *Device) Connected() bool {
	return d.client.IsConnected()
}

// Close stops report delivery and ends the MQTT session.
func (d *Device) Close(_ context.Context) error {
	if err := d.client.Unsubscribe(d.client.Topics().Report()); err != nil {
		d.logger.Debug("unsubscribing from reports failed", "printer", d.cfg.Name, "error", err)
	}
	return d.client.Close()
}

// WatchConnection registers callbacks for a session that drops after
// Connect and for paho bringing it back.
func (d *Device) WatchConnection(onLost func(err error), onRestored func()) {
	d.mu.Lock()
	d.onLost = onLost
	d.onBack = onRestored
	d.mu.Unlock()
}

func (d *Device) sessionDown(err error) {
	d.logger.Warn("printer session dropped", "printer", d.cfg.Name, "error", err)

	d.mu.RLock()
	fn := d.onLost
	d.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (d *Device) sessionUp() {
	if d.sessions.Add(1) == 1 {
		return
	}
	d.logger.Info("printer session re-established", "printer", d.cfg.Name)

	// Reports missed while offline are not replayed; ask for everything.
	// This runs on paho's callback goroutine, so publish from another.
	go func() {
		if _, err := d.send(pushAllRequest()); err != nil {
			d.logger.Warn("state refresh after reconnect failed", "printer", d.cfg.Name, "error", err)
		}
	}()

	d.mu.RLock()
	fn := d.onBack
	d.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// SetReportHandler registers fn to receive every decoded report.
func (d *Device) SetReportHandler(fn func(report map[string]any)) {
	d.mu.Lock()
	d.onReport = fn
	d.mu.Unlock()
}

// Status returns the merged report state and firmware version info.
func (d *Device) Status(_ context.Context) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := map[string]any{
		"device_type": d.cfg.DeviceType,
		"push_all":    cloneMap(d.state),
		"reports":     d.reports,
	}
	if d.version != nil {
		out["get_version"] = cloneMap(d.version)
	}
	if !d.lastSeen.IsZero() {
		out["last_report_at"] = d.lastSeen
	}
	return out, nil
}

// PausePrint pauses the running job.
func (d *Device) PausePrint(_ context.Context) (any, error) {
	return d.send(printCommand(cmdPause))
}

// ResumePrint resumes a paused job.
func (d *Device) ResumePrint(_ context.Context) (any, error) {
	return d.send(printCommand(cmdResume))
}

// StopPrint cancels the running job.
func (d *Device) StopPrint(_ context.Context) (any, error) {
	return d.send(printCommand(cmdStop))
}

// StartJob asks the printer to download and start a job.
func (d *Device) StartJob(_ context.Context, job printer.Job) (any, error) {
	return d.send(jobRequest(job.GcodeURL, job.AuxURL))
}

// send publishes req with the next sequence id.
func (d *Device) send(req request) (map[string]any, error) {
	seq := d.seq.Add(1)

	payload, err := req.encode(seq)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", req.command(), err)
	}

	if err := d.client.PublishRequest(payload); err != nil {
		return nil, err
	}

	d.logger.Debug("printer command sent", "printer", d.cfg.Name, "command", req.command(), "sequence_id", seq)

	return map[string]any{
		"command":     req.command(),
		"sequence_id": fmt.Sprint(seq),
	}, nil
}

// handleReport merges one report payload into the device state.
func (d *Device) handleReport(_ string, payload []byte) error {
	var report map[string]any
	if err := json.Unmarshal(payload, &report); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedReport, err)
	}
	if report == nil {
		return ErrMalformedReport
	}

	d.mu.Lock()
	if info, ok := report[sectionInfo].(map[string]any); ok && info["command"] == cmdGetVersion {
		d.version = info
	} else {
		mergeInto(d.state, report)
	}
	d.reports++
	d.lastSeen = time.Now().UTC()
	handler := d.onReport
	d.mu.Unlock()

	if handler != nil {
		handler(report)
	}
	return nil
}

// mergeInto copies src over dst, recursing into nested objects so partial
// updates keep fields they do not mention.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		sv, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		dv, ok := dst[k].(map[string]any)
		if !ok {
			dv = make(map[string]any, len(sv))
			dst[k] = dv
		}
		mergeInto(dv, sv)
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := maps.Clone(m)
	for k, v := range out {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
		}
	}
	return out
}

// CameraDevice is a Device whose model serves the chamber camera over the
// LAN JPEG stream.
type CameraDevice struct {
	*Device
	cameraPort int
	verifyTLS  bool
}

// OpenCamera dials the chamber camera and authenticates.
func (d *CameraDevice) OpenCamera(ctx context.Context) (printer.FrameSource, error) {
	src, err := dialCamera(ctx, d.cfg.Host, d.cameraPort, d.cfg.AccessCode, d.verifyTLS)
	if err != nil {
		return nil, err
	}
	return src, nil
}
