package printer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Action names one dispatchable printer operation.
type Action string

// Supported actions.
const (
	ActionConnect    Action = "connect"
	ActionStatus     Action = "status"
	ActionPrint      Action = "print"
	ActionPause      Action = "pause"
	ActionResume     Action = "resume"
	ActionStop       Action = "stop"
	ActionDisconnect Action = "disconnect"
	ActionCamera     Action = "camera"
)

// Result is the normalized envelope returned for every successful action.
type Result struct {
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result"`
}

// normalize wraps a raw backend result. Map results are used as-is; anything
// else is placed under "response".
func normalize(raw any) *Result {
	if m, ok := raw.(map[string]any); ok && m != nil {
		return &Result{OK: true, Result: m}
	}
	return &Result{OK: true, Result: map[string]any{"response": raw}}
}

// Dispatcher runs actions against printers, connecting lazily through the
// Manager and translating every failure into an *Error.
type Dispatcher struct {
	manager *Manager
}

// NewDispatcher creates a Dispatcher. It logs and reports events through the
// Manager's logger and observer.
func NewDispatcher(manager *Manager) *Dispatcher {
	return &Dispatcher{manager: manager}
}

// Manager returns the underlying connection manager.
func (d *Dispatcher) Manager() *Manager {
	return d.manager
}

// Invoke runs action against the named printer. job is only used by
// ActionPrint. Camera streams are opened with Camera instead.
//
// Every action except ActionDisconnect connects first if needed.
func (d *Dispatcher) Invoke(ctx context.Context, name string, action Action, job *Job) (*Result, error) {
	start := time.Now()
	res, err := d.invoke(ctx, name, action, job)
	d.finish(name, action, time.Since(start), err)
	return res, err
}

func (d *Dispatcher) invoke(ctx context.Context, name string, action Action, job *Job) (*Result, error) {
	// Registry problems win over anything wrong with the request itself.
	if _, err := d.manager.Registry().Lookup(name); err != nil {
		return nil, lookupError(name, string(action), err)
	}

	switch action {
	case ActionDisconnect:
		return d.disconnect(ctx, name)
	case ActionCamera:
		return nil, &Error{
			Kind:    KindInvalidRequest,
			Printer: name,
			Op:      string(action),
			Err:     errors.New("camera streams are opened with Camera"),
		}
	case ActionPrint:
		if job == nil || job.GcodeURL == "" {
			return nil, &Error{Kind: KindInvalidRequest, Printer: name, Op: string(action), Err: ErrInvalidJob}
		}
	case ActionConnect, ActionStatus, ActionPause, ActionResume, ActionStop:
	default:
		return nil, &Error{
			Kind:    KindUnsupported,
			Printer: name,
			Op:      string(action),
			Err:     fmt.Errorf("%w: unknown action %q", ErrUnsupported, action),
		}
	}

	h, err := d.manager.EnsureConnected(ctx, name)
	if err != nil {
		return nil, err
	}

	switch action {
	case ActionConnect:
		return &Result{OK: true, Result: map[string]any{
			"name":         h.Name(),
			"host":         h.Host(),
			"serial":       h.Serial(),
			"connected_at": h.ConnectedAt(),
		}}, nil
	case ActionStatus:
		return d.status(ctx, h), nil
	case ActionPrint:
		return d.startJob(ctx, h, *job)
	case ActionPause:
		return d.run(ctx, h, action, h.caps.pause)
	case ActionResume:
		return d.run(ctx, h, action, h.caps.resume)
	default:
		return d.run(ctx, h, action, h.caps.stop)
	}
}

// status never fails once connected; a backend status error is reported as
// a note instead.
func (d *Dispatcher) status(ctx context.Context, h *Handle) *Result {
	out := map[string]any{
		"name":      h.Name(),
		"host":      h.Host(),
		"serial":    h.Serial(),
		"connected":    h.Connected(),
		"connected_at": h.ConnectedAt(),
		"state":        string(d.manager.State(h.Name())),
	}

	if h.caps.status != nil {
		extra, err := call(ctx, h.caps.status)
		switch {
		case err != nil:
			d.manager.logger.Debug("status extras unavailable", "printer", h.Name(), "error", err)
			out["note"] = "status extras unavailable: " + typeName(err, "Error")
		default:
			mergeExtras(out, extra)
		}
	}

	return &Result{OK: true, Result: out}
}

// mergeExtras adds backend status fields without overwriting the base ones.
// Non-map extras go under "device".
func mergeExtras(out map[string]any, extra any) {
	m, ok := extra.(map[string]any)
	if !ok {
		if extra != nil {
			out["device"] = extra
		}
		return
	}
	for k, v := range m {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, h *Handle, action Action, op Operation) (*Result, error) {
	if op == nil {
		return nil, &Error{
			Kind:    KindUnsupported,
			Printer: h.Name(),
			Op:      string(action),
			Err:     fmt.Errorf("%w: %s", ErrUnsupported, action),
		}
	}

	raw, err := call(ctx, op)
	if err != nil {
		return nil, &Error{Kind: KindUpstream, Printer: h.Name(), Op: string(action), Err: err}
	}
	return normalize(raw), nil
}

// startJob tries each calling convention in preference order. A signature
// mismatch moves on to the next; any other error is final.
func (d *Dispatcher) startJob(ctx context.Context, h *Handle, job Job) (*Result, error) {
	if len(h.caps.startJob) == 0 {
		return nil, &Error{
			Kind:    KindUnsupported,
			Printer: h.Name(),
			Op:      string(ActionPrint),
			Err:     fmt.Errorf("%w: start job", ErrUnsupported),
		}
	}

	for _, v := range h.caps.startJob {
		raw, err := call(ctx, func(ctx context.Context) (any, error) {
			return v.call(ctx, job)
		})
		if errors.Is(err, ErrSignatureMismatch) {
			d.manager.logger.Debug("start job signature rejected", "printer", h.Name(), "form", v.form)
			continue
		}
		if err != nil {
			return nil, &Error{Kind: KindUpstream, Printer: h.Name(), Op: string(ActionPrint), Err: err}
		}
		return normalize(raw), nil
	}

	return nil, &Error{
		Kind:    KindUnsupported,
		Printer: h.Name(),
		Op:      string(ActionPrint),
		Err:     fmt.Errorf("%w: unsupported signature", ErrUnsupported),
	}
}

// disconnect closes an existing connection. It never connects. It holds the
// printer's connect lock so a replacement handle cannot be installed between
// picking the handle and removing it.
func (d *Dispatcher) disconnect(ctx context.Context, name string) (*Result, error) {
	lock := d.manager.lockFor(name)
	if err := lock.Acquire(ctx, 1); err != nil {
		return nil, &Error{Kind: KindUpstream, Printer: name, Op: string(ActionDisconnect), Err: err}
	}
	defer lock.Release(1)

	h := d.manager.Get(name)
	if h == nil {
		return nil, &Error{Kind: KindNotConnected, Printer: name, Op: string(ActionDisconnect), Err: ErrNotConnected}
	}

	_, err := call(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.dev.Close(ctx)
	})
	if err != nil {
		return nil, &Error{Kind: KindUpstream, Printer: name, Op: string(ActionDisconnect), Err: err}
	}

	if !d.manager.RemoveIf(name, h) {
		// Only CloseAll changes the live set without the lock.
		d.manager.logger.Warn("disconnected handle was already removed", "printer", name)
	}
	d.manager.logger.Info("printer disconnected", "printer", name)

	return &Result{OK: true, Result: map[string]any{"name": name}}, nil
}

// Camera connects if needed and opens a frame stream. The caller must Close
// the returned Stream.
func (d *Dispatcher) Camera(ctx context.Context, name string) (*Stream, error) {
	start := time.Now()

	h, err := d.manager.EnsureConnected(ctx, name)
	if err != nil {
		d.finish(name, ActionCamera, time.Since(start), err)
		return nil, err
	}

	if h.caps.camera == nil {
		err := &Error{
			Kind:    KindUnsupported,
			Printer: name,
			Op:      string(ActionCamera),
			Err:     fmt.Errorf("%w: camera", ErrUnsupported),
		}
		d.finish(name, ActionCamera, time.Since(start), err)
		return nil, err
	}

	src, err := h.caps.camera(ctx)
	if err != nil {
		perr := &Error{Kind: KindUpstream, Printer: name, Op: string(ActionCamera), Err: err}
		d.finish(name, ActionCamera, time.Since(start), perr)
		return nil, perr
	}

	return newStream(name, src, func(frames int, cause error) {
		d.manager.logger.Info("camera stream closed", "printer", name, "frames", frames, "error", cause)
		d.finish(name, ActionCamera, time.Since(start), cause)
	}), nil
}

func (d *Dispatcher) finish(name string, action Action, took time.Duration, err error) {
	// Unknown names are caller input; keep them out of per-printer series.
	if KindOf(err) == KindUnknownPrinter {
		return
	}
	if err != nil {
		d.manager.logger.Warn("printer action failed",
			"printer", name,
			"action", string(action),
			"kind", KindOf(err).String(),
			"error", err,
		)
	}
	d.manager.observer.ActionFinished(name, action, took, err)
}

// call runs fn on its own goroutine so a backend that ignores ctx cannot
// hold the caller past cancellation. Panics become errors.
func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic in device call: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{val: v, err: err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case o := <-done:
		return o.val, o.err
	}
}
