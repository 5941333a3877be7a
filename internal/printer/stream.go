package printer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// FrameKind distinguishes binary image frames from anything else a camera
// backend might emit.
type FrameKind uint8

// Frame kinds.
const (
	FrameBinary FrameKind = iota
	FrameText
)

// DefaultFrameContentType is used when a binary frame does not name its type.
const DefaultFrameContentType = "image/jpeg"

// Frame is one item produced by a camera source.
type Frame struct {
	Kind        FrameKind
	Data        []byte
	ContentType string
}

// BinaryFrame is shorthand for a JPEG frame.
func BinaryFrame(data []byte) Frame {
	return Frame{Kind: FrameBinary, Data: data, ContentType: DefaultFrameContentType}
}

// FrameSource yields frames until it returns io.EOF or an error.
// Close releases the producer and may be called more than once.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// ChanSource adapts a push-style producer (a channel) to FrameSource.
type ChanSource struct {
	ch     <-chan Frame
	cancel context.CancelFunc
	once   sync.Once
}

// NewChanSource wraps ch. cancel, if non-nil, is called on Close to stop the
// producer.
func NewChanSource(ch <-chan Frame, cancel context.CancelFunc) *ChanSource {
	return &ChanSource{ch: ch, cancel: cancel}
}

// Next returns the next frame, io.EOF once the channel is closed, or the
// context error.
func (s *ChanSource) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case f, ok := <-s.ch:
		if !ok {
			return Frame{}, io.EOF
		}
		return f, nil
	}
}

// Close stops the producer.
func (s *ChanSource) Close() error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

// Stream is the per-request camera stream handed to the API. It enforces
// that only binary frames pass through and guarantees the source is closed
// exactly once, whether the stream ends, fails or is abandoned.
type Stream struct {
	printer string
	src     FrameSource
	onClose func(frames int, err error)

	mu       sync.Mutex
	frames   int
	closed   bool
	closeErr error
}

func newStream(printer string, src FrameSource, onClose func(frames int, err error)) *Stream {
	return &Stream{printer: printer, src: src, onClose: onClose}
}

// Next returns the next binary frame.
//
// It returns io.EOF at the end of the stream and ctx.Err() once ctx is
// done. A non-binary frame yields an *Error of KindProtocolViolation; a
// source failure yields KindUpstream. In every terminal case the source has
// been closed before Next returns.
func (s *Stream) Next(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Frame{}, io.EOF
	}
	s.mu.Unlock()

	f, err := s.src.Next(ctx)
	switch {
	case errors.Is(err, io.EOF):
		s.finish(nil)
		return Frame{}, io.EOF
	case err != nil && ctx.Err() != nil:
		// The viewer went away; not a device failure.
		s.finish(nil)
		return Frame{}, ctx.Err()
	case err != nil:
		perr := &Error{Kind: KindUpstream, Printer: s.printer, Op: "camera", Err: err}
		s.finish(perr)
		return Frame{}, perr
	case f.Kind != FrameBinary:
		perr := &Error{
			Kind:    KindProtocolViolation,
			Printer: s.printer,
			Op:      "camera",
			Err:     fmt.Errorf("%w after %d frames", ErrProtocolViolation, s.Frames()),
		}
		s.finish(perr)
		return Frame{}, perr
	}

	if f.ContentType == "" {
		f.ContentType = DefaultFrameContentType
	}

	s.mu.Lock()
	s.frames++
	s.mu.Unlock()

	return f, nil
}

// Frames returns how many binary frames have been delivered.
func (s *Stream) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Close releases the source. Safe to call after the stream has ended.
func (s *Stream) Close() error {
	s.finish(nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Stream) finish(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	frames := s.frames
	s.mu.Unlock()

	err := s.src.Close()

	s.mu.Lock()
	s.closeErr = err
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose(frames, cause)
	}
}
