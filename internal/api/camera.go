package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/bambubridge/internal/printer"
)

// cameraBoundary is the multipart boundary of the MJPEG stream.
const cameraBoundary = "frame"

// handleCamera streams camera frames as multipart/x-mixed-replace. Each
// frame is one part. The stream ends when the viewer disconnects, the
// source ends, or a non-binary frame arrives; the source is closed in every
// case.
func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	ctx, cancel := s.streamContext(r)
	defer cancel()

	stream, err := s.dispatcher.Camera(ctx, name)
	s.auditLog(r, printer.ActionCamera, name, err, nil)
	if err != nil {
		writePrinterError(w, err)
		return
	}
	defer stream.Close() //nolint:errcheck // close error is logged by the stream

	// The server write timeout would otherwise cut the stream.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Debug("clearing camera write deadline failed", "printer", name, "error", err)
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(cameraBoundary); err != nil {
		writeInternalError(w, "camera stream setup failed")
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+cameraBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)

	for {
		frame, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Warn("camera stream ended with error",
					"printer", name,
					"frames", stream.Frames(),
					"error", err,
				)
			}
			break
		}

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {frame.ContentType},
			"Content-Length": {strconv.Itoa(len(frame.Data))},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(frame.Data); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}

	_ = mw.Close()
}
