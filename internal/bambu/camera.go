package bambu

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/bambubridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/bambubridge/internal/printer"
)

// Chamber camera constants for the P1 and A1 series.
const (
	// DefaultCameraPort is the TLS port serving chamber images.
	DefaultCameraPort = 6000

	authPacketSize  = 80
	frameHeaderSize = 16

	// maxFrameSize rejects corrupt headers before allocating.
	maxFrameSize = 8 << 20

	cameraDialTimeout = 10 * time.Second
)

// ErrFrameTooLarge is returned when a frame header announces an implausible
// payload size.
var ErrFrameTooLarge = errors.New("bambu: camera frame too large")

var (
	jpegStart = []byte{0xff, 0xd8}
	jpegEnd   = []byte{0xff, 0xd9}
)

// cameraSource reads JPEG frames from an authenticated camera connection.
// Each frame is a 16-byte header, whose first four bytes are the little
// endian payload length, followed by the payload.
type cameraSource struct {
	conn   net.Conn
	header [frameHeaderSize]byte

	closeOnce sync.Once
	closeErr  error
}

// dialCamera opens the TLS connection and sends the auth packet.
func dialCamera(ctx context.Context, host string, port int, accessCode string, verifyTLS bool) (*cameraSource, error) {
	if port == 0 {
		port = DefaultCameraPort
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: cameraDialTimeout},
		Config: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !verifyTLS, //nolint:gosec // printers ship self-signed certificates
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dialing camera: %w", err)
	}

	return newCameraSource(conn, accessCode)
}

// newCameraSource authenticates on an established connection.
func newCameraSource(conn net.Conn, accessCode string) (*cameraSource, error) {
	if _, err := conn.Write(authPacket(mqtt.LANUsername, accessCode)); err != nil {
		_ = conn.Close() //nolint:errcheck // write error takes precedence
		return nil, fmt.Errorf("sending camera auth: %w", err)
	}
	return &cameraSource{conn: conn}, nil
}

// authPacket builds the 80-byte login: two little endian words (0x40,
// 0x3000), eight zero bytes, then username and access code each padded to
// 32 bytes.
func authPacket(username, accessCode string) []byte {
	buf := make([]byte, authPacketSize)
	binary.LittleEndian.PutUint32(buf[0:4], 0x40)
	binary.LittleEndian.PutUint32(buf[4:8], 0x3000)
	copy(buf[16:48], username)
	copy(buf[48:80], accessCode)
	return buf
}

// Next reads one frame. Payloads that are not JPEG images are returned as
// text frames so the stream layer can reject them.
func (s *cameraSource) Next(ctx context.Context) (printer.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now()) //nolint:errcheck // best effort unblock
	})
	defer stop()

	if _, err := io.ReadFull(s.conn, s.header[:]); err != nil {
		return printer.Frame{}, s.readErr(ctx, err)
	}

	size := binary.LittleEndian.Uint32(s.header[0:4])
	if size == 0 || size > maxFrameSize {
		return printer.Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return printer.Frame{}, s.readErr(ctx, err)
	}

	if !bytes.HasPrefix(payload, jpegStart) || !bytes.HasSuffix(payload, jpegEnd) {
		return printer.Frame{Kind: printer.FrameText, Data: payload}, nil
	}
	return printer.BinaryFrame(payload), nil
}

func (s *cameraSource) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Close closes the connection. Safe to call more than once.
func (s *cameraSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
