package bambu

import (
	"strings"
	"time"

	"github.com/nerrad567/bambubridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/bambubridge/internal/printer"
)

// Options configures devices built by Factory.
type Options struct {
	// MQTTPort overrides the broker port (default 8883).
	MQTTPort int

	// CameraPort overrides the chamber camera port (default 6000).
	CameraPort int

	// VerifyTLS enables certificate verification for MQTT and camera
	// connections.
	VerifyTLS bool

	// ConnectTimeout bounds the MQTT handshake.
	ConnectTimeout time.Duration

	Logger Logger
}

// chamberCameraModels serve the JPEG chamber stream on the camera port. The
// X1 family streams RTSP instead, which is not supported.
var chamberCameraModels = map[string]bool{
	"P1P":    true,
	"P1S":    true,
	"A1":     true,
	"A1MINI": true,
}

// normalizeModel upper-cases a model tag and drops separators, so "a1 mini"
// and "A1-Mini" both become "A1MINI".
func normalizeModel(model string) string {
	r := strings.NewReplacer(" ", "", "-", "", "_", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(model)))
}

// HasChamberCamera reports whether model serves the LAN JPEG camera stream.
func HasChamberCamera(model string) bool {
	return chamberCameraModels[normalizeModel(model)]
}

// Factory returns a printer.Factory building MQTT-backed devices. Models
// with a chamber camera get a *CameraDevice; others a plain *Device.
func Factory(opts Options) printer.Factory {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return func(cfg printer.Config) (printer.Device, error) {
		client, err := mqtt.New(mqtt.Options{
			Host:           cfg.Host,
			Port:           opts.MQTTPort,
			Serial:         cfg.Serial,
			AccessCode:     cfg.AccessCode,
			VerifyTLS:      opts.VerifyTLS,
			ConnectTimeout: opts.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		client.SetLogger(logger)

		dev := newDevice(cfg, client, logger)
		if HasChamberCamera(cfg.DeviceType) {
			return &CameraDevice{Device: dev, cameraPort: opts.CameraPort, verifyTLS: opts.VerifyTLS}, nil
		}
		return dev, nil
	}
}
