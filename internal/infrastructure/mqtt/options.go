package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	// DefaultPort is the TLS MQTT port exposed by printers in LAN mode.
	DefaultPort = 8883

	// LANUsername is the fixed username printers accept in LAN mode. The
	// password is the printer's access code.
	LANUsername = "bblp"

	// defaultConnectTimeout bounds a single connect attempt when the caller's
	// context has no deadline.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 30 * time.Second

	// defaultMaxReconnect caps paho's exponential reconnect backoff.
	defaultMaxReconnect = 30 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Options describes the connection to one printer's embedded broker.
type Options struct {
	Host       string
	Port       int
	Serial     string
	AccessCode string

	// ClientID defaults to "bambubridge-<serial>".
	ClientID string

	// VerifyTLS enables certificate verification. Printers present a
	// self-signed certificate, so this is off unless a CA is provisioned.
	VerifyTLS bool

	// ConnectTimeout bounds the MQTT CONNECT handshake.
	ConnectTimeout time.Duration
}

// Validate reports missing connection parameters.
func (o Options) Validate() error {
	switch {
	case o.Host == "":
		return fmt.Errorf("%w: host is required", ErrInvalidOptions)
	case o.Serial == "":
		return fmt.Errorf("%w: serial is required", ErrInvalidOptions)
	case o.AccessCode == "":
		return fmt.Errorf("%w: access code is required", ErrInvalidOptions)
	}
	return nil
}

func (o Options) brokerURL() string {
	port := o.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("ssl://%s:%d", o.Host, port)
}

func (o Options) clientID() string {
	if o.ClientID != "" {
		return o.ClientID
	}
	return "bambubridge-" + o.Serial
}

// buildClientOptions creates paho MQTT options for a printer connection.
//
// This configures:
//   - Broker URL (always ssl://, printers do not offer plain MQTT)
//   - LAN credentials (bblp / access code)
//   - Auto-reconnect with exponential backoff after the first success
//   - Clean session mode
func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(o.brokerURL())
	opts.SetClientID(o.clientID())

	opts.SetUsername(LANUsername)
	opts.SetPassword(o.AccessCode)

	opts.SetCleanSession(true)

	// The first connect is driven by the caller and its deadline; paho only
	// takes over reconnection once a session has been established.
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(defaultMaxReconnect)

	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(timeout)

	opts.SetKeepAlive(defaultKeepAlive)

	opts.SetTLSConfig(&tls.Config{
		MinVersion:         tlsMinVersion,
		InsecureSkipVerify: !o.VerifyTLS, //nolint:gosec // printers ship self-signed certificates
	})

	return opts
}
