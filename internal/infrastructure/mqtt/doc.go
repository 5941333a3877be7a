// Package mqtt provides the LAN MQTT transport used to talk to printers.
//
// Each printer runs its own broker on port 8883 (TLS only). The bridge logs
// in as "bblp" with the printer's access code, subscribes to
// device/{serial}/report and publishes commands to device/{serial}/request.
//
// This package manages:
//   - TLS connection set-up bounded by the caller's context
//   - Auto-reconnect once a session has been established
//   - Topic subscriptions, restored after reconnect
//   - Panic-safe message handler dispatch
//
// # Usage
//
//	client, err := mqtt.New(mqtt.Options{Host: host, Serial: serial, AccessCode: code})
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().Report(), 0, onReport)
package mqtt
