// Package influxdb writes printer telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. Client owns the
// connection and a non-blocking, batched write API; Recorder implements
// printer.Observer and turns connection attempts, state transitions, action
// outcomes and status reports into points.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	manager.SetObserver(printer.Observers{influxdb.NewRecorder(client), ...})
//
// # Measurements
//
//	printer_connect  tags: printer, outcome          fields: duration_ms, error
//	printer_action   tags: printer, action, outcome, kind  fields: duration_ms
//	printer_state    tags: printer                   fields: from, to, connected
//	printer_report   tags: printer                   fields: mc_percent, nozzle_temper, ...
//
// Write errors are delivered asynchronously through SetOnError.
package influxdb
