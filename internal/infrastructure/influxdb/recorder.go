package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/bambubridge/internal/printer"
)

// Measurement names.
const (
	MeasurementConnect = "printer_connect"
	MeasurementAction  = "printer_action"
	MeasurementState   = "printer_state"
	MeasurementReport  = "printer_report"
)

// reportFields are the numeric telemetry keys copied from a printer's
// "print" report section.
var reportFields = []string{
	"mc_percent",
	"mc_remaining_time",
	"layer_num",
	"total_layer_num",
	"nozzle_temper",
	"nozzle_target_temper",
	"bed_temper",
	"bed_target_temper",
	"chamber_temper",
	"spd_lvl",
}

// PointWriter accepts points for asynchronous delivery. *Client implements it.
type PointWriter interface {
	Write(p *write.Point)
}

// Recorder turns printer events into InfluxDB points. It implements
// printer.Observer.
type Recorder struct {
	out PointWriter
	now func() time.Time
}

var _ printer.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder writing to out.
func NewRecorder(out PointWriter) *Recorder {
	return &Recorder{out: out, now: time.Now}
}

// ConnectFinished writes one point per connection attempt.
func (r *Recorder) ConnectFinished(name string, took time.Duration, err error) {
	fields := map[string]any{"duration_ms": durationMillis(took)}
	if err != nil {
		fields["error"] = err.Error()
	}
	r.out.Write(write.NewPoint(MeasurementConnect,
		map[string]string{"printer": name, "outcome": outcome(err)},
		fields, r.now()))
}

// ActionFinished writes one point per dispatched action.
func (r *Recorder) ActionFinished(name string, action printer.Action, took time.Duration, err error) {
	tags := map[string]string{
		"printer": name,
		"action":  string(action),
		"outcome": outcome(err),
	}
	if err != nil {
		tags["kind"] = printer.KindOf(err).String()
	}
	r.out.Write(write.NewPoint(MeasurementAction, tags,
		map[string]any{"duration_ms": durationMillis(took)}, r.now()))
}

// StateChanged records a connection state transition.
func (r *Recorder) StateChanged(name string, from, to printer.State) {
	r.out.Write(write.NewPoint(MeasurementState,
		map[string]string{"printer": name},
		map[string]any{
			"from":      string(from),
			"to":        string(to),
			"connected": to == printer.StateConnected,
		}, r.now()))
}

// Report writes the numeric telemetry of a status report. Reports with no
// known field (e.g. version replies) are skipped.
func (r *Recorder) Report(name string, report map[string]any) {
	section, ok := report["print"].(map[string]any)
	if !ok {
		return
	}

	fields := make(map[string]any)
	for _, key := range reportFields {
		if v, ok := number(section[key]); ok {
			fields[key] = v
		}
	}
	if state, ok := section["gcode_state"].(string); ok && state != "" {
		fields["gcode_state"] = state
	}
	if len(fields) == 0 {
		return
	}

	r.out.Write(write.NewPoint(MeasurementReport,
		map[string]string{"printer": name}, fields, r.now()))
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// number accepts the numeric shapes a decoded JSON report can carry.
// Printers send some values as strings.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
