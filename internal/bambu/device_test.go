package bambu

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/bambubridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/bambubridge/internal/printer"
)

// fakeTransport records publishes and lets tests inject reports.
type fakeTransport struct {
	connectErr   error
	subscribeErr error
	publishErr   error

	mu           sync.Mutex
	connected    bool
	closed       int
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	published    [][]byte
	onConnect    func()
	onDisconnect func(error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeTransport) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.sessionUp()
	return nil
}

// sessionUp marks the session established and runs the connect callback,
// as paho does for the first session and every reconnect.
func (f *fakeTransport) sessionUp() {
	f.mu.Lock()
	f.connected = true
	fn := f.onConnect
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// drop simulates the broker going away.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.connected = false
	fn := f.onDisconnect
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (f *fakeTransport) SetOnConnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = fn
}

func (f *fakeTransport) SetOnDisconnect(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = fn
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

func (f *fakeTransport) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.connected = false
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) PublishRequest(payload []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeTransport) Topics() mqtt.Topics {
	return mqtt.Topics{Serial: "01P00A000000001"}
}

func (f *fakeTransport) deliver(t *testing.T, payload string) {
	t.Helper()
	f.mu.Lock()
	h := f.handlers["device/01P00A000000001/report"]
	f.mu.Unlock()
	if h == nil {
		t.Fatal("no report subscription")
	}
	if err := h("device/01P00A000000001/report", []byte(payload)); err != nil {
		t.Fatalf("report handler error = %v", err)
	}
}

func (f *fakeTransport) lastCommand(t *testing.T) map[string]map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		t.Fatal("nothing published")
	}
	var msg map[string]map[string]any
	if err := json.Unmarshal(f.published[len(f.published)-1], &msg); err != nil {
		t.Fatalf("published payload is not JSON: %v", err)
	}
	return msg
}

func testDevice(t *testing.T) (*Device, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	dev := newDevice(printer.Config{Name: "p1s", Host: "127.0.0.1", Serial: "01P00A000000001", AccessCode: "12345678", DeviceType: "P1S"}, tr, nil)
	if err := dev.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return dev, tr
}

func TestDevice_ConnectRequestsFullState(t *testing.T) {
	dev, tr := testDevice(t)

	if !dev.Connected() {
		t.Error("Connected() = false after Connect")
	}
	if len(tr.published) != 2 {
		t.Fatalf("published %d requests, want pushall + get_version", len(tr.published))
	}

	var first map[string]map[string]any
	if err := json.Unmarshal(tr.published[0], &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first["pushing"]["command"] != "pushall" {
		t.Errorf("first request = %v, want pushall", first)
	}
	if first["pushing"]["sequence_id"] != "1" {
		t.Errorf("sequence_id = %v, want \"1\"", first["pushing"]["sequence_id"])
	}
}

func TestDevice_ConnectErrors(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		tr := newFakeTransport()
		tr.connectErr = mqtt.ErrConnectionFailed
		dev := newDevice(printer.Config{Name: "p"}, tr, nil)
		if err := dev.Connect(context.Background()); !errors.Is(err, mqtt.ErrConnectionFailed) {
			t.Errorf("Connect() error = %v", err)
		}
	})

	t.Run("subscribe closes session", func(t *testing.T) {
		tr := newFakeTransport()
		tr.subscribeErr = mqtt.ErrSubscribeFailed
		dev := newDevice(printer.Config{Name: "p"}, tr, nil)
		if err := dev.Connect(context.Background()); !errors.Is(err, mqtt.ErrSubscribeFailed) {
			t.Errorf("Connect() error = %v", err)
		}
		if tr.closed != 1 {
			t.Errorf("closed = %d, want 1", tr.closed)
		}
	})

	t.Run("initial publish failure is tolerated", func(t *testing.T) {
		tr := newFakeTransport()
		tr.publishErr = mqtt.ErrPublishFailed
		dev := newDevice(printer.Config{Name: "p"}, tr, nil)
		if err := dev.Connect(context.Background()); err != nil {
			t.Errorf("Connect() error = %v", err)
		}
	})
}

func TestDevice_Commands(t *testing.T) {
	dev, tr := testDevice(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() (any, error)
		want string
	}{
		{"pause", func() (any, error) { return dev.PausePrint(ctx) }, "pause"},
		{"resume", func() (any, error) { return dev.ResumePrint(ctx) }, "resume"},
		{"stop", func() (any, error) { return dev.StopPrint(ctx) }, "stop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.call()
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if res.(map[string]any)["command"] != tt.want {
				t.Errorf("result = %v", res)
			}
			msg := tr.lastCommand(t)
			if msg["print"]["command"] != tt.want {
				t.Errorf("published = %v, want print.command=%s", msg, tt.want)
			}
		})
	}
}

func TestDevice_CommandPublishFailure(t *testing.T) {
	dev, tr := testDevice(t)
	tr.publishErr = mqtt.ErrNotConnected

	if _, err := dev.PausePrint(context.Background()); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("PausePrint() error = %v, want ErrNotConnected", err)
	}
}

func TestDevice_StartJob(t *testing.T) {
	dev, tr := testDevice(t)

	_, err := dev.StartJob(context.Background(), printer.Job{
		GcodeURL: "http://files.local/benchy.gcode",
		AuxURL:   "http://files.local/benchy.3mf",
	})
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}

	msg := tr.lastCommand(t)["print"]
	if msg["command"] != "project_file" {
		t.Errorf("command = %v, want project_file", msg["command"])
	}
	if msg["url"] != "http://files.local/benchy.3mf" {
		t.Errorf("url = %v", msg["url"])
	}
	if msg["subtask_name"] != "benchy" {
		t.Errorf("subtask_name = %v", msg["subtask_name"])
	}
}

func TestDevice_ReportsMergeIntoStatus(t *testing.T) {
	dev, tr := testDevice(t)

	var got []map[string]any
	dev.SetReportHandler(func(r map[string]any) { got = append(got, r) })

	tr.deliver(t, `{"print":{"gcode_state":"RUNNING","mc_percent":10,"nozzle_temper":220}}`)
	tr.deliver(t, `{"print":{"mc_percent":55}}`)
	tr.deliver(t, `{"info":{"command":"get_version","module":[{"name":"ota","sw_ver":"01.07.00.00"}]}}`)

	if len(got) != 3 {
		t.Errorf("report handler called %d times, want 3", len(got))
	}

	raw, err := dev.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	status := raw.(map[string]any)

	pushAll := status["push_all"].(map[string]any)
	p := pushAll["print"].(map[string]any)
	if p["gcode_state"] != "RUNNING" {
		t.Errorf("gcode_state lost on partial update: %v", p)
	}
	if p["mc_percent"] != float64(55) {
		t.Errorf("mc_percent = %v, want 55", p["mc_percent"])
	}
	if _, ok := status["get_version"]; !ok {
		t.Error("get_version missing")
	}
	if status["reports"] != 3 {
		t.Errorf("reports = %v, want 3", status["reports"])
	}

	// Status returns a copy.
	p["gcode_state"] = "MUTATED"
	raw, _ = dev.Status(context.Background())
	again := raw.(map[string]any)["push_all"].(map[string]any)["print"].(map[string]any)
	if again["gcode_state"] != "RUNNING" {
		t.Error("Status() exposed internal state")
	}
}

func TestDevice_MalformedReport(t *testing.T) {
	dev, _ := testDevice(t)

	for _, payload := range []string{`not json`, `null`, `[1,2]`} {
		if err := dev.handleReport("t", []byte(payload)); !errors.Is(err, ErrMalformedReport) {
			t.Errorf("handleReport(%q) error = %v, want ErrMalformedReport", payload, err)
		}
	}
}

func TestDevice_Close(t *testing.T) {
	dev, tr := testDevice(t)

	if err := dev.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if dev.Connected() {
		t.Error("Connected() = true after Close")
	}
	if tr.closed != 1 {
		t.Errorf("closed = %d, want 1", tr.closed)
	}
	if len(tr.unsubscribed) != 1 || tr.unsubscribed[0] != "device/01P00A000000001/report" {
		t.Errorf("unsubscribed = %v, want the report topic", tr.unsubscribed)
	}
}

func TestDevice_SessionDropAndRestore(t *testing.T) {
	dev, tr := testDevice(t)

	lost := make(chan error, 1)
	restored := make(chan struct{}, 1)
	dev.WatchConnection(
		func(err error) { lost <- err },
		func() { restored <- struct{}{} },
	)

	select {
	case <-restored:
		t.Fatal("initial session reported as a restore")
	default:
	}

	eof := errors.New("EOF")
	tr.drop(eof)
	select {
	case err := <-lost:
		if !errors.Is(err, eof) {
			t.Errorf("lost err = %v, want EOF", err)
		}
	default:
		t.Fatal("session drop not reported")
	}
	if dev.Connected() {
		t.Error("Connected() = true after drop")
	}

	before := tr.publishedCount()
	tr.sessionUp()
	select {
	case <-restored:
	default:
		t.Fatal("reconnect not reported")
	}

	// The full state is requested again after a reconnect.
	deadline := time.Now().Add(time.Second)
	for tr.publishedCount() == before {
		if time.Now().After(deadline) {
			t.Fatal("no pushall after reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cmd := tr.lastCommand(t); cmd["pushing"]["command"] != "pushall" {
		t.Errorf("request after reconnect = %v, want pushall", cmd)
	}
}
