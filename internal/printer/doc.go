// Package printer is the connection core of bambubridge.
//
// It owns the set of live printer connections and runs actions against
// them. Everything above it (HTTP, audit, metrics) talks to printers only
// through the Dispatcher; everything below it (the MQTT backend) is reached
// only through the Device interface.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                           printer                                │
//	│                                                                  │
//	│  ┌──────────────┐   ┌────────────────┐   ┌───────────────────┐   │
//	│  │  Dispatcher  │──▶│    Manager     │──▶│     Registry      │   │
//	│  │(dispatcher.go│   │  (manager.go)  │   │  (registry.go)    │   │
//	│  │              │   │                │   │                   │   │
//	│  │ • actions    │   │ • live set     │   │ • name → Config   │   │
//	│  │ • envelopes  │   │ • singleflight │   │ • read-only       │   │
//	│  │ • typed errs │   │ • poll loop    │   └───────────────────┘   │
//	│  └──────────────┘   │ • failures     │                           │
//	│         │           │ • state (fsm)  │                           │
//	│         ▼           └────────────────┘                           │
//	│  ┌──────────────┐           │                                    │
//	│  │   Stream     │           ▼                                    │
//	│  │ (stream.go)  │   Factory → Device (capabilities in device.go) │
//	│  └──────────────┘                                                │
//	└──────────────────────────────────────────────────────────────────┘
//
// # Connections
//
// Connections are created lazily by the first action that needs one, or
// eagerly by ConnectAll. Concurrent callers for one printer share a single
// attempt; callers for different printers never wait on each other. An
// attempt fails if Connect errors or the device does not report itself
// connected before the timeout, and the failure is recorded until the next
// successful attempt.
//
// # Capabilities
//
// A Device exposes operations by implementing small interfaces (PrintPauser,
// JobStarter, CameraStreamer...). They are resolved once when the handle is
// installed. A missing operation is KindUnsupported; a failing one is
// KindUpstream.
//
// # Usage
//
//	reg, err := printer.RegistryFromConfig(cfg)
//	mgr := printer.NewManager(reg, bambu.Factory(opts), printer.ManagerConfig{
//	    PollInterval: cfg.ConnectInterval(),
//	    Timeout:      cfg.ConnectTimeout(),
//	})
//	mgr.SetLogger(log)
//	d := printer.NewDispatcher(mgr)
//
//	res, err := d.Invoke(ctx, "x1c", printer.ActionPause, nil)
//
// # Thread Safety
//
// Registry is immutable. Manager, Dispatcher and Stream are safe for
// concurrent use.
package printer
