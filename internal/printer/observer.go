package printer

import "time"

// Observer receives connection and action events. Implementations must be
// safe for concurrent use and must not block; they are called inline.
type Observer interface {
	StateChanged(printer string, from, to State)
	ConnectFinished(printer string, took time.Duration, err error)
	ActionFinished(printer string, action Action, took time.Duration, err error)
	Report(printer string, report map[string]any)
}

// NopObserver ignores every event. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) StateChanged(string, State, State)                   {}
func (NopObserver) ConnectFinished(string, time.Duration, error)        {}
func (NopObserver) ActionFinished(string, Action, time.Duration, error) {}
func (NopObserver) Report(string, map[string]any)                       {}

// Observers fans each event out to every element.
type Observers []Observer

func (o Observers) StateChanged(printer string, from, to State) {
	for _, obs := range o {
		obs.StateChanged(printer, from, to)
	}
}

func (o Observers) ConnectFinished(printer string, took time.Duration, err error) {
	for _, obs := range o {
		obs.ConnectFinished(printer, took, err)
	}
}

func (o Observers) ActionFinished(printer string, action Action, took time.Duration, err error) {
	for _, obs := range o {
		obs.ActionFinished(printer, action, took, err)
	}
}

func (o Observers) Report(printer string, report map[string]any) {
	for _, obs := range o {
		obs.Report(printer, report)
	}
}

// Logger defines the logging interface used by the Manager and Dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
