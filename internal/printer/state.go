package printer

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// State is a printer's connection state.
type State string

// Connection states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// State machine events.
const (
	eventConnect    = "connect"
	eventSucceed    = "succeed"
	eventFail       = "fail"
	eventDisconnect = "disconnect"
	eventLost       = "lost"
	eventRestore    = "restore"
)

// stateMachine tracks one printer's connection state. Transitions outside
// the table below are rejected by the underlying FSM.
//
//	disconnected --connect--> connecting
//	failed       --connect--> connecting
//	connected    --connect--> connecting   (stale handle being replaced)
//	connecting   --succeed--> connected
//	connecting   --fail-----> failed
//	connected    --lost-----> failed       (session dropped)
//	failed       --restore--> connected    (session came back by itself)
//	connected    --disconnect--> disconnected
//	failed       --disconnect--> disconnected
type stateMachine struct {
	fsm *fsm.FSM
}

func newStateMachine(onChange func(from, to State)) *stateMachine {
	f := fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(StateDisconnected), string(StateFailed), string(StateConnected)}, Dst: string(StateConnecting)},
			{Name: eventSucceed, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: eventFail, Src: []string{string(StateConnecting)}, Dst: string(StateFailed)},
			{Name: eventLost, Src: []string{string(StateConnected)}, Dst: string(StateFailed)},
			{Name: eventRestore, Src: []string{string(StateFailed)}, Dst: string(StateConnected)},
			{Name: eventDisconnect, Src: []string{string(StateConnected), string(StateFailed), string(StateConnecting)}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onChange != nil {
					onChange(State(e.Src), State(e.Dst))
				}
			},
		},
	)
	return &stateMachine{fsm: f}
}

// fire applies event. Events that do not change state are ignored.
func (s *stateMachine) fire(ctx context.Context, event string) error {
	err := s.fsm.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// current returns the current state.
func (s *stateMachine) current() State {
	return State(s.fsm.Current())
}
