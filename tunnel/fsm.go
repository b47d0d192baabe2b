package tunnel

import (
	"fmt"
)

// State is a tunnel's lifecycle state.
type State int

const (
	Absent State = iota
	Configured
	Applying
	Up
	Failed
	TornDown
)

func (s State) String() string {
	switch s {
	case Absent:
		return "Absent"
	case Configured:
		return "Configured"
	case Applying:
		return "Applying"
	case Up:
		return "Up"
	case Failed:
		return "Failed"
	case TornDown:
		return "TornDown"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type fsmCallback func(from, to State)

type eventDesc struct {
	from, to State
	events   []string
}

type fsm struct {
	current State
	table   []eventDesc
	// cb, if set, is called on every transition.
	cb fsmCallback
}

func (f *fsm) handleEvent(e string) error {
	for _, t := range f.table {
		if f.current == t.from {
			for _, event := range t.events {
				if e == event {
					from := f.current
					f.current = t.to
					if f.cb != nil {
						f.cb(from, t.to)
					}
					return nil
				}
			}
		}
	}
	return fmt.Errorf("no transition defined for event %v in state %v", e, f.current)
}

// Lifecycle events.
const (
	evConfigure      = "configure"
	evApply          = "apply"
	evSucceed        = "succeed"
	evFail           = "fail"
	evCancel         = "cancel"
	evTeardown       = "teardown"
	evTeardownFailed = "teardown_failed"
	evObserveUp      = "observe_up"
	evObserveDown    = "observe_down"
)

func newLifecycle(cb fsmCallback) *fsm {
	return &fsm{
		current: Absent,
		cb:      cb,
		table: []eventDesc{
			{from: Absent, to: Configured, events: []string{evConfigure}},

			{from: Configured, to: Applying, events: []string{evApply}},
			{from: Failed, to: Applying, events: []string{evApply}},
			{from: TornDown, to: Applying, events: []string{evApply}},
			{from: Up, to: Applying, events: []string{evApply}},

			{from: Applying, to: Up, events: []string{evSucceed}},
			{from: Applying, to: Failed, events: []string{evFail}},
			{from: Applying, to: Configured, events: []string{evCancel}},

			{from: Up, to: TornDown, events: []string{evTeardown}},
			{from: Failed, to: TornDown, events: []string{evTeardown}},
			{from: Configured, to: TornDown, events: []string{evTeardown}},
			{from: TornDown, to: TornDown, events: []string{evTeardown}},
			{from: Up, to: Failed, events: []string{evTeardownFailed, evObserveDown}},
			{from: Failed, to: Failed, events: []string{evTeardownFailed}},
			{from: Configured, to: Failed, events: []string{evTeardownFailed, evObserveDown}},
			{from: TornDown, to: Failed, events: []string{evTeardownFailed}},

			{from: Configured, to: Up, events: []string{evObserveUp}},
			{from: Failed, to: Up, events: []string{evObserveUp}},
			{from: TornDown, to: Up, events: []string{evObserveUp}},
		},
	}
}
