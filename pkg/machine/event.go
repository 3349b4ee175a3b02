package machine

import (
	"fmt"

	"github.com/machinaio/machina/pkg/eventlog"
)

// AlwaysEvent is the reserved transition key for eventless transitions,
// evaluated whenever the machine settles after a step.
const AlwaysEvent = "@always"

// Event is what callers send and actions raise.
type Event struct {
	// Type names the event, e.g. "SUBMIT".
	Type string `json:"type"`
	// Payload is arbitrary event data, may be nil.
	Payload map[string]interface{} `json:"payload,omitempty"`
	// Version of the payload shape. Defaults to 1 when zero.
	Version int `json:"version,omitempty"`
	// Transactional makes the step all-or-nothing: when the step fails
	// nothing is appended to the log.
	Transactional bool `json:"transactional,omitempty"`

	source eventlog.Source
}

// E is shorthand for an event without payload.
func E(eventType string) Event {
	return Event{Type: eventType}
}

// Source reports where the event came from. Events raised by actions
// and events synthesized by the engine are internal.
func (e Event) Source() eventlog.Source {
	if e.source == "" {
		return eventlog.SourceExternal
	}
	return e.source
}

func (e Event) version() int {
	if e.Version <= 0 {
		return 1
	}
	return e.Version
}

func internalEvent(eventType string, payload map[string]interface{}) Event {
	return Event{Type: eventType, Payload: payload, source: eventlog.SourceInternal}
}

// normalizeEvent coerces the accepted input forms into an Event.
func normalizeEvent(input interface{}) (Event, error) {
	switch v := input.(type) {
	case Event:
		return v, nil
	case *Event:
		if v == nil {
			return Event{}, fmt.Errorf("machine: event cannot be nil")
		}
		return *v, nil
	case string:
		if v == "" {
			return Event{}, fmt.Errorf("machine: event type cannot be empty")
		}
		return Event{Type: v}, nil
	default:
		return Event{}, fmt.Errorf("machine: unsupported event input %T", input)
	}
}

// Internal event names are dot-separated, begin with the machine id and
// are consumed downstream; their shape never changes.

func startEventType(machineID string) string {
	return machineID + ".machine.start"
}

func stateEnterEventType(machineID, statePath string) string {
	return fmt.Sprintf("%s.state.%s.enter", machineID, statePath)
}

func stateExitEventType(machineID, statePath string) string {
	return fmt.Sprintf("%s.state.%s.exit", machineID, statePath)
}

func stateDoneEventType(machineID, statePath string) string {
	return fmt.Sprintf("%s.state.%s.done", machineID, statePath)
}

func transitionEventType(machineID, from, eventType, to string) string {
	return fmt.Sprintf("%s.transition.%s.%s.%s", machineID, from, eventType, to)
}

func actionStartEventType(machineID, action string) string {
	return fmt.Sprintf("%s.action.%s.start", machineID, action)
}

func actionFinishEventType(machineID, action string) string {
	return fmt.Sprintf("%s.action.%s.finish", machineID, action)
}

func guardPassEventType(machineID, guard string) string {
	return fmt.Sprintf("%s.guard.%s.pass", machineID, guard)
}

func guardFailEventType(machineID, guard string) string {
	return fmt.Sprintf("%s.guard.%s.fail", machineID, guard)
}
