package machine

import (
	"fmt"

	"github.com/machinaio/machina/pkg/eventlog"
)

// restoreState rebuilds a runtime State from an ordered record slice.
// The context is the merge of all diffs, the value is taken verbatim
// from the last record, and the representative definition is derived
// from the active leaves. Callers wrap failures in RestoreFailureError.
func restoreState(def *MachineDefinition, events []*eventlog.MachineEvent) (*State, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("no events to restore from")
	}
	for i, ev := range events {
		if ev.SequenceNumber != i+1 {
			return nil, fmt.Errorf("sequence gap: record %d has sequence number %d", i, ev.SequenceNumber)
		}
		if ev.MachineID != def.id {
			return nil, fmt.Errorf("record %s belongs to machine %q, definition is %q", ev.ID, ev.MachineID, def.id)
		}
	}

	last := events[len(events)-1]
	effective := eventlog.EffectiveContext(events)

	var container Context
	var err error
	if def.contextFactory != nil {
		container, err = def.contextFactory.NewContext(effective)
		if err != nil {
			return nil, fmt.Errorf("rebuild context: %w", err)
		}
	} else {
		container = NewMapContext(effective)
	}

	leaves := make([]*StateDefinition, 0, len(last.MachineValue))
	for _, id := range last.MachineValue {
		leaf, ok := def.idMap[id]
		if !ok {
			return nil, fmt.Errorf("recorded state %q does not exist in the definition", id)
		}
		leaves = append(leaves, leaf)
	}

	state := &State{
		definition:       def,
		leaves:           leaves,
		value:            append([]string(nil), last.MachineValue...),
		context:          container,
		current:          representativeState(def, leaves),
		currentEvent:     eventFromRecord(last),
		history:          append([]*eventlog.MachineEvent(nil), events...),
		rootEventID:      last.RootEventID,
		sequence:         last.SequenceNumber,
		effectiveContext: effective,
	}
	return state, nil
}

// eventFromRecord reconstructs the event that drove a recorded step.
func eventFromRecord(rec *eventlog.MachineEvent) Event {
	source := rec.Source
	if source == "" {
		source = eventlog.SourceExternal
	}
	return Event{
		Type:    rec.Type,
		Payload: rec.Payload,
		Version: rec.Version,
		source:  source,
	}
}
