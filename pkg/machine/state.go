package machine

import (
	"strings"

	"github.com/machinaio/machina/pkg/eventlog"
)

// State is the mutable runtime condition of one machine instance. It
// is produced by Machine.Start, advanced by Machine.Send, and rebuilt
// by Machine.Restore. A State is not safe for concurrent use; the
// concurrency gate serialises writers per instance.
type State struct {
	definition *MachineDefinition

	// leaves are the active leaf states in document order; value is the
	// parallel slice of their fully qualified ids.
	leaves []*StateDefinition
	value  []string

	context Context

	// current is the representative state definition: the single
	// active leaf, or for parallel machines the nearest common
	// parallel ancestor.
	current      *StateDefinition
	currentEvent Event

	history []*eventlog.MachineEvent

	rootEventID string
	sequence    int

	// effectiveContext mirrors the context in force after the last
	// history record; diffs for new records are computed against it.
	effectiveContext map[string]interface{}
}

// Definition returns the compiled definition the state runs on.
func (s *State) Definition() *MachineDefinition { return s.definition }

// RootEventID identifies the instance. Empty until the first send has
// been persisted for non-started states.
func (s *State) RootEventID() string { return s.rootEventID }

// Value returns the fully qualified ids of the active leaves, in
// document order.
func (s *State) Value() []string {
	return append([]string(nil), s.value...)
}

// Context returns the live context container.
func (s *State) Context() Context { return s.context }

// Current returns the representative state definition.
func (s *State) Current() *StateDefinition { return s.current }

// CurrentEvent returns the event that drove the most recent step.
func (s *State) CurrentEvent() Event { return s.currentEvent }

// History returns the records accumulated since the instance was
// created or last restored.
func (s *State) History() []*eventlog.MachineEvent {
	return append([]*eventlog.MachineEvent(nil), s.history...)
}

// SequenceNumber returns the sequence number of the last record.
func (s *State) SequenceNumber() int { return s.sequence }

// Done reports whether every active leaf is a final state.
func (s *State) Done() bool {
	if len(s.leaves) == 0 {
		return false
	}
	for _, leaf := range s.leaves {
		if leaf.stype != StateTypeFinal {
			return false
		}
	}
	return true
}

// Matches reports whether the given state id is active or an ancestor
// of an active leaf. The id may be fully qualified
// ("player.active.track.paused") or machine-relative
// ("active.track.paused").
func (s *State) Matches(id string) bool {
	full := s.qualify(id)
	for _, leafID := range s.value {
		if leafID == full || strings.HasPrefix(leafID, full+s.definition.delimiter) {
			return true
		}
	}
	return false
}

// MatchesAll reports whether every given id matches.
func (s *State) MatchesAll(ids []string) bool {
	for _, id := range ids {
		if !s.Matches(id) {
			return false
		}
	}
	return true
}

func (s *State) qualify(id string) string {
	d := s.definition
	if id == d.id || strings.HasPrefix(id, d.id+d.delimiter) {
		return id
	}
	return d.id + d.delimiter + id
}

// setLeaves replaces the active leaf set, keeping value and the
// representative definition in sync.
func (s *State) setLeaves(leaves []*StateDefinition) {
	s.leaves = leaves
	s.value = make([]string, len(leaves))
	for i, leaf := range leaves {
		s.value[i] = leaf.id
	}
	s.current = representativeState(s.definition, leaves)
}

// representativeState picks the current state definition for a leaf
// set: the leaf itself when there is exactly one, otherwise the nearest
// common ancestor that is a parallel state, falling back to the root.
func representativeState(d *MachineDefinition, leaves []*StateDefinition) *StateDefinition {
	switch len(leaves) {
	case 0:
		return d.root
	case 1:
		return leaves[0]
	}
	common := leaves[0]
	for _, leaf := range leaves[1:] {
		common = leastCommonAncestor(common, leaf)
	}
	for anc := common; anc != nil; anc = anc.parent {
		if anc.stype == StateTypeParallel {
			return anc
		}
	}
	return d.root
}

// activeLeafIndex returns the position of leaf in the active set, or
// -1 when it is not active.
func (s *State) activeLeafIndex(leaf *StateDefinition) int {
	for i, l := range s.leaves {
		if l == leaf {
			return i
		}
	}
	return -1
}
