package machine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/machinaio/machina/pkg/eventlog"
)

const (
	// maxEventlessTransitions bounds the @always fixpoint per send. A
	// definition that exceeds it almost certainly cycles.
	maxEventlessTransitions = 64
	// maxRaisedEvents bounds how many internal events one send may
	// process (raised events plus completion events).
	maxRaisedEvents = 1024
)

// engine executes steps against a compiled definition. It is purely
// in-memory; persistence and locking live on the Machine facade.
type engine struct {
	def   *MachineDefinition
	clock func() time.Time
}

func newEngine(def *MachineDefinition, clock func() time.Time) *engine {
	if clock == nil {
		clock = time.Now
	}
	return &engine{def: def, clock: clock}
}

// start creates a fresh instance: context from the definition's
// initial context merged with payload, the machine.start record, the
// initial entry records, and the settle phase. On error the partially
// built state is returned alongside it so the caller can decide what
// to persist.
func (e *engine) start(ctx context.Context, payload map[string]interface{}) (*State, error) {
	container, err := e.def.newContext(payload)
	if err != nil {
		return nil, err
	}

	state := &State{definition: e.def, context: container}
	run := &stepRun{ctx: ctx, engine: e, state: state}

	startEvent := Event{Type: startEventType(e.def.id), Payload: payload}
	state.currentEvent = startEvent
	state.setLeaves(e.def.root.initialLeaves)

	run.record(startEvent)

	for _, entered := range enterDescent(e.def.root) {
		if err := run.enterState(entered, startEvent); err != nil {
			return state, err
		}
	}
	if err := run.settle(); err != nil {
		return state, err
	}
	return state, nil
}

// send advances state by one external event. Records accumulate on
// state.history; the state is left mid-step when an error is returned.
func (e *engine) send(ctx context.Context, state *State, ev Event) error {
	run := &stepRun{ctx: ctx, engine: e, state: state}
	return run.processExternal(ev)
}

// stepRun tracks one send through the engine: the FIFO of raised
// events, the loop bounds, and the onDone bookkeeping.
type stepRun struct {
	ctx    context.Context
	engine *engine
	state  *State

	raised         []Event
	raisedCount    int
	eventlessCount int

	// doneFired remembers ancestors whose completion transition ran
	// while they stayed complete, so one completion fires once.
	doneFired map[*StateDefinition]bool
}

func (r *stepRun) processExternal(ev Event) error {
	if err := r.validatePayload(ev); err != nil {
		return err
	}
	r.state.currentEvent = ev
	r.record(ev)

	selected, _, err := r.selectAndFire(ev)
	if err != nil {
		return err
	}
	if !selected && r.engine.def.strict {
		return &NoTransitionError{EventType: ev.Type, Value: r.state.Value()}
	}
	return r.settle()
}

func (r *stepRun) processInternal(ev Event) error {
	if err := r.validatePayload(ev); err != nil {
		return err
	}
	r.state.currentEvent = ev
	r.record(ev)

	_, _, err := r.selectAndFire(ev)
	return err
}

// validatePayload runs the registered payload validator for the event
// type, when one exists.
func (r *stepRun) validatePayload(ev Event) error {
	def, ok := r.engine.def.registry.eventDefinition(ev.Type)
	if !ok {
		return nil
	}
	if err := def.ValidatePayload(ev.Payload); err != nil {
		return fmt.Errorf("machine: event %s payload: %w", ev.Type, err)
	}
	return nil
}

// selectAndFire walks each active region from its leaf upward to find
// the first state handling the event, then resolves that state's
// guarded alternatives and executes the winner. Regions sharing the
// handling ancestor fire it once.
func (r *stepRun) selectAndFire(ev Event) (selected, fired bool, err error) {
	handled := make(map[*StateDefinition]bool)
	leaves := append([]*StateDefinition(nil), r.state.leaves...)

	for _, leaf := range leaves {
		// A previous region's transition may have exited this leaf.
		if r.state.activeLeafIndex(leaf) < 0 {
			continue
		}

		var source *StateDefinition
		var candidates []*TransitionDefinition
		for s := leaf; s != nil; s = s.parent {
			if list := s.transitionsFor(ev.Type); len(list) > 0 {
				source, candidates = s, list
				break
			}
		}
		if source == nil {
			continue
		}
		selected = true
		if handled[source] {
			continue
		}
		handled[source] = true

		didFire, err := r.resolveAndExecute(candidates, ev, leaf)
		if err != nil {
			return selected, fired, err
		}
		fired = fired || didFire
	}
	return selected, fired, nil
}

// resolveAndExecute evaluates guarded alternatives in order and
// executes the first whose guards all pass.
func (r *stepRun) resolveAndExecute(candidates []*TransitionDefinition, ev Event, leaf *StateDefinition) (bool, error) {
	for _, candidate := range candidates {
		pass, err := r.evaluateCandidate(candidate, ev)
		if err != nil {
			return false, err
		}
		if !pass {
			continue
		}
		if err := r.executeTransition(candidate, ev, leaf); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// evaluateCandidate runs the candidate's calculators, then its guards
// in order. Every evaluated guard leaves a pass or fail record; the
// first failure vetoes the candidate.
func (r *stepRun) evaluateCandidate(t *TransitionDefinition, ev Event) (bool, error) {
	def := r.engine.def

	for _, c := range t.calculators {
		if err := checkRequiredContext(c.ref, c.calculator, r.state.context); err != nil {
			return false, err
		}
		scope := &Scope{Ctx: r.ctx, Context: r.state.context, Event: ev, State: r.state, Arg: c.arg}
		if err := c.calculator.Calculate(scope); err != nil {
			return false, fmt.Errorf("calculator %s: %w", c.ref, err)
		}
	}

	for _, g := range t.guards {
		if err := checkRequiredContext(g.ref, g.guard, r.state.context); err != nil {
			return false, err
		}
		scope := &Scope{Ctx: r.ctx, Context: r.state.context, Event: ev, State: r.state, Arg: g.arg}
		pass, err := g.guard.Check(scope)
		if err != nil {
			return false, fmt.Errorf("guard %s: %w", g.ref, err)
		}
		if pass {
			r.record(internalEvent(guardPassEventType(def.id, g.ref), nil))
			continue
		}
		r.record(internalEvent(guardFailEventType(def.id, g.ref), map[string]interface{}{
			ev.Type: guardFailureMessage(g.ref, g.guard),
		}))
		return false, nil
	}
	return true, nil
}

// guardFailureMessage is what a fail record carries: the validation
// message for validation guards, a generic one otherwise.
func guardFailureMessage(ref string, g Guard) string {
	if vg, ok := g.(ValidationGuard); ok {
		return vg.ValidationMessage()
	}
	return fmt.Sprintf("guard %s failed", ref)
}

// executeTransition performs step 6 of a firing candidate: exits,
// the transition record, transition actions, the value update, and
// entries down to the initial leaves.
func (r *stepRun) executeTransition(t *TransitionDefinition, ev Event, leaf *StateDefinition) error {
	def := r.engine.def

	if t.target == nil {
		// Internal transition: actions run, nothing is exited or
		// entered and the value stays put.
		r.record(internalEvent(transitionEventType(def.id, t.source.path, ev.Type, t.source.path), nil))
		return r.executeActions(t.actions, ev)
	}

	domain := leastCommonAncestor(leaf, t.target)

	exitStates, exitedLeaves := r.exitSet(domain)
	for _, s := range exitStates {
		if err := r.exitState(s, ev); err != nil {
			return err
		}
	}

	r.record(internalEvent(transitionEventType(def.id, t.source.path, ev.Type, t.target.path), nil))

	if err := r.executeActions(t.actions, ev); err != nil {
		return err
	}

	entered := entryChain(domain, t.target)
	entered = append(entered, enterDescent(t.target)...)

	newLeaves := make([]*StateDefinition, 0, len(r.state.leaves))
	for _, l := range r.state.leaves {
		if !exitedLeaves[l] {
			newLeaves = append(newLeaves, l)
		}
	}
	newLeaves = append(newLeaves, t.target.initialLeaves...)
	sort.Slice(newLeaves, func(i, j int) bool {
		return newLeaves[i].docOrder < newLeaves[j].docOrder
	})
	r.state.setLeaves(newLeaves)

	for _, s := range entered {
		if err := r.enterState(s, ev); err != nil {
			return err
		}
	}
	return nil
}

// exitSet collects every active state strictly below domain: the
// affected leaves plus their ancestors up to but not including domain,
// deepest first.
func (r *stepRun) exitSet(domain *StateDefinition) ([]*StateDefinition, map[*StateDefinition]bool) {
	var states []*StateDefinition
	seen := make(map[*StateDefinition]bool)
	leaves := make(map[*StateDefinition]bool)

	for _, l := range r.state.leaves {
		if l != domain && !l.isDescendantOf(domain) {
			continue
		}
		leaves[l] = true
		for s := l; s != domain; s = s.parent {
			if !seen[s] {
				seen[s] = true
				states = append(states, s)
			}
		}
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].depth != states[j].depth {
			return states[i].depth > states[j].depth
		}
		return states[i].docOrder < states[j].docOrder
	})
	return states, leaves
}

// entryChain lists the states between domain (exclusive) and target
// (inclusive), outermost first. Empty when the target is the domain
// itself, which happens when a transition resets into an ancestor.
func entryChain(domain, target *StateDefinition) []*StateDefinition {
	if target == domain {
		return nil
	}
	var chain []*StateDefinition
	for s := target; s != domain; s = s.parent {
		chain = append(chain, s)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// enterDescent lists the states entered inside s when s itself is
// entered: the initial child chain for compounds, every region for
// parallels, outermost first.
func enterDescent(s *StateDefinition) []*StateDefinition {
	switch s.stype {
	case StateTypeCompound:
		child := s.children[s.initial]
		return append([]*StateDefinition{child}, enterDescent(child)...)
	case StateTypeParallel:
		var out []*StateDefinition
		for _, key := range s.childKeys {
			child := s.children[key]
			out = append(out, child)
			out = append(out, enterDescent(child)...)
		}
		return out
	default:
		return nil
	}
}

func (r *stepRun) enterState(s *StateDefinition, ev Event) error {
	r.record(internalEvent(stateEnterEventType(r.engine.def.id, s.path), nil))
	return r.executeActions(s.entryActions, ev)
}

func (r *stepRun) exitState(s *StateDefinition, ev Event) error {
	r.record(internalEvent(stateExitEventType(r.engine.def.id, s.path), nil))
	return r.executeActions(s.exitActions, ev)
}

// executeActions runs a resolved action list with start/finish records
// around each invocation and collects raised events.
func (r *stepRun) executeActions(actions []actionRef, ev Event) error {
	def := r.engine.def
	for _, a := range actions {
		if err := checkRequiredContext(a.ref, a.action, r.state.context); err != nil {
			return err
		}
		r.record(internalEvent(actionStartEventType(def.id, a.ref), nil))

		scope := &Scope{Ctx: r.ctx, Context: r.state.context, Event: ev, State: r.state, Arg: a.arg}
		if err := a.action.Execute(scope); err != nil {
			return fmt.Errorf("action %s: %w", a.ref, err)
		}
		for _, raisedEvent := range scope.raised {
			raisedEvent.source = eventlog.SourceInternal
			r.raised = append(r.raised, raisedEvent)
		}

		r.record(internalEvent(actionFinishEventType(def.id, a.ref), nil))
	}
	return nil
}

// settle drives the machine to a stable configuration: the @always
// fixpoint first, then completion transitions, then the raised-event
// FIFO, looping until nothing is left to do.
func (r *stepRun) settle() error {
	for {
		fired, err := r.fireAlways()
		if err != nil {
			return err
		}
		if fired {
			continue
		}

		fired, err = r.fireCompleted()
		if err != nil {
			return err
		}
		if fired {
			continue
		}

		if len(r.raised) > 0 {
			next := r.raised[0]
			r.raised = r.raised[1:]
			r.raisedCount++
			if r.raisedCount > maxRaisedEvents {
				return &StepError{
					Code:    StepErrorRaisedFlood,
					Message: fmt.Sprintf("more than %d internal events in one step", maxRaisedEvents),
				}
			}
			// A fresh event starts a fresh eventless fixpoint.
			r.eventlessCount = 0
			if err := r.processInternal(next); err != nil {
				return err
			}
			continue
		}
		return nil
	}
}

// fireAlways performs one sweep of eventless transitions across the
// active regions.
func (r *stepRun) fireAlways() (bool, error) {
	ev := internalEvent(AlwaysEvent, nil)
	_, fired, err := r.selectAndFire(ev)
	if err != nil {
		return false, err
	}
	if fired {
		r.eventlessCount++
		if r.eventlessCount > maxEventlessTransitions {
			return false, &StepError{
				Code:    StepErrorEventlessLoop,
				Message: fmt.Sprintf("more than %d consecutive eventless transitions, definition likely cycles", maxEventlessTransitions),
			}
		}
	}
	return fired, nil
}

// fireCompleted fires the completion transition of the deepest
// ancestor whose active descendants have all reached final leaves.
func (r *stepRun) fireCompleted() (bool, error) {
	if r.doneFired == nil {
		r.doneFired = make(map[*StateDefinition]bool)
	}
	for s := range r.doneFired {
		if !r.isComplete(s) {
			delete(r.doneFired, s)
		}
	}

	var target *StateDefinition
	for _, leaf := range r.state.leaves {
		if leaf.stype != StateTypeFinal {
			continue
		}
		for anc := leaf.parent; anc != nil; anc = anc.parent {
			if anc.onDone == nil || r.doneFired[anc] || !r.isComplete(anc) {
				continue
			}
			if target == nil || anc.depth > target.depth {
				target = anc
			}
		}
	}
	if target == nil {
		return false, nil
	}
	r.doneFired[target] = true

	r.raisedCount++
	if r.raisedCount > maxRaisedEvents {
		return false, &StepError{
			Code:    StepErrorRaisedFlood,
			Message: fmt.Sprintf("more than %d internal events in one step", maxRaisedEvents),
		}
	}

	done := internalEvent(stateDoneEventType(r.engine.def.id, target.path), nil)
	r.state.currentEvent = done
	r.record(done)

	// The completion event resolves directly against the ancestor's
	// onDone alternatives; regular selection does not apply.
	firingLeaf := r.activeLeafUnder(target)
	if firingLeaf == nil {
		return false, nil
	}
	_, err := r.resolveAndExecute(target.onDone, done, firingLeaf)
	if err != nil {
		return false, err
	}
	return true, nil
}

// isComplete reports whether every active leaf below s is final and at
// least one exists.
func (r *stepRun) isComplete(s *StateDefinition) bool {
	found := false
	for _, leaf := range r.state.leaves {
		if leaf == s || leaf.isDescendantOf(s) {
			if leaf.stype != StateTypeFinal {
				return false
			}
			found = true
		}
	}
	return found
}

func (r *stepRun) activeLeafUnder(s *StateDefinition) *StateDefinition {
	for _, leaf := range r.state.leaves {
		if leaf == s || leaf.isDescendantOf(s) {
			return leaf
		}
	}
	return nil
}

// record appends one event to the state's history, computing the
// incremental context diff against the previous record. The first
// record of an instance stores the full context and fixes the root
// event id.
func (r *stepRun) record(ev Event) {
	state := r.state
	snapshot := state.context.AsMap()

	var diff map[string]interface{}
	if state.sequence == 0 {
		diff = snapshot
	} else {
		diff = eventlog.DiffContext(state.effectiveContext, snapshot)
		if len(diff) == 0 {
			diff = nil
		}
	}

	state.sequence++
	rec := &eventlog.MachineEvent{
		ID:             eventlog.NewID(),
		SequenceNumber: state.sequence,
		CreatedAt:      r.engine.clock(),
		MachineID:      r.engine.def.id,
		MachineValue:   state.Value(),
		Source:         ev.Source(),
		Type:           ev.Type,
		Payload:        ev.Payload,
		Version:        ev.version(),
		Context:        diff,
	}
	if state.current != nil {
		rec.Meta = state.current.meta
	}
	if state.rootEventID == "" {
		state.rootEventID = rec.ID
	}
	rec.RootEventID = state.rootEventID

	state.effectiveContext = snapshot
	state.history = append(state.history, rec)
}
