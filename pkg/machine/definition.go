package machine

import (
	"sort"
	"sync"
)

// StateType classifies a compiled state.
type StateType int

const (
	StateTypeAtomic StateType = iota
	StateTypeCompound
	StateTypeParallel
	StateTypeFinal
)

func (t StateType) String() string {
	switch t {
	case StateTypeAtomic:
		return TypeAtomic
	case StateTypeCompound:
		return TypeCompound
	case StateTypeParallel:
		return TypeParallel
	case StateTypeFinal:
		return TypeFinal
	default:
		return "unknown"
	}
}

// MachineDefinition is the compiled, immutable form of a machine
// config. Definitions are safe to share across goroutines and machine
// instances.
type MachineDefinition struct {
	id               string
	version          string
	delimiter        string
	strict           bool
	shouldPersist    bool
	scenariosEnabled bool

	initialContext map[string]interface{}
	contextFactory ContextFactory

	root     *StateDefinition
	idMap    map[string]*StateDefinition
	registry *Registry

	// guardsByRef maps each guard reference as written in the config
	// to its resolved implementation, for validation-guard surfacing.
	guardsByRef map[string]Guard

	config *MachineConfig

	scenarioMu sync.Mutex
	scenarios  map[string]*MachineDefinition
}

// ID returns the machine id.
func (d *MachineDefinition) ID() string { return d.id }

// Version returns the optional config version string.
func (d *MachineDefinition) Version() string { return d.version }

// Delimiter returns the path separator, "." unless configured.
func (d *MachineDefinition) Delimiter() string { return d.delimiter }

// Strict reports whether unhandled events produce NoTransitionError.
func (d *MachineDefinition) Strict() bool { return d.strict }

// ShouldPersist reports whether sends are written to the event log.
func (d *MachineDefinition) ShouldPersist() bool { return d.shouldPersist }

// Root returns the root state.
func (d *MachineDefinition) Root() *StateDefinition { return d.root }

// StateByID looks up a state by its fully qualified id
// ("order.processing.review").
func (d *MachineDefinition) StateByID(id string) (*StateDefinition, bool) {
	s, ok := d.idMap[id]
	return s, ok
}

// StateIDs returns all fully qualified state ids in document order.
func (d *MachineDefinition) StateIDs() []string {
	ids := make([]string, 0, len(d.idMap))
	for id := range d.idMap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return d.idMap[ids[i]].docOrder < d.idMap[ids[j]].docOrder
	})
	return ids
}

// StateDefinition is one compiled state. All links are resolved and
// the initial leaves are precomputed.
type StateDefinition struct {
	machine *MachineDefinition
	parent  *StateDefinition

	key   string // path segment; empty for the root
	id    string // fully qualified, machine id prefixed
	path  string // id without the machine prefix; empty for the root
	stype StateType

	childKeys []string
	children  map[string]*StateDefinition
	initial   string

	entryActions []actionRef
	exitActions  []actionRef

	transitions map[string][]*TransitionDefinition
	onDone      []*TransitionDefinition

	result *resultRef
	meta   map[string]interface{}

	initialLeaves []*StateDefinition

	depth    int
	docOrder int
}

// ID returns the fully qualified state id.
func (s *StateDefinition) ID() string { return s.id }

// Key returns the state's path segment.
func (s *StateDefinition) Key() string { return s.key }

// Path returns the state id without the machine prefix.
func (s *StateDefinition) Path() string { return s.path }

// Type returns the state type.
func (s *StateDefinition) Type() StateType { return s.stype }

// Parent returns the parent state, nil for the root.
func (s *StateDefinition) Parent() *StateDefinition { return s.parent }

// Meta returns the opaque user data attached to the state.
func (s *StateDefinition) Meta() map[string]interface{} { return s.meta }

// Children returns the child states in document order.
func (s *StateDefinition) Children() []*StateDefinition {
	out := make([]*StateDefinition, 0, len(s.childKeys))
	for _, k := range s.childKeys {
		out = append(out, s.children[k])
	}
	return out
}

// InitialLeaves returns the precomputed leaves entered when this state
// is entered: itself for atomic/final, the initial child's leaves for
// compound, one leaf per region for parallel.
func (s *StateDefinition) InitialLeaves() []*StateDefinition {
	return s.initialLeaves
}

func (s *StateDefinition) transitionsFor(eventType string) []*TransitionDefinition {
	return s.transitions[eventType]
}

// isLeaf reports whether the state is atomic or final.
func (s *StateDefinition) isLeaf() bool {
	return s.stype == StateTypeAtomic || s.stype == StateTypeFinal
}

// isDescendantOf reports whether s is strictly below ancestor.
func (s *StateDefinition) isDescendantOf(ancestor *StateDefinition) bool {
	for p := s.parent; p != nil; p = p.parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// leastCommonAncestor returns the deepest state that is an ancestor of
// both a and b, or equal to one of them.
func leastCommonAncestor(a, b *StateDefinition) *StateDefinition {
	for a.depth > b.depth {
		a = a.parent
	}
	for b.depth > a.depth {
		b = b.parent
	}
	for a != b {
		a = a.parent
		b = b.parent
	}
	return a
}

// TransitionDefinition is one compiled guarded alternative.
type TransitionDefinition struct {
	source    *StateDefinition
	eventType string

	// target is nil for internal transitions: actions run, no state
	// changes, no exit or entry records.
	target *StateDefinition

	guards      []guardRef
	calculators []calculatorRef
	actions     []actionRef
}

// Source returns the state the transition is defined on.
func (t *TransitionDefinition) Source() *StateDefinition { return t.source }

// Target returns the destination state, nil for internal transitions.
func (t *TransitionDefinition) Target() *StateDefinition { return t.target }

// EventType returns the event type the transition reacts to.
func (t *TransitionDefinition) EventType() string { return t.eventType }

// Behavior references resolved at compile time. The ref field keeps
// the reference exactly as written in the config; internal event names
// record it verbatim.
type actionRef struct {
	ref    string
	action Action
	arg    string
}

type guardRef struct {
	ref   string
	guard Guard
	arg   string
}

type calculatorRef struct {
	ref        string
	calculator Calculator
	arg        string
}

type resultRef struct {
	ref    string
	result Result
	arg    string
}

// Compile validates cfg and builds the immutable definition, resolving
// every behavior reference against registry. A nil registry is treated
// as empty. The config is deep-copied; later caller mutations do not
// affect the definition.
func Compile(cfg *MachineConfig, registry *Registry) (*MachineDefinition, error) {
	if registry == nil {
		registry = NewRegistry()
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	d := &MachineDefinition{
		id:               cfg.id(),
		version:          cfg.Version,
		delimiter:        cfg.delimiter(),
		strict:           cfg.Strict,
		shouldPersist:    cfg.shouldPersist(),
		scenariosEnabled: cfg.ScenariosEnabled,
		initialContext:   cfg.Context,
		idMap:            make(map[string]*StateDefinition),
		registry:         registry,
		guardsByRef:      make(map[string]Guard),
		config:           cfg,
		scenarios:        make(map[string]*MachineDefinition),
	}

	if cfg.ContextFactory != "" {
		factory, err := registry.resolveContextFactory(cfg.ContextFactory)
		if err != nil {
			return nil, err
		}
		d.contextFactory = factory
	}

	docOrder := 0
	root, err := d.buildState(nil, "", &cfg.StateNodeConfig, &docOrder)
	if err != nil {
		return nil, err
	}
	d.root = root

	if err := d.linkTransitions(root, &cfg.StateNodeConfig); err != nil {
		return nil, err
	}
	computeInitialLeaves(root)
	return d, nil
}

// buildState is the first compiler pass: it creates the state tree,
// assigns ids and document order, and resolves entry/exit/result
// references. Transitions wait for the second pass so targets can
// reference states that appear later in the document.
func (d *MachineDefinition) buildState(parent *StateDefinition, key string, node *StateNodeConfig, docOrder *int) (*StateDefinition, error) {
	if node == nil {
		node = &StateNodeConfig{}
	}

	s := &StateDefinition{
		machine:  d,
		parent:   parent,
		key:      key,
		children: make(map[string]*StateDefinition),
		initial:  node.Initial,
		meta:     node.Meta,
		docOrder: *docOrder,
	}
	*docOrder++

	if parent == nil {
		s.id = d.id
		s.path = ""
		s.depth = 0
	} else {
		s.id = parent.id + d.delimiter + key
		if parent.path == "" {
			s.path = key
		} else {
			s.path = parent.path + d.delimiter + key
		}
		s.depth = parent.depth + 1
	}
	d.idMap[s.id] = s

	stateType, err := resolveStateType(s.path, node)
	if err != nil {
		return nil, err
	}
	switch stateType {
	case TypeAtomic:
		s.stype = StateTypeAtomic
	case TypeCompound:
		s.stype = StateTypeCompound
	case TypeParallel:
		s.stype = StateTypeParallel
	case TypeFinal:
		s.stype = StateTypeFinal
	}

	if s.entryActions, err = d.resolveActionRefs(node.Entry); err != nil {
		return nil, err
	}
	if s.exitActions, err = d.resolveActionRefs(node.Exit); err != nil {
		return nil, err
	}

	if node.Result != "" {
		result, arg, err := d.registry.resolveResult(node.Result)
		if err != nil {
			return nil, err
		}
		s.result = &resultRef{ref: node.Result, result: result, arg: arg}
	}

	for _, childKey := range node.States.Keys() {
		childNode, _ := node.States.Get(childKey)
		child, err := d.buildState(s, childKey, childNode, docOrder)
		if err != nil {
			return nil, err
		}
		s.childKeys = append(s.childKeys, childKey)
		s.children[childKey] = child
	}
	return s, nil
}

// linkTransitions is the second compiler pass: with the whole tree
// built, resolve every transition target and behavior reference.
func (d *MachineDefinition) linkTransitions(s *StateDefinition, node *StateNodeConfig) error {
	if node == nil {
		return nil
	}

	if len(node.On) > 0 {
		s.transitions = make(map[string][]*TransitionDefinition, len(node.On))
		eventTypes := make([]string, 0, len(node.On))
		for eventType := range node.On {
			eventTypes = append(eventTypes, eventType)
		}
		sort.Strings(eventTypes)
		for _, eventType := range eventTypes {
			compiled, err := d.compileSpec(s, eventType, node.On[eventType])
			if err != nil {
				return err
			}
			s.transitions[eventType] = compiled
		}
	}

	if node.OnDone != nil {
		compiled, err := d.compileSpec(s, stateDoneEventType(d.id, s.path), node.OnDone)
		if err != nil {
			return err
		}
		s.onDone = compiled
	}

	for _, childKey := range s.childKeys {
		childNode, _ := node.States.Get(childKey)
		if err := d.linkTransitions(s.children[childKey], childNode); err != nil {
			return err
		}
	}
	return nil
}

func (d *MachineDefinition) compileSpec(s *StateDefinition, eventType string, spec *TransitionSpec) ([]*TransitionDefinition, error) {
	compiled := make([]*TransitionDefinition, 0, len(spec.Branches))
	for _, branch := range spec.Branches {
		t := &TransitionDefinition{source: s, eventType: eventType}

		if branch.Target != "" {
			target, ok := d.resolveTarget(s, branch.Target)
			if !ok {
				return nil, configErrorf(s.path, "transition target %q does not resolve to a state", branch.Target)
			}
			t.target = target
		}

		var err error
		if t.guards, err = d.resolveGuardRefs(branch.Guards); err != nil {
			return nil, err
		}
		if t.calculators, err = d.resolveCalculatorRefs(branch.Calculators); err != nil {
			return nil, err
		}
		if t.actions, err = d.resolveActionRefs(branch.Actions); err != nil {
			return nil, err
		}
		compiled = append(compiled, t)
	}
	return compiled, nil
}

// resolveTarget maps a target reference to a state. Accepted forms, in
// resolution order: a sibling key, a direct child key, a fully
// qualified id, and a root-relative path.
func (d *MachineDefinition) resolveTarget(s *StateDefinition, target string) (*StateDefinition, bool) {
	if s.parent != nil {
		if sibling, ok := s.parent.children[target]; ok {
			return sibling, true
		}
	}
	if child, ok := s.children[target]; ok {
		return child, true
	}
	if state, ok := d.idMap[target]; ok {
		return state, true
	}
	if state, ok := d.idMap[d.id+d.delimiter+target]; ok {
		return state, true
	}
	return nil, false
}

func (d *MachineDefinition) resolveActionRefs(refs StringList) ([]actionRef, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make([]actionRef, 0, len(refs))
	for _, ref := range refs {
		action, arg, err := d.registry.resolveAction(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, actionRef{ref: ref, action: action, arg: arg})
	}
	return out, nil
}

func (d *MachineDefinition) resolveGuardRefs(refs StringList) ([]guardRef, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make([]guardRef, 0, len(refs))
	for _, ref := range refs {
		guard, arg, err := d.registry.resolveGuard(ref)
		if err != nil {
			return nil, err
		}
		d.guardsByRef[ref] = guard
		out = append(out, guardRef{ref: ref, guard: guard, arg: arg})
	}
	return out, nil
}

func (d *MachineDefinition) resolveCalculatorRefs(refs StringList) ([]calculatorRef, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make([]calculatorRef, 0, len(refs))
	for _, ref := range refs {
		calculator, arg, err := d.registry.resolveCalculator(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, calculatorRef{ref: ref, calculator: calculator, arg: arg})
	}
	return out, nil
}

// computeInitialLeaves fills in the precomputed leaf sets bottom-up.
func computeInitialLeaves(s *StateDefinition) {
	for _, key := range s.childKeys {
		computeInitialLeaves(s.children[key])
	}
	switch s.stype {
	case StateTypeAtomic, StateTypeFinal:
		s.initialLeaves = []*StateDefinition{s}
	case StateTypeCompound:
		s.initialLeaves = s.children[s.initial].initialLeaves
	case StateTypeParallel:
		var leaves []*StateDefinition
		for _, key := range s.childKeys {
			leaves = append(leaves, s.children[key].initialLeaves...)
		}
		s.initialLeaves = leaves
	}
}

// newContext builds the instance context from the definition's initial
// context merged with extra (the start payload), through the
// configured factory when one is set.
func (d *MachineDefinition) newContext(extra map[string]interface{}) (Context, error) {
	initial := make(map[string]interface{}, len(d.initialContext)+len(extra))
	for k, v := range d.initialContext {
		initial[k] = deepCopyValue(v)
	}
	for k, v := range extra {
		initial[k] = deepCopyValue(v)
	}
	if d.contextFactory != nil {
		return d.contextFactory.NewContext(initial)
	}
	return NewMapContext(initial), nil
}
