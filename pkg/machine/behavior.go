package machine

import (
	"context"
	"math"
	"sort"
	"strings"
)

// Scope carries the arguments a behavior is invoked with.
type Scope struct {
	// Ctx is the caller's context; behaviors performing I/O should
	// honour its cancellation.
	Ctx context.Context
	// Context is the instance's mutable context container.
	Context Context
	// Event is the event driving the current step.
	Event Event
	// State is the runtime state at the time of the invocation.
	State *State
	// Arg is the parameter suffix of the behavior reference: the ref
	// "checkChannel:direct_cash" invokes checkChannel with Arg
	// "direct_cash". Empty when the reference has no suffix.
	Arg string

	raised []Event
}

// Raise queues an event for processing later in the same step. The
// engine processes raises from actions in FIFO order; raises from
// guards and calculators are discarded.
func (s *Scope) Raise(event Event) {
	s.raised = append(s.raised, event)
}

// RaiseType is shorthand for Raise(E(eventType)).
func (s *Scope) RaiseType(eventType string) {
	s.Raise(E(eventType))
}

// Action performs side effects when a transition fires or a state is
// entered or exited. Actions may mutate the context and raise events.
// An action error aborts the step.
type Action interface {
	Execute(s *Scope) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(s *Scope) error

func (f ActionFunc) Execute(s *Scope) error { return f(s) }

// Guard decides whether a candidate transition may fire. Returning
// false vetoes the candidate and leaves a fail record in the log;
// returning an error aborts the step.
type Guard interface {
	Check(s *Scope) (bool, error)
}

// GuardFunc adapts a function to Guard.
type GuardFunc func(s *Scope) (bool, error)

func (f GuardFunc) Check(s *Scope) (bool, error) { return f(s) }

// Calculator prepares context values ahead of guard evaluation. It
// runs before the guards of its candidate transition and leaves no
// record in the log.
type Calculator interface {
	Calculate(s *Scope) error
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(s *Scope) error

func (f CalculatorFunc) Calculate(s *Scope) error { return f(s) }

// Result computes the outcome of a machine whose active leaf is a
// final state carrying a result reference.
type Result interface {
	Compute(s *Scope) (interface{}, error)
}

// ResultFunc adapts a function to Result.
type ResultFunc func(s *Scope) (interface{}, error)

func (f ResultFunc) Compute(s *Scope) (interface{}, error) { return f(s) }

// EventDefinition validates the payload of a named external event
// before the step runs.
type EventDefinition interface {
	ValidatePayload(payload map[string]interface{}) error
}

// EventDefinitionFunc adapts a function to EventDefinition.
type EventDefinitionFunc func(payload map[string]interface{}) error

func (f EventDefinitionFunc) ValidatePayload(payload map[string]interface{}) error {
	return f(payload)
}

// ValidationGuard marks a guard whose failure is a user-visible
// validation outcome. Validation failures recorded during a step are
// aggregated into a ValidationError once the step has been persisted.
type ValidationGuard interface {
	Guard
	ValidationMessage() string
}

// NewValidationGuard wraps fn as a ValidationGuard with a fixed
// user-visible message.
func NewValidationGuard(message string, fn GuardFunc) ValidationGuard {
	return &validationGuard{message: message, fn: fn}
}

type validationGuard struct {
	message string
	fn      GuardFunc
}

func (g *validationGuard) Check(s *Scope) (bool, error) { return g.fn(s) }
func (g *validationGuard) ValidationMessage() string    { return g.message }

// ContextRequirer declares context keys a behavior needs before it can
// run, mapped to expected type names: "string", "bool", "int",
// "float", "map", "slice", "array", or "any". The engine verifies the
// declaration and fails with MissingContextError before invoking the
// behavior.
type ContextRequirer interface {
	RequiredContext() map[string]string
}

// Behavior registry kinds, also used in BehaviorNotFoundError.
const (
	kindActions     = "actions"
	kindGuards      = "guards"
	kindCalculators = "calculators"
	kindEvents      = "events"
	kindResults     = "results"
	kindContext     = "context"
)

// Registry maps symbolic names to behavior implementations. A registry
// is bound to a machine definition at compile time; register everything
// before compiling, registration is not safe for concurrent use.
type Registry struct {
	actions     map[string]Action
	guards      map[string]Guard
	calculators map[string]Calculator
	events      map[string]EventDefinition
	results     map[string]Result
	contexts    map[string]ContextFactory
}

// NewRegistry returns an empty behavior registry.
func NewRegistry() *Registry {
	return &Registry{
		actions:     make(map[string]Action),
		guards:      make(map[string]Guard),
		calculators: make(map[string]Calculator),
		events:      make(map[string]EventDefinition),
		results:     make(map[string]Result),
		contexts:    make(map[string]ContextFactory),
	}
}

// RegisterAction binds name to an action. Returns the registry for
// chaining.
func (r *Registry) RegisterAction(name string, a Action) *Registry {
	r.actions[name] = a
	return r
}

// RegisterActionFunc binds name to a function action.
func (r *Registry) RegisterActionFunc(name string, fn func(*Scope) error) *Registry {
	return r.RegisterAction(name, ActionFunc(fn))
}

// RegisterGuard binds name to a guard.
func (r *Registry) RegisterGuard(name string, g Guard) *Registry {
	r.guards[name] = g
	return r
}

// RegisterGuardFunc binds name to a function guard.
func (r *Registry) RegisterGuardFunc(name string, fn func(*Scope) (bool, error)) *Registry {
	return r.RegisterGuard(name, GuardFunc(fn))
}

// RegisterCalculator binds name to a calculator.
func (r *Registry) RegisterCalculator(name string, c Calculator) *Registry {
	r.calculators[name] = c
	return r
}

// RegisterCalculatorFunc binds name to a function calculator.
func (r *Registry) RegisterCalculatorFunc(name string, fn func(*Scope) error) *Registry {
	return r.RegisterCalculator(name, CalculatorFunc(fn))
}

// RegisterEvent binds an event type to its payload validator.
func (r *Registry) RegisterEvent(eventType string, d EventDefinition) *Registry {
	r.events[eventType] = d
	return r
}

// RegisterResult binds name to a result behavior.
func (r *Registry) RegisterResult(name string, res Result) *Registry {
	r.results[name] = res
	return r
}

// RegisterResultFunc binds name to a function result.
func (r *Registry) RegisterResultFunc(name string, fn func(*Scope) (interface{}, error)) *Registry {
	return r.RegisterResult(name, ResultFunc(fn))
}

// RegisterContextFactory binds name to a context factory.
func (r *Registry) RegisterContextFactory(name string, f ContextFactory) *Registry {
	r.contexts[name] = f
	return r
}

func (r *Registry) resolveAction(ref string) (Action, string, error) {
	name, arg := splitBehaviorRef(ref)
	a, ok := r.actions[name]
	if !ok {
		return nil, "", &BehaviorNotFoundError{Kind: kindActions, Name: name}
	}
	return a, arg, nil
}

func (r *Registry) resolveGuard(ref string) (Guard, string, error) {
	name, arg := splitBehaviorRef(ref)
	g, ok := r.guards[name]
	if !ok {
		return nil, "", &BehaviorNotFoundError{Kind: kindGuards, Name: name}
	}
	return g, arg, nil
}

func (r *Registry) resolveCalculator(ref string) (Calculator, string, error) {
	name, arg := splitBehaviorRef(ref)
	c, ok := r.calculators[name]
	if !ok {
		return nil, "", &BehaviorNotFoundError{Kind: kindCalculators, Name: name}
	}
	return c, arg, nil
}

func (r *Registry) resolveResult(ref string) (Result, string, error) {
	name, arg := splitBehaviorRef(ref)
	res, ok := r.results[name]
	if !ok {
		return nil, "", &BehaviorNotFoundError{Kind: kindResults, Name: name}
	}
	return res, arg, nil
}

func (r *Registry) resolveContextFactory(name string) (ContextFactory, error) {
	f, ok := r.contexts[name]
	if !ok {
		return nil, &BehaviorNotFoundError{Kind: kindContext, Name: name}
	}
	return f, nil
}

// eventDefinition returns the registered payload validator for an
// event type, if any.
func (r *Registry) eventDefinition(eventType string) (EventDefinition, bool) {
	d, ok := r.events[eventType]
	return d, ok
}

// splitBehaviorRef splits "name:arg" at the first colon. A reference
// without a colon has an empty arg.
func splitBehaviorRef(ref string) (name, arg string) {
	if i := strings.IndexByte(ref, ':'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// checkRequiredContext enforces a behavior's RequiredContext
// declaration, in key order for stable error reporting.
func checkRequiredContext(name string, behavior interface{}, c Context) error {
	req, ok := behavior.(ContextRequirer)
	if !ok {
		return nil
	}
	required := req.RequiredContext()
	keys := make([]string, 0, len(required))
	for k := range required {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		want := required[key]
		v, present := c.Get(key)
		if !present || !typeMatches(v, want) {
			return &MissingContextError{Behavior: name, Key: key, WantType: want}
		}
	}
	return nil
}

func typeMatches(v interface{}, want string) bool {
	switch strings.ToLower(want) {
	case "", "any", "mixed":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "bool", "boolean":
		_, ok := v.(bool)
		return ok
	case "int", "integer":
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			// JSON numbers decode as float64; accept integral values.
			return n == math.Trunc(n)
		case float32:
			return float64(n) == math.Trunc(float64(n))
		}
		return false
	case "float", "double", "number", "numeric":
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case "map", "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "slice", "list":
		_, ok := v.([]interface{})
		return ok
	case "array":
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			return true
		}
		return false
	default:
		return true
	}
}
