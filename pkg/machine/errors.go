package machine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/machinaio/machina/pkg/lock"
)

// ConfigError reports an invalid machine configuration. It is raised at
// compile time only.
type ConfigError struct {
	// Path locates the offending key, e.g. "states.pending.on.SUBMIT".
	Path    string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid machine config: %s", e.Message)
	}
	return fmt.Sprintf("invalid machine config at %s: %s", e.Path, e.Message)
}

func configErrorf(path, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// BehaviorNotFoundError reports an unresolvable behavior reference.
type BehaviorNotFoundError struct {
	Kind string // actions, guards, calculators, events, results
	Name string
}

func (e *BehaviorNotFoundError) Error() string {
	return fmt.Sprintf("behavior not found: no %s registered as %q", e.Kind, e.Name)
}

// MissingContextError reports that a behavior's declared context
// requirements are not satisfied. It is raised before the behavior runs.
type MissingContextError struct {
	Behavior string
	Key      string
	WantType string
}

func (e *MissingContextError) Error() string {
	if e.WantType == "" {
		return fmt.Sprintf("behavior %q requires context key %q", e.Behavior, e.Key)
	}
	return fmt.Sprintf("behavior %q requires context key %q of type %s", e.Behavior, e.Key, e.WantType)
}

// NoTransitionError reports an event no active state handles. It is
// surfaced only when the machine runs in strict mode; the default is to
// record the event and leave the state unchanged.
type NoTransitionError struct {
	EventType string
	Value     []string
}

func (e *NoTransitionError) Error() string {
	return fmt.Sprintf("no transition for event %q in state %v", e.EventType, e.Value)
}

// ValidationError aggregates failed validation guards from one step,
// keyed by the event type that carried the rejected payload. It is
// returned after the step's records were persisted.
type ValidationError struct {
	Failures map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Failures))
	for k := range e.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Failures[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// AlreadyRunningError reports that the instance lock is held elsewhere.
type AlreadyRunningError struct {
	RootEventID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("machine %s is already running", e.RootEventID)
}

// Unwrap lets errors.Is(err, lock.ErrAlreadyRunning) match.
func (e *AlreadyRunningError) Unwrap() error { return lock.ErrAlreadyRunning }

// RestoreFailureError reports that an instance could not be rebuilt:
// no records exist in the active log or archive, or the archive blob is
// unreadable.
type RestoreFailureError struct {
	RootEventID string
	Cause       error
}

func (e *RestoreFailureError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("cannot restore machine %s: no records found", e.RootEventID)
	}
	return fmt.Sprintf("cannot restore machine %s: %v", e.RootEventID, e.Cause)
}

func (e *RestoreFailureError) Unwrap() error { return e.Cause }

// StepError reports that the transition engine had to abort a step.
type StepError struct {
	Code    StepErrorCode
	Message string
}

func (e *StepError) Error() string { return e.Message }

// StepErrorCode classifies engine aborts.
type StepErrorCode int

const (
	// StepErrorEventlessLoop means the eventless transition fixpoint
	// exceeded its bound, which indicates a cyclic @always definition.
	StepErrorEventlessLoop StepErrorCode = iota
	// StepErrorRaisedFlood means actions raised more internal events in
	// one step than the engine is willing to process.
	StepErrorRaisedFlood
)
