// Package machine implements a persistent, hierarchical state machine
// runtime with event sourcing.
//
// A declarative config (YAML, JSON, or built in code) compiles into an
// immutable MachineDefinition: a tree of atomic, compound, parallel,
// and final states with precomputed transitions. The Machine facade
// runs instances of a definition: every send appends the step's
// records to a durable event log keyed by the instance's root event
// id, and any instance can be rebuilt later by replaying that log.
// Quiesced instances move to a compressed archive and come back
// transparently when addressed again.
//
//	cfg, _ := machine.ParseYAMLConfig(data)
//	reg := machine.NewRegistry().
//		RegisterGuardFunc("hasFunds", hasFunds).
//		RegisterActionFunc("reserve", reserve)
//	m, _ := machine.NewFromConfig(cfg, reg, machine.WithStore(store))
//
//	st, _ := m.Start(ctx, nil)
//	st, _ = m.Send(ctx, st.RootEventID(), "SUBMIT")
//
// Concurrent sends against one instance are serialised by a named
// lock; the loser fails fast with AlreadyRunningError.
package machine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/machinaio/machina/pkg/archive"
	"github.com/machinaio/machina/pkg/core"
	"github.com/machinaio/machina/pkg/eventlog"
	"github.com/machinaio/machina/pkg/lock"
)

const instrumentationName = "github.com/machinaio/machina/pkg/machine"

// ErrNoResult is returned by Result when no active final state defines
// a result behavior.
var ErrNoResult = errors.New("machine: no result defined for the active state")

// Archiver is the slice of the archive service the machine needs:
// transparent restoration. Satisfied by *archive.Service.
type Archiver interface {
	RestoreMachine(ctx context.Context, rootEventID string, keepArchive bool) ([]*eventlog.MachineEvent, error)
	RestoreAndDelete(ctx context.Context, rootEventID string) ([]*eventlog.MachineEvent, error)
}

// Metrics receives operation counters from the machine. Implementations
// must be safe for concurrent use; see pkg/observability/prometheus.
type Metrics interface {
	SendObserved(machineID, outcome string, elapsed time.Duration)
	EventsAppended(machineID string, count int)
	RestoreObserved(machineID, source string)
	LockWaitObserved(machineID string, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) SendObserved(string, string, time.Duration) {}
func (nopMetrics) EventsAppended(string, int)                 {}
func (nopMetrics) RestoreObserved(string, string)             {}
func (nopMetrics) LockWaitObserved(string, time.Duration)     {}

// Machine runs instances of one compiled definition against a store,
// a concurrency gate, and optionally an archive. It is safe for
// concurrent use; per-instance writes are serialised by the gate.
type Machine struct {
	def      *MachineDefinition
	engine   *engine
	store    eventlog.Store
	gate     lock.Gate
	archiver Archiver

	logger      core.Logger
	metrics     Metrics
	tracer      trace.Tracer
	clock       func() time.Time
	lockTimeout time.Duration
}

// Option configures a Machine.
type Option func(*Machine)

// WithStore sets the event log store. Defaults to an in-memory store.
func WithStore(store eventlog.Store) Option {
	return func(m *Machine) { m.store = store }
}

// WithGate sets the concurrency gate. Defaults to an in-process gate,
// which is sufficient for a single worker; multi-worker deployments
// share a lock.PostgresGate.
func WithGate(gate lock.Gate) Option {
	return func(m *Machine) { m.gate = gate }
}

// WithArchiver enables transparent archive restoration.
func WithArchiver(a Archiver) Option {
	return func(m *Machine) { m.archiver = a }
}

// WithLogger sets the logger.
func WithLogger(logger core.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(m *Machine) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithTracerProvider sets the tracer provider for send/restore spans.
// Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Machine) { m.tracer = tp.Tracer(instrumentationName) }
}

// WithClock overrides the record timestamp source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.clock = now
		}
	}
}

// WithLockTimeout bounds how long a send waits for the instance lock.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

// New builds a Machine around a compiled definition.
func New(def *MachineDefinition, opts ...Option) (*Machine, error) {
	if def == nil {
		return nil, fmt.Errorf("machine: definition is nil")
	}
	m := &Machine{
		def:         def,
		logger:      core.NewDefaultLogger(),
		metrics:     nopMetrics{},
		clock:       time.Now,
		lockTimeout: lock.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = eventlog.NewMemoryStore()
	}
	if m.gate == nil {
		m.gate = lock.NewMemoryGate()
	}
	if m.tracer == nil {
		m.tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	}
	m.engine = newEngine(def, m.clock)
	return m, nil
}

// NewFromConfig compiles cfg against registry and builds a Machine.
func NewFromConfig(cfg *MachineConfig, registry *Registry, opts ...Option) (*Machine, error) {
	def, err := Compile(cfg, registry)
	if err != nil {
		return nil, err
	}
	return New(def, opts...)
}

// Definition returns the compiled definition.
func (m *Machine) Definition() *MachineDefinition { return m.def }

// ID returns the machine id.
func (m *Machine) ID() string { return m.def.id }

// Start creates a new instance: the machine.start record, the initial
// entry records, and the settle phase, persisted as one batch. The
// payload is merged into the initial context and stored on the start
// record. No lock is taken; the instance id does not exist yet.
func (m *Machine) Start(ctx context.Context, payload map[string]interface{}) (*State, error) {
	ctx, span := m.tracer.Start(ctx, "machina.start",
		trace.WithAttributes(attribute.String("machine.id", m.def.id)))
	defer span.End()

	state, err := m.engine.start(ctx, payload)
	if err != nil {
		if state != nil && m.def.shouldPersist && len(state.history) > 0 {
			if appendErr := m.append(ctx, state.history); appendErr != nil {
				m.logger.Warnf("machine %s: append partial start history: %v", m.def.id, appendErr)
			}
		}
		return nil, m.spanError(span, err)
	}

	if m.def.shouldPersist {
		if err := m.append(ctx, state.history); err != nil {
			return nil, m.spanError(span, err)
		}
	}
	span.SetAttributes(attribute.String("machine.root_event_id", state.rootEventID))
	m.logger.Debugf("machine %s: started instance %s in %v", m.def.id, state.rootEventID, state.value)

	if err := stepValidation(m.def, state, state.history); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return state, err
	}
	return state, nil
}

// Send delivers one event to an instance and persists the resulting
// records as one batch.
//
// An empty rootEventID creates the instance first (machine.start plus
// initial entries) and processes the event against it, all in the same
// batch; no lock is taken because the id does not exist until the
// batch is written. For existing instances the named lock serialises
// writers, and an instance that was archived is restored back into the
// active log before the event is processed.
//
// The event may be an Event or a bare type string. When the step fails
// and the event is not transactional, the records accumulated before
// the failure are still appended. A returned *ValidationError means
// the step succeeded and was persisted, but validation guards or the
// context container rejected it; the returned state is valid in that
// case.
func (m *Machine) Send(ctx context.Context, rootEventID string, input interface{}) (*State, error) {
	ev, err := normalizeEvent(input)
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{
		attribute.String("machine.id", m.def.id),
		attribute.String("event.type", ev.Type),
	}
	if rootEventID != "" {
		attrs = append(attrs, attribute.String("machine.root_event_id", rootEventID))
	}
	ctx, span := m.tracer.Start(ctx, "machina.send", trace.WithAttributes(attrs...))
	defer span.End()

	outcome := "ok"
	started := time.Now()
	defer func() {
		m.metrics.SendObserved(m.def.id, outcome, time.Since(started))
	}()

	if !m.def.shouldPersist && rootEventID != "" {
		outcome = "error"
		return nil, m.spanError(span, fmt.Errorf("machine %s does not persist; hold the state and use Step", m.def.id))
	}

	var state *State
	if rootEventID == "" {
		state, err = m.engine.start(ctx, nil)
		if err != nil {
			outcome = "error"
			return nil, m.spanError(span, m.appendPartial(ctx, state, 0, ev, err))
		}
	} else {
		lockStart := time.Now()
		release, err := m.gate.Acquire(ctx, lock.Name(rootEventID), m.lockTimeout)
		m.metrics.LockWaitObserved(m.def.id, time.Since(lockStart))
		if err != nil {
			outcome = "error"
			if errors.Is(err, lock.ErrAlreadyRunning) {
				return nil, m.spanError(span, &AlreadyRunningError{RootEventID: rootEventID})
			}
			return nil, m.spanError(span, fmt.Errorf("acquire instance lock: %w", err))
		}
		defer release()

		state, err = m.loadState(ctx, rootEventID, true)
		if err != nil {
			outcome = "error"
			return nil, m.spanError(span, err)
		}
	}

	mark := len(state.history)
	if rootEventID == "" {
		mark = 0
		span.SetAttributes(attribute.String("machine.root_event_id", state.rootEventID))
	}

	if err := m.engine.send(ctx, state, ev); err != nil {
		outcome = "error"
		return nil, m.spanError(span, m.appendPartial(ctx, state, mark, ev, err))
	}

	if m.def.shouldPersist {
		if err := m.append(ctx, state.history[mark:]); err != nil {
			outcome = "error"
			return nil, m.spanError(span, err)
		}
	}

	if err := stepValidation(m.def, state, state.history[mark:]); err != nil {
		outcome = "validation"
		span.SetStatus(codes.Error, err.Error())
		return state, err
	}
	return state, nil
}

// Step advances a caller-held state in memory: no lock, no
// persistence. It is the path for non-persistent machines; persistent
// flows use Send so the log stays authoritative. Returns the same
// state, advanced, or a *ValidationError alongside it when validation
// guards rejected the step.
func (m *Machine) Step(ctx context.Context, state *State, input interface{}) (*State, error) {
	ev, err := normalizeEvent(input)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("machine: state is nil")
	}
	mark := len(state.history)
	if err := m.engine.send(ctx, state, ev); err != nil {
		return nil, err
	}
	if err := stepValidation(m.def, state, state.history[mark:]); err != nil {
		return state, err
	}
	return state, nil
}

// Restore rebuilds an instance's state: from the active log, or
// transparently from the archive. The archive row is kept; its restore
// bookkeeping (restore count, last restored at) is updated, which
// holds off re-archival for the cooldown window.
func (m *Machine) Restore(ctx context.Context, rootEventID string) (*State, error) {
	ctx, span := m.tracer.Start(ctx, "machina.restore", trace.WithAttributes(
		attribute.String("machine.id", m.def.id),
		attribute.String("machine.root_event_id", rootEventID)))
	defer span.End()

	state, err := m.loadState(ctx, rootEventID, false)
	if err != nil {
		return nil, m.spanError(span, err)
	}
	return state, nil
}

// Result computes the machine's outcome through the result behavior
// of the first active final leaf that defines one. ErrNoResult when
// none does.
func (m *Machine) Result(ctx context.Context, state *State) (interface{}, error) {
	if state == nil {
		return nil, fmt.Errorf("machine: state is nil")
	}
	for _, leaf := range state.leaves {
		if leaf.result == nil {
			continue
		}
		scope := &Scope{Ctx: ctx, Context: state.context, Event: state.currentEvent, State: state, Arg: leaf.result.arg}
		out, err := leaf.result.result.Compute(scope)
		if err != nil {
			return nil, fmt.Errorf("result %s: %w", leaf.result.ref, err)
		}
		return out, nil
	}
	return nil, ErrNoResult
}

// WithScenario returns a machine running the named scenario overlay,
// sharing this machine's store, gate, archiver, and observability.
func (m *Machine) WithScenario(name string) (*Machine, error) {
	def, err := m.def.Scenario(name)
	if err != nil {
		return nil, err
	}
	clone := *m
	clone.def = def
	clone.engine = newEngine(def, m.clock)
	return &clone, nil
}

// Close releases the store and the gate. Call it only when this
// machine owns them.
func (m *Machine) Close() error {
	return errors.Join(m.store.Close(), m.gate.Close())
}

// loadState loads the instance history from the active log, falling
// back to the archive. consumeArchive selects the restore flavor: a
// send moves the history back into the active log and drops the
// archive row, a read-only restore keeps the row and bumps its
// bookkeeping.
func (m *Machine) loadState(ctx context.Context, rootEventID string, consumeArchive bool) (*State, error) {
	events, err := m.store.Load(ctx, rootEventID)
	switch {
	case err == nil:
		m.metrics.RestoreObserved(m.def.id, "log")

	case errors.Is(err, eventlog.ErrNotFound) && m.archiver != nil:
		if consumeArchive {
			events, err = m.archiver.RestoreAndDelete(ctx, rootEventID)
		} else {
			events, err = m.archiver.RestoreMachine(ctx, rootEventID, true)
		}
		if err != nil {
			if errors.Is(err, archive.ErrNotFound) {
				return nil, &RestoreFailureError{RootEventID: rootEventID}
			}
			return nil, &RestoreFailureError{RootEventID: rootEventID, Cause: err}
		}
		m.metrics.RestoreObserved(m.def.id, "archive")
		m.logger.Infof("machine %s: restored instance %s from archive (%d events)", m.def.id, rootEventID, len(events))

	case errors.Is(err, eventlog.ErrNotFound):
		return nil, &RestoreFailureError{RootEventID: rootEventID}

	default:
		return nil, fmt.Errorf("load instance %s: %w", rootEventID, err)
	}

	state, err := restoreState(m.def, events)
	if err != nil {
		return nil, &RestoreFailureError{RootEventID: rootEventID, Cause: err}
	}
	return state, nil
}

// append writes a record batch to the store.
func (m *Machine) append(ctx context.Context, events []*eventlog.MachineEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := m.store.Append(ctx, events); err != nil {
		return fmt.Errorf("append %d events: %w", len(events), err)
	}
	m.metrics.EventsAppended(m.def.id, len(events))
	return nil
}

// appendPartial handles a failed step: transactional events discard
// everything accumulated, anything else keeps the records written
// before the failure so the log reflects what actually ran.
func (m *Machine) appendPartial(ctx context.Context, state *State, mark int, ev Event, stepErr error) error {
	if state == nil || ev.Transactional || !m.def.shouldPersist {
		return stepErr
	}
	pending := state.history[mark:]
	if len(pending) == 0 {
		return stepErr
	}
	if err := m.append(ctx, pending); err != nil {
		m.logger.Warnf("machine %s: append partial history after failed step: %v", m.def.id, err)
	}
	return stepErr
}

func (m *Machine) spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// stepValidation reports the user-visible validation outcome of a step
// that already ran: validation-guard failures recorded during the step
// first, then the context container's own check. Either way the step
// stands; the error travels alongside the advanced state.
func stepValidation(def *MachineDefinition, state *State, records []*eventlog.MachineEvent) error {
	if vErr := validationFailures(def, records); vErr != nil {
		return vErr
	}
	return state.context.Validate()
}

// validationFailures scans appended records for failed validation
// guards and aggregates their messages, keyed by the event type that
// carried the rejected input. The first failure per event type wins.
func validationFailures(def *MachineDefinition, records []*eventlog.MachineEvent) *ValidationError {
	prefix := def.id + ".guard."
	var failures map[string]string

	for _, rec := range records {
		if rec.Source != eventlog.SourceInternal {
			continue
		}
		if !strings.HasPrefix(rec.Type, prefix) || !strings.HasSuffix(rec.Type, ".fail") {
			continue
		}
		ref := strings.TrimSuffix(strings.TrimPrefix(rec.Type, prefix), ".fail")
		guard, ok := def.guardsByRef[ref]
		if !ok {
			continue
		}
		if _, ok := guard.(ValidationGuard); !ok {
			continue
		}
		for eventType, raw := range rec.Payload {
			message, _ := raw.(string)
			if failures == nil {
				failures = make(map[string]string)
			}
			if _, exists := failures[eventType]; !exists {
				failures[eventType] = message
			}
		}
	}
	if failures == nil {
		return nil
	}
	return &ValidationError{Failures: failures}
}
