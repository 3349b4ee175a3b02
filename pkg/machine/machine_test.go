package machine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/machinaio/machina/pkg/archive"
	"github.com/machinaio/machina/pkg/eventlog"
	"github.com/machinaio/machina/pkg/lock"
)

func newTestMachine(t *testing.T, cfg *MachineConfig, reg *Registry, opts ...Option) *Machine {
	t.Helper()
	m, err := NewFromConfig(cfg, reg, append([]Option{WithClock(stepClock())}, opts...)...)
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	return m
}

func assertContiguous(t *testing.T, events []*eventlog.MachineEvent) {
	t.Helper()
	for i, ev := range events {
		if ev.SequenceNumber != i+1 {
			t.Fatalf("record %d has sequence number %d, want %d", i, ev.SequenceNumber, i+1)
		}
	}
}

func TestStartPersistsHistory(t *testing.T) {
	store := eventlog.NewMemoryStore()
	m := newTestMachine(t, mediaConfig(), mediaRegistry(), WithStore(store))
	if m.ID() != "media" {
		t.Fatalf("ID() = %s, want media", m.ID())
	}

	state, err := m.Start(context.Background(), map[string]interface{}{"user": "ada"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if state.RootEventID() == "" {
		t.Fatal("RootEventID() is empty after Start")
	}

	persisted, err := store.Load(context.Background(), state.RootEventID())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(persisted) != len(state.History()) {
		t.Fatalf("persisted %d records, state holds %d", len(persisted), len(state.History()))
	}
	assertContiguous(t, persisted)
	if persisted[0].Type != "media.machine.start" {
		t.Errorf("first record = %s, want media.machine.start", persisted[0].Type)
	}
	if persisted[0].Payload["user"] != "ada" {
		t.Errorf("start payload = %v, want the start payload", persisted[0].Payload)
	}

	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestSendAppendsToLog(t *testing.T) {
	store := eventlog.NewMemoryStore()
	m := newTestMachine(t, mediaConfig(), mediaRegistry(), WithStore(store))

	first, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	state, err := m.Send(context.Background(), first.RootEventID(), "PLAY")
	if err != nil {
		t.Fatalf("Send(PLAY) error = %v", err)
	}
	if got, want := state.Value(), []string{"media.playing.track"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Value() = %v, want %v", got, want)
	}
	if state.RootEventID() != first.RootEventID() {
		t.Errorf("root changed across Send: %s -> %s", first.RootEventID(), state.RootEventID())
	}

	persisted, err := store.Load(context.Background(), first.RootEventID())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertContiguous(t, persisted)
	if len(persisted) != state.SequenceNumber() {
		t.Errorf("persisted %d records, state sequence is %d", len(persisted), state.SequenceNumber())
	}
	if last := persisted[len(persisted)-1]; last.Type != "media.state.playing.track.enter" {
		t.Errorf("last record = %s, want the leaf enter row", last.Type)
	}
}

func TestSendEmptyRootCreatesInstance(t *testing.T) {
	store := eventlog.NewMemoryStore()
	m := newTestMachine(t, mediaConfig(), mediaRegistry(), WithStore(store))

	state, err := m.Send(context.Background(), "", "PLAY")
	if err != nil {
		t.Fatalf("Send(\"\", PLAY) error = %v", err)
	}
	if state.RootEventID() == "" {
		t.Fatal("RootEventID() is empty after creating send")
	}
	if got, want := state.Value(), []string{"media.playing.track"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Value() = %v, want %v", got, want)
	}

	// Creation and the first event land as one batch.
	persisted, err := store.Load(context.Background(), state.RootEventID())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertContiguous(t, persisted)
	if persisted[0].Type != "media.machine.start" {
		t.Errorf("first record = %s, want media.machine.start", persisted[0].Type)
	}
	var external []string
	for _, rec := range persisted {
		if rec.Source == eventlog.SourceExternal {
			external = append(external, rec.Type)
		}
	}
	if want := []string{"media.machine.start", "PLAY"}; !reflect.DeepEqual(external, want) {
		t.Errorf("external records = %v, want %v", external, want)
	}
}

func TestSendUnknownInstance(t *testing.T) {
	m := newTestMachine(t, mediaConfig(), mediaRegistry())

	_, err := m.Send(context.Background(), "ghost", "PLAY")
	var restoreErr *RestoreFailureError
	if !errors.As(err, &restoreErr) {
		t.Fatalf("Send() error = %v, want *RestoreFailureError", err)
	}
	if restoreErr.RootEventID != "ghost" {
		t.Errorf("RootEventID = %s, want ghost", restoreErr.RootEventID)
	}
}

func TestSendWhileInstanceLocked(t *testing.T) {
	gate := lock.NewMemoryGate()
	m := newTestMachine(t, mediaConfig(), mediaRegistry(),
		WithGate(gate), WithLockTimeout(25*time.Millisecond))

	state, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	release, err := gate.Acquire(context.Background(), lock.Name(state.RootEventID()), time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	_, err = m.Send(context.Background(), state.RootEventID(), "PLAY")
	var running *AlreadyRunningError
	if !errors.As(err, &running) {
		t.Fatalf("Send() error = %v, want *AlreadyRunningError", err)
	}
	if running.RootEventID != state.RootEventID() {
		t.Errorf("RootEventID = %s, want %s", running.RootEventID, state.RootEventID())
	}
	if !errors.Is(err, lock.ErrAlreadyRunning) {
		t.Error("error does not unwrap to lock.ErrAlreadyRunning")
	}

	release()
	if _, err := m.Send(context.Background(), state.RootEventID(), "PLAY"); err != nil {
		t.Fatalf("Send() after release error = %v", err)
	}
}

func faultyMachine(t *testing.T) (*Machine, *eventlog.MemoryStore) {
	t.Helper()
	cfg := &MachineConfig{
		ID: "faulty",
		StateNodeConfig: StateNodeConfig{
			Initial: "a",
			States: NewStateMap().
				Set("a", &StateNodeConfig{On: map[string]*TransitionSpec{
					"GO": TB(TransitionBranch{Target: "b", Actions: StringList{"explode"}}),
				}}).
				Set("b", &StateNodeConfig{}),
		},
	}
	reg := NewRegistry().RegisterActionFunc("explode", func(s *Scope) error {
		return errors.New("boom")
	})
	store := eventlog.NewMemoryStore()
	return newTestMachine(t, cfg, reg, WithStore(store)), store
}

func TestTransactionalStepDiscardsRecords(t *testing.T) {
	m, store := faultyMachine(t)
	state, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err = m.Send(context.Background(), state.RootEventID(), Event{Type: "GO", Transactional: true})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Send() error = %v, want the action failure", err)
	}

	persisted, err := store.Load(context.Background(), state.RootEventID())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(persisted) != len(state.History()) {
		t.Errorf("log has %d records after rollback, want the %d start records", len(persisted), len(state.History()))
	}
}

func TestFailedStepKeepsPartialRecords(t *testing.T) {
	m, store := faultyMachine(t)
	state, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err = m.Send(context.Background(), state.RootEventID(), E("GO"))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Send() error = %v, want the action failure", err)
	}

	persisted, err := store.Load(context.Background(), state.RootEventID())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertContiguous(t, persisted)
	if last := persisted[len(persisted)-1]; last.Type != "faulty.action.explode.start" {
		t.Errorf("last record = %s, want the dangling action start", last.Type)
	}

	// The failed step never committed a value change, so the log still
	// restores to the source state.
	recovered, err := m.Restore(context.Background(), state.RootEventID())
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got, want := recovered.Value(), []string{"faulty.a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("recovered value = %v, want %v", got, want)
	}
}

func TestSendSurfacesValidationFailures(t *testing.T) {
	store := eventlog.NewMemoryStore()
	m := newTestMachine(t, walletConfig(), walletRegistry(), WithStore(store))

	state, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	rejected, err := m.Send(context.Background(), state.RootEventID(),
		Event{Type: "SET_AMOUNT", Payload: map[string]interface{}{"amount": -5}})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Send() error = %v, want *ValidationError", err)
	}
	if got := vErr.Failures["SET_AMOUNT"]; got != "Amount must be positive" {
		t.Errorf("failure message = %q, want the guard message", got)
	}
	if rejected == nil {
		t.Fatal("state is nil alongside ValidationError")
	}
	if got, want := rejected.Value(), []string{"wallet.open"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Value() = %v, want unchanged %v", got, want)
	}

	// The vetoed step is history too.
	persisted, err := store.Load(context.Background(), state.RootEventID())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if last := persisted[len(persisted)-1]; last.Type != "wallet.guard.amountPositive.fail" {
		t.Errorf("last record = %s, want the guard fail row", last.Type)
	}

	after, err := m.Send(context.Background(), state.RootEventID(),
		Event{Type: "SET_AMOUNT", Payload: map[string]interface{}{"amount": 10}})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if v, _ := after.Context().Get("amount"); v != 10 {
		t.Errorf("context amount = %v, want 10", v)
	}
}

func TestNonPersistentMachineSteps(t *testing.T) {
	cfg := mediaConfig()
	persist := false
	cfg.Persist = &persist
	store := eventlog.NewMemoryStore()
	m := newTestMachine(t, cfg, mediaRegistry(), WithStore(store))

	state, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if roots := store.Roots(); len(roots) != 0 {
		t.Fatalf("store has %d roots, want none for a non-persistent machine", len(roots))
	}

	state, err = m.Step(context.Background(), state, "PLAY")
	if err != nil {
		t.Fatalf("Step(PLAY) error = %v", err)
	}
	if got, want := state.Value(), []string{"media.playing.track"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Value() = %v, want %v", got, want)
	}

	_, err = m.Send(context.Background(), state.RootEventID(), "STOP")
	if err == nil || !strings.Contains(err.Error(), "does not persist") {
		t.Fatalf("Send() error = %v, want the persistence refusal", err)
	}
	if roots := store.Roots(); len(roots) != 0 {
		t.Errorf("store has %d roots after Step, want none", len(roots))
	}
}

func TestStepReportsValidationFailures(t *testing.T) {
	cfg := walletConfig()
	persist := false
	cfg.Persist = &persist
	m := newTestMachine(t, cfg, walletRegistry())

	state, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	state, err = m.Step(context.Background(), state,
		Event{Type: "SET_AMOUNT", Payload: map[string]interface{}{"amount": -1}})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Step() error = %v, want *ValidationError", err)
	}
	if state == nil || !state.Matches("open") {
		t.Error("state not returned intact alongside the validation error")
	}
}

func TestRestoreRebuildsState(t *testing.T) {
	store := eventlog.NewMemoryStore()
	m := newTestMachine(t, mediaConfig(), mediaRegistry(), WithStore(store))

	state, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	root := state.RootEventID()
	if _, err := m.Send(context.Background(), root, "PLAY"); err != nil {
		t.Fatalf("Send(PLAY) error = %v", err)
	}
	live, err := m.Send(context.Background(), root, "PAUSE")
	if err != nil {
		t.Fatalf("Send(PAUSE) error = %v", err)
	}

	restored, err := m.Restore(context.Background(), root)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if !reflect.DeepEqual(restored.Value(), live.Value()) {
		t.Errorf("restored value = %v, live value = %v", restored.Value(), live.Value())
	}
	if restored.SequenceNumber() != live.SequenceNumber() {
		t.Errorf("restored sequence = %d, live sequence = %d", restored.SequenceNumber(), live.SequenceNumber())
	}
	if !reflect.DeepEqual(restored.Context().AsMap(), live.Context().AsMap()) {
		t.Errorf("restored context = %v, live context = %v", restored.Context().AsMap(), live.Context().AsMap())
	}
	if !restored.Matches("playing.paused") {
		t.Errorf("restored state %v does not match playing.paused", restored.Value())
	}
}

func TestRestoreUnknownInstance(t *testing.T) {
	m := newTestMachine(t, mediaConfig(), mediaRegistry())

	_, err := m.Restore(context.Background(), "missing")
	var restoreErr *RestoreFailureError
	if !errors.As(err, &restoreErr) {
		t.Fatalf("Restore() error = %v, want *RestoreFailureError", err)
	}
	if restoreErr.RootEventID != "missing" {
		t.Errorf("RootEventID = %s, want missing", restoreErr.RootEventID)
	}
	if restoreErr.Cause != nil {
		t.Errorf("Cause = %v, want nil for an instance that never existed", restoreErr.Cause)
	}
}

func pollConfig() *MachineConfig {
	return &MachineConfig{
		ID:      "poll",
		Context: map[string]interface{}{"votes": 0},
		StateNodeConfig: StateNodeConfig{
			Initial: "open",
			States: NewStateMap().
				Set("open", &StateNodeConfig{On: map[string]*TransitionSpec{
					"VOTE":  TB(TransitionBranch{Actions: StringList{"tally"}}),
					"CLOSE": T("closed"),
				}}).
				Set("closed", &StateNodeConfig{Type: TypeFinal, Result: "finalCount"}),
		},
	}
}

func pollRegistry() *Registry {
	return NewRegistry().
		RegisterActionFunc("tally", func(s *Scope) error {
			n, _ := s.Context.Get("votes")
			count, _ := n.(int)
			s.Context.Set("votes", count+1)
			return nil
		}).
		RegisterResultFunc("finalCount", func(s *Scope) (interface{}, error) {
			v, _ := s.Context.Get("votes")
			return v, nil
		})
}

func TestResultFromFinalLeaf(t *testing.T) {
	m := newTestMachine(t, pollConfig(), pollRegistry())

	state, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	root := state.RootEventID()
	for i := 0; i < 2; i++ {
		if state, err = m.Send(context.Background(), root, "VOTE"); err != nil {
			t.Fatalf("Send(VOTE) error = %v", err)
		}
	}

	if _, err := m.Result(context.Background(), state); !errors.Is(err, ErrNoResult) {
		t.Fatalf("Result() before the final state: error = %v, want ErrNoResult", err)
	}

	state, err = m.Send(context.Background(), root, "CLOSE")
	if err != nil {
		t.Fatalf("Send(CLOSE) error = %v", err)
	}
	if !state.Done() {
		t.Fatalf("Done() = false in %v, want true", state.Value())
	}
	out, err := m.Result(context.Background(), state)
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if out != 2 {
		t.Errorf("Result() = %v, want 2", out)
	}
}

func archivedMachine(t *testing.T) (*Machine, *eventlog.MemoryStore, *archive.MemoryStorage, string) {
	t.Helper()
	store := eventlog.NewMemoryStore()
	storage, err := archive.NewMemoryStorage(store)
	if err != nil {
		t.Fatalf("NewMemoryStorage() error = %v", err)
	}
	svc, err := archive.NewService(storage, archive.DefaultConfig())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	m := newTestMachine(t, mediaConfig(), mediaRegistry(), WithStore(store), WithArchiver(svc))

	state, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	root := state.RootEventID()
	if _, err := m.Send(context.Background(), root, "PLAY"); err != nil {
		t.Fatalf("Send(PLAY) error = %v", err)
	}

	rec, err := svc.ArchiveMachine(context.Background(), root)
	if err != nil {
		t.Fatalf("ArchiveMachine() error = %v", err)
	}
	if rec == nil {
		t.Fatal("ArchiveMachine() returned no record")
	}
	if _, err := store.Load(context.Background(), root); !errors.Is(err, eventlog.ErrNotFound) {
		t.Fatalf("Load() after archival: error = %v, want ErrNotFound", err)
	}
	return m, store, storage, root
}

func TestSendRestoresArchivedInstance(t *testing.T) {
	m, store, storage, root := archivedMachine(t)

	// Addressing the archived instance brings it back transparently and
	// consumes the archive row.
	state, err := m.Send(context.Background(), root, "STOP")
	if err != nil {
		t.Fatalf("Send(STOP) error = %v", err)
	}
	if got, want := state.Value(), []string{"media.stopped"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Value() = %v, want %v", got, want)
	}

	persisted, err := store.Load(context.Background(), root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertContiguous(t, persisted)
	if len(persisted) != state.SequenceNumber() {
		t.Errorf("persisted %d records, state sequence is %d", len(persisted), state.SequenceNumber())
	}
	if _, err := storage.Get(context.Background(), root); !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("Get() after consuming send: error = %v, want ErrNotFound", err)
	}
}

func TestRestoreKeepsArchiveRow(t *testing.T) {
	m, store, storage, root := archivedMachine(t)

	restored, err := m.Restore(context.Background(), root)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got, want := restored.Value(), []string{"media.playing.track"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("restored value = %v, want %v", got, want)
	}

	rec, err := storage.Get(context.Background(), root)
	if err != nil {
		t.Fatalf("Get() after read-only restore: error = %v", err)
	}
	if rec.RestoreCount != 1 {
		t.Errorf("RestoreCount = %d, want 1", rec.RestoreCount)
	}
	if rec.LastRestoredAt == nil {
		t.Error("LastRestoredAt not set")
	}
	if _, err := store.Load(context.Background(), root); !errors.Is(err, eventlog.ErrNotFound) {
		t.Errorf("active log repopulated by a read-only restore: error = %v", err)
	}
}

type recordingMetrics struct {
	sends    []string
	appended int
	restores []string
	locks    int
}

func (r *recordingMetrics) SendObserved(machineID, outcome string, elapsed time.Duration) {
	r.sends = append(r.sends, outcome)
}

func (r *recordingMetrics) EventsAppended(machineID string, count int) { r.appended += count }

func (r *recordingMetrics) RestoreObserved(machineID, source string) {
	r.restores = append(r.restores, source)
}

func (r *recordingMetrics) LockWaitObserved(machineID string, elapsed time.Duration) { r.locks++ }

func TestMetricsObserved(t *testing.T) {
	rec := &recordingMetrics{}
	m := newTestMachine(t, walletConfig(), walletRegistry(), WithMetrics(rec))

	state, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	root := state.RootEventID()

	if _, err := m.Send(context.Background(), root,
		Event{Type: "SET_AMOUNT", Payload: map[string]interface{}{"amount": 10}}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	var vErr *ValidationError
	if _, err := m.Send(context.Background(), root,
		Event{Type: "SET_AMOUNT", Payload: map[string]interface{}{"amount": -1}}); !errors.As(err, &vErr) {
		t.Fatalf("Send() error = %v, want *ValidationError", err)
	}
	if _, err := m.Send(context.Background(), "ghost", "CLOSE"); err == nil {
		t.Fatal("Send(ghost) succeeded, want restore failure")
	}

	if want := []string{"ok", "validation", "error"}; !reflect.DeepEqual(rec.sends, want) {
		t.Errorf("send outcomes = %v, want %v", rec.sends, want)
	}
	// Start batch (2) + accepted step (5) + vetoed step (2).
	if rec.appended != 9 {
		t.Errorf("appended = %d records, want 9", rec.appended)
	}
	if want := []string{"log", "log"}; !reflect.DeepEqual(rec.restores, want) {
		t.Errorf("restore sources = %v, want %v", rec.restores, want)
	}
	if rec.locks != 3 {
		t.Errorf("lock waits = %d, want 3", rec.locks)
	}
}

func TestSendEmitsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	m := newTestMachine(t, mediaConfig(), mediaRegistry(), WithTracerProvider(tp))

	state, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := m.Send(context.Background(), state.RootEventID(), "PLAY"); err != nil {
		t.Fatalf("Send(PLAY) error = %v", err)
	}

	spans := recorder.Ended()
	names := make([]string, len(spans))
	for i, span := range spans {
		names[i] = span.Name()
	}
	if want := []string{"machina.start", "machina.send"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("span names = %v, want %v", names, want)
	}

	attrs := make(map[attribute.Key]string)
	for _, kv := range spans[1].Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	if attrs["machine.id"] != "media" {
		t.Errorf(`span attribute machine.id = %q, want "media"`, attrs["machine.id"])
	}
	if attrs["event.type"] != "PLAY" {
		t.Errorf(`span attribute event.type = %q, want "PLAY"`, attrs["event.type"])
	}
	if attrs["machine.root_event_id"] != state.RootEventID() {
		t.Errorf("span attribute machine.root_event_id = %q, want %q",
			attrs["machine.root_event_id"], state.RootEventID())
	}
}

func TestSendRejectsBadInput(t *testing.T) {
	m := newTestMachine(t, mediaConfig(), mediaRegistry())

	if _, err := m.Send(context.Background(), "", 42); err == nil || !strings.Contains(err.Error(), "unsupported event input") {
		t.Errorf("Send(42) error = %v, want the input rejection", err)
	}
	if _, err := m.Send(context.Background(), "", ""); err == nil || !strings.Contains(err.Error(), "event type cannot be empty") {
		t.Errorf("Send(\"\") error = %v, want the empty-type rejection", err)
	}
	if _, err := m.Step(context.Background(), nil, "PLAY"); err == nil || !strings.Contains(err.Error(), "state is nil") {
		t.Errorf("Step(nil) error = %v, want the nil-state rejection", err)
	}
}
