// Command example walks an order machine through its whole lifecycle:
// start, a rejected checkout, item validation, payment, fulfilment,
// the final receipt, archival and a restore from the archive.
//
// Everything runs in memory by default. Point it at a settings file to
// persist to SQLite, Postgres or MySQL instead:
//
//	example -settings machina.yaml -trace
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/machinaio/machina/pkg/archive"
	"github.com/machinaio/machina/pkg/config"
	"github.com/machinaio/machina/pkg/core"
	"github.com/machinaio/machina/pkg/eventlog"
	"github.com/machinaio/machina/pkg/machine"
	"github.com/machinaio/machina/pkg/observability/prometheus"
)

const orderMachine = `
id: order
context:
  items: 0
  total: 0.0
initial: cart
states:
  cart:
    on:
      ADD_ITEM:
        actions: [addItem]
      CHECKOUT:
        - target: payment
          guards: [hasItems]
  payment:
    on:
      PAY:
        target: fulfilment
        actions: [recordPayment]
      CANCEL: cancelled
  fulfilment:
    initial: picking
    states:
      picking:
        on:
          PICKED: packed
      packed:
        type: final
    on_done: delivered
  delivered:
    type: final
    result: receipt
  cancelled:
    type: final
`

func orderRegistry() *machine.Registry {
	return machine.NewRegistry().
		RegisterActionFunc("addItem", func(s *machine.Scope) error {
			count, _ := s.Context.Get("items")
			n, _ := count.(int)
			s.Context.Set("items", n+1)

			total, _ := s.Context.Get("total")
			sum, _ := total.(float64)
			price, _ := s.Event.Payload["price"].(float64)
			s.Context.Set("total", sum+price)
			return nil
		}).
		RegisterGuard("hasItems", machine.NewValidationGuard(
			"Cart is empty",
			func(s *machine.Scope) (bool, error) {
				count, _ := s.Context.Get("items")
				n, _ := count.(int)
				return n > 0, nil
			},
		)).
		RegisterActionFunc("recordPayment", func(s *machine.Scope) error {
			s.Context.Set("paid_at", s.Event.Payload["at"])
			return nil
		}).
		RegisterResultFunc("receipt", func(s *machine.Scope) (interface{}, error) {
			items, _ := s.Context.Get("items")
			total, _ := s.Context.Get("total")
			return map[string]interface{}{"items": items, "total": total}, nil
		}).
		RegisterEvent("ADD_ITEM", machine.EventDefinitionFunc(func(payload map[string]interface{}) error {
			if _, ok := payload["sku"].(string); !ok {
				return fmt.Errorf("ADD_ITEM requires a sku")
			}
			return nil
		}))
}

func buildStores(settings *config.Settings) (eventlog.Store, archive.Storage, error) {
	switch settings.Database.Driver {
	case config.DriverMemory:
		store := eventlog.NewMemoryStore()
		storage, err := archive.NewMemoryStorage(store)
		return store, storage, err
	case config.DriverSQLite:
		store, err := eventlog.NewSQLiteStore(settings.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		storage, err := archive.NewSQLStorage(store)
		return store, storage, err
	case config.DriverPostgres:
		store, err := eventlog.NewPostgresStore(settings.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		storage, err := archive.NewSQLStorage(store)
		return store, storage, err
	case config.DriverMySQL:
		store, err := eventlog.NewMySQLStore(settings.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		storage, err := archive.NewSQLStorage(store)
		return store, storage, err
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", settings.Database.Driver)
	}
}

func buildLogger(settings *config.Settings) core.Logger {
	if settings.Logging.Format == "json" {
		return core.NewJSONLogger()
	}
	return core.NewDefaultLogger()
}

func run(settingsPath string, withTrace bool) error {
	ctx := context.Background()

	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	logger := buildLogger(settings).WithFields(map[string]interface{}{"machine": "order"})

	store, storage, err := buildStores(settings)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	archiver, err := archive.NewService(storage, settings.Archival, archive.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("archive service: %w", err)
	}

	cfg, err := machine.ParseYAMLConfig([]byte(orderMachine))
	if err != nil {
		return fmt.Errorf("parse machine config: %w", err)
	}

	opts := []machine.Option{
		machine.WithStore(store),
		machine.WithArchiver(archiver),
		machine.WithLogger(logger),
		machine.WithMetrics(prometheus.GetMetrics()),
		machine.WithLockTimeout(time.Duration(settings.Machine.LockTimeoutSeconds) * time.Second),
	}
	if withTrace {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		defer tp.Shutdown(ctx)
		opts = append(opts, machine.WithTracerProvider(tp))
	}

	m, err := machine.NewFromConfig(cfg, orderRegistry(), opts...)
	if err != nil {
		return fmt.Errorf("build machine: %w", err)
	}
	defer m.Close()

	state, err := m.Start(ctx, map[string]interface{}{"customer": "ada"})
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	root := state.RootEventID()
	fmt.Printf("started instance %s in %v\n", root, state.Value())

	// An empty cart cannot check out; the guard failure comes back as a
	// validation error while the instance stays where it was.
	if _, err := m.Send(ctx, root, "CHECKOUT"); err != nil {
		fmt.Printf("checkout rejected: %v\n", err)
	}

	// The ADD_ITEM payload is validated before the step runs.
	if _, err := m.Send(ctx, root, machine.Event{Type: "ADD_ITEM"}); err != nil {
		fmt.Printf("bad item rejected: %v\n", err)
	}

	for _, item := range []struct {
		sku   string
		price float64
	}{
		{"book-001", 24.90},
		{"pen-007", 3.50},
	} {
		state, err = m.Send(ctx, root, machine.Event{
			Type:    "ADD_ITEM",
			Payload: map[string]interface{}{"sku": item.sku, "price": item.price},
		})
		if err != nil {
			return fmt.Errorf("add %s: %w", item.sku, err)
		}
	}

	for _, ev := range []machine.Event{
		{Type: "CHECKOUT"},
		{Type: "PAY", Payload: map[string]interface{}{"at": time.Now().UTC().Format(time.RFC3339)}},
		{Type: "PICKED"},
	} {
		state, err = m.Send(ctx, root, ev)
		if err != nil {
			return fmt.Errorf("send %s: %w", ev.Type, err)
		}
		fmt.Printf("%-8s -> %v\n", ev.Type, state.Value())
	}

	if !state.Done() {
		return fmt.Errorf("order did not finish, still in %v", state.Value())
	}
	receipt, err := m.Result(ctx, state)
	if err != nil {
		return fmt.Errorf("result: %w", err)
	}
	fmt.Printf("receipt: %v after %d records\n", receipt, state.SequenceNumber())

	record, err := archiver.ArchiveMachine(ctx, root)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	fmt.Printf("archived %d events, %d -> %d bytes\n",
		record.EventCount, record.OriginalSize, record.CompressedSize)

	restored, err := m.Restore(ctx, root)
	if err != nil {
		return fmt.Errorf("restore from archive: %w", err)
	}
	fmt.Printf("restored %s in %v with context %v\n",
		restored.RootEventID(), restored.Value(), restored.Context().AsMap())
	return nil
}

func main() {
	settingsPath := flag.String("settings", "", "path to a machina settings file (YAML or JSON)")
	withTrace := flag.Bool("trace", false, "print spans to stdout")
	flag.Parse()

	if err := run(*settingsPath, *withTrace); err != nil {
		fmt.Fprintln(os.Stderr, "example:", err)
		os.Exit(1)
	}
}
