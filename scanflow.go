package scanflow

import (
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/scanflow/internal/bus"
	cfg "github.com/loykin/scanflow/internal/config"
	"github.com/loykin/scanflow/internal/coordinator"
	"github.com/loykin/scanflow/internal/history"
	"github.com/loykin/scanflow/internal/logger"
	"github.com/loykin/scanflow/internal/metrics"
	"github.com/loykin/scanflow/internal/outbox"
	"github.com/loykin/scanflow/internal/record"
	"github.com/loykin/scanflow/internal/retry"
	iapi "github.com/loykin/scanflow/internal/server"
	"github.com/loykin/scanflow/internal/sink"
	"github.com/loykin/scanflow/internal/sink/factory"
	"github.com/loykin/scanflow/internal/state"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Record = record.Record

type Kind = record.Kind

type RawEvent = coordinator.RawEvent

type Outcome = coordinator.Outcome

type OutcomeStatus = coordinator.OutcomeStatus

const (
	StatusAccepted  = coordinator.StatusAccepted
	StatusDuplicate = coordinator.StatusDuplicate
	StatusRejected  = coordinator.StatusRejected
)

type State = state.State

type Stats = history.Stats

type Archive = history.Archive

type Sink = sink.Sink

type EventType = bus.EventType

type Event = bus.Event

type SubscriptionID = bus.SubscriptionID

type ScanOutcome = coordinator.ScanOutcome

type HistoryOptions = history.Options

type RetryPolicy = retry.Policy

const (
	EventStateChanged   = bus.EventStateChanged
	EventScanOutcome    = bus.EventScanOutcome
	EventRetryAttempt   = bus.EventRetryAttempt
	EventRetrySucceeded = bus.EventRetrySucceeded
	EventRetryExhausted = bus.EventRetryExhausted
	EventHistoryRotated = bus.EventHistoryRotated
	EventHistoryFlushed = bus.EventHistoryFlushed
)

// Options configure an Engine built without a config file. Zero values keep
// the component defaults; SinkDSN is the only required field besides
// History.Dir.
type Options struct {
	History history.Options
	Retry   retry.Policy
	SinkDSN string
	// OutboxDSN defaults to a SQLite file inside History.Dir.
	OutboxDSN string
	Log       logger.Config
}

// Engine is a thin facade wiring the pipeline together: event bus, state
// machine, history store, outbox, delivery sink, and retry scheduler.
type Engine struct {
	coord *coordinator.Coordinator
	store *history.Store
	bus   *bus.Registry
}

// New builds an engine from options. The engine is idle until Start.
func New(opts Options) (*Engine, error) {
	log := logger.New(opts.Log)
	reg := bus.New(log)

	policy := opts.Retry
	if policy == (retry.Policy{}) {
		policy = retry.DefaultPolicy
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	// flushes get a short schedule of their own so a slow disk does not
	// hold the delivery policy hostage
	ioPolicy := retry.Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	store, err := history.Open(opts.History, retry.New(ioPolicy, nil, log), reg, log)
	if err != nil {
		return nil, err
	}

	snk, err := factory.NewSinkFromDSN(opts.SinkDSN)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	outboxDSN := opts.OutboxDSN
	if outboxDSN == "" {
		outboxDSN = "sqlite://" + opts.History.Dir + "/outbox.db"
	}
	ob, err := outbox.Open(outboxDSN)
	if err != nil {
		_ = store.Close()
		_ = snk.Close()
		return nil, err
	}

	coord, err := coordinator.New(coordinator.Config{
		Machine:  state.New(0, reg),
		Store:    store,
		Outbox:   ob,
		Sink:     snk,
		Delivery: retry.New(policy, reg, log),
		Bus:      reg,
		Log:      log,
	})
	if err != nil {
		_ = store.Close()
		_ = snk.Close()
		_ = ob.Close()
		return nil, err
	}
	return &Engine{coord: coord, store: store, bus: reg}, nil
}

// NewFromConfig builds an engine from a TOML config file.
func NewFromConfig(path string) (*Engine, error) {
	fc, err := cfg.Load(path)
	if err != nil {
		return nil, err
	}
	opts := Options{
		History:   fc.History.Options(),
		Retry:     fc.Retry.EffectivePolicy(),
		SinkDSN:   fc.Sink.DSN,
		OutboxDSN: fc.OutboxDSN(),
	}
	if fc.Log != nil {
		opts.Log = *fc.Log
	}
	return New(opts)
}

// Start begins accepting scans and redelivers anything left pending by a
// previous run.
func (e *Engine) Start() error { return e.coord.Start() }

// Submit runs one scan through the pipeline.
func (e *Engine) Submit(raw RawEvent) Outcome { return e.coord.Submit(raw) }

// Subscribe registers a handler for engine events. See the bus package for
// event types and payloads.
func (e *Engine) Subscribe(kind EventType, fn func(Event) error) SubscriptionID {
	return e.bus.Subscribe(kind, fn)
}

// Unsubscribe removes a previously registered handler.
func (e *Engine) Unsubscribe(id SubscriptionID) { e.bus.Unsubscribe(id) }

// History returns up to n records, newest first; n <= 0 returns all.
func (e *Engine) History(n int) []Record { return e.store.Recent(n) }

// Search returns records matching the query in payload or derived fields.
func (e *Engine) Search(q string) []Record { return e.store.Search(q) }

// Stats summarizes the current history file.
func (e *Engine) Stats() Stats { return e.store.Stats() }

// Archives lists rotated history files, oldest first.
func (e *Engine) Archives() []Archive { return e.store.Archives() }

// Rotate archives the current history file and starts a fresh one.
func (e *Engine) Rotate() error { return e.store.Rotate() }

// ExportCSV writes the current history file as CSV with a header row.
func (e *Engine) ExportCSV(w io.Writer) error { return e.store.ExportCSV(w) }

// State returns the engine's current pipeline state.
func (e *Engine) State() State { return e.coord.State() }

// Reset acknowledges a failure and resumes scanning.
func (e *Engine) Reset() error { return e.coord.Reset() }

// Close drains in-flight deliveries and flushes history.
func (e *Engine) Close() error { return e.coord.Close() }

// NewHTTPServer starts an HTTP server exposing the engine's API.
func (e *Engine) NewHTTPServer(addr, basePath string) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, e.coord, e.store)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
