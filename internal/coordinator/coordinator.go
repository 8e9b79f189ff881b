package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/scanflow/internal/bus"
	"github.com/loykin/scanflow/internal/history"
	"github.com/loykin/scanflow/internal/metrics"
	"github.com/loykin/scanflow/internal/outbox"
	"github.com/loykin/scanflow/internal/record"
	"github.com/loykin/scanflow/internal/retry"
	"github.com/loykin/scanflow/internal/sink"
	"github.com/loykin/scanflow/internal/state"
)

// RawEvent is a decoded scan as produced by a capture source, before
// validation and enrichment.
type RawEvent struct {
	Payload    string            `json:"payload"`
	Kind       record.Kind       `json:"barcode_kind"`
	Source     string            `json:"source,omitempty"`
	CapturedAt time.Time         `json:"captured_at,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// OutcomeStatus classifies how a submission terminated.
type OutcomeStatus string

const (
	StatusAccepted  OutcomeStatus = "accepted"
	StatusDuplicate OutcomeStatus = "duplicate"
	StatusRejected  OutcomeStatus = "rejected"
)

// Outcome is returned to the submitter once the record's fate is decided.
// Delivery continues asynchronously after an accepted outcome.
type Outcome struct {
	Status OutcomeStatus `json:"status"`
	Record record.Record `json:"record,omitempty"`
	Err    error         `json:"-"`
}

// ScanOutcome is the payload published on scan_outcome events. For accepted
// records it is published when delivery finishes, carrying the delivery error
// if the sink never accepted the record.
type ScanOutcome struct {
	Status        OutcomeStatus `json:"status"`
	RecordID      string        `json:"record_id,omitempty"`
	Kind          record.Kind   `json:"barcode_kind,omitempty"`
	Error         string        `json:"error,omitempty"`
	DeliveryError string        `json:"delivery_error,omitempty"`
}

// ErrNotRunning is returned by Submit when the engine is stopped or stuck in
// the error state.
var ErrNotRunning = errors.New("coordinator is not accepting scans")

// Config wires a Coordinator. Machine, Store, Outbox, Sink, and Delivery are
// required; Bus and Log may be nil.
type Config struct {
	Machine  *state.Machine
	Store    *history.Store
	Outbox   outbox.Store
	Sink     sink.Sink
	Delivery *retry.Scheduler
	Bus      *bus.Registry
	Log      *slog.Logger
}

// Coordinator runs the scan pipeline: validate, enrich, dedup, persist, mark
// pending, deliver with retries, confirm. Submissions are serialized so the
// state machine observes one pipeline pass at a time; delivery itself runs off
// the submission path.
type Coordinator struct {
	mu       sync.Mutex
	machine  *state.Machine
	store    *history.Store
	outbox   outbox.Store
	sink     sink.Sink
	delivery *retry.Scheduler
	bus      *bus.Registry
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Machine == nil || cfg.Store == nil || cfg.Outbox == nil || cfg.Sink == nil || cfg.Delivery == nil {
		return nil, errors.New("coordinator: machine, store, outbox, sink, and delivery scheduler are required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		machine:  cfg.Machine,
		store:    cfg.Store,
		outbox:   cfg.Outbox,
		sink:     cfg.Sink,
		delivery: cfg.Delivery,
		bus:      cfg.Bus,
		log:      cfg.Log,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start moves the engine into the scanning state, begins debounced history
// flushing, and re-dispatches any records left pending by a previous run.
func (c *Coordinator) Start() error {
	if c.machine.Current() == state.StateIdle {
		if err := c.machine.Transition(state.StateScanning); err != nil {
			return err
		}
	}
	c.store.StartAutoFlush()

	pending, err := c.outbox.Pending(c.ctx)
	if err != nil {
		c.log.Warn("could not load pending deliveries", "error", err)
		return nil
	}
	if len(pending) > 0 {
		c.log.Info("redelivering records pending from previous run", "count", len(pending))
	}
	for _, rec := range pending {
		c.dispatch(rec, false)
	}
	return nil
}

// Submit runs one scan through the pipeline and reports its fate. Accepted
// records are durable in history and marked pending before Submit returns;
// their delivery continues in the background.
func (c *Coordinator) Submit(raw RawEvent) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Outcome{Status: StatusRejected, Err: ErrNotRunning}
	}

	if err := record.Validate(raw.Payload, raw.Kind); err != nil {
		metrics.RecordScan(string(StatusRejected))
		c.publish(bus.EventScanOutcome, ScanOutcome{
			Status: StatusRejected,
			Kind:   raw.Kind,
			Error:  err.Error(),
		})
		return Outcome{Status: StatusRejected, Err: err}
	}

	capturedAt := raw.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	derived := record.DeriveFields(raw.Payload)
	for k, v := range raw.Extra {
		derived[k] = v
	}
	if raw.Source != "" {
		derived["source"] = raw.Source
	}
	rec := record.New(raw.Payload, raw.Kind, capturedAt, derived)

	// cheap pre-check so duplicates never touch the state machine
	if c.store.Contains(rec) {
		metrics.RecordScan(string(StatusDuplicate))
		c.publish(bus.EventScanOutcome, ScanOutcome{
			Status:   StatusDuplicate,
			RecordID: rec.ID,
			Kind:     rec.Kind,
		})
		return Outcome{Status: StatusDuplicate, Record: rec, Err: history.ErrDuplicateRecord}
	}

	if err := c.ensureScanning(); err != nil {
		return c.rejected(rec, err)
	}
	if err := c.machine.Transition(state.StatePersisting); err != nil {
		return c.rejected(rec, err)
	}

	if err := c.store.Append(rec); err != nil {
		if errors.Is(err, history.ErrDuplicateRecord) {
			// raced with an identical in-window scan
			_ = c.machine.Transition(state.StateScanning)
			metrics.RecordScan(string(StatusDuplicate))
			c.publish(bus.EventScanOutcome, ScanOutcome{
				Status:   StatusDuplicate,
				RecordID: rec.ID,
				Kind:     rec.Kind,
			})
			return Outcome{Status: StatusDuplicate, Record: rec, Err: err}
		}
		c.log.Error("persist failed", "record", rec.ID, "error", err)
		_ = c.machine.Transition(state.StateError)
		return c.rejected(rec, err)
	}

	if err := c.outbox.MarkPending(c.ctx, rec); err != nil {
		// the record is durable in history; delivery tracking is degraded
		// but the scan is still accepted
		c.log.Warn("could not mark record pending", "record", rec.ID, "error", err)
	}

	if err := c.machine.Transition(state.StateDelivering); err != nil {
		return c.rejected(rec, err)
	}

	metrics.RecordScan(string(StatusAccepted))
	c.dispatch(rec, true)
	return Outcome{Status: StatusAccepted, Record: rec}
}

// rejected records the rejection metric and publishes the terminal outcome
// before handing it back to the submitter. Every rejection, including one
// caused by the machine being parked in the error state, reaches observers.
func (c *Coordinator) rejected(rec record.Record, err error) Outcome {
	metrics.RecordScan(string(StatusRejected))
	c.publish(bus.EventScanOutcome, ScanOutcome{
		Status:   StatusRejected,
		RecordID: rec.ID,
		Kind:     rec.Kind,
		Error:    err.Error(),
	})
	return Outcome{Status: StatusRejected, Record: rec, Err: err}
}

// ensureScanning returns the machine to scanning from the states a new
// submission may legally interrupt.
func (c *Coordinator) ensureScanning() error {
	switch c.machine.Current() {
	case state.StateScanning:
		return nil
	case state.StateIdle, state.StateDelivering:
		return c.machine.Transition(state.StateScanning)
	default:
		return fmt.Errorf("%w: state %s", ErrNotRunning, c.machine.Current())
	}
}

// dispatch hands the record to the delivery scheduler. owned marks a record
// submitted in this run, whose completion settles the state machine; replays
// from the outbox run without state transitions.
func (c *Coordinator) dispatch(rec record.Record, owned bool) {
	c.wg.Add(1)
	name := "deliver/" + rec.ID
	c.delivery.Go(c.ctx, name, func(ctx context.Context) error {
		err := c.sink.Deliver(ctx, rec)
		if err == nil {
			metrics.RecordDeliveryAttempt("success")
			return nil
		}
		metrics.RecordDeliveryAttempt("failure")
		if sink.IsPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error) {
		defer c.wg.Done()
		c.settle(rec, err, owned)
	})
}

func (c *Coordinator) settle(rec record.Record, err error, owned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		if derr := c.outbox.MarkDelivered(context.Background(), rec.ID); derr != nil {
			c.log.Warn("could not clear pending marker", "record", rec.ID, "error", derr)
		}
		if owned && c.machine.Current() == state.StateDelivering {
			if terr := c.machine.Transition(state.StateScanning); terr != nil {
				c.log.Warn("could not return to scanning", "error", terr)
			}
		}
		c.publish(bus.EventScanOutcome, ScanOutcome{
			Status:   StatusAccepted,
			RecordID: rec.ID,
			Kind:     rec.Kind,
		})
		return
	}

	if errors.Is(err, context.Canceled) {
		// shutdown interrupted the delivery; the pending marker stays and
		// the next run redelivers
		c.log.Info("delivery interrupted by shutdown", "record", rec.ID)
		return
	}

	metrics.RecordRetryExhausted()
	c.log.Error("delivery failed, record stays pending", "record", rec.ID, "error", err)
	if owned && c.machine.Current() == state.StateDelivering {
		if terr := c.machine.Transition(state.StateError); terr != nil {
			c.log.Warn("could not enter error state", "error", terr)
		}
	}
	c.publish(bus.EventScanOutcome, ScanOutcome{
		Status:        StatusAccepted,
		RecordID:      rec.ID,
		Kind:          rec.Kind,
		DeliveryError: err.Error(),
	})
}

// Reset acknowledges a failure and returns the engine to scanning. It is
// only legal from the error state.
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.machine.Transition(state.StateIdle); err != nil {
		return err
	}
	return c.machine.Transition(state.StateScanning)
}

// State returns the machine's current state.
func (c *Coordinator) State() state.State { return c.machine.Current() }

// Transitions returns the machine's retained transition history, oldest first.
func (c *Coordinator) Transitions() []state.Transition { return c.machine.History() }

// Close stops accepting scans, cancels in-flight deliveries, waits for them
// to finish, and flushes history. A delivery interrupted mid-retry keeps its
// pending marker and is redelivered on the next Start.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	var errs []error
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.outbox.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.sink.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Coordinator) publish(kind bus.EventType, payload any) {
	if c.bus != nil {
		c.bus.Publish(kind, payload)
	}
}
