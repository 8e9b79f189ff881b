package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/scanflow/internal/bus"
	"github.com/loykin/scanflow/internal/metrics"
	"github.com/loykin/scanflow/internal/record"
	"github.com/loykin/scanflow/internal/retry"
)

const (
	// CurrentFile is the canonical name of the mutable history file.
	CurrentFile = "history.json"

	archivePrefix     = "archive-"
	archiveTimeFormat = "20060102T150405.000000000Z"
)

// Options configure a Store. Zero values fall back to defaults via normalize.
type Options struct {
	Dir              string
	DedupWindow      time.Duration
	MaxArchives      int
	MaxArchiveAge    time.Duration
	FlushInterval    time.Duration
	FlushThreshold   int
	RotateMaxRecords int
	RotateMaxAge     time.Duration
}

func (o Options) normalize() Options {
	if o.DedupWindow <= 0 {
		o.DedupWindow = 3 * time.Second
	}
	if o.MaxArchives <= 0 {
		o.MaxArchives = 5
	}
	if o.MaxArchiveAge <= 0 {
		o.MaxArchiveAge = 30 * 24 * time.Hour
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 30 * time.Second
	}
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = 25
	}
	if o.RotateMaxRecords <= 0 {
		o.RotateMaxRecords = 1000
	}
	if o.RotateMaxAge <= 0 {
		o.RotateMaxAge = 24 * time.Hour
	}
	return o
}

// Archive is one manifest entry for a rotated history file.
type Archive struct {
	Filename    string    `json:"filename"`
	CreatedAt   time.Time `json:"created_at"`
	RecordCount int       `json:"record_count"`
}

// Rotation is the payload published on history_rotated events.
type Rotation struct {
	Filename    string `json:"filename"`
	RecordCount int    `json:"record_count"`
}

// FlushInfo is the payload published on history_flushed events.
type FlushInfo struct {
	Records  int           `json:"records"`
	Duration time.Duration `json:"duration"`
}

// Store is a durable append-only record log: one mutable current file plus a
// bounded set of immutable archives. All mutation goes through the store's
// mutex; append and flush never run concurrently against the same file.
type Store struct {
	mu             sync.Mutex
	opts           Options
	records        []record.Record
	index          map[string]time.Time // dedup key -> captured_at
	archives       []Archive
	dirty          bool
	currentSince   time.Time
	lastFlush      time.Time
	pendingAppends int
	stop           chan struct{}

	retrier *retry.Scheduler
	bus     *bus.Registry
	log     *slog.Logger
}

// Open loads or creates the history layout under opts.Dir. Any pre-existing
// files that are not the canonical current file or a recognized archive are
// treated as legacy state: they are consolidated into a single current file
// with duplicates removed, archived once, and deleted. Retention cleanup runs
// before Open returns so an abnormal previous shutdown cannot leave the
// layout over budget.
//
// retrier is used only for the store's own I/O retries and may be nil to
// write without retrying. b may be nil when no observers are wired.
func Open(opts Options, retrier *retry.Scheduler, b *bus.Registry, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.normalize()
	if opts.Dir == "" {
		return nil, fmt.Errorf("history: dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	s := &Store{
		opts:         opts,
		index:        make(map[string]time.Time),
		currentSince: time.Now().UTC(),
		lastFlush:    time.Now().UTC(),
		retrier:      retrier,
		bus:          b,
		log:          log,
	}
	// an interrupted flush leaves a temp file behind; it was never promoted
	// so it holds nothing durable
	_ = os.Remove(s.currentPath() + ".tmp")

	rotation, err := s.reconcile()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cleanupLocked(time.Now().UTC())
	s.mu.Unlock()
	if rotation != nil {
		s.publish(bus.EventHistoryRotated, *rotation)
	}
	return s, nil
}

func (s *Store) currentPath() string { return filepath.Join(s.opts.Dir, CurrentFile) }

// Options returns the store's normalized options.
func (s *Store) Options() Options { return s.opts }

// Append adds a record to the current file in memory and marks it dirty.
// It fails with ErrDuplicateRecord when the record's dedup key is already
// present. A full flush threshold or rotation threshold is applied
// opportunistically.
func (s *Store) Append(rec record.Record) error {
	now := time.Now().UTC()
	var events []pendingEvent

	s.mu.Lock()
	key := rec.Key(s.opts.DedupWindow)
	if _, exists := s.index[key]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.ID)
	}
	s.records = append(s.records, rec)
	s.index[key] = rec.CapturedAt
	s.dirty = true
	s.pendingAppends++

	if len(s.records) >= s.opts.RotateMaxRecords || now.Sub(s.currentSince) >= s.opts.RotateMaxAge {
		rot, err := s.rotateLocked(now)
		if err != nil {
			s.log.Warn("rotation failed, keeping current file", "error", err)
		} else if rot != nil {
			events = append(events, pendingEvent{bus.EventHistoryRotated, *rot})
		}
	} else if s.pendingAppends >= s.opts.FlushThreshold {
		info, err := s.flushLocked()
		if err != nil {
			s.log.Warn("threshold flush failed, file stays dirty", "error", err)
		} else if info != nil {
			events = append(events, pendingEvent{bus.EventHistoryFlushed, *info})
		}
	}
	s.mu.Unlock()

	s.publishAll(events)
	return nil
}

// Contains reports whether the record's dedup key is already stored.
func (s *Store) Contains(rec record.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[rec.Key(s.opts.DedupWindow)]
	return ok
}

// Flush writes the current file to disk atomically. It is a no-op when the
// file is not dirty. On failure the file stays dirty so the next debounce
// cycle retries.
func (s *Store) Flush() error {
	s.mu.Lock()
	info, err := s.flushLocked()
	s.mu.Unlock()
	if info != nil {
		s.publish(bus.EventHistoryFlushed, *info)
	}
	return err
}

// Rotate archives the current file and starts a fresh one, then enforces
// retention. Rotating an empty current file is a no-op.
func (s *Store) Rotate() error {
	s.mu.Lock()
	rot, err := s.rotateLocked(time.Now().UTC())
	s.mu.Unlock()
	if rot != nil {
		s.publish(bus.EventHistoryRotated, *rot)
	}
	return err
}

// Cleanup enforces archive retention: count beyond MaxArchives (oldest
// first) and age beyond MaxArchiveAge.
func (s *Store) Cleanup() {
	s.mu.Lock()
	s.cleanupLocked(time.Now().UTC())
	s.mu.Unlock()
}

// Archives returns a copy of the manifest, oldest first.
func (s *Store) Archives() []Archive {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Archive(nil), s.archives...)
}

// StartAutoFlush runs the debounce loop: the current file is flushed
// whenever it is dirty and FlushInterval has elapsed since the last flush.
// Calling it twice is a no-op.
func (s *Store) StartAutoFlush() {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()
	go func() {
		t := time.NewTicker(s.opts.FlushInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := s.Flush(); err != nil {
					s.log.Warn("debounced flush failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopAutoFlush stops the debounce loop if running.
func (s *Store) StopAutoFlush() {
	s.mu.Lock()
	ch := s.stop
	s.stop = nil
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Close stops the debounce loop and forces a final synchronous flush.
func (s *Store) Close() error {
	s.StopAutoFlush()
	return s.Flush()
}

// --- internals ---

type pendingEvent struct {
	kind    bus.EventType
	payload any
}

func (s *Store) publish(kind bus.EventType, payload any) {
	if s.bus != nil {
		s.bus.Publish(kind, payload)
	}
}

func (s *Store) publishAll(events []pendingEvent) {
	for _, e := range events {
		s.publish(e.kind, e.payload)
	}
}

func (s *Store) flushLocked() (*FlushInfo, error) {
	if !s.dirty {
		return nil, nil
	}
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return nil, &PersistenceError{Op: "encode", Path: s.currentPath(), Err: err}
	}
	start := time.Now()
	write := func(context.Context) error { return writeAtomic(s.currentPath(), data) }
	if s.retrier != nil {
		err = s.retrier.Run(context.Background(), "history_flush", write)
	} else {
		err = write(context.Background())
	}
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordFlush("error", elapsed.Seconds())
		return nil, &PersistenceError{Op: "flush", Path: s.currentPath(), Err: err}
	}
	s.dirty = false
	s.pendingAppends = 0
	s.lastFlush = time.Now().UTC()
	metrics.RecordFlush("ok", elapsed.Seconds())
	return &FlushInfo{Records: len(s.records), Duration: elapsed}, nil
}

func (s *Store) rotateLocked(now time.Time) (*Rotation, error) {
	if len(s.records) == 0 {
		return nil, nil
	}
	// the current file must be durable before it is promoted to an archive
	if _, err := s.flushLocked(); err != nil {
		return nil, err
	}
	count := len(s.records)
	name := archivePrefix + now.UTC().Format(archiveTimeFormat) + ".json"
	if err := os.Rename(s.currentPath(), filepath.Join(s.opts.Dir, name)); err != nil {
		return nil, &PersistenceError{Op: "rotate", Path: s.currentPath(), Err: err}
	}
	s.archives = append(s.archives, Archive{Filename: name, CreatedAt: now.UTC(), RecordCount: count})
	s.records = nil
	s.dirty = false
	s.pendingAppends = 0
	s.currentSince = now.UTC()
	// drop dedup keys that fell out of the recent window; rotated records
	// inside the window still deduplicate follow-up scans
	for k, ts := range s.index {
		if now.Sub(ts) > s.opts.DedupWindow {
			delete(s.index, k)
		}
	}
	if err := writeAtomic(s.currentPath(), []byte("[]")); err != nil {
		s.log.Warn("could not seed fresh current file", "error", err)
	}
	s.cleanupLocked(now)
	metrics.RecordRotation()
	return &Rotation{Filename: name, RecordCount: count}, nil
}

func (s *Store) cleanupLocked(now time.Time) {
	sort.Slice(s.archives, func(i, j int) bool {
		return s.archives[i].CreatedAt.Before(s.archives[j].CreatedAt)
	})
	keep := s.archives[:0]
	excess := len(s.archives) - s.opts.MaxArchives
	for i, a := range s.archives {
		tooMany := i < excess
		tooOld := now.Sub(a.CreatedAt) > s.opts.MaxArchiveAge
		if tooMany || tooOld {
			if err := os.Remove(filepath.Join(s.opts.Dir, a.Filename)); err != nil && !os.IsNotExist(err) {
				s.log.Warn("could not delete archive", "file", a.Filename, "error", err)
				keep = append(keep, a)
			}
			continue
		}
		keep = append(keep, a)
	}
	s.archives = keep
	metrics.SetArchiveFiles(len(s.archives))
}

// reconcile normalizes whatever layout is on disk into the canonical
// single-current-plus-archives shape and loads the current file.
func (s *Store) reconcile() (*Rotation, error) {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("history: read dir: %w", err)
	}
	var legacy []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		switch {
		case name == CurrentFile:
			// canonical current
		case strings.HasPrefix(name, archivePrefix):
			ts, perr := time.Parse(archiveTimeFormat, strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), ".json"))
			if perr != nil {
				legacy = append(legacy, name)
				continue
			}
			recs, lerr := loadRecords(filepath.Join(s.opts.Dir, name))
			if lerr != nil {
				s.log.Warn("unreadable archive", "file", name, "error", lerr)
			}
			s.archives = append(s.archives, Archive{Filename: name, CreatedAt: ts, RecordCount: len(recs)})
		default:
			legacy = append(legacy, name)
		}
	}

	current, err := loadRecords(s.currentPath())
	if err != nil {
		return nil, &PersistenceError{Op: "load", Path: s.currentPath(), Err: err}
	}

	if len(legacy) == 0 {
		s.records = current
		for _, r := range s.records {
			s.index[r.Key(s.opts.DedupWindow)] = r.CapturedAt
		}
		return nil, nil
	}

	// Legacy layout: merge everything, drop duplicates, persist once, then
	// archive the consolidated result so retention applies to it.
	merged := append([]record.Record(nil), current...)
	for _, name := range legacy {
		recs, lerr := loadRecords(filepath.Join(s.opts.Dir, name))
		if lerr != nil {
			s.log.Warn("skipping unreadable legacy file", "file", name, "error", lerr)
			continue
		}
		merged = append(merged, recs...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CapturedAt.Before(merged[j].CapturedAt)
	})
	seen := make(map[string]struct{}, len(merged))
	deduped := merged[:0]
	for _, r := range merged {
		key := r.Key(s.opts.DedupWindow)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, r)
	}
	s.records = append([]record.Record(nil), deduped...)
	for _, r := range s.records {
		s.index[r.Key(s.opts.DedupWindow)] = r.CapturedAt
	}
	s.dirty = true
	s.log.Info("consolidated legacy history files",
		"legacy_files", len(legacy), "records", len(s.records))

	s.mu.Lock()
	rot, rerr := s.rotateLocked(time.Now().UTC())
	s.mu.Unlock()
	if rerr != nil {
		return nil, rerr
	}
	for _, name := range legacy {
		if err := os.Remove(filepath.Join(s.opts.Dir, name)); err != nil {
			s.log.Warn("could not delete legacy file", "file", name, "error", err)
		}
	}
	return rot, nil
}

func loadRecords(path string) ([]record.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var recs []record.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// writeAtomic writes data to a temporary file, syncs it, and promotes it via
// rename so a crash mid-write never corrupts the previously durable file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
