// Package ledger keeps the durable per-identifier outcome record for a run.
// It is the only state shared between workers; all access goes through
// Record/Get/Persist so no caller ever touches the map directly.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nctb-archive/pdfgrab/internal/domain"
)

// ErrCorrupt is returned when the ledger file exists but cannot be decoded.
var ErrCorrupt = errors.New("ledger: file is corrupt")

// Totals are the aggregate counters derived from the outcome map.
type Totals struct {
	Tasks     int   `json:"tasks"`
	Succeeded int   `json:"succeeded"`
	Skipped   int   `json:"skipped"`
	Failed    int   `json:"failed"`
	Bytes     int64 `json:"bytes"`
}

// FailedEntry is one row of the human-readable failure list.
type FailedEntry struct {
	ID        string `json:"id"`
	SourceURL string `json:"source_url"`
	Error     string `json:"error"`
}

// snapshot is the persisted form of the ledger.
type snapshot struct {
	RunID       string                        `json:"run_id"`
	GeneratedAt time.Time                     `json:"generated_at"`
	Totals      Totals                        `json:"totals"`
	Outcomes    map[string]domain.TaskOutcome `json:"outcomes"`
	Failed      []FailedEntry                 `json:"failed,omitempty"`
}

// Ledger maps task identifiers to their terminal outcomes. Safe for
// concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	path     string
	runID    string
	outcomes map[string]domain.TaskOutcome
}

// Open loads the ledger at path, or creates an empty one when the file does
// not exist yet. Outcomes from previous runs are carried over so a new run
// updates rather than replaces the record.
func Open(path string) (*Ledger, error) {
	l := &Ledger{
		path:     filepath.Clean(path),
		runID:    uuid.New().String(),
		outcomes: make(map[string]domain.TaskOutcome),
	}

	if err := l.restore(); err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	slog.Info("ledger initialized", "path", l.path, "run_id", l.runID, "entries", len(l.outcomes))
	return l, nil
}

func (l *Ledger) restore() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("ledger file does not exist, starting empty", "path", l.path)
			return nil
		}
		return fmt.Errorf("read ledger file: %w", err)
	}

	if len(data) == 0 {
		slog.Warn("ledger file is empty", "path", l.path)
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	for id, out := range snap.Outcomes {
		l.outcomes[id] = out
	}

	slog.Info("ledger loaded", "path", l.path, "entries", len(l.outcomes), "previous_run", snap.RunID)
	return nil
}

// RunID returns the identifier stamped on this run's snapshot.
func (l *Ledger) RunID() string { return l.runID }

// Record stores the outcome for an identifier, overwriting any previous
// entry. Last write wins; recording is idempotent.
func (l *Ledger) Record(id string, out domain.TaskOutcome) {
	l.mu.Lock()
	l.outcomes[id] = out
	l.mu.Unlock()

	slog.Debug("outcome recorded", "task_id", id, "status", out.Status)
}

// Get returns the recorded outcome for an identifier.
func (l *Ledger) Get(id string) (domain.TaskOutcome, bool) {
	l.mu.RLock()
	out, ok := l.outcomes[id]
	l.mu.RUnlock()
	return out, ok
}

// Len returns the number of recorded identifiers.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.outcomes)
}

// Totals computes the aggregate counters over all recorded outcomes.
func (l *Ledger) Totals() Totals {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalsLocked()
}

func (l *Ledger) totalsLocked() Totals {
	t := Totals{Tasks: len(l.outcomes)}
	for _, out := range l.outcomes {
		switch out.Status {
		case domain.OutcomeDownloaded:
			t.Succeeded++
			t.Bytes += out.Size
		case domain.OutcomeExisting:
			t.Skipped++
			t.Bytes += out.Size
		case domain.OutcomeFailed:
			t.Failed++
		}
	}
	return t
}

// FailedEntries lists failed identifiers with their last error, sorted by
// identifier for stable output.
func (l *Ledger) FailedEntries() []FailedEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.failedLocked()
}

func (l *Ledger) failedLocked() []FailedEntry {
	var failed []FailedEntry
	for id, out := range l.outcomes {
		if out.Status == domain.OutcomeFailed {
			failed = append(failed, FailedEntry{ID: id, SourceURL: out.SourceURL, Error: out.Error})
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].ID < failed[j].ID })
	return failed
}

// FailedTasks rebuilds acquisition tasks for the failed subset, seeding a
// retry-only run.
func (l *Ledger) FailedTasks() []domain.Task {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var tasks []domain.Task
	for id, out := range l.outcomes {
		if out.Status == domain.OutcomeFailed {
			tasks = append(tasks, domain.Task{
				ID:          id,
				SourceURL:   out.SourceURL,
				Destination: out.Destination,
			})
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// Persist writes the ledger snapshot atomically: marshal to a temporary file
// in the same directory, then rename over the target. A crash mid-write
// never corrupts previously committed entries. The map copy happens under
// the lock; file I/O does not.
func (l *Ledger) Persist() error {
	l.mu.RLock()
	snap := snapshot{
		RunID:       l.runID,
		GeneratedAt: time.Now(),
		Totals:      l.totalsLocked(),
		Outcomes:    make(map[string]domain.TaskOutcome, len(l.outcomes)),
		Failed:      l.failedLocked(),
	}
	for id, out := range l.outcomes {
		snap.Outcomes[id] = out
	}
	l.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	tempFile := l.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tempFile, l.path); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	slog.Debug("ledger persisted", "path", l.path, "entries", len(snap.Outcomes))
	return nil
}
