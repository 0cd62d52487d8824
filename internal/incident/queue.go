package incident

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// queueCapacity bounds the in-memory job channel. A full channel fails the
// enqueue rather than blocking the real-time path; the pending file remains
// on disk for the next reconciliation.
const queueCapacity = 256

// Queue is the durable FIFO of summarization jobs. Every accepted job is
// persisted as a JSON file under the pending directory before it becomes
// visible to the worker, so a crash between enqueue and completion loses
// nothing.
type Queue struct {
	pendingDir string
	records    *RecordStore

	mu      sync.Mutex
	pending map[string]bool // anchor ids currently pending
	jobs    chan *Job
}

// NewQueue creates a Queue persisting pending jobs under pendingDir and
// checking idempotence against records.
func NewQueue(pendingDir string, records *RecordStore) (*Queue, error) {
	if pendingDir == "" {
		return nil, errors.New("incident: pendingDir must not be empty")
	}
	if records == nil {
		return nil, errors.New("incident: records must not be nil")
	}
	if err := os.MkdirAll(pendingDir, 0o755); err != nil {
		return nil, fmt.Errorf("incident: create pending dir %q: %w", pendingDir, err)
	}
	return &Queue{
		pendingDir: pendingDir,
		records:    records,
		pending:    make(map[string]bool),
		jobs:       make(chan *Job, queueCapacity),
	}, nil
}

// Enqueue accepts job unless its anchor is already pending or already has a
// record. Returns true when the job was accepted. Duplicate enqueues are
// silent no-ops by contract.
func (q *Queue) Enqueue(job *Job) (bool, error) {
	if job.AnchorID == "" {
		return false, errors.New("incident: job anchor id must not be empty")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending[job.AnchorID] {
		return false, nil
	}
	done, err := q.records.Has(job.Date, job.AnchorID)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	if err := q.persist(job); err != nil {
		return false, err
	}

	select {
	case q.jobs <- job:
	default:
		// Channel full: the pending file stays on disk for the next
		// reconciliation pass.
		return false, fmt.Errorf("incident: queue full, job %q deferred to restart", job.AnchorID)
	}
	q.pending[job.AnchorID] = true
	return true, nil
}

// Reconcile re-enqueues every pending job file that does not yet have an
// output record, and deletes pending files whose record already exists.
// Call once at startup before the worker runs.
func (q *Queue) Reconcile() error {
	entries, err := os.ReadDir(q.pendingDir)
	if err != nil {
		return fmt.Errorf("incident: read pending dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(q.pendingDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("incident: cannot read pending job, skipping", "path", path, "error", err)
			continue
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			slog.Warn("incident: malformed pending job, removing", "path", path, "error", err)
			os.Remove(path)
			continue
		}

		done, err := q.records.Has(job.Date, job.AnchorID)
		if err != nil {
			return err
		}
		if done {
			// Completed before the crash; the pending file is stale.
			os.Remove(path)
			continue
		}

		q.mu.Lock()
		already := q.pending[job.AnchorID]
		if !already {
			select {
			case q.jobs <- &job:
				q.pending[job.AnchorID] = true
			default:
				slog.Warn("incident: queue full during reconciliation, job stays pending", "anchor", job.AnchorID)
			}
		}
		q.mu.Unlock()
	}
	return nil
}

// Jobs exposes the worker's receive side.
func (q *Queue) Jobs() <-chan *Job {
	return q.jobs
}

// Complete removes the job's pending state after the worker has durably
// written its outcome (record or error log entry).
func (q *Queue) Complete(job *Job) {
	q.mu.Lock()
	delete(q.pending, job.AnchorID)
	q.mu.Unlock()
	if err := os.Remove(q.jobPath(job.AnchorID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("incident: cannot remove pending job file", "anchor", job.AnchorID, "error", err)
	}
}

// PendingCount returns the number of in-flight jobs.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) persist(job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("incident: marshal job %q: %w", job.AnchorID, err)
	}
	path := q.jobPath(job.AnchorID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("incident: write pending job %q: %w", path, err)
	}
	return nil
}

func (q *Queue) jobPath(anchorID string) string {
	return filepath.Join(q.pendingDir, anchorID+".json")
}
