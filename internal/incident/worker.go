package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/mimamori-dev/mimamori/pkg/provider/summarize"
)

const (
	// DefaultRetryBudget is how many summarization attempts a job gets
	// before it is recorded as permanently failed.
	DefaultRetryBudget = 3

	// DefaultJobTimeout bounds one summarization attempt.
	DefaultJobTimeout = 60 * time.Second

	// defaultBackoffBase is the first retry delay; subsequent delays double
	// with ±25% jitter.
	defaultBackoffBase = 2 * time.Second
)

// Worker drains the queue: one goroutine, jobs strictly in arrival order.
// A poisoned job exhausts its retry budget, lands in the error log, and the
// queue moves on.
type Worker struct {
	queue    *Queue
	records  *RecordStore
	provider summarize.Provider
	errDir   string

	retryBudget int
	jobTimeout  time.Duration
	backoffBase time.Duration

	// archive, when non-nil, additionally receives every successful record.
	archive Archiver
}

// Archiver receives successful records for secondary storage. Archive
// failures are logged, never fatal: the JSONL output remains the source of
// truth.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// WorkerOption is a functional option for configuring a Worker.
type WorkerOption func(*Worker)

// WithRetryBudget overrides the default retry budget (3 attempts).
func WithRetryBudget(n int) WorkerOption {
	return func(w *Worker) { w.retryBudget = n }
}

// WithJobTimeout overrides the per-attempt timeout (60 s).
func WithJobTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.jobTimeout = d }
}

// WithBackoffBase overrides the first retry delay (2 s). Tests use a tiny
// value to keep runs fast.
func WithBackoffBase(d time.Duration) WorkerOption {
	return func(w *Worker) { w.backoffBase = d }
}

// WithArchiver attaches a secondary record sink (e.g. Postgres).
func WithArchiver(a Archiver) WorkerOption {
	return func(w *Worker) { w.archive = a }
}

// NewWorker creates a Worker writing permanent failures under errDir.
func NewWorker(queue *Queue, records *RecordStore, provider summarize.Provider, errDir string, opts ...WorkerOption) (*Worker, error) {
	if queue == nil || records == nil || provider == nil {
		return nil, errors.New("incident: queue, records and provider must not be nil")
	}
	if errDir == "" {
		return nil, errors.New("incident: errDir must not be empty")
	}
	if err := os.MkdirAll(errDir, 0o755); err != nil {
		return nil, fmt.Errorf("incident: create error dir %q: %w", errDir, err)
	}
	w := &Worker{
		queue:       queue,
		records:     records,
		provider:    provider,
		errDir:      errDir,
		retryBudget: DefaultRetryBudget,
		jobTimeout:  DefaultJobTimeout,
		backoffBase: defaultBackoffBase,
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Run processes jobs until ctx is cancelled. It always returns ctx.Err();
// per-job failures are handled internally.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-w.queue.Jobs():
			w.process(ctx, job)
		}
	}
}

// process runs one job to its terminal state: record written, permanent
// failure logged, or shutdown.
func (w *Worker) process(ctx context.Context, job *Job) {
	var lastErr error
	for job.Attempts < w.retryBudget {
		if ctx.Err() != nil {
			return // shutdown; the pending file survives for restart
		}
		job.Attempts++

		resp, err := w.attempt(ctx, job)
		if err == nil {
			w.succeed(ctx, job, resp)
			return
		}
		lastErr = err
		slog.Warn("incident: summarization attempt failed",
			"anchor", job.AnchorID,
			"attempt", job.Attempts,
			"budget", w.retryBudget,
			"error", err,
		)
		if job.Attempts < w.retryBudget {
			if !sleepCtx(ctx, w.backoff(job.Attempts)) {
				return
			}
		}
	}
	w.fail(job, lastErr)
}

func (w *Worker) attempt(ctx context.Context, job *Job) (*summarize.Response, error) {
	actx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()
	return w.provider.Summarize(actx, summarize.Request{
		Date:   job.Date,
		NGWord: job.NGWord,
		Turns:  job.Turns,
	})
}

func (w *Worker) succeed(ctx context.Context, job *Job, resp *summarize.Response) {
	rec := Record{
		Date:       job.Date,
		AnchorID:   job.AnchorID,
		AnchorTime: job.AnchorTime,
		NGWord:     job.NGWord,
		Turns:      job.Turns,
		Summary:    resp.Summary,
		Severity:   job.Severity, // keyword tier, not the model's guess
		Action:     resp.Action,
		Meta:       Meta{Model: resp.Model, LineRange: job.LineRange},
	}
	written, err := w.records.AppendIfAbsent(rec)
	if err != nil {
		slog.Error("incident: cannot write record, job stays pending", "anchor", job.AnchorID, "error", err)
		return
	}
	if !written {
		slog.Info("incident: record already present, dropping duplicate job", "anchor", job.AnchorID)
	}
	if written && w.archive != nil {
		if err := w.archive.Archive(ctx, rec); err != nil {
			slog.Warn("incident: archive write failed", "anchor", job.AnchorID, "error", err)
		}
	}
	w.queue.Complete(job)
	slog.Info("incident: record written",
		"anchor", job.AnchorID,
		"date", job.Date,
		"ng_word", job.NGWord,
		"severity", job.Severity,
	)
}

// fail records the exhausted job in the error log, one file per job, never
// mixed into the success stream.
func (w *Worker) fail(job *Job, cause error) {
	path := filepath.Join(w.errDir, fmt.Sprintf("%s-%s.log", job.Date, job.AnchorID))
	body := fmt.Sprintf("anchor: %s\ndate: %s\nng_word: %s\nattempts: %d\nfailed_at: %s\nerror: %v\n",
		job.AnchorID, job.Date, job.NGWord, job.Attempts,
		time.Now().Format(time.RFC3339), cause,
	)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		slog.Error("incident: cannot write error log", "anchor", job.AnchorID, "error", err)
	}
	w.queue.Complete(job)
	slog.Error("incident: job permanently failed",
		"anchor", job.AnchorID,
		"attempts", job.Attempts,
		"error", cause,
	)
}

// backoff returns the delay before the next attempt: exponential with ±25%
// jitter so synchronized retries do not hammer a rate-limited service.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.backoffBase << (attempt - 1)
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
