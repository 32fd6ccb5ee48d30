package evaluation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	scanerrors "scanqa/internal/errors"
	"scanqa/internal/logging"
	"scanqa/pkg/domain"
)

// Evaluator is the synchronous work a Worker runs. *Dispatcher implements it.
type Evaluator interface {
	EvaluateBatch(ctx context.Context, batch Batch) (Outcome, error)
	EvaluateFrame(ctx context.Context, frameID string) (domain.Evaluation, error)
}

// DefaultQueueSize is used when NewWorker is given a non-positive size.
const DefaultQueueSize = 64

// DefaultJobRetention is how long finished jobs stay visible to GetJob.
const DefaultJobRetention = time.Hour

// Worker runs evaluation jobs in the background. Jobs are processed one at a
// time in submission order; a batch job fans out across models itself.
type Worker struct {
	evaluator Evaluator
	logger    *slog.Logger

	queue chan evaluationTask
	mu    sync.RWMutex
	// jobs holds queued and running jobs; finished ones move to done and
	// expire after the retention period.
	jobs      map[string]*Job
	done      *cache.Cache
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type evaluationTask struct {
	id      string
	batch   Batch
	frameID string
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithJobRetention sets how long finished jobs remain retrievable.
func WithJobRetention(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.retention = d
		}
	}
}

// NewWorker constructs a worker. Call Start before dispatching.
func NewWorker(evaluator Evaluator, queueSize int, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.ForService("evaluation")
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		evaluator: evaluator,
		logger:    logger,
		queue:     make(chan evaluationTask, queueSize),
		jobs:      make(map[string]*Job),
		retention: DefaultJobRetention,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	// No janitor goroutine; expired jobs are swept whenever a job finishes.
	w.done = cache.New(w.retention, 0)
	return w
}

// Start begins processing jobs.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the loop to exit or ctx to
// end. Queued jobs that never started stay queued.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.queue:
			w.process(task)
		}
	}
}

// Dispatch queues batch for evaluation and returns the queued job.
func (w *Worker) Dispatch(_ context.Context, batch Batch) (Job, error) {
	return w.enqueue(evaluationTask{batch: batch.clone()})
}

// DispatchFrame queues a single frame for evaluation.
func (w *Worker) DispatchFrame(_ context.Context, frameID string) (Job, error) {
	if frameID == "" {
		return Job{}, scanerrors.ValidationError("frame id is required")
	}
	return w.enqueue(evaluationTask{frameID: frameID})
}

func (w *Worker) enqueue(task evaluationTask) (Job, error) {
	task.id = uuid.NewString()
	now := time.Now().UTC()
	job := Job{
		ID:        task.id,
		Batch:     task.batch,
		FrameID:   task.frameID,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	w.mu.Lock()
	w.jobs[task.id] = &job
	queued := job.copy()
	w.mu.Unlock()

	select {
	case w.queue <- task:
	default:
		w.mu.Lock()
		delete(w.jobs, task.id)
		w.mu.Unlock()
		return Job{}, scanerrors.Newf("evaluation queue full").
			Component("evaluation").
			Category(scanerrors.CategoryConflict).
			Build()
	}
	return queued, nil
}

// GetJob returns a snapshot of the job record. Finished jobs are forgotten
// once their retention period elapses.
func (w *Worker) GetJob(id string) (Job, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if job, ok := w.jobs[id]; ok {
		return job.copy(), true
	}
	if v, ok := w.done.Get(id); ok {
		job := v.(Job)
		return job.copy(), true
	}
	return Job{}, false
}

// finish moves a job out of the active set. Callers hold w.mu.
func (w *Worker) finish(job *Job) {
	delete(w.jobs, job.ID)
	w.done.DeleteExpired()
	w.done.Set(job.ID, job.copy(), cache.DefaultExpiration)
}

func (w *Worker) process(task evaluationTask) {
	w.updateStatus(task.id, JobRunning)
	if task.frameID != "" {
		if _, err := w.evaluator.EvaluateFrame(w.ctx, task.frameID); err != nil {
			w.fail(task.id, nil, err)
			return
		}
		w.complete(task.id, Outcome{Evaluated: 1})
		return
	}
	outcome, err := w.evaluator.EvaluateBatch(w.ctx, task.batch)
	if err != nil {
		w.fail(task.id, &outcome, err)
		return
	}
	w.complete(task.id, outcome)
}

func (w *Worker) updateStatus(id string, status JobStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if job, ok := w.jobs[id]; ok {
		job.Status = status
		job.UpdatedAt = time.Now().UTC()
	}
}

func (w *Worker) complete(id string, outcome Outcome) {
	now := time.Now().UTC()
	w.mu.Lock()
	if job, ok := w.jobs[id]; ok {
		job.Status = JobSucceeded
		job.Error = ""
		job.Outcome = &outcome
		job.UpdatedAt = now
		job.CompletedAt = &now
		w.finish(job)
	}
	w.mu.Unlock()
	w.logger.Info("evaluation job finished", "job_id", id, "evaluated", outcome.Evaluated, "failed", len(outcome.Failures))
}

func (w *Worker) fail(id string, outcome *Outcome, err error) {
	now := time.Now().UTC()
	w.mu.Lock()
	if job, ok := w.jobs[id]; ok {
		job.Status = JobFailed
		job.Error = err.Error()
		job.Outcome = outcome
		job.UpdatedAt = now
		job.CompletedAt = &now
		w.finish(job)
	}
	w.mu.Unlock()
	w.logger.Warn("evaluation job failed", "job_id", id, "error", err)
}
