// Package processor realizes a job's declared work against its ordered
// files through a bounded worker pool.
//
// All outcomes are observable only through the job and file rows: the pool
// marks files processing/completed/failed, persists the job counters after
// every file, and always leaves a started job in a terminal status.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkarlsen/pdfbatch/internal/core"
	"github.com/mkarlsen/pdfbatch/internal/pdf"
	"github.com/mkarlsen/pdfbatch/internal/storage"
)

// UnitOfWork performs the per-file transformation. pdf.Extractor is the
// production implementation; tests substitute their own.
type UnitOfWork interface {
	Process(ctx context.Context, jobID, sourcePath string) (*pdf.Result, error)
}

// Config bounds the pool and the per-file/per-job wall clocks.
type Config struct {
	PoolSize       int
	QueueDepth     int
	PerFileTimeout time.Duration
	PerJobTimeout  time.Duration
}

func (c *Config) withDefaults() {
	if c.PoolSize < 1 {
		c.PoolSize = 4
	}
	if c.QueueDepth < 1 {
		c.QueueDepth = c.PoolSize * 16
	}
	if c.PerFileTimeout <= 0 {
		c.PerFileTimeout = 2 * time.Minute
	}
	if c.PerJobTimeout <= 0 {
		c.PerJobTimeout = 30 * time.Minute
	}
}

// ErrQueueFull is returned when the submission queue cannot take more work.
var ErrQueueFull = errors.New("processor queue is full")

// Processor is the bounded pool consuming submitted job IDs.
type Processor struct {
	repo   *storage.Repository
	work   UnitOfWork
	logger *slog.Logger
	config Config

	tasks chan string
	wg    sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	active  map[string]struct{}
}

// New creates a Processor; Start must be called before submissions are
// consumed.
func New(repo *storage.Repository, work UnitOfWork, logger *slog.Logger, config Config) *Processor {
	config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		repo:    repo,
		work:    work,
		logger:  logger,
		config:  config,
		tasks:   make(chan string, config.QueueDepth),
		cancels: make(map[string]context.CancelFunc),
		active:  make(map[string]struct{}),
	}
}

// Start runs the worker pool. Blocks until ctx is cancelled and all
// in-flight jobs have drained.
func (p *Processor) Start(ctx context.Context) error {
	for i := 0; i < p.config.PoolSize; i++ {
		p.wg.Add(1)
		go p.workLoop(ctx)
	}
	<-ctx.Done()
	close(p.tasks)
	p.wg.Wait()
	return ctx.Err()
}

func (p *Processor) workLoop(ctx context.Context) {
	defer p.wg.Done()
	for jobID := range p.tasks {
		p.run(ctx, jobID)
	}
}

// Submit hands a job to the pool without blocking the caller. ErrQueueFull
// is returned when the pool has no admission capacity left.
func (p *Processor) Submit(jobID string) error {
	select {
	case p.tasks <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel interrupts the in-flight work for a job, if any. The job row itself
// is transitioned by the caller; this only stops the loop.
func (p *Processor) Cancel(jobID string) {
	p.mu.Lock()
	cancel, ok := p.cancels[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Recover re-submits jobs a previous process left in running so a restart
// finishes them instead of stranding them.
func (p *Processor) Recover(ctx context.Context) error {
	jobs, err := p.repo.JobsInStatus(ctx, core.JobRunning, p.config.QueueDepth)
	if err != nil {
		return fmt.Errorf("load running jobs: %w", err)
	}
	for _, job := range jobs {
		if err := p.Submit(job.ID); err != nil {
			return err
		}
		p.logger.Info("recovered job from previous run", "job_id", job.ID)
	}
	return nil
}

func (p *Processor) register(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.cancels[jobID] = cancel
	p.mu.Unlock()
}

func (p *Processor) unregister(jobID string) {
	p.mu.Lock()
	delete(p.cancels, jobID)
	p.mu.Unlock()
}

// acquire claims exclusive in-process ownership of a job. A job in the
// active set already has a runner; a second runner must not touch its files
// or its cancel registration.
func (p *Processor) acquire(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.active[jobID]; busy {
		return false
	}
	p.active[jobID] = struct{}{}
	return true
}

func (p *Processor) release(jobID string) {
	p.mu.Lock()
	delete(p.active, jobID)
	p.mu.Unlock()
}

// run drives one job through its files under the ownership guard. A
// re-submit that lands while another worker owns the job is dropped; if the
// owner was parking on a pause at that moment, the post-release status check
// picks the resumed job back up so it cannot strand in running.
func (p *Processor) run(ctx context.Context, jobID string) {
	if !p.acquire(jobID) {
		return
	}
	parked := p.execute(ctx, jobID)
	p.release(jobID)

	if parked {
		job, err := p.repo.JobForProcessing(ctx, jobID)
		if err == nil && job.Status == core.JobRunning {
			if err := p.Submit(jobID); err != nil {
				p.logger.Warn("resumed job not rescheduled", "job_id", jobID, "error", err)
			}
		}
	}
}

// execute processes the job's files. It reports whether it parked on a
// pause; every other exit leaves the job terminal, enqueued, or (on
// conflict) untouched for the reaper.
func (p *Processor) execute(ctx context.Context, jobID string) (parked bool) {
	job, err := p.repo.JobForProcessing(ctx, jobID)
	if err != nil {
		p.logger.Error("failed to load job", "job_id", jobID, "error", err)
		return false
	}

	// Re-submitting a terminal job is a no-op, and a paused job stays
	// parked until its owner toggles it back.
	if job.Status.IsTerminal() {
		return false
	}
	if job.Status == core.JobPaused {
		return true
	}

	if job.Status == core.JobPending {
		now := time.Now()
		err := p.repo.TransitionStatus(ctx, job, core.JobRunning, map[string]any{"started_at": now})
		if errors.Is(err, core.ErrVersionConflict) {
			// Someone else moved the job first (cancel, reaper). Leave it.
			return false
		}
		if err != nil {
			p.logger.Error("failed to start job", "job_id", jobID, "error", err)
			return false
		}
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.config.PerJobTimeout)
	defer cancel()
	p.register(jobID, cancel)
	defer p.unregister(jobID)

	p.logger.Info("processing job", "job_id", jobID, "total_files", job.TotalFiles)

	files, err := p.repo.ListFiles(jobCtx, jobID)
	if err != nil {
		p.failJob(jobID, fmt.Sprintf("unable to load files: %v", err))
		return false
	}

	for i := range files {
		file := &files[i]
		if file.Status.IsTerminal() {
			continue
		}

		// Honor pause and cancel between files.
		current, err := p.repo.JobForProcessing(jobCtx, jobID)
		if err != nil {
			p.failJob(jobID, fmt.Sprintf("unable to re-read job: %v", err))
			return false
		}
		switch current.Status {
		case core.JobPaused:
			p.logger.Info("job paused, parking", "job_id", jobID)
			return true
		case core.JobCancelled:
			p.logger.Info("job cancelled, stopping", "job_id", jobID)
			return false
		case core.JobCompleted, core.JobFailed:
			return false
		}

		if err := p.processFile(jobCtx, jobID, file); err != nil {
			switch {
			case jobCtx.Err() == nil:
				// Store writes failed outright; never leave the job
				// in running.
				p.failJob(jobID, fmt.Sprintf("processing aborted: %v", err))
			case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
				p.failJob(jobID, "job exceeded its processing deadline")
			default:
				// Cancelled externally; the job row is already
				// transitioned by whoever cancelled us.
			}
			return false
		}
	}

	p.finalize(jobID)
	return false
}

// processFile runs one unit of work and records its outcome. A per-file
// failure is absorbed (recorded, counted) so the batch continues; only a
// dead job context propagates.
func (p *Processor) processFile(jobCtx context.Context, jobID string, file *core.JobFile) error {
	if err := p.repo.MarkFileProcessing(jobCtx, file.ID); err != nil {
		return err
	}

	fileCtx, cancel := context.WithTimeout(jobCtx, p.config.PerFileTimeout)
	result, err := p.work.Process(fileCtx, jobID, file.StoragePath)
	cancel()

	// Terminal record writes must survive even if jobCtx dies under us.
	recordCtx, recordCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer recordCancel()

	// Distinguish "this file timed out" from "the whole job was cancelled
	// or timed out": the former is a per-file failure, the latter stops
	// the loop. The interrupted file goes back to pending so no row stays
	// stuck in processing on a cancelled or deadlined job.
	if err != nil && jobCtx.Err() != nil {
		if rerr := p.repo.ReleaseFile(recordCtx, file.ID); rerr != nil {
			p.logger.Error("failed to release interrupted file", "job_id", jobID, "file", file.FileName, "error", rerr)
		}
		return jobCtx.Err()
	}

	if err != nil {
		p.logger.Warn("file failed", "job_id", jobID, "file", file.FileName, "error", err)
		won, merr := p.repo.MarkFileFailed(recordCtx, file.ID, err.Error())
		if merr != nil {
			return merr
		}
		if !won {
			// Another runner already settled this file and counted it.
			return nil
		}
		return p.repo.IncrementFailed(recordCtx, jobID)
	}

	won, merr := p.repo.MarkFileCompleted(recordCtx, file.ID, result.Pages, result.TextBytes)
	if merr != nil {
		return merr
	}
	if !won {
		return nil
	}
	return p.repo.IncrementProcessed(recordCtx, jobID)
}

// finalize moves a job whose files are all terminal into completed or
// failed: all files failed means failed, anything else means completed.
func (p *Processor) finalize(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for attempt := 0; attempt < 3; attempt++ {
		job, err := p.repo.JobForProcessing(ctx, jobID)
		if err != nil {
			p.logger.Error("failed to load job for finalize", "job_id", jobID, "error", err)
			return
		}
		if job.Status.IsTerminal() {
			return
		}

		target := core.JobCompleted
		if job.FailedFiles == job.TotalFiles {
			target = core.JobFailed
		}
		now := time.Now()
		err = p.repo.TransitionStatus(ctx, job, target, map[string]any{"completed_at": now})
		if err == nil {
			p.logger.Info("job finished", "job_id", jobID, "status", target,
				"processed", job.ProcessedFiles, "failed", job.FailedFiles)
			return
		}
		if errors.Is(err, core.ErrVersionConflict) {
			continue
		}
		p.logger.Error("failed to finalize job", "job_id", jobID, "error", err)
		return
	}
	p.logger.Error("gave up finalizing job after repeated conflicts", "job_id", jobID)
}

// failJob forces the job terminal on fatal paths, detached from any dead
// context.
func (p *Processor) failJob(jobID, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.logger.Error("job failed", "job_id", jobID, "error", msg)
	if err := p.repo.MarkJobFailed(ctx, jobID, msg); err != nil {
		p.logger.Error("failed to mark job failed", "job_id", jobID, "error", err)
	}
}
