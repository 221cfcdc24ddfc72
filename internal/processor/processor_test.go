package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mkarlsen/pdfbatch/internal/core"
	"github.com/mkarlsen/pdfbatch/internal/pdf"
	"github.com/mkarlsen/pdfbatch/internal/storage"
)

var dbCounter atomic.Int64

func setupRepo(t *testing.T) *storage.Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:proctest%d?mode=memory&cache=shared&_busy_timeout=5000", dbCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	repo := storage.NewRepository(db)
	require.NoError(t, repo.Migrate(context.Background()))
	return repo
}

// fakeWork is a scriptable unit of work. failAll makes every file fail;
// onFile runs before each result is returned, letting tests interfere with
// the job mid-batch.
type fakeWork struct {
	mu      sync.Mutex
	calls   int
	failAll bool
	onFile  func(call int)
}

func (f *fakeWork) Process(ctx context.Context, jobID, sourcePath string) (*pdf.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls++
	call := f.calls
	hook := f.onFile
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if f.failAll {
		return nil, errors.New("simulated extraction failure")
	}
	return &pdf.Result{Pages: 1, TextBytes: 100}, nil
}

func (f *fakeWork) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestProcessor(repo *storage.Repository, work UnitOfWork) *Processor {
	return New(repo, work, slog.Default(), Config{
		PoolSize:       1,
		PerFileTimeout: 5 * time.Second,
		PerJobTimeout:  30 * time.Second,
	})
}

func seedJob(t *testing.T, repo *storage.Repository, n int) *core.Job {
	t.Helper()
	job := &core.Job{UserID: "u1", Name: "batch"}
	files := make([]core.JobFile, n)
	for i := range files {
		files[i] = core.JobFile{
			FileName:    fmt.Sprintf("doc%d.pdf", i),
			FileType:    "pdf",
			StoragePath: fmt.Sprintf("/tmp/doc%d.pdf", i),
		}
	}
	require.NoError(t, repo.CreateJob(context.Background(), job, files))
	return job
}

func reload(t *testing.T, repo *storage.Repository, jobID string) *core.Job {
	t.Helper()
	job, err := repo.JobForProcessing(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

// ---------------------------------------------------------------------------
// End-to-end runs (driven synchronously through run)
// ---------------------------------------------------------------------------

func TestRun_AllFilesSucceed(t *testing.T) {
	repo := setupRepo(t)
	work := &fakeWork{}
	p := newTestProcessor(repo, work)

	job := seedJob(t, repo, 3)
	p.run(context.Background(), job.ID)

	got := reload(t, repo, job.ID)
	assert.Equal(t, core.JobCompleted, got.Status)
	assert.Equal(t, 3, got.ProcessedFiles)
	assert.Equal(t, 0, got.FailedFiles)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	files, err := repo.ListFiles(context.Background(), job.ID)
	require.NoError(t, err)
	for _, f := range files {
		assert.Equal(t, core.FileCompleted, f.Status)
		assert.Equal(t, 1, f.PageCount)
	}
}

func TestRun_AllFilesFail(t *testing.T) {
	repo := setupRepo(t)
	work := &fakeWork{failAll: true}
	p := newTestProcessor(repo, work)

	job := seedJob(t, repo, 2)
	p.run(context.Background(), job.ID)

	got := reload(t, repo, job.ID)
	assert.Equal(t, core.JobFailed, got.Status)
	assert.Equal(t, 0, got.ProcessedFiles)
	assert.Equal(t, 2, got.FailedFiles)

	files, err := repo.ListFiles(context.Background(), job.ID)
	require.NoError(t, err)
	for _, f := range files {
		assert.Equal(t, core.FileFailed, f.Status)
		assert.Contains(t, f.Error, "simulated extraction failure")
	}
}

func TestRun_PartialFailureStillCompletes(t *testing.T) {
	repo := setupRepo(t)
	work := &fakeWork{}
	work.onFile = func(call int) {
		if call == 2 {
			work.failAll = true
		} else {
			work.failAll = false
		}
	}
	p := newTestProcessor(repo, work)

	job := seedJob(t, repo, 3)
	p.run(context.Background(), job.ID)

	got := reload(t, repo, job.ID)
	assert.Equal(t, core.JobCompleted, got.Status, "one failed file must not fail the batch")
	assert.Equal(t, 2, got.ProcessedFiles)
	assert.Equal(t, 1, got.FailedFiles)
	assert.LessOrEqual(t, got.ProcessedFiles+got.FailedFiles, got.TotalFiles)
}

func TestRun_TerminalJobIsNoOp(t *testing.T) {
	repo := setupRepo(t)
	work := &fakeWork{}
	p := newTestProcessor(repo, work)

	job := seedJob(t, repo, 2)
	p.run(context.Background(), job.ID)
	first := reload(t, repo, job.ID)
	require.Equal(t, core.JobCompleted, first.Status)

	// Re-invoking process on a terminal job must not double count.
	p.run(context.Background(), job.ID)
	second := reload(t, repo, job.ID)
	assert.Equal(t, first.ProcessedFiles, second.ProcessedFiles)
	assert.Equal(t, 2, work.callCount())
}

// ---------------------------------------------------------------------------
// Pause / cancel interleavings
// ---------------------------------------------------------------------------

func TestRun_PauseParksAndResumeFinishes(t *testing.T) {
	repo := setupRepo(t)
	work := &fakeWork{}
	p := newTestProcessor(repo, work)

	job := seedJob(t, repo, 3)

	// The owner pauses after the first file completes.
	work.onFile = func(call int) {
		if call == 1 {
			current := reload(t, repo, job.ID)
			require.NoError(t, repo.TransitionStatus(context.Background(), current, core.JobPaused, nil))
		}
	}
	p.run(context.Background(), job.ID)

	got := reload(t, repo, job.ID)
	assert.Equal(t, core.JobPaused, got.Status)
	assert.Equal(t, 1, got.ProcessedFiles)
	assert.Equal(t, 1, work.callCount(), "no file work after the pause was observed")

	// Toggle back and re-submit: terminal files are skipped, the rest run.
	work.onFile = nil
	require.NoError(t, repo.TransitionStatus(context.Background(), got, core.JobRunning, nil))
	p.run(context.Background(), job.ID)

	got = reload(t, repo, job.ID)
	assert.Equal(t, core.JobCompleted, got.Status)
	assert.Equal(t, 3, got.ProcessedFiles)
	assert.Equal(t, 3, work.callCount())
}

func TestRun_CancelStopsRemainingFiles(t *testing.T) {
	repo := setupRepo(t)
	work := &fakeWork{}
	p := newTestProcessor(repo, work)

	job := seedJob(t, repo, 3)
	work.onFile = func(call int) {
		if call == 1 {
			current := reload(t, repo, job.ID)
			now := time.Now()
			require.NoError(t, repo.TransitionStatus(context.Background(), current, core.JobCancelled,
				map[string]any{"completed_at": now}))
		}
	}
	p.run(context.Background(), job.ID)

	got := reload(t, repo, job.ID)
	assert.Equal(t, core.JobCancelled, got.Status, "cancellation is terminal and never reverted")
	assert.Equal(t, 1, work.callCount())

	files, err := repo.ListFiles(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FileCompleted, files[0].Status)
	assert.Equal(t, core.FilePending, files[1].Status)
	assert.Equal(t, core.FilePending, files[2].Status)
}

func TestCancel_InterruptsInFlightContext(t *testing.T) {
	repo := setupRepo(t)

	started := make(chan struct{})
	work := &fakeWork{}
	work.onFile = func(call int) {
		if call == 1 {
			close(started)
			time.Sleep(200 * time.Millisecond)
		}
	}
	p := newTestProcessor(repo, work)

	job := seedJob(t, repo, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.run(context.Background(), job.ID)
	}()

	<-started
	// The cancel route transitions the row first, then signals the loop.
	current := reload(t, repo, job.ID)
	now := time.Now()
	require.NoError(t, repo.TransitionStatus(context.Background(), current, core.JobCancelled,
		map[string]any{"completed_at": now}))
	p.Cancel(job.ID)
	<-done

	got := reload(t, repo, job.ID)
	assert.Equal(t, core.JobCancelled, got.Status)
	assert.LessOrEqual(t, work.callCount(), 2)
}

// gatedWork blocks inside the unit of work until released, so tests can
// interleave other actors while a file is in flight.
type gatedWork struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (w *gatedWork) Process(ctx context.Context, jobID, sourcePath string) (*pdf.Result, error) {
	w.calls.Add(1)
	w.entered <- struct{}{}
	select {
	case <-w.release:
		return &pdf.Result{Pages: 1, TextBytes: 10}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRun_ConcurrentRunnersNeverDoubleCount(t *testing.T) {
	repo := setupRepo(t)
	work := &gatedWork{entered: make(chan struct{}, 2), release: make(chan struct{})}
	p := newTestProcessor(repo, work)

	job := seedJob(t, repo, 1)
	require.NoError(t, repo.TransitionStatus(context.Background(), job, core.JobRunning,
		map[string]any{"started_at": time.Now()}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.run(context.Background(), job.ID)
	}()
	<-work.entered

	// A resume-style re-submit lands while the first runner is still inside
	// the unit of work for the same file.
	p.run(context.Background(), job.ID)

	close(work.release)
	<-done

	got := reload(t, repo, job.ID)
	assert.Equal(t, core.JobCompleted, got.Status)
	assert.Equal(t, 1, got.ProcessedFiles)
	assert.Equal(t, 0, got.FailedFiles)
	assert.LessOrEqual(t, got.ProcessedFiles+got.FailedFiles, got.TotalFiles)
	assert.Equal(t, int32(1), work.calls.Load(), "second runner must not touch the file")
}

func TestCancel_InterruptedFileReturnsToPending(t *testing.T) {
	repo := setupRepo(t)
	work := &gatedWork{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := newTestProcessor(repo, work)

	job := seedJob(t, repo, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.run(context.Background(), job.ID)
	}()
	<-work.entered

	current := reload(t, repo, job.ID)
	require.NoError(t, repo.TransitionStatus(context.Background(), current, core.JobCancelled,
		map[string]any{"completed_at": time.Now()}))
	p.Cancel(job.ID)
	<-done

	files, err := repo.ListFiles(context.Background(), job.ID)
	require.NoError(t, err)
	for _, f := range files {
		assert.Equal(t, core.FilePending, f.Status, "no row may stay stuck in processing")
	}
	got := reload(t, repo, job.ID)
	assert.Equal(t, core.JobCancelled, got.Status)
	assert.Equal(t, 0, got.ProcessedFiles)
}

// ---------------------------------------------------------------------------
// Pool plumbing
// ---------------------------------------------------------------------------

func TestSubmit_QueueFull(t *testing.T) {
	repo := setupRepo(t)
	p := New(repo, &fakeWork{}, slog.Default(), Config{PoolSize: 1, QueueDepth: 1})

	require.NoError(t, p.Submit("a"))
	assert.ErrorIs(t, p.Submit("b"), ErrQueueFull)
}

func TestStartSubmit_ProcessesAsynchronously(t *testing.T) {
	repo := setupRepo(t)
	work := &fakeWork{}
	p := newTestProcessor(repo, work)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	job := seedJob(t, repo, 2)
	require.NoError(t, p.Submit(job.ID))

	require.Eventually(t, func() bool {
		return reload(t, repo, job.ID).Status == core.JobCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRecover_ResubmitsRunningJobs(t *testing.T) {
	repo := setupRepo(t)
	work := &fakeWork{}
	p := newTestProcessor(repo, work)

	job := seedJob(t, repo, 1)
	require.NoError(t, repo.TransitionStatus(context.Background(), job, core.JobRunning,
		map[string]any{"started_at": time.Now()}))

	require.NoError(t, p.Recover(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	require.Eventually(t, func() bool {
		return reload(t, repo, job.ID).Status == core.JobCompleted
	}, 5*time.Second, 20*time.Millisecond)
}
