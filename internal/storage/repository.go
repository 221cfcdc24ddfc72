// Package storage persists jobs and their files through GORM.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mkarlsen/pdfbatch/internal/core"
)

// Repository is the GORM-backed store for jobs and job files.
type Repository struct {
	db *gorm.DB
}

// NewRepository wraps an open gorm.DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying handle for migration and test setup.
func (r *Repository) DB() *gorm.DB { return r.db }

// Migrate creates the necessary tables.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&core.Job{}, &core.JobFile{})
}

// CreateJob persists a job atomically with its file children. File order is
// assigned from slice position; total_files is fixed here and never changes.
func (r *Repository) CreateJob(ctx context.Context, job *core.Job, files []core.JobFile) error {
	if len(files) == 0 {
		return core.Invalid("a job requires at least one file")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.JobPending
	}
	if job.Priority == "" {
		job.Priority = core.PriorityMedium
	}
	job.TotalFiles = len(files)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		for i := range files {
			if files[i].ID == "" {
				files[i].ID = uuid.New().String()
			}
			files[i].JobID = job.ID
			files[i].FileOrder = i
			if files[i].Status == "" {
				files[i].Status = core.FilePending
			}
		}
		return tx.Create(&files).Error
	})
}

// GetJob fetches a job scoped to its owner. A job that exists but belongs to
// another user is reported as not found.
func (r *Repository) GetJob(ctx context.Context, userID, jobID string) (*core.Job, error) {
	var job core.Job
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", jobID, userID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobWithFiles fetches a job and its files ordered by file_order.
func (r *Repository) GetJobWithFiles(ctx context.Context, userID, jobID string) (*core.Job, error) {
	var job core.Job
	err := r.db.WithContext(ctx).
		Preload("Files", func(db *gorm.DB) *gorm.DB {
			return db.Order("file_order ASC")
		}).
		Where("id = ? AND user_id = ?", jobID, userID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// getJobAnyOwner is the processor-side read; the processor acts on job IDs
// it was handed, not on user requests.
func (r *Repository) getJobAnyOwner(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// JobForProcessing returns the job row without owner scoping.
func (r *Repository) JobForProcessing(ctx context.Context, jobID string) (*core.Job, error) {
	return r.getJobAnyOwner(ctx, jobID)
}

// ListJobs returns one page of the owner's jobs plus pagination metadata
// from a matching count query.
func (r *Repository) ListJobs(ctx context.Context, userID string, filter ListFilter) ([]core.Job, Pagination, error) {
	filter.Normalize()

	base := filter.apply(
		r.db.WithContext(ctx).Model(&core.Job{}).Where("user_id = ?", userID),
	)

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, Pagination{}, err
	}

	var jobs []core.Job
	err := base.Session(&gorm.Session{}).
		Order(filter.order()).
		Limit(filter.Limit).
		Offset(filter.offset()).
		Find(&jobs).Error
	if err != nil {
		return nil, Pagination{}, err
	}
	return jobs, paginationFor(&filter, total), nil
}

// UpdateJobMeta edits owner-mutable fields. The edit is only legal while the
// job is pending or paused; the status and version predicates make the check
// race-free against a concurrently starting processor.
func (r *Repository) UpdateJobMeta(ctx context.Context, job *core.Job, updates map[string]any) error {
	if !job.Editable() {
		return core.ErrJobNotEditable
	}
	res := r.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status IN ? AND version = ?",
			job.ID, []core.JobStatus{core.JobPending, core.JobPaused}, job.Version).
		Updates(mergeVersion(updates, job.Version))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrVersionConflict
	}
	return nil
}

// TransitionStatus moves a job between states with a compare-and-swap on
// (id, from-status, version). A lost race surfaces as ErrVersionConflict;
// an illegal move is rejected before touching the store.
func (r *Repository) TransitionStatus(ctx context.Context, job *core.Job, to core.JobStatus, extra map[string]any) error {
	if err := core.CheckTransition(job.Status, to); err != nil {
		return err
	}

	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ? AND version = ?", job.ID, job.Status, job.Version).
		Updates(mergeVersion(updates, job.Version))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrVersionConflict
	}
	job.Status = to
	job.Version++
	return nil
}

func mergeVersion(updates map[string]any, current int64) map[string]any {
	out := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		out[k] = v
	}
	out["version"] = current + 1
	return out
}

// MarkJobFailed forces a job into the failed terminal state regardless of
// version, stamping completion. Used on processor-fatal paths where the job
// must not be left in running forever.
func (r *Repository) MarkJobFailed(ctx context.Context, jobID, errMsg string) error {
	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status NOT IN ?", jobID,
			[]core.JobStatus{core.JobCompleted, core.JobFailed, core.JobCancelled}).
		Updates(map[string]any{
			"status":       core.JobFailed,
			"last_error":   core.SanitizeErrorMessage(errMsg),
			"completed_at": now,
			"version":      gorm.Expr("version + 1"),
		}).Error
}

// IncrementProcessed bumps processed_files in the store, so concurrent
// writers serialize on the row.
func (r *Repository) IncrementProcessed(ctx context.Context, jobID string) error {
	return r.incrementCounter(ctx, jobID, "processed_files")
}

// IncrementFailed bumps failed_files.
func (r *Repository) IncrementFailed(ctx context.Context, jobID string) error {
	return r.incrementCounter(ctx, jobID, "failed_files")
}

func (r *Repository) incrementCounter(ctx context.Context, jobID, column string) error {
	return r.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ?", jobID).
		Update(column, gorm.Expr(column+" + 1")).Error
}

// JobsInStatus returns up to limit jobs in the given status, oldest first.
// Used by the processor to recover work left over from a previous run.
func (r *Repository) JobsInStatus(ctx context.Context, status core.JobStatus, limit int) ([]core.Job, error) {
	var jobs []core.Job
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ReapStale fails jobs stuck in running past the deadline. Returns how many
// rows were transitioned.
func (r *Repository) ReapStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status = ? AND started_at < ?", core.JobRunning, cutoff).
		Updates(map[string]any{
			"status":       core.JobFailed,
			"last_error":   "processing exceeded the wall-clock deadline",
			"completed_at": now,
			"version":      gorm.Expr("version + 1"),
		})
	return res.RowsAffected, res.Error
}
