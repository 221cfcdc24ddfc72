package storage

import (
	"context"
	"time"

	"github.com/mkarlsen/pdfbatch/internal/core"
)

// ListFiles returns a job's files in processing order.
func (r *Repository) ListFiles(ctx context.Context, jobID string) ([]core.JobFile, error) {
	var files []core.JobFile
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("file_order ASC").
		Find(&files).Error
	return files, err
}

// MarkFileProcessing flips a pending file to processing. The status
// predicate keeps a re-submitted job from reprocessing terminal files.
func (r *Repository) MarkFileProcessing(ctx context.Context, fileID string) error {
	return r.db.WithContext(ctx).
		Model(&core.JobFile{}).
		Where("id = ? AND status IN ?", fileID,
			[]core.FileStatus{core.FilePending, core.FileProcessing}).
		Update("status", core.FileProcessing).Error
}

// MarkFileCompleted records a successful unit of work with its result. The
// status predicate makes the write a claim: when two runners race the same
// file, exactly one terminal mark wins the row, and only the winner may
// count it against the job.
func (r *Repository) MarkFileCompleted(ctx context.Context, fileID string, pages int, textBytes int64) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&core.JobFile{}).
		Where("id = ? AND status = ?", fileID, core.FileProcessing).
		Updates(map[string]any{
			"status":       core.FileCompleted,
			"page_count":   pages,
			"text_bytes":   textBytes,
			"completed_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

// MarkFileFailed records a per-file failure with its error message. Same
// claim semantics as MarkFileCompleted.
func (r *Repository) MarkFileFailed(ctx context.Context, fileID, errMsg string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&core.JobFile{}).
		Where("id = ? AND status = ?", fileID, core.FileProcessing).
		Updates(map[string]any{
			"status":       core.FileFailed,
			"error":        core.SanitizeErrorMessage(errMsg),
			"completed_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

// ReleaseFile puts an interrupted file back to pending so an aborted run
// never leaves a row stuck in processing.
func (r *Repository) ReleaseFile(ctx context.Context, fileID string) error {
	return r.db.WithContext(ctx).
		Model(&core.JobFile{}).
		Where("id = ? AND status = ?", fileID, core.FileProcessing).
		Update("status", core.FilePending).Error
}

// CountFilesByStatus returns the number of a job's files in a given status.
func (r *Repository) CountFilesByStatus(ctx context.Context, jobID string, status core.FileStatus) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&core.JobFile{}).
		Where("job_id = ? AND status = ?", jobID, status).
		Count(&n).Error
	return n, err
}

// StatsSummary aggregates the owner's jobs by status plus file totals.
type StatsSummary struct {
	TotalJobs      int64 `json:"total_jobs"`
	Pending        int64 `json:"pending"`
	Running        int64 `json:"running"`
	Paused         int64 `json:"paused"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	Cancelled      int64 `json:"cancelled"`
	TotalFiles     int64 `json:"total_files"`
	ProcessedFiles int64 `json:"processed_files"`
	FailedFiles    int64 `json:"failed_files"`
}

// Summarize computes the caller's aggregate counts in two queries.
func (r *Repository) Summarize(ctx context.Context, userID string) (*StatsSummary, error) {
	var rows []struct {
		Status core.JobStatus
		N      int64
	}
	err := r.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("status, COUNT(*) AS n").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	var s StatsSummary
	for _, row := range rows {
		s.TotalJobs += row.N
		switch row.Status {
		case core.JobPending:
			s.Pending = row.N
		case core.JobRunning:
			s.Running = row.N
		case core.JobPaused:
			s.Paused = row.N
		case core.JobCompleted:
			s.Completed = row.N
		case core.JobFailed:
			s.Failed = row.N
		case core.JobCancelled:
			s.Cancelled = row.N
		}
	}

	err = r.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("COALESCE(SUM(total_files),0) AS total_files, COALESCE(SUM(processed_files),0) AS processed_files, COALESCE(SUM(failed_files),0) AS failed_files").
		Where("user_id = ?", userID).
		Row().Scan(&s.TotalFiles, &s.ProcessedFiles, &s.FailedFiles)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
