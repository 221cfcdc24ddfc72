// Package core provides the domain models and transition rules for batch jobs.
package core

import (
	"time"
)

// JobStatus represents the current state of a batch job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further status transition is permitted.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Priority orders jobs for listing; it does not affect processing order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ValidPriority reports whether p is one of the accepted priority values.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Job represents a user-submitted batch of files processed under one configuration.
type Job struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	UserID       string    `gorm:"index;size:36;not null" json:"user_id"`
	Name         string    `gorm:"size:255;not null" json:"name"`
	Description  string    `gorm:"type:text" json:"description"`
	Config       []byte    `gorm:"type:bytes" json:"config"`
	Priority     Priority  `gorm:"index;size:10;default:'medium'" json:"priority"`
	OutputFormat string    `gorm:"size:20;default:'pdf'" json:"output_format"`
	Status       JobStatus `gorm:"index;size:20;default:'pending'" json:"status"`

	TotalFiles     int `gorm:"not null;default:0" json:"total_files"`
	ProcessedFiles int `gorm:"not null;default:0" json:"processed_files"`
	FailedFiles    int `gorm:"not null;default:0" json:"failed_files"`

	LastError string `gorm:"type:text" json:"last_error,omitempty"`

	// Version guards against concurrent writers (user toggle vs processor).
	Version int64 `gorm:"not null;default:0" json:"-"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Files []JobFile `gorm:"foreignKey:JobID" json:"files,omitempty"`
}

// TableName maps Job onto the batch_jobs table.
func (Job) TableName() string { return "batch_jobs" }

// Editable reports whether the owner may still change job metadata.
func (j *Job) Editable() bool {
	return j.Status == JobPending || j.Status == JobPaused
}

// FileStatus represents the per-file processing state.
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileProcessing FileStatus = "processing"
	FileCompleted  FileStatus = "completed"
	FileFailed     FileStatus = "failed"
)

// IsTerminal reports whether the file has finished processing.
func (s FileStatus) IsTerminal() bool {
	return s == FileCompleted || s == FileFailed
}

// JobFile is one input file within a job, tracked through its own status.
// FileOrder is unique within a job and defines the processing sequence.
type JobFile struct {
	ID        string     `gorm:"primaryKey;size:36" json:"id"`
	JobID     string     `gorm:"index:idx_job_order,unique;size:36;not null" json:"job_id"`
	FileOrder int        `gorm:"index:idx_job_order,unique;not null" json:"file_order"`
	FileName  string     `gorm:"size:255;not null" json:"file_name"`
	FileType  string     `gorm:"size:20" json:"file_type"`
	FileSize  int64      `gorm:"not null;default:0" json:"file_size"`
	Status    FileStatus `gorm:"index;size:20;default:'pending'" json:"status"`
	Error     string     `gorm:"type:text" json:"error,omitempty"`

	// StoragePath points at the uploaded bytes on disk; the processor
	// re-reads them from here.
	StoragePath string `gorm:"size:512" json:"-"`

	// Result fields populated by the processor on success.
	PageCount int   `gorm:"default:0" json:"page_count,omitempty"`
	TextBytes int64 `gorm:"default:0" json:"text_bytes,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// TableName maps JobFile onto the batch_job_files table.
func (JobFile) TableName() string { return "batch_job_files" }
