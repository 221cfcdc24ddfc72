package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mkarlsen/pdfbatch/internal/cache"
	"github.com/mkarlsen/pdfbatch/internal/core"
	"github.com/mkarlsen/pdfbatch/internal/jobconfig"
	"github.com/mkarlsen/pdfbatch/internal/storage"
)

// jobPage is the cached list payload.
type jobPage struct {
	Jobs       []core.Job         `json:"jobs"`
	Pagination storage.Pagination `json:"-"`
}

func (s *Server) listJobs(c *gin.Context) {
	userID := currentUser(c)

	filter, err := parseListFilter(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	key := cache.Key(map[string]string{
		"user":     userID,
		"status":   filter.Status,
		"priority": filter.Priority,
		"type":     filter.Type,
		"search":   filter.Search,
		"from":     formatTimePtr(filter.DateFrom),
		"to":       formatTimePtr(filter.DateTo),
		"page":     strconv.Itoa(filter.Page),
		"limit":    strconv.Itoa(filter.Limit),
		"order":    filter.OrderBy,
		"asc":      strconv.FormatBool(filter.Ascending),
	})

	v, err := s.store.GetOrFetch(c.Request.Context(), cache.CategoryJobs, key, func(ctx context.Context) (any, error) {
		jobs, page, err := s.repo.ListJobs(ctx, userID, filter)
		if err != nil {
			return nil, err
		}
		return &jobPage{Jobs: jobs, Pagination: page}, nil
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	page := v.(*jobPage)
	respondPage(c, page.Jobs, page.Pagination)
}

func parseListFilter(c *gin.Context) (storage.ListFilter, error) {
	var filter storage.ListFilter
	filter.Status = c.Query("status")
	filter.Priority = c.Query("priority")
	filter.Type = c.Query("type")
	filter.Search = c.Query("search")
	filter.OrderBy = c.Query("orderBy")
	filter.Ascending = c.Query("ascending") == "true"

	if filter.Status != "" && !validJobStatus(core.JobStatus(filter.Status)) {
		return filter, core.Invalid("unknown status %q", filter.Status)
	}
	if filter.Priority != "" && !core.ValidPriority(core.Priority(filter.Priority)) {
		return filter, core.Invalid("unknown priority %q", filter.Priority)
	}

	var err error
	if filter.Page, err = intQuery(c, "page", 0); err != nil {
		return filter, err
	}
	if filter.Limit, err = intQuery(c, "limit", 0); err != nil {
		return filter, err
	}

	// offset is accepted as an alternative to page for older clients.
	if filter.Page == 0 {
		offset, err := intQuery(c, "offset", 0)
		if err != nil {
			return filter, err
		}
		if offset > 0 {
			limit := filter.Limit
			if limit < 1 {
				limit = storage.DefaultPageSize
			}
			filter.Page = offset/limit + 1
		}
	}

	if filter.DateFrom, err = timeQuery(c, "dateFrom"); err != nil {
		return filter, err
	}
	if filter.DateTo, err = timeQuery(c, "dateTo"); err != nil {
		return filter, err
	}
	return filter, nil
}

func validJobStatus(s core.JobStatus) bool {
	switch s {
	case core.JobPending, core.JobRunning, core.JobPaused,
		core.JobCompleted, core.JobFailed, core.JobCancelled:
		return true
	}
	return false
}

func intQuery(c *gin.Context, name string, defaultVal int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, core.Invalid("%s must be a non-negative integer", name)
	}
	return n, nil
}

func timeQuery(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, core.Invalid("%s must be RFC3339 or YYYY-MM-DD", name)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.repo.GetJobWithFiles(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, job)
}

func (s *Server) createJob(c *gin.Context) {
	userID := currentUser(c)

	name := c.PostForm("jobName")
	if err := core.ValidateJobName(name); err != nil {
		s.respondError(c, err)
		return
	}
	description := c.PostForm("description")
	if err := core.ValidateDescription(description); err != nil {
		s.respondError(c, err)
		return
	}

	priority := core.Priority(c.DefaultPostForm("priority", string(core.PriorityMedium)))
	if !core.ValidPriority(priority) {
		s.respondError(c, core.Invalid("unknown priority %q", priority))
		return
	}

	configRaw := []byte(c.PostForm("config"))
	if err := jobconfig.Validate(configRaw); err != nil {
		s.respondError(c, err)
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		s.respondError(c, core.Invalid("invalid multipart request: %v", err))
		return
	}
	uploads := form.File["files"]
	if len(uploads) == 0 {
		s.respondError(c, core.Invalid("at least one file is required"))
		return
	}
	if len(uploads) > core.MaxFilesPerJob {
		s.respondError(c, core.Invalid("at most %d files per job", core.MaxFilesPerJob))
		return
	}

	job := &core.Job{
		UserID:       userID,
		Name:         name,
		Description:  description,
		Config:       configRaw,
		Priority:     priority,
		OutputFormat: c.DefaultPostForm("outputFormat", "txt"),
	}

	files, cleanup, err := s.storeUploads(c, job, uploads)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if err := s.repo.CreateJob(c.Request.Context(), job, files); err != nil {
		cleanup()
		s.respondError(c, err)
		return
	}

	s.invalidateJobCaches()

	if err := s.proc.Submit(job.ID); err != nil {
		// The job row exists; the reaper or a resubmit will pick it up.
		s.logger.Warn("job accepted but not scheduled", "job_id", job.ID, "error", err)
	}

	respondOK(c, http.StatusAccepted, job)
}

// storeUploads writes the multipart payloads under uploadDir/<jobID>/ and
// returns the file rows in upload order. cleanup removes everything written
// so far, for use when persisting the job fails.
func (s *Server) storeUploads(c *gin.Context, job *core.Job, uploads []*multipart.FileHeader) ([]core.JobFile, func(), error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	dir := filepath.Join(s.uploadDir, job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create upload directory: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	files := make([]core.JobFile, 0, len(uploads))
	for i, upload := range uploads {
		name := filepath.Base(upload.Filename)
		if name == "" || name == "." || len(name) > core.MaxFileNameLength {
			cleanup()
			return nil, nil, core.Invalid("invalid file name %q", upload.Filename)
		}

		path := filepath.Join(dir, fmt.Sprintf("%03d_%s", i, name))
		if err := saveUpload(upload, path); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("store upload %q: %w", name, err)
		}

		files = append(files, core.JobFile{
			FileName:    name,
			FileType:    core.FileExtension(name),
			FileSize:    upload.Size,
			StoragePath: path,
		})
	}
	return files, cleanup, nil
}

func saveUpload(upload *multipart.FileHeader, path string) error {
	src, err := upload.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

type updateJobRequest struct {
	Name         *string          `json:"name"`
	Description  *string          `json:"description"`
	Config       *json.RawMessage `json:"config"`
	Priority     *core.Priority   `json:"priority"`
	OutputFormat *string          `json:"output_format"`
}

func (s *Server) updateJob(c *gin.Context) {
	userID := currentUser(c)

	var req updateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, core.Invalid("invalid request body: %v", err))
		return
	}

	job, err := s.repo.GetJob(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	updates := map[string]any{}
	if req.Name != nil {
		if err := core.ValidateJobName(*req.Name); err != nil {
			s.respondError(c, err)
			return
		}
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		if err := core.ValidateDescription(*req.Description); err != nil {
			s.respondError(c, err)
			return
		}
		updates["description"] = *req.Description
	}
	if req.Config != nil {
		if err := jobconfig.Validate(*req.Config); err != nil {
			s.respondError(c, err)
			return
		}
		updates["config"] = []byte(*req.Config)
	}
	if req.Priority != nil {
		if !core.ValidPriority(*req.Priority) {
			s.respondError(c, core.Invalid("unknown priority %q", *req.Priority))
			return
		}
		updates["priority"] = *req.Priority
	}
	if req.OutputFormat != nil {
		updates["output_format"] = *req.OutputFormat
	}
	if len(updates) == 0 {
		s.respondError(c, core.Invalid("no fields to update"))
		return
	}

	if err := s.repo.UpdateJobMeta(c.Request.Context(), job, updates); err != nil {
		s.respondError(c, err)
		return
	}
	s.invalidateJobCaches()

	job, err = s.repo.GetJob(c.Request.Context(), userID, job.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, job)
}

func (s *Server) toggleJob(c *gin.Context) {
	userID := currentUser(c)

	job, err := s.repo.GetJob(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	target, err := core.ToggleTarget(job.Status)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if err := s.repo.TransitionStatus(c.Request.Context(), job, target, nil); err != nil {
		s.respondError(c, err)
		return
	}
	s.invalidateJobCaches()

	if target == core.JobRunning {
		if err := s.proc.Submit(job.ID); err != nil {
			s.logger.Warn("resumed job not scheduled", "job_id", job.ID, "error", err)
		}
	}
	respondOK(c, http.StatusOK, job)
}

func (s *Server) cancelJob(c *gin.Context) {
	userID := currentUser(c)

	job, err := s.repo.GetJob(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	switch job.Status {
	case core.JobCompleted:
		s.respondError(c, core.ErrCancelCompleted)
		return
	case core.JobCancelled:
		// Cancelling twice is a no-op.
		respondOK(c, http.StatusOK, job)
		return
	}

	now := time.Now()
	if err := s.repo.TransitionStatus(c.Request.Context(), job, core.JobCancelled, map[string]any{"completed_at": now}); err != nil {
		s.respondError(c, err)
		return
	}

	// Stop the in-flight processor loop, if one is working this job.
	s.proc.Cancel(job.ID)
	s.invalidateJobCaches()

	respondOK(c, http.StatusOK, job)
}

func (s *Server) statsSummary(c *gin.Context) {
	userID := currentUser(c)
	key := "summary:" + userID

	v, err := s.store.GetOrFetch(c.Request.Context(), cache.CategoryMetrics, key, func(ctx context.Context) (any, error) {
		return s.repo.Summarize(ctx, userID)
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, v)
}
