package storage

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Pagination limits.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ListFilter is the query DSL for job listings. Absent fields are no-ops;
// set fields combine conjunctively.
type ListFilter struct {
	Status   string
	Priority string
	Type     string
	Search   string
	DateFrom *time.Time
	DateTo   *time.Time

	Page      int
	Limit     int
	OrderBy   string
	Ascending bool
}

// Normalize applies defaults and clamps: pagination is 1-indexed, page size
// bounded, order column restricted to known fields.
func (f *ListFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	switch f.OrderBy {
	case "name", "priority", "status", "created_at", "completed_at":
	default:
		f.OrderBy = "created_at"
	}
}

// apply attaches the filter clauses (not ordering or limits) to a query.
func (f *ListFilter) apply(db *gorm.DB) *gorm.DB {
	if f.Status != "" {
		db = db.Where("status = ?", f.Status)
	}
	if f.Priority != "" {
		db = db.Where("priority = ?", f.Priority)
	}
	if f.Type != "" {
		db = db.Where("output_format = ?", f.Type)
	}
	if f.DateFrom != nil {
		db = db.Where("created_at >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		db = db.Where("created_at <= ?", *f.DateTo)
	}
	if f.Search != "" {
		needle := "%" + strings.ToLower(f.Search) + "%"
		db = db.Where("LOWER(name) LIKE ? OR LOWER(description) LIKE ?", needle, needle)
	}
	return db
}

func (f *ListFilter) order() string {
	dir := "DESC"
	if f.Ascending {
		dir = "ASC"
	}
	return f.OrderBy + " " + dir
}

func (f *ListFilter) offset() int {
	return (f.Page - 1) * f.Limit
}

// Pagination is the metadata returned alongside a page of results.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

func paginationFor(f *ListFilter, total int64) Pagination {
	pages := int((total + int64(f.Limit) - 1) / int64(f.Limit))
	return Pagination{Page: f.Page, Limit: f.Limit, Total: total, TotalPages: pages}
}
