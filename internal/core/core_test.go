package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Status transitions
// ---------------------------------------------------------------------------

func TestCanTransition_Matrix(t *testing.T) {
	allowed := []struct{ from, to JobStatus }{
		{JobPending, JobRunning},
		{JobPending, JobFailed},
		{JobPending, JobCancelled},
		{JobRunning, JobPaused},
		{JobRunning, JobCompleted},
		{JobRunning, JobFailed},
		{JobRunning, JobCancelled},
		{JobPaused, JobRunning},
		{JobPaused, JobFailed},
		{JobPaused, JobCancelled},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to JobStatus }{
		{JobPending, JobPaused},
		{JobPending, JobCompleted},
		{JobPaused, JobCompleted},
		{JobCompleted, JobRunning},
		{JobCompleted, JobCancelled},
		{JobFailed, JobRunning},
		{JobFailed, JobCancelled},
		{JobCancelled, JobRunning},
		{JobCancelled, JobFailed},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestCheckTransition_WrapsError(t *testing.T) {
	err := CheckTransition(JobCompleted, JobRunning)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "completed")
	assert.Contains(t, err.Error(), "running")
}

func TestToggleTarget(t *testing.T) {
	target, err := ToggleTarget(JobRunning)
	require.NoError(t, err)
	assert.Equal(t, JobPaused, target)

	target, err = ToggleTarget(JobPaused)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, target)

	for _, from := range []JobStatus{JobPending, JobCompleted, JobFailed, JobCancelled} {
		_, err := ToggleTarget(from)
		assert.ErrorIs(t, err, ErrInvalidTransition, "toggle from %s must be rejected", from)
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.True(t, JobCompleted.IsTerminal())
	assert.True(t, JobFailed.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
	assert.False(t, JobPending.IsTerminal())
	assert.False(t, JobRunning.IsTerminal())
	assert.False(t, JobPaused.IsTerminal())
}

func TestJob_Editable(t *testing.T) {
	assert.True(t, (&Job{Status: JobPending}).Editable())
	assert.True(t, (&Job{Status: JobPaused}).Editable())
	assert.False(t, (&Job{Status: JobRunning}).Editable())
	assert.False(t, (&Job{Status: JobCompleted}).Editable())
}

// ---------------------------------------------------------------------------
// Validation helpers
// ---------------------------------------------------------------------------

func TestValidateJobName(t *testing.T) {
	assert.NoError(t, ValidateJobName("Lote_Test"))
	assert.Error(t, ValidateJobName(""))
	assert.Error(t, ValidateJobName("   "))
	assert.Error(t, ValidateJobName(strings.Repeat("x", MaxJobNameLength+1)))
}

func TestValidateDescription(t *testing.T) {
	assert.NoError(t, ValidateDescription(""))
	assert.NoError(t, ValidateDescription("short"))
	assert.Error(t, ValidateDescription(strings.Repeat("x", MaxDescriptionLength+1)))
}

func TestValidPriority(t *testing.T) {
	assert.True(t, ValidPriority(PriorityLow))
	assert.True(t, ValidPriority(PriorityMedium))
	assert.True(t, ValidPriority(PriorityHigh))
	assert.False(t, ValidPriority(Priority("urgent")))
}

func TestSanitizeErrorMessage(t *testing.T) {
	assert.Equal(t, "", SanitizeErrorMessage(""))
	assert.Equal(t, "plain", SanitizeErrorMessage("plain"))
	assert.Equal(t, "ab", SanitizeErrorMessage("a\x00b"))

	long := strings.Repeat("x", MaxErrorMessageLength+100)
	got := SanitizeErrorMessage(long)
	assert.Len(t, got, MaxErrorMessageLength)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestFileExtension(t *testing.T) {
	assert.Equal(t, "pdf", FileExtension("report.PDF"))
	assert.Equal(t, "txt", FileExtension("a.b.txt"))
	assert.Equal(t, "", FileExtension("noext"))
	assert.Equal(t, "", FileExtension("trailingdot."))
}

func TestValidationError_Is(t *testing.T) {
	err := Invalid("bad %s", "input")
	assert.True(t, IsValidation(err))
	assert.Equal(t, "bad input", err.Error())
	assert.False(t, IsValidation(ErrNotFound))
}
