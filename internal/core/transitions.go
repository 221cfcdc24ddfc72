package core

import "fmt"

// allowedTransitions encodes pending → running ⇄ paused → {completed, failed,
// cancelled}. Cancel is reachable from every non-completed state; failed is
// additionally reachable from pending/paused through the reaper and
// processor-fatal paths.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobFailed, JobCancelled},
	JobRunning: {JobPaused, JobCompleted, JobFailed, JobCancelled},
	JobPaused:  {JobRunning, JobFailed, JobCancelled},
}

// CanTransition reports whether moving from one status to another is legal.
// Terminal states allow nothing.
func CanTransition(from, to JobStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition (wrapped with both states)
// when the move is not legal.
func CheckTransition(from, to JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ToggleTarget returns the opposite side of the running ⇄ paused pair.
// Any other source status is rejected, matching the toggle guard.
func ToggleTarget(from JobStatus) (JobStatus, error) {
	switch from {
	case JobRunning:
		return JobPaused, nil
	case JobPaused:
		return JobRunning, nil
	default:
		return "", fmt.Errorf("%w: toggle requires running or paused, job is %s", ErrInvalidTransition, from)
	}
}
