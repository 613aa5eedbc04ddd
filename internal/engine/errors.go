package engine

import (
	"fmt"
	"strings"
)

// DuplicateError indicates a second roster entry for the same
// (musician, event) pair.
type DuplicateError struct {
	MusicianID string
	EventID    string
}

func (e DuplicateError) Error() string {
	return fmt.Sprintf("musician %s is already rostered for event %s", e.MusicianID, e.EventID)
}

// IneligibleError indicates the musician's availability state rules out the
// assignment.
type IneligibleError struct {
	MusicianID string
	Reason     string
}

func (e IneligibleError) Error() string {
	return fmt.Sprintf("musician %s cannot be rostered: %s", e.MusicianID, e.Reason)
}

// InvalidStateError indicates malformed availability input, e.g. UNAVAILABLE
// without a complete interval.
type InvalidStateError struct {
	Msg string
}

func (e InvalidStateError) Error() string { return e.Msg }

// ReferentialConflictError indicates a delete blocked by live roster entries.
type ReferentialConflictError struct {
	MusicianID string
	Rosters    int
}

func (e ReferentialConflictError) Error() string {
	return fmt.Sprintf("musician %s has %d roster entries and cannot be deleted", e.MusicianID, e.Rosters)
}

// ValidationError indicates a malformed request field outside the
// availability state machine.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// isUniqueViolation reports whether err is the store rejecting a uniqueness
// constraint. The constraint is the authority for exclusivity; the pre-insert
// existence check is only a fast path, so the loser of a concurrent race
// lands here.
func isUniqueViolation(err error, table string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, table+".")
}
