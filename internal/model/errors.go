package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrStateConflict is returned when an operation is attempted on an
	// entity in the wrong lifecycle state. No mutation has happened.
	ErrStateConflict = errors.New("ledger: state conflict")

	// ErrInvariant is returned when a mutation would break an accounting
	// invariant. The offending operation is aborted.
	ErrInvariant = errors.New("ledger: invariant violation")

	// ErrMalformedEvent is returned for events with missing identifiers or
	// invalid amounts.
	ErrMalformedEvent = errors.New("ledger: malformed event")

	// ErrConcurrentClose is returned to the loser of two racing closes.
	// Callers retry; nothing was fanned out.
	ErrConcurrentClose = errors.New("ledger: cycle close already in progress")

	// ErrDuplicate is returned when a uniqueness constraint rejects a row.
	ErrDuplicate = errors.New("ledger: duplicate")
)

// StateConflictError names the current and required states of the entity.
type StateConflictError struct {
	Entity   string
	ID       string
	Op       string
	Current  string
	Required []string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s: status is %s, requires %s",
		e.Entity, e.ID, e.Op, e.Current, strings.Join(e.Required, " or "))
}

func (e *StateConflictError) Is(target error) bool { return target == ErrStateConflict }

// CycleConflict builds a StateConflictError for a cycle.
func CycleConflict(c *Cycle, op string, required ...CycleStatus) *StateConflictError {
	req := make([]string, len(required))
	for i, s := range required {
		req[i] = string(s)
	}
	return &StateConflictError{Entity: "cycle", ID: c.ID, Op: op, Current: string(c.Status), Required: req}
}

// ParticipationConflict builds a StateConflictError for a participation.
func ParticipationConflict(p *Participation, op string, required ...ParticipationStatus) *StateConflictError {
	req := make([]string, len(required))
	for i, s := range required {
		req[i] = string(s)
	}
	return &StateConflictError{Entity: "participation", ID: p.ID, Op: op, Current: string(p.Status), Required: req}
}

// InvariantError names the violated invariant.
type InvariantError struct {
	Invariant string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %q violated: %s", e.Invariant, e.Detail)
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariant }

// MalformedEventError names the offending field.
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %s %s", e.Field, e.Reason)
}

func (e *MalformedEventError) Is(target error) bool { return target == ErrMalformedEvent }
