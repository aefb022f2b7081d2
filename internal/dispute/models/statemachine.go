package models

import (
	"fmt"
	"time"
)

// Status is the dispute lifecycle state.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusSubmitted  Status = "submitted"
	StatusInReview   Status = "in_review"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
	StatusAutoClosed Status = "auto_closed"
)

// transitions is the exhaustive edge set. Terminal states have no edges.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusSubmitted},
	StatusSubmitted: {StatusInReview, StatusClosed, StatusAutoClosed},
	StatusInReview:  {StatusResolved, StatusClosed, StatusAutoClosed},
}

// InvalidTransitionError reports an illegal status change with both ends of
// the attempted edge.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("dispute: invalid transition %s -> %s", e.From, e.To)
}

// IsTerminal reports whether the status accepts no further transitions.
func IsTerminal(status Status) bool {
	return len(transitions[status]) == 0
}

// CanTransition reports whether from -> to is a legal edge. Pure, no side
// effects.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Apply validates and performs the transition, stamping the timestamps the
// target status owns. Cross-entity guards are the caller's responsibility;
// the caller records previous/new snapshots with the audit trail.
func (d *Dispute) Apply(to Status, now time.Time) error {
	if !CanTransition(d.Status, to) {
		return &InvalidTransitionError{From: d.Status, To: to}
	}

	d.Status = to
	d.UpdatedAt = now
	switch to {
	case StatusSubmitted:
		at := now
		d.SubmittedAt = &at
	case StatusResolved:
		at := now
		d.ResolvedAt = &at
	}
	return nil
}
