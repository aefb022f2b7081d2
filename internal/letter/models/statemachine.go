package models

import (
	"fmt"
	"time"
)

// Status is the coarse letter lifecycle state. Certified-mail sub-states
// from the carrier fold into this vocabulary before they reach the machine.
type Status string

const (
	StatusDrafted   Status = "drafted"
	StatusApproved  Status = "approved"
	StatusSent      Status = "sent"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
	StatusReturned  Status = "returned"
	StatusFailed    Status = "failed"
)

// statusTransitions is the exhaustive edge set. Mail can come back after an
// apparent delivery, so returned and failed stay reachable from delivered;
// carriers really do report post-delivery returns and that ordering must not
// be rejected as out-of-order.
var statusTransitions = map[Status][]Status{
	StatusDrafted:   {StatusApproved},
	StatusApproved:  {StatusSent},
	StatusSent:      {StatusInTransit, StatusDelivered, StatusReturned, StatusFailed},
	StatusInTransit: {StatusDelivered, StatusReturned, StatusFailed},
	StatusDelivered: {StatusReturned, StatusFailed},
}

// InvalidTransitionError reports an illegal status change with both ends of
// the attempted edge.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("letter: invalid transition %s -> %s", e.From, e.To)
}

// IsValidStatusTransition reports whether from -> to is a legal edge.
func IsValidStatusTransition(from, to Status) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Apply validates and performs the transition, appending one immutable
// statusHistory entry tagged with its source.
func (l *Letter) Apply(to Status, source Source, now time.Time) error {
	if !IsValidStatusTransition(l.Status, to) {
		return &InvalidTransitionError{From: l.Status, To: to}
	}

	l.StatusHistory = append(l.StatusHistory, StatusChange{
		From:   l.Status,
		To:     to,
		At:     now,
		Source: source,
	})
	l.Status = to
	l.UpdatedAt = now
	if to == StatusSent {
		at := now
		l.SentAt = &at
	}
	return nil
}
