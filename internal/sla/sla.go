// Package sla computes dispute deadlines. All arithmetic is calendar-day
// based and normalized to a single reference zone so tenants in different
// timezones agree on which day a deadline falls.
package sla

import (
	"fmt"
	"time"
)

// ComputationError reports malformed inputs to a deadline computation. It is
// fatal to the enclosing operation and never retried.
type ComputationError struct {
	Field  string
	Reason string
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("sla computation: %s %s", e.Field, e.Reason)
}

// Clock performs deadline arithmetic in a fixed reference zone. It is pure
// and stateless; it never touches storage.
type Clock struct {
	loc *time.Location
}

// New loads the reference zone, e.g. "America/New_York".
func New(referenceZone string) (*Clock, error) {
	loc, err := time.LoadLocation(referenceZone)
	if err != nil {
		return nil, fmt.Errorf("load reference zone %q: %w", referenceZone, err)
	}
	return &Clock{loc: loc}, nil
}

// startOfDay truncates to midnight in the reference zone.
func (c *Clock) startOfDay(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
}

// DueDate returns the deadline baseDays+extendedDays calendar days after the
// anchor, at midnight reference time.
func (c *Clock) DueDate(anchor time.Time, baseDays, extendedDays int) (time.Time, error) {
	if anchor.IsZero() {
		return time.Time{}, &ComputationError{Field: "anchor", Reason: "is not set"}
	}
	if baseDays <= 0 {
		return time.Time{}, &ComputationError{Field: "baseDays", Reason: "must be positive"}
	}
	if extendedDays < 0 {
		return time.Time{}, &ComputationError{Field: "extendedDays", Reason: "must not be negative"}
	}
	return c.startOfDay(anchor).AddDate(0, 0, baseDays+extendedDays), nil
}

// DaysRemaining counts whole calendar days from now until the deadline.
// Negative once the deadline day has passed.
func (c *Clock) DaysRemaining(dueDate, now time.Time) (int, error) {
	if dueDate.IsZero() {
		return 0, &ComputationError{Field: "dueDate", Reason: "is not set"}
	}
	from := c.startOfDay(now)
	to := c.startOfDay(dueDate)
	days := 0
	for from.Before(to) {
		from = from.AddDate(0, 0, 1)
		days++
	}
	for from.After(to) {
		from = from.AddDate(0, 0, -1)
		days--
	}
	return days, nil
}

// IsOverdue reports whether the grace window after the deadline has fully
// elapsed. At exactly dueDate+graceDays the dispute is not yet overdue; the
// grace period is a deliberate buffer before auto-close triggers.
func (c *Clock) IsOverdue(dueDate time.Time, graceDays int, now time.Time) (bool, error) {
	remaining, err := c.DaysRemaining(dueDate, now)
	if err != nil {
		return false, err
	}
	return remaining < -graceDays, nil
}

// ReminderSchedule returns one reminder date per offset, each offset days
// before the deadline, in the order the offsets are configured.
func (c *Clock) ReminderSchedule(dueDate time.Time, offsets []int) ([]time.Time, error) {
	if dueDate.IsZero() {
		return nil, &ComputationError{Field: "dueDate", Reason: "is not set"}
	}
	dates := make([]time.Time, len(offsets))
	for i, offset := range offsets {
		dates[i] = c.startOfDay(dueDate).AddDate(0, 0, -offset)
	}
	return dates, nil
}

// ReminderKey names a reminder offset for notification dedup, e.g.
// "sla_warning_3_days".
func ReminderKey(offset int) string {
	return fmt.Sprintf("sla_warning_%d_days", offset)
}
