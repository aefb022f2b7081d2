// Package notify defines the fire-and-forget notification collaborator the
// sweep hands its output to. Delivery is external; this package carries the
// instruction shape, the persisted record, and an in-process fake.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Template identifiers understood by the delivery side.
const (
	TemplateSLAWarning = "sla_warning"
	TemplateSLABreach  = "sla_breach"
)

// Instruction is one templated send: a template id plus the structured data
// the template renders. Recipients are resolved downstream from the tenant.
type Instruction struct {
	TenantID string
	Template string
	Data     map[string]any
	Channels []string
}

// Notifier delivers instructions. Send failures are logged by callers and
// never fail the sweep; the persisted record keeps the trail.
type Notifier interface {
	Send(ctx context.Context, in Instruction) error
}

// RecordStatus tracks delivery outcome on the persisted record.
type RecordStatus string

const (
	RecordPending RecordStatus = "pending"
	RecordSent    RecordStatus = "sent"
	RecordFailed  RecordStatus = "failed"
)

// Record is the persisted notifications document. Field names are stable for
// compatibility with existing documents; reminder dedup queries data.reminderKey.
type Record struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Status    RecordStatus   `json:"status"`
	Channels  []string       `json:"channels"`
	CreatedAt time.Time      `json:"createdAt"`
	SentAt    *time.Time     `json:"sentAt,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Log emits instructions to the log stream. The persisted Record is the
// durable trail; deployments with an email/SMS provider substitute their own
// Notifier.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log-backed Notifier.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Send(ctx context.Context, in Instruction) error {
	l.logger.InfoContext(ctx, "notification emitted",
		"tenant_id", in.TenantID,
		"template", in.Template,
		"dispute_id", in.Data["disputeId"],
	)
	return nil
}

// Memory is an in-process Notifier for tests and local development.
type Memory struct {
	mu   sync.Mutex
	sent []Instruction

	// FailWith forces every Send to fail.
	FailWith error
}

// NewMemory creates an empty fake notifier.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Send(_ context.Context, in Instruction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.sent = append(m.sent, in)
	return nil
}

// Sent returns everything delivered so far.
func (m *Memory) Sent() []Instruction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Instruction, len(m.sent))
	copy(out, m.sent)
	return out
}
