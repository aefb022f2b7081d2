// Package carrier abstracts the mail-carrier API the letter service submits
// physical mail through.
package carrier

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"creditflow/internal/letter/models"
)

// Submission is what the carrier needs to print and mail a letter.
type Submission struct {
	LetterID         string
	MailType         models.MailType
	RecipientAddress models.Address
	ReturnAddress    models.Address
}

// Client submits letters to the carrier. Implementations must respect the
// context deadline; the service retries transient failures with bounded
// backoff and never retries application errors.
type Client interface {
	Send(ctx context.Context, sub Submission) (trackingNumber string, err error)
}

// Memory is an in-process fake used by unit tests and local development.
type Memory struct {
	mu          sync.Mutex
	submissions []Submission

	// FailWith forces the next FailCount Send calls to fail.
	FailWith  error
	FailCount int
}

// NewMemory creates an empty fake carrier.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Send(_ context.Context, sub Submission) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCount > 0 {
		m.FailCount--
		return "", m.FailWith
	}
	m.submissions = append(m.submissions, sub)
	return "9400" + uuid.NewString()[:16], nil
}

// Submissions returns everything accepted so far.
func (m *Memory) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Submission, len(m.submissions))
	copy(out, m.submissions)
	return out
}
