// Package models holds the dispute entity and its status state machine.
package models

import (
	"encoding/json"
	"time"

	"creditflow/internal/piicrypto"
	dErrors "creditflow/pkg/domain-errors"
)

// Bureau is the credit-reporting agency a dispute is filed against.
type Bureau string

const (
	BureauEquifax    Bureau = "equifax"
	BureauExperian   Bureau = "experian"
	BureauTransunion Bureau = "transunion"
)

// ValidBureau reports whether b is a known bureau.
func ValidBureau(b Bureau) bool {
	switch b {
	case BureauEquifax, BureauExperian, BureauTransunion:
		return true
	}
	return false
}

// Consumer is the PII snapshot attached to a dispute. Values are encrypted
// at rest; the service decrypts them on read paths that need plaintext.
type Consumer struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	SSNLast4  string `json:"ssnLast4,omitempty"`
	DOB       string `json:"dob,omitempty"`
}

// Display renders the consumer for list views with PII masked.
type Display struct {
	Name string `json:"name"`
	SSN  string `json:"ssn"`
	DOB  string `json:"dob"`
}

// Display assumes plaintext input; call after decryption.
func (c Consumer) Display() Display {
	return Display{
		Name: piicrypto.Mask(c.FirstName, 1) + " " + c.LastName,
		SSN:  piicrypto.Mask("xxxxx"+c.SSNLast4, 4),
		DOB:  piicrypto.Mask(c.DOB, 4),
	}
}

// SLAWindow tracks the response deadline regime for one dispute.
type SLAWindow struct {
	BaseDays     int  `json:"baseDays"`
	ExtendedDays int  `json:"extendedDays"`
	IsExtended   bool `json:"isExtended"`
}

// Dispute is a credit dispute against a single tradeline.
type Dispute struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	ConsumerID  string    `json:"consumerId"`
	TradelineID string    `json:"tradelineId"`
	Bureau      Bureau    `json:"bureau"`
	Type        string    `json:"type"`
	Status      Status    `json:"status"`
	Consumer    Consumer  `json:"consumer"`
	SLA         SLAWindow `json:"sla"`

	CreatedAt   time.Time  `json:"createdAt"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	Outcome     string   `json:"outcome,omitempty"`
	LetterIDs   []string `json:"letterIds"`
	EvidenceIDs []string `json:"evidenceIds"`
}

// Anchor is the instant deadlines are measured from: submission when it
// happened, creation otherwise.
func (d *Dispute) Anchor() time.Time {
	if d.SubmittedAt != nil {
		return *d.SubmittedAt
	}
	return d.CreatedAt
}

// Open reports whether the dispute still accepts transitions.
func (d *Dispute) Open() bool {
	return !IsTerminal(d.Status)
}

// ApplyExtension grants the one permitted deadline extension. A second
// request is rejected, never silently ignored.
func (d *Dispute) ApplyExtension(extensionDays int) error {
	if d.SLA.IsExtended {
		return dErrors.New(dErrors.CodeConflict, "sla extension already applied")
	}
	d.SLA.ExtendedDays += extensionDays
	d.SLA.IsExtended = true
	return nil
}

// Snapshot renders the dispute as a generic document for audit state
// capture.
func (d *Dispute) Snapshot() map[string]any {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
