// Package models holds the dispute letter entity and its status state
// machine.
package models

import (
	"encoding/json"
	"time"
)

// MailType selects the carrier product.
type MailType string

const (
	MailTypeFirstClass MailType = "first_class"
	MailTypeCertified  MailType = "certified"
)

// Source records who drove a status change.
type Source string

const (
	SourceOperator Source = "operator"
	SourceWebhook  Source = "webhook"
	SourceSystem   Source = "system"
)

// StatusChange is one immutable statusHistory entry.
type StatusChange struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Source Source    `json:"source"`
}

// TrackingEvent is one raw carrier event, appended in arrival order. Events
// that do not change the coarse status (re-routed, pickup available) still
// land here.
type TrackingEvent struct {
	EventType  string    `json:"eventType"`
	OccurredAt time.Time `json:"occurredAt"`
	Location   string    `json:"location,omitempty"`
}

// QualityChecks gate approval and sending. Field names are stable for
// compatibility with stored letters.
type QualityChecks struct {
	AddressValidated      bool       `json:"addressValidated"`
	NarrativeLengthOK     bool       `json:"narrativeLengthOk"`
	EvidenceIndexGen      bool       `json:"evidenceIndexGenerated"`
	PDFIntegrityVerified  bool       `json:"pdfIntegrityVerified"`
	AllFieldsComplete     bool       `json:"allFieldsComplete"`
	CheckedAt             *time.Time `json:"checkedAt,omitempty"`
}

// Satisfied reports whether every check passed.
func (q QualityChecks) Satisfied() bool {
	return q.AddressValidated && q.NarrativeLengthOK && q.EvidenceIndexGen &&
		q.PDFIntegrityVerified && q.AllFieldsComplete
}

// Address is a mailing endpoint on the letter.
type Address struct {
	Name    string `json:"name"`
	Line1   string `json:"line1"`
	Line2   string `json:"line2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode"`
}

// Complete reports whether the address can be printed on an envelope.
func (a Address) Complete() bool {
	return a.Name != "" && a.Line1 != "" && a.City != "" && a.State != "" && a.ZipCode != ""
}

// Letter is one piece of dispute correspondence.
type Letter struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenantId"`
	DisputeID string   `json:"disputeId"`
	Status    Status   `json:"status"`
	MailType  MailType `json:"mailType"`

	Narrative        string  `json:"narrative,omitempty"`
	RecipientAddress Address `json:"recipientAddress"`
	ReturnAddress    Address `json:"returnAddress"`
	EvidenceIDs      []string `json:"evidenceIds,omitempty"`

	QualityChecks QualityChecks `json:"qualityChecks"`

	// TrackingNumber is immutable once carrier-assigned.
	TrackingNumber string          `json:"trackingNumber,omitempty"`
	TrackingEvents []TrackingEvent `json:"trackingEvents,omitempty"`

	StatusHistory []StatusChange `json:"statusHistory"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
}

// Snapshot renders the letter as a generic document for audit state capture.
func (l *Letter) Snapshot() map[string]any {
	raw, err := json.Marshal(l)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// EvaluateQualityChecks recomputes the gate from the letter's current
// content. PDF integrity is asserted by the rendering pipeline, so the
// existing value carries over.
func EvaluateQualityChecks(l *Letter, now time.Time) QualityChecks {
	return QualityChecks{
		AddressValidated:     l.RecipientAddress.Complete() && l.RecipientAddress.ZipCode != "",
		NarrativeLengthOK:    len(l.Narrative) >= 100,
		EvidenceIndexGen:     true, // letters without evidence still pass
		PDFIntegrityVerified: l.QualityChecks.PDFIntegrityVerified,
		AllFieldsComplete:    l.RecipientAddress.Complete() && l.ReturnAddress.Complete(),
		CheckedAt:            &now,
	}
}
