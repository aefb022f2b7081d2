package webhook

import "time"

// EventStatus is the processing outcome recorded on a stored webhook event.
type EventStatus string

const (
	StatusPending      EventStatus = "pending"
	StatusProcessed    EventStatus = "processed"
	StatusUnmatched    EventStatus = "unmatched"
	StatusUnknownEvent EventStatus = "unknown_event"
	StatusRetryPending EventStatus = "retry_pending"
)

// TenantUnresolved marks an event whose letter could not be matched at
// delivery time. Retry adopts the letter's tenant once one appears.
const TenantUnresolved = "unknown"

// Provider identifies the external system that sent the event.
type Provider string

const (
	ProviderCarrier Provider = "carrier"
)

// Event is one received webhook, persisted for processing and audit. Every
// delivery that passes signature verification is stored, whatever its
// processing outcome; field names are stable for compatibility with existing
// documents.
type Event struct {
	ID             string      `json:"id"`
	TenantID       string      `json:"tenantId"`
	Provider       Provider    `json:"provider"`
	EventType      string      `json:"eventType"`
	ResourceType   string      `json:"resourceType"`
	ResourceID     string      `json:"resourceId"`
	InternalID     string      `json:"internalResourceId,omitempty"`
	Payload        any         `json:"payload,omitempty"`
	SignatureValid bool        `json:"signatureValid"`
	Status         EventStatus `json:"status"`
	Error          string      `json:"error,omitempty"`
	RetryCount     int         `json:"retryCount"`
	ReceivedAt     time.Time   `json:"receivedAt"`
	ProcessedAt    *time.Time  `json:"processedAt,omitempty"`
	LastRetryAt    *time.Time  `json:"lastRetryAt,omitempty"`
}

// Envelope is the carrier's webhook body shape.
type Envelope struct {
	ID        string `json:"id"`
	EventType struct {
		ID       string `json:"id"`
		Resource string `json:"resource"`
	} `json:"event_type"`
	DateCreated time.Time    `json:"date_created"`
	Body        EnvelopeBody `json:"body"`
}

// EnvelopeBody is the resource-specific part of the envelope.
type EnvelopeBody struct {
	ID             string          `json:"id"`
	TrackingNumber string          `json:"tracking_number"`
	Status         string          `json:"status,omitempty"`
	TrackingEvents []TrackingEvent `json:"tracking_events,omitempty"`
}

// TrackingEvent is one scan record inside the envelope.
type TrackingEvent struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Time     time.Time `json:"time"`
	Location string    `json:"location,omitempty"`
}
