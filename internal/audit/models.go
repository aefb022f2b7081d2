package audit

import "time"

// Action is the operation being recorded.
type Action string

const (
	ActionCreate       Action = "create"
	ActionUpdate       Action = "update"
	ActionStatusChange Action = "status_change"
	ActionAutoClose    Action = "auto_close"
	ActionApprove      Action = "approve"
	ActionReject       Action = "reject"
	ActionSend         Action = "send"
	ActionExport       Action = "export"
)

// Entity is the kind of record an entry describes.
type Entity string

const (
	EntityDispute Entity = "dispute"
	EntityLetter  Entity = "letter"
	EntityWebhook Entity = "webhook"
	EntityUser    Entity = "user"
)

// Actor identifies who performed the action.
type Actor struct {
	UserID    string `json:"userId"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Change is one field's before/after pair in a diff.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Metadata carries request provenance alongside an entry.
type Metadata struct {
	Source    string `json:"source"`
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Event is the input to Record and Batch.Log: what happened, to what, by whom.
type Event struct {
	TenantID      string
	Actor         Actor
	Entity        Entity
	EntityID      string
	Action        Action
	ActionDetail  string
	PreviousState map[string]any
	NewState      map[string]any
	Metadata      Metadata
}

// Entry is the persisted audit-log document. Field names are stable for
// compatibility with existing stored logs and downstream exports; entries
// are never mutated or deleted before RetentionUntil.
type Entry struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	ActorID        string            `json:"actorId"`
	ActorEmail     string            `json:"actorEmail,omitempty"`
	ActorRole      string            `json:"actorRole"`
	ActorIP        string            `json:"actorIp,omitempty"`
	UserAgent      string            `json:"userAgent,omitempty"`
	Entity         Entity            `json:"entity"`
	EntityID       string            `json:"entityId"`
	EntityPath     string            `json:"entityPath"`
	Action         Action            `json:"action"`
	ActionDetail   string            `json:"actionDetail,omitempty"`
	PreviousState  map[string]any    `json:"previousState,omitempty"`
	NewState       map[string]any    `json:"newState,omitempty"`
	DiffJSON       map[string]Change `json:"diffJson,omitempty"`
	Metadata       Metadata          `json:"metadata"`
	Timestamp      time.Time         `json:"timestamp"`
	RetentionUntil time.Time         `json:"retentionUntil"`
}
