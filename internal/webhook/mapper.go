// Package webhook ingests at-least-once carrier notifications, verifies their
// signatures, and translates the carrier event vocabulary into letter status
// transitions.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"creditflow/internal/letter/models"
)

// VerifySignature checks an HMAC-SHA256 hex signature over the raw request
// body. The header may be a bare hex digest or carry an algorithm prefix
// ("sha256=<hex>"); comparison is constant-time either way. An empty secret
// fails closed.
func VerifySignature(rawPayload []byte, signatureHeader, secret string) bool {
	if secret == "" || signatureHeader == "" {
		return false
	}
	if algo, digest, ok := strings.Cut(signatureHeader, "="); ok {
		if !strings.EqualFold(algo, "sha256") {
			return false
		}
		signatureHeader = digest
	}

	given, err := hex.DecodeString(strings.TrimSpace(signatureHeader))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawPayload)
	return hmac.Equal(given, mac.Sum(nil))
}

// statusMap folds the carrier's certified-mail sub-states into the coarse
// letter vocabulary. Tracking-only events (re-routes, pickup notices) map to
// an empty status: recorded, never transitioned on.
var statusMap = map[string]models.Status{
	"letter.certified.mailed":                 models.StatusSent,
	"letter.certified.in_transit":             models.StatusInTransit,
	"letter.certified.in_local_area":          models.StatusInTransit,
	"letter.certified.processed_for_delivery": models.StatusInTransit,
	"letter.certified.delivered":              models.StatusDelivered,
	"letter.delivered":                        models.StatusDelivered,
	"letter.certified.returned_to_sender":     models.StatusReturned,
	"letter.returned_to_sender":               models.StatusReturned,
	"letter.certified.issue":                  models.StatusFailed,
	"letter.failed":                           models.StatusFailed,

	"letter.certified.re-routed":        "",
	"letter.re-routed":                  "",
	"letter.certified.pickup_available": "",
}

// MapEventToLetterStatus translates a carrier event type into an internal
// letter status. The second return distinguishes a tracking-only event (known,
// empty status) from an unknown event type; unknown events are the caller's to
// log, not an error.
func MapEventToLetterStatus(eventType string) (models.Status, bool) {
	status, known := statusMap[eventType]
	return status, known
}

// ParsedEvent is the structural decomposition of a carrier event type.
type ParsedEvent struct {
	Resource string
	Action   string
}

// ParseEvent splits "letter.certified.delivered" into resource "letter" and
// action "certified.delivered". A bare token is all resource, no action.
func ParseEvent(eventType string) ParsedEvent {
	resource, action, _ := strings.Cut(eventType, ".")
	return ParsedEvent{Resource: resource, Action: action}
}
