package deal

import "time"

// EventType tags an audit log entry.
type EventType string

const (
	EventCreated       EventType = "created"
	EventClaimed       EventType = "claimed"
	EventClaimRefunded EventType = "claim_refunded" // losing claimant's deposit returned
	EventTransferred   EventType = "transferred"
	EventReleased      EventType = "released"
	EventDisputed      EventType = "disputed"
	EventResolved      EventType = "resolved"
	EventExpired       EventType = "expired"
	EventAutoRefunded  EventType = "auto_refunded"
	EventAutoReleased  EventType = "auto_released"
	EventCanceled      EventType = "canceled"
)

// Event is one append-only audit log entry. Events are never updated or
// deleted; one row per meaningful transition.
type Event struct {
	ID        string         `json:"id"`
	DealID    string         `json:"dealId"`
	Type      EventType      `json:"type"`
	Actor     string         `json:"actor,omitempty"` // user id, or empty for system
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
