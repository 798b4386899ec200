package models

// WebSocket event types for the live review feed
const (
	EventReviewRequired = "review.required"
	EventReviewResolved = "review.resolved"
	EventPing           = "ping"
	EventPong           = "pong"
	EventError          = "error"
)

type WSMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

type WSErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WSReviewResolvedPayload tells other reviewers an event left the queue
type WSReviewResolvedPayload struct {
	Event     *SafetyEvent         `json:"event"`
	Aggregate *UserSafetyAggregate `json:"aggregate"`
}
