package events

import "time"

// Event enumerates topics published by the pipeline.
type Event string

const (
	EventSignalAdmitted Event = "signal.admitted"
	EventSignalRejected Event = "signal.rejected"
	EventDecision       Event = "decision.made"
	EventOrderUpdate    Event = "order.update"
	EventPositionOpened Event = "position.opened"
	EventPositionClosed Event = "position.closed"
	EventNotification   Event = "notification"
)

// Topics lists every topic, for subscribers that stream all of them.
var Topics = []Event{
	EventSignalAdmitted,
	EventSignalRejected,
	EventDecision,
	EventOrderUpdate,
	EventPositionOpened,
	EventPositionClosed,
	EventNotification,
}

// NotificationType is the terminal state being reported.
type NotificationType string

const (
	NotifyFilled      NotificationType = "Filled"
	NotifyRejected    NotificationType = "Rejected"
	NotifyFailed      NotificationType = "Failed"
	NotifyRateLimited NotificationType = "RateLimited"
)

// Notification is emitted once per terminal state. Formatting it for humans
// is left to consumers.
type Notification struct {
	Type      NotificationType `json:"type"`
	AccountID string           `json:"account_id"`
	Symbol    string           `json:"symbol,omitempty"`
	Detail    string           `json:"detail"`
	OrderID   string           `json:"order_id,omitempty"`
	At        time.Time        `json:"at"`
}

// Envelope wraps a payload with its topic for consumers reading several
// topics from one stream.
type Envelope struct {
	Topic   Event `json:"topic"`
	Payload any   `json:"payload"`
}
