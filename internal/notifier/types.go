package notifier

import "time"

// Config controls delivery pacing and token caching.
type Config struct {
	// RatePerSec paces multicast calls to the push provider.
	RatePerSec int
	// TokenCacheTTL is how long a user's device tokens are reused.
	TokenCacheTTL time.Duration
	// SendTimeout bounds one multicast call.
	SendTimeout time.Duration
}

type HistoryItem struct {
	At         time.Time `json:"at"`
	ReminderID string    `json:"reminder_id"`
	UserID     string    `json:"user_id"`
	Title      string    `json:"title"`
	Tokens     int       `json:"tokens"`
	Failed     int       `json:"failed"`
}

// DeliveryEvent is published on the event bus after each dispatch.
type DeliveryEvent struct {
	ReminderID string    `json:"reminder_id"`
	UserID     string    `json:"user_id"`
	Transport  string    `json:"transport"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}
