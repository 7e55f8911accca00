package models

import "time"

// ClientBucket is the fixed-window counter state for one (client, endpoint) pair.
type ClientBucket struct {
	ClientID    string    `json:"client_id"`
	Endpoint    string    `json:"endpoint"`
	WindowStart time.Time `json:"window_start"`
	Count       int64     `json:"count"`
}

// RateLimitDecision is the result of a Rate Limiter check.
type RateLimitDecision struct {
	Allowed           bool
	Limit             int
	Current           int64
	RetryAfterSeconds int
	WindowStart       time.Time
}

// Remaining returns how many requests are left in the window, never negative.
func (d RateLimitDecision) Remaining() int {
	left := int64(d.Limit) - d.Current
	if left < 0 {
		return 0
	}
	return int(left)
}
