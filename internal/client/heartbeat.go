package client

import "time"

// HeartbeatTracker follows PING/PONG liveness of the responder.
type HeartbeatTracker struct {
	Interval   time.Duration
	Timeout    time.Duration
	LastSentAt time.Time
	LastPongAt time.Time

	available bool
}

// NewHeartbeatTracker returns a tracker timing out after two intervals without PONG.
func NewHeartbeatTracker(interval time.Duration) *HeartbeatTracker {
	return &HeartbeatTracker{Interval: interval, Timeout: 2 * interval}
}

// SetInterval changes the interval and the derived timeout, keeping the timestamps.
func (h *HeartbeatTracker) SetInterval(interval time.Duration) {
	h.Interval = interval
	h.Timeout = 2 * interval
}

// Due reports whether the next PING must be sent.
func (h *HeartbeatTracker) Due(now time.Time) bool {
	return h.LastSentAt.IsZero() || now.Sub(h.LastSentAt) >= h.Interval
}

func (h *HeartbeatTracker) Sent(now time.Time) {
	h.LastSentAt = now
}

// Pong records a PONG and reports whether the responder just became available.
func (h *HeartbeatTracker) Pong(now time.Time) bool {
	h.LastPongAt = now
	if h.available {
		return false
	}
	h.available = true

	return true
}

// Expired reports, once per availability period, that no PONG arrived within Timeout.
func (h *HeartbeatTracker) Expired(now time.Time) bool {
	if !h.available || now.Sub(h.LastPongAt) <= h.Timeout {
		return false
	}
	h.available = false

	return true
}

func (h *HeartbeatTracker) Available() bool {
	return h.available
}
