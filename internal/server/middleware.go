package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter.
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	requests    map[string][]time.Time // connection id -> recent message times
	mu          sync.Mutex
	now         func() time.Time
}

// NewRateLimiter allows maxRequests messages per window on each connection.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		requests:    make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Allow records one message for connectionID and reports whether it is
// within the limit. Rejected messages are not recorded.
func (r *RateLimiter) Allow(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	// Why prune on every call: the window slides per message, so a burst at
	// the end of one window cannot be followed by a full burst at the start
	// of the next.
	recent := pruned(r.requests[connectionID], now.Add(-r.window))

	// Why rejected messages are not recorded: a client that keeps hammering
	// would otherwise never get back under the limit.
	if len(recent) >= r.maxRequests {
		r.requests[connectionID] = recent
		return false
	}
	r.requests[connectionID] = append(recent, now)
	return true
}

// Cleanup forgets connections with no message inside the window.
func (r *RateLimiter) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	removed := 0
	for id, ts := range r.requests {
		if len(pruned(ts, cutoff)) == 0 {
			delete(r.requests, id)
			removed++
		}
	}
	return removed
}

func (r *RateLimiter) RemoveConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, connectionID)
}

func (r *RateLimiter) tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func pruned(ts []time.Time, cutoff time.Time) []time.Time {
	// Fresh backing array: the caller stores the result in place of ts.
	out := ts[:0:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

var validMessageTypes = map[string]bool{
	MsgPing:   true,
	MsgCreate: true,
	MsgJoin:   true,
	MsgMove:   true,
	MsgLeave:  true,
}

func ValidateMessageType(msgType string) error {
	if !validMessageTypes[msgType] {
		return fmt.Errorf("INVALID_MESSAGE_TYPE: unknown message type '%s'", msgType)
	}
	return nil
}

const maxUserIDLen = 64

func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrBadRequest)
	}
	if len(userID) > maxUserIDLen {
		return fmt.Errorf("%w: user_id too long (max %d characters)", ErrBadRequest, maxUserIDLen)
	}
	return nil
}
