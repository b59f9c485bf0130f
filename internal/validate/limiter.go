package validate

import (
	"time"

	"golang.org/x/time/rate"
)

// Limits configures the per-player token buckets.
type Limits struct {
	PositionPerSecond int
	ChatPerMinute     int
}

// PlayerLimiter holds one token bucket per rate-limited concern for a single
// player. Requests over budget are dropped with ErrRateLimited, never queued.
type PlayerLimiter struct {
	position *rate.Limiter
	chat     *rate.Limiter
}

// NewPlayerLimiter builds buckets from the configured limits. Bursts allow a
// short backlog flush after a connectivity gap without opening the floodgates.
func NewPlayerLimiter(limits Limits) *PlayerLimiter {
	return &PlayerLimiter{
		position: rate.NewLimiter(rate.Limit(limits.PositionPerSecond), limits.PositionPerSecond*2),
		chat:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(limits.ChatPerMinute)), limits.ChatPerMinute),
	}
}

// AllowPosition consumes one position-update token.
func (l *PlayerLimiter) AllowPosition(now time.Time) error {
	if !l.position.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// AllowChat consumes one chat/alert token.
func (l *PlayerLimiter) AllowChat(now time.Time) error {
	if !l.chat.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}
