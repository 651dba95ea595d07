package callmanager

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// senderRateLimiterConfig configures per-sender-uuid rate limiting of
// inbound group-call ring traffic. A compromised or buggy peer that floods
// ring intentions/responses should not be able to burn the ring
// coordinator's CPU; legitimate ring traffic is bursty but low-volume
// (at most a handful of messages per active ring).
type senderRateLimiterConfig struct {
	rate            rate.Limit
	burst           int
	cleanupInterval time.Duration
	maxAge          time.Duration
}

func defaultSenderRateLimiterConfig() senderRateLimiterConfig {
	return senderRateLimiterConfig{
		rate:            rate.Limit(5),
		burst:           10,
		cleanupInterval: 5 * time.Minute,
		maxAge:          10 * time.Minute,
	}
}

type senderLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// senderRateLimiter gates ReceivedCallMessage per sender uuid ahead of
// handing the message to the ring coordinator.
type senderRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*senderLimitEntry
	cfg     senderRateLimiterConfig
	stopCh  chan struct{}
}

func newSenderRateLimiter(cfg senderRateLimiterConfig) *senderRateLimiter {
	rl := &senderRateLimiter{
		entries: make(map[string]*senderLimitEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// allow reports whether a call message from sender is within its budget.
func (rl *senderRateLimiter) allow(sender string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[sender]
	if !ok {
		entry = &senderLimitEntry{limiter: rate.NewLimiter(rl.cfg.rate, rl.cfg.burst)}
		rl.entries[sender] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

func (rl *senderRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *senderRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.maxAge)
	for key, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, key)
		}
	}
}

func (rl *senderRateLimiter) stop() {
	close(rl.stopCh)
}
