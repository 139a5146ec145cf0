package egress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ViolationLimiter blocks clients that keep asking for targets the policy
// forbids. Each client may commit MaxViolations violations in a burst; the
// allowance refills over the window. Once it runs dry the client is blocked
// for the block duration.
type ViolationLimiter struct {
	mu            sync.RWMutex
	clients       map[string]*violationEntry
	maxViolations int
	window        time.Duration
	blockDuration time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

type violationEntry struct {
	limiter    *rate.Limiter
	violations int
	lastSeen   time.Time
	blockedAt  time.Time
}

// NewViolationLimiter creates a limiter. Call Close to stop its cleanup
// goroutine.
func NewViolationLimiter(maxViolations int, window, blockDuration time.Duration) *ViolationLimiter {
	vl := &ViolationLimiter{
		clients:       make(map[string]*violationEntry),
		maxViolations: maxViolations,
		window:        window,
		blockDuration: blockDuration,
		cleanupTicker: time.NewTicker(1 * time.Minute),
		stopCleanup:   make(chan struct{}),
	}

	go vl.cleanupLoop()

	return vl
}

// RecordViolation records a policy violation by client. Returns true if the
// client is now blocked.
func (vl *ViolationLimiter) RecordViolation(client string) bool {
	vl.mu.Lock()
	defer vl.mu.Unlock()

	entry, exists := vl.clients[client]
	if !exists {
		entry = &violationEntry{
			limiter: rate.NewLimiter(rate.Every(vl.window/time.Duration(vl.maxViolations)), vl.maxViolations),
		}
		vl.clients[client] = entry
	}

	now := time.Now()
	entry.violations++
	entry.lastSeen = now

	if !entry.limiter.AllowN(now, 1) {
		entry.blockedAt = now
		return true
	}

	return false
}

// IsBlocked checks if the given client is currently blocked.
func (vl *ViolationLimiter) IsBlocked(client string) bool {
	vl.mu.RLock()
	defer vl.mu.RUnlock()

	entry, exists := vl.clients[client]
	if !exists || entry.blockedAt.IsZero() {
		return false
	}

	return time.Since(entry.blockedAt) < vl.blockDuration
}

// Violations returns the number of violations recorded for client.
func (vl *ViolationLimiter) Violations(client string) int {
	vl.mu.RLock()
	defer vl.mu.RUnlock()

	if entry, exists := vl.clients[client]; exists {
		return entry.violations
	}
	return 0
}

// Reset clears the record for the given client.
func (vl *ViolationLimiter) Reset(client string) {
	vl.mu.Lock()
	defer vl.mu.Unlock()

	delete(vl.clients, client)
}

func (vl *ViolationLimiter) cleanupLoop() {
	for {
		select {
		case <-vl.cleanupTicker.C:
			vl.cleanup(time.Now())
		case <-vl.stopCleanup:
			return
		}
	}
}

// cleanup drops clients that are neither blocked nor recently active.
func (vl *ViolationLimiter) cleanup(now time.Time) {
	vl.mu.Lock()
	defer vl.mu.Unlock()

	for client, entry := range vl.clients {
		if !entry.blockedAt.IsZero() && now.Sub(entry.blockedAt) < vl.blockDuration {
			continue
		}
		if now.Sub(entry.lastSeen) > vl.window {
			delete(vl.clients, client)
		}
	}
}

// Close stops the cleanup goroutine.
func (vl *ViolationLimiter) Close() {
	vl.closeOnce.Do(func() {
		close(vl.stopCleanup)
		vl.cleanupTicker.Stop()
	})
}
