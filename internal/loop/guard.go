package loop

import (
	"fmt"
	"sync"
	"time"
)

// DefaultGuardWindow is how long a cycle key stays claimed. It must
// exceed the worst-case time to finish one idle cycle; 30 seconds is
// generous given every external call has a shorter timeout.
const DefaultGuardWindow = 30 * time.Second

// Guard is the in-memory half of cycle deduplication. The host's event
// delivery is not trusted: the same idle notification can arrive twice,
// concurrently, before the controller finishes reacting. Begin performs
// a synchronous check-and-claim on the cycle key so that of two racing
// deliveries exactly one proceeds. Claims expire after the window to
// bound memory; redeliveries arriving later than that are stopped by
// the persisted lastProcessedCount check instead.
type Guard struct {
	mu      sync.Mutex
	claimed map[string]time.Time
	window  time.Duration
	now     func() time.Time // injectable for tests
}

// NewGuard creates a guard with the given claim window. A zero or
// negative window uses DefaultGuardWindow.
func NewGuard(window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultGuardWindow
	}
	return &Guard{
		claimed: make(map[string]time.Time),
		window:  window,
		now:     time.Now,
	}
}

// CycleKey derives the deduplication identity for one idle-triggered
// processing attempt from the session and its transcript length.
func CycleKey(sessionID string, messageCount int) string {
	return fmt.Sprintf("%s:%d", sessionID, messageCount)
}

// Begin claims a cycle key. Returns true if the caller owns the cycle
// and may proceed; false if the key is already claimed and unexpired
// (a duplicate delivery). Expired claims are swept on every call, so
// the map stays bounded without a background timer.
func (g *Guard) Begin(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, at := range g.claimed {
		if now.Sub(at) > g.window {
			delete(g.claimed, k)
		}
	}

	if _, dup := g.claimed[key]; dup {
		return false
	}
	g.claimed[key] = now
	return true
}

// Len reports the number of live claims. Used by tests and the status
// surface.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.claimed)
}
