package throttle

import (
	"strings"
	"sync"
	"time"

	"changeline/internal/config"
)

// Actor classes. Every intent is admitted against exactly one class
// bucket; the class is derived from the intent's source and actor.
const (
	ClassAnonymous     = "anonymous"
	ClassAuthenticated = "authenticated"
	ClassImport        = "import"
)

// ClassFor derives the throttle class of an intent.
func ClassFor(actorID, source string) string {
	if source == "import" {
		return ClassImport
	}
	if actorID == "" || strings.HasPrefix(actorID, "anon:") {
		return ClassAnonymous
	}
	return ClassAuthenticated
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type bucket struct {
	windowStart time.Time
	count       int
}

// Gate is a fixed-window admission counter keyed by actor class. The
// window resets fully at its boundary; there is no smoothing across
// windows.
type Gate struct {
	mu      sync.Mutex
	rates   map[string]config.ThrottleRate
	buckets map[string]*bucket
	now     func() time.Time
}

func NewGate(rates map[string]config.ThrottleRate, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{
		rates:   rates,
		buckets: map[string]*bucket{},
		now:     now,
	}
}

// Admit counts one intent against the class bucket. A class with no
// configured rate, or a non-positive limit, is unlimited.
func (g *Gate) Admit(class string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	rate, ok := g.rates[class]
	if !ok || rate.Limit <= 0 {
		return Decision{Allowed: true}
	}
	now := g.now()
	window := rate.Window()
	b := g.buckets[class]
	if b == nil || now.Sub(b.windowStart) >= window {
		b = &bucket{windowStart: now}
		g.buckets[class] = b
	}
	if b.count >= rate.Limit {
		return Decision{
			Allowed:    false,
			RetryAfter: b.windowStart.Add(window).Sub(now),
		}
	}
	b.count++
	return Decision{Allowed: true}
}
