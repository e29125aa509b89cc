// Package guard enforces per-actor decision rate limits and mutual exclusion
// of operations on a single suggestion.
package guard

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// GuardConfig holds rate limits.
type GuardConfig struct {
	DecisionsPerMinute int
	DecisionBurst      int
}

// Guard coordinates rate and in-flight checks for review operations.
type Guard struct {
	Config GuardConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	inFlight map[string]string
	now      func() time.Time
}

// NewGuard creates a Guard with the given limits.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.DecisionsPerMinute <= 0 {
		cfg.DecisionsPerMinute = 60
	}
	if cfg.DecisionBurst <= 0 {
		cfg.DecisionBurst = 1
	}
	return &Guard{
		Config:   cfg,
		limiters: make(map[string]*rate.Limiter),
		inFlight: make(map[string]string),
		now:      time.Now,
	}
}

// CheckRateLimit enforces a per-actor token bucket refilled at
// DecisionsPerMinute. ErrRateLimitExceeded is returned when the bucket is empty.
func (g *Guard) CheckRateLimit(actorID string) error {
	g.mu.Lock()
	lim, ok := g.limiters[actorID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.Config.DecisionsPerMinute)), g.Config.DecisionBurst)
		g.limiters[actorID] = lim
	}
	now := g.now()
	g.mu.Unlock()

	if !lim.AllowN(now, 1) {
		return domain.ErrRateLimitExceeded
	}
	return nil
}

// Acquire marks an operation on suggestionID as in flight. A second Acquire
// before the returned release runs fails with ErrOperationInProgress.
func (g *Guard) Acquire(suggestionID, op string) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if running, busy := g.inFlight[suggestionID]; busy {
		return nil, domain.NewEngineError(domain.ErrOperationInProgress,
			"suggestion "+suggestionID+" is busy with "+running)
	}
	g.inFlight[suggestionID] = op

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inFlight, suggestionID)
			g.mu.Unlock()
		})
	}, nil
}

// Busy reports whether an operation on suggestionID is in flight.
func (g *Guard) Busy(suggestionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.inFlight[suggestionID]
	return busy
}
