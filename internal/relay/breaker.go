package relay

import (
	"sync"
	"time"
)

// BreakerState is one of closed/open/half-open.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig holds the threshold knobs spec.md §9 leaves as an open
// question, made explicit and configurable with conservative defaults.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	BaseCooldown     time.Duration // cooldown before the first half-open probe
	MaxCooldown      time.Duration // ceiling for exponential backoff on repeated opens
}

// DefaultBreakerConfig matches the values recorded as the Open Question
// decision in SPEC_FULL.md.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		BaseCooldown:     30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

type breakerEntry struct {
	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	cooldown        time.Duration
	openedAt        time.Time
}

// BreakerManager holds one circuit breaker per endpoint hash.
type BreakerManager struct {
	cfg     BreakerConfig
	mu      sync.Mutex
	entries map[string]*breakerEntry
}

// NewBreakerManager creates a manager using cfg (zero-value fields fall
// back to DefaultBreakerConfig's corresponding value).
func NewBreakerManager(cfg BreakerConfig) *BreakerManager {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.BaseCooldown == 0 {
		cfg.BaseCooldown = def.BaseCooldown
	}
	if cfg.MaxCooldown == 0 {
		cfg.MaxCooldown = def.MaxCooldown
	}
	return &BreakerManager{cfg: cfg, entries: make(map[string]*breakerEntry)}
}

func (bm *BreakerManager) entry(hash string) *breakerEntry {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	e, ok := bm.entries[hash]
	if !ok {
		e = &breakerEntry{state: BreakerClosed, cooldown: bm.cfg.BaseCooldown}
		bm.entries[hash] = e
	}
	return e
}

// Allow reports whether a delivery attempt should proceed for hash. A
// closed or half-open (one probe in flight) breaker allows the call; an
// open breaker allows it only after its cooldown has elapsed, at which
// point it transitions to half-open for the probe.
func (bm *BreakerManager) Allow(hash string) bool {
	e := bm.entry(hash)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(e.openedAt) >= e.cooldown {
			e.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker (resetting cooldown to base) whether it
// was closed already or probing from half-open.
func (bm *BreakerManager) RecordSuccess(hash string) {
	e := bm.entry(hash)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = BreakerClosed
	e.consecutiveFail = 0
	e.cooldown = bm.cfg.BaseCooldown
}

// RecordFailure increments the consecutive-failure counter. Past the
// threshold it opens the breaker; a failed half-open probe re-opens with
// an exponentially extended cooldown, capped at MaxCooldown.
func (bm *BreakerManager) RecordFailure(hash string) {
	e := bm.entry(hash)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == BreakerHalfOpen {
		e.cooldown *= 2
		if e.cooldown > bm.cfg.MaxCooldown {
			e.cooldown = bm.cfg.MaxCooldown
		}
		e.state = BreakerOpen
		e.openedAt = time.Now()
		return
	}

	e.consecutiveFail++
	if e.consecutiveFail >= bm.cfg.FailureThreshold {
		e.state = BreakerOpen
		e.openedAt = time.Now()
	}
}

// State returns the current state for hash (closed if never seen).
func (bm *BreakerManager) State(hash string) BreakerState {
	e := bm.entry(hash)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
