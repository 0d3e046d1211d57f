package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AdapterStatus reports the connection state of an external channel
// adapter (spec.md §4.7). The zero value matches a never-started adapter.
type AdapterStatus struct {
	State        string // disconnected | connecting | connected | error
	InboundCount int64
	OutboundCount int64
	ErrorCount   int64
	StartedAt    *time.Time
	LastError    string
}

// AdapterDeliverResult is the outcome of one outbound adapter delivery.
type AdapterDeliverResult struct {
	Success      bool
	DurationMs   int64
	Error        string
	DeadLettered bool
}

// Publisher is the narrow surface of the Relay an adapter needs to inject
// messages back onto the bus (e.g. an inbound chat message).
type Publisher interface {
	Publish(ctx context.Context, subject string, payload interface{}, opts PublishOptions) (PublishResult, error)
}

// Adapter is an external channel driver bound to a subject prefix.
type Adapter interface {
	ID() string
	SubjectPrefix() string
	DisplayName() string
	Start(ctx context.Context, pub Publisher) error
	Stop(ctx context.Context) error
	Deliver(ctx context.Context, subject string, env Envelope, deliveryContext map[string]string) (AdapterDeliverResult, error)
	GetStatus() AdapterStatus
}

const adapterDeliverTimeout = 30 * time.Second

type adapterEntry struct {
	adapter Adapter
	limiter *rate.Limiter
}

// AdapterRegistry holds at most one adapter per id and routes publishes to
// adapters by subjectPrefix match, following the teacher's
// internal/channels.Manager lifecycle (internal/channels/manager.go) —
// generalized from named chat channels to prefix-addressed subjects.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]*adapterEntry
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[string]*adapterEntry)}
}

// Register performs a hot-reload: the new instance is started first; only
// if Start succeeds is any prior instance with the same id stopped. If
// Start fails, the prior instance (if any) remains active untouched.
func (r *AdapterRegistry) Register(ctx context.Context, a Adapter, pub Publisher) error {
	if err := a.Start(ctx, pub); err != nil {
		return err
	}

	r.mu.Lock()
	prev, existed := r.adapters[a.ID()]
	r.adapters[a.ID()] = &adapterEntry{adapter: a, limiter: rate.NewLimiter(rate.Limit(20), 40)}
	r.mu.Unlock()

	if existed {
		if err := prev.adapter.Stop(ctx); err != nil {
			slog.Warn("relay.adapter.stop_old_failed", "id", a.ID(), "error", err)
		}
	}
	return nil
}

// Get returns the adapter registered under id.
func (r *AdapterRegistry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.adapters[id]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Deliver finds the adapter whose subjectPrefix is a dot-bounded prefix of
// subject and calls its Deliver, rate-limited per adapter and bounded by
// a 30-second timeout. Returns matched=false if no adapter's prefix fits.
func (r *AdapterRegistry) Deliver(ctx context.Context, subject string, env Envelope, deliveryContext map[string]string) (matched bool, result AdapterDeliverResult, err error) {
	r.mu.RLock()
	var entry *adapterEntry
	for _, e := range r.adapters {
		if HasPrefixTokens(subject, e.adapter.SubjectPrefix()) {
			entry = e
			break
		}
	}
	r.mu.RUnlock()

	if entry == nil {
		return false, AdapterDeliverResult{}, nil
	}

	if err := entry.limiter.Wait(ctx); err != nil {
		return true, AdapterDeliverResult{}, err
	}

	deliverCtx, cancel := context.WithTimeout(ctx, adapterDeliverTimeout)
	defer cancel()

	start := time.Now()
	res, err := entry.adapter.Deliver(deliverCtx, subject, env, deliveryContext)
	res.DurationMs = time.Since(start).Milliseconds()
	return true, res, err
}

// Shutdown stops every adapter concurrently with per-adapter failure
// isolation, matching channels.Manager.StopAll's pattern generalized to
// run stops in parallel.
func (r *AdapterRegistry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	all := make([]*adapterEntry, 0, len(r.adapters))
	for _, e := range r.adapters {
		all = append(all, e)
	}
	r.adapters = make(map[string]*adapterEntry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range all {
		wg.Add(1)
		go func(e *adapterEntry) {
			defer wg.Done()
			if err := e.adapter.Stop(ctx); err != nil {
				slog.Warn("relay.adapter.stop_failed", "id", e.adapter.ID(), "error", err)
			}
		}(e)
	}
	wg.Wait()
}

// List returns a status snapshot for every registered adapter, keyed by id.
// GetStatus on each adapter must itself return a copy per spec.md §4.7.
func (r *AdapterRegistry) List() map[string]AdapterStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]AdapterStatus, len(r.adapters))
	for id, e := range r.adapters {
		out[id] = e.adapter.GetStatus()
	}
	return out
}
