package relay

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"
)

const deadLetterHash = "deadletter"

// AccessPolicy is consulted by Publish, if installed, to decide whether a
// publish from 'from' to 'subject' is allowed. spec.md §9 leaves the full
// rule schema out of scope; this is the narrow contract the Relay needs.
type AccessPolicy interface {
	Check(ctx context.Context, subject, from string) error
}

type allowAllPolicy struct{}

func (allowAllPolicy) Check(context.Context, string, string) error { return nil }

// PublishResult is returned by Publish.
type PublishResult struct {
	MessageID   string
	DeliveredTo int
}

// Relay is the core publish pipeline coordinating every collaborator named
// in spec.md §4.9.
type Relay struct {
	endpoints *EndpointRegistry
	subs      *SubscriptionRegistry
	maildir   *MaildirStore
	index     *Index
	breakers  *BreakerManager
	adapters  *AdapterRegistry
	tracer    *TraceStore
	watchers  *WatcherManager
	signals   *SubscriptionRegistry // ephemeral side-channel, bypasses Maildir

	maildirRoot string
	policy      AccessPolicy
}

// Config bundles the collaborators Relay needs at construction.
type Config struct {
	MaildirRoot string
	DB          *Index
	Breaker     BreakerConfig
}

// New assembles a Relay with freshly constructed collaborators sharing cfg.
func New(cfg Config) *Relay {
	persistPath := ""
	if cfg.MaildirRoot != "" {
		persistPath = filepath.Join(cfg.MaildirRoot, "endpoints.json")
	}
	endpoints := NewEndpointRegistry(persistPath)
	subs := NewSubscriptionRegistry()
	maildir := NewMaildirStore(cfg.MaildirRoot)
	breakers := NewBreakerManager(cfg.Breaker)
	tracer := NewTraceStore()

	r := &Relay{
		endpoints:   endpoints,
		subs:        subs,
		maildir:     maildir,
		index:       cfg.DB,
		breakers:    breakers,
		adapters:    NewAdapterRegistry(),
		tracer:      tracer,
		signals:     NewSubscriptionRegistry(),
		maildirRoot: cfg.MaildirRoot,
		policy:      allowAllPolicy{},
	}
	r.watchers = NewWatcherManager(WatcherDeps{
		Maildir:  maildir,
		Subs:     subs,
		Breakers: breakers,
		Index:    cfg.DB,
		Tracer:   tracer,
	})
	return r
}

// SetAccessPolicy installs a policy layer consulted during Publish.
func (r *Relay) SetAccessPolicy(p AccessPolicy) { r.policy = p }

// Adapters exposes the adapter registry for out-of-process channel wiring.
func (r *Relay) Adapters() *AdapterRegistry { return r.adapters }

// Tracer exposes the trace store for observability routes.
func (r *Relay) Tracer() *TraceStore { return r.tracer }

// Index exposes the SQLite index for inspection/CLI commands.
func (r *Relay) Index() *Index { return r.index }

// RegisterEndpoint creates the maildir, starts the watcher, assigns the
// hash, and persists the mapping. Idempotent.
func (r *Relay) RegisterEndpoint(subject string) (Endpoint, error) {
	if err := Subject(subject).Validate(); err != nil {
		return Endpoint{}, err
	}
	ep, err := r.endpoints.Register(subject, r.maildirRoot)
	if err != nil {
		return Endpoint{}, err
	}
	if err := r.maildir.EnsureMaildir(ep.Hash); err != nil {
		return Endpoint{}, err
	}
	if err := r.watchers.Start(ep); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// UnregisterEndpoint tears down the watcher and removes the registry
// entry; the maildir directory is left on disk for recovery.
func (r *Relay) UnregisterEndpoint(subject string) {
	ep, ok := r.endpoints.Get(subject)
	if !ok {
		return
	}
	r.watchers.Stop(ep.Hash)
	r.endpoints.Unregister(subject)
}

// ListEndpoints returns every registered endpoint.
func (r *Relay) ListEndpoints() []Endpoint {
	return r.endpoints.List()
}

// Subscribe registers a durable handler invoked when a matching message
// is claimed off disk.
func (r *Relay) Subscribe(pattern string, handler Handler) (unsubscribe func(), err error) {
	if err := Subject(pattern).ValidatePattern(); err != nil {
		return nil, err
	}
	return r.subs.Subscribe(pattern, handler), nil
}

// OnSignal subscribes to the ephemeral, best-effort side-channel that
// bypasses Maildir entirely (spec.md §4.9) — no delivery guarantee, used
// for things like typing indicators.
func (r *Relay) OnSignal(pattern string, handler Handler) (unsubscribe func(), err error) {
	if err := Subject(pattern).ValidatePattern(); err != nil {
		return nil, err
	}
	return r.signals.Subscribe(pattern, handler), nil
}

// EmitSignal delivers payload to every signal handler matching subject,
// synchronously, with no persistence and no error propagation to callers
// beyond logging.
func (r *Relay) EmitSignal(subject string, payload interface{}) {
	env := Envelope{Subject: subject, Payload: payload, CreatedAt: time.Now().UTC().Format(isoMilli)}
	for _, h := range r.signals.GetSubscribers(subject) {
		if err := h(env); err != nil {
			slog.Debug("relay.signal.handler_error", "subject", subject, "error", err)
		}
	}
}

// Publish runs the full pipeline described in spec.md §4.9.
func (r *Relay) Publish(ctx context.Context, subject string, payload interface{}, opts PublishOptions) (PublishResult, error) {
	if err := Subject(subject).Validate(); err != nil {
		return PublishResult{}, err
	}

	env := NewEnvelope(subject, payload, opts)
	now := time.Now()

	traceID := ""
	if budgetErr := r.checkBudget(ctx, env, now, &traceID); budgetErr != nil {
		return PublishResult{DeliveredTo: 0}, budgetErr
	}

	if err := r.policy.Check(ctx, subject, env.From); err != nil {
		return PublishResult{}, &AccessDeniedError{Subject: subject, From: env.From, Reason: err.Error()}
	}

	delivered := 0
	for _, ep := range r.endpoints.ListMatching(subject) {
		if !r.breakers.Allow(ep.Hash) {
			continue
		}
		ok, _, err := r.maildir.Deliver(ep.Hash, env)
		if err != nil {
			slog.Error("relay.publish.deliver_failed", "endpoint", ep.Subject, "error", err)
			r.breakers.RecordFailure(ep.Hash)
			continue
		}
		if ok {
			delivered++
			if r.index != nil {
				r.index.InsertMessage(ctx, IndexedMessage{
					ID: env.ID, Subject: subject, EndpointHash: ep.Hash,
					Status: StatusPending, CreatedAt: now,
				})
			}
		}
	}

	r.deliverToAdapters(ctx, subject, env)

	span := r.tracer.Record(Span{TraceID: traceID, Kind: SpanPublish, Subject: subject, MessageID: env.ID, HopCount: env.Budget.HopCount, StartedAt: now})

	_ = span
	return PublishResult{MessageID: env.ID, DeliveredTo: delivered}, nil
}

// checkBudget implements the ordered hop/ttl/call checks of spec.md §4.9
// step 3, dead-lettering and tracing on rejection.
func (r *Relay) checkBudget(ctx context.Context, env Envelope, now time.Time, traceID *string) error {
	var code BudgetCode
	switch {
	case env.HopsExceeded():
		code = BudgetExceededHops
	case env.Expired(now):
		code = BudgetExceededTTL
	case env.CallsExhausted():
		code = BudgetExceededCalls
	default:
		return nil
	}

	if err := r.maildir.EnsureMaildir(deadLetterHash); err == nil {
		r.maildir.FailDirect(deadLetterHash, env, string(code))
	}
	span := r.tracer.Record(Span{Kind: SpanDeadLetter, Subject: env.Subject, MessageID: env.ID, HopCount: env.Budget.HopCount, ErrorMessage: string(code)})
	*traceID = span.TraceID
	return &BudgetExceededError{Code: code, Subject: env.Subject}
}

// deliverToAdapters fans out to any adapter whose subjectPrefix matches.
// Adapter failures are logged and traced but never roll back Maildir
// deliveries already committed.
func (r *Relay) deliverToAdapters(ctx context.Context, subject string, env Envelope) {
	matched, result, err := r.adapters.Deliver(ctx, subject, env, nil)
	if !matched {
		return
	}
	if err != nil || !result.Success {
		errMsg := result.Error
		if err != nil {
			errMsg = err.Error()
		}
		slog.Warn("relay.adapter.deliver_failed", "subject", subject, "error", errMsg)
		r.tracer.RecordError(env, SpanAdapterDeliver, errMsg)
		return
	}
	if r.index != nil {
		r.index.InsertMessage(ctx, IndexedMessage{
			ID: env.ID, Subject: subject, EndpointHash: "adapter:" + Subject(subject).Hash(),
			Status: StatusDelivered, CreatedAt: time.Now(),
		})
	}
	r.tracer.Record(Span{Kind: SpanAdapterDeliver, Subject: subject, MessageID: env.ID, HopCount: env.Budget.HopCount, DurationMs: result.DurationMs})
}

// ReadInboxOptions parameterizes ReadInbox.
type ReadInboxOptions struct {
	Limit  int
	Status string
	Cursor string
}

// ReadInbox queries the SQLite index filtered to a single endpoint subject.
func (r *Relay) ReadInbox(ctx context.Context, endpointSubject string, opts ReadInboxOptions) (QueryResult, error) {
	ep, ok := r.endpoints.Get(endpointSubject)
	if !ok {
		return QueryResult{}, &EndpointNotFoundError{Subject: endpointSubject}
	}
	if r.index == nil {
		return QueryResult{}, nil
	}
	_ = ep
	return r.index.QueryMessages(ctx, QueryFilter{Subject: endpointSubject, Status: opts.Status, Limit: opts.Limit, Cursor: opts.Cursor})
}

// Shutdown stops all watchers and all adapters. Failures are isolated per
// component per spec.md §5.
func (r *Relay) Shutdown(ctx context.Context) {
	r.watchers.CloseAll()
	r.adapters.Shutdown(ctx)
}
