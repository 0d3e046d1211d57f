package relay

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idEntropy is a monotonic-within-process ULID source, matching oklog/ulid's
// recommended pattern for generating sortable ids under concurrent load.
var idEntropy = struct {
	mu sync.Mutex
	r  io.Reader
}{r: ulid.Monotonic(rand.Reader, 0)}

func newID(t time.Time) string {
	idEntropy.mu.Lock()
	defer idEntropy.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), idEntropy.r).String()
}

// Budget carries the hop/TTL/call-budget bookkeeping that travels with an
// envelope along its delivery path. Never mutated after an envelope is
// minted; forwarding constructs a new Budget from the parent's.
type Budget struct {
	HopCount            int      `json:"hopCount"`
	MaxHops             int      `json:"maxHops"`
	AncestorChain       []string `json:"ancestorChain"`
	TTL                 int64    `json:"ttl"` // absolute wall-clock expiry, ms since epoch
	CallBudgetRemaining int      `json:"callBudgetRemaining"`
}

// defaultBudget fills in sensible values for fields the caller omitted.
func defaultBudget(b Budget, now time.Time) Budget {
	if b.MaxHops == 0 {
		b.MaxHops = 25
	}
	if b.TTL == 0 {
		b.TTL = now.Add(5 * time.Minute).UnixMilli()
	}
	if b.CallBudgetRemaining == 0 {
		b.CallBudgetRemaining = 100
	}
	if len(b.AncestorChain) > 0 {
		b.HopCount = len(b.AncestorChain)
	}
	return b
}

// Forward derives the budget for the next hop: increments HopCount and
// appends from to AncestorChain. The receiver is never mutated.
func (b Budget) Forward(from string) Budget {
	chain := make([]string, len(b.AncestorChain), len(b.AncestorChain)+1)
	copy(chain, b.AncestorChain)
	chain = append(chain, from)
	return Budget{
		HopCount:            len(chain),
		MaxHops:             b.MaxHops,
		AncestorChain:       chain,
		TTL:                 b.TTL,
		CallBudgetRemaining: b.CallBudgetRemaining - 1,
	}
}

// Envelope is the immutable record flowing through the Relay. Every
// forwarding step produces a new Envelope value; none is ever mutated
// in place.
type Envelope struct {
	ID        string      `json:"id"`
	Subject   string      `json:"subject"`
	From      string      `json:"from"`
	ReplyTo   string      `json:"replyTo,omitempty"`
	CreatedAt string      `json:"createdAt"` // ISO-8601, millisecond precision
	Payload   interface{} `json:"payload"`
	Budget    Budget      `json:"budget"`
}

// PublishOptions carries the caller-supplied fields for Relay.Publish.
type PublishOptions struct {
	From    string
	ReplyTo string
	Budget  Budget
}

// NewEnvelope mints a fresh envelope: assigns an id, timestamp, and a
// defaulted/composed budget derived from the caller's ancestor chain.
func NewEnvelope(subject string, payload interface{}, opts PublishOptions) Envelope {
	now := time.Now().UTC()
	return Envelope{
		ID:        newID(now),
		Subject:   subject,
		From:      opts.From,
		ReplyTo:   opts.ReplyTo,
		CreatedAt: now.Format("2006-01-02T15:04:05.000Z07:00"),
		Payload:   payload,
		Budget:    defaultBudget(opts.Budget, now),
	}
}

// Expired reports whether the envelope's TTL has passed as of now.
func (e Envelope) Expired(now time.Time) bool {
	return now.UnixMilli() > e.Budget.TTL
}

// HopsExceeded reports whether the envelope has exceeded its hop budget.
// spec.md §8 scenario 2: {hopCount:5, maxHops:5} must already dead-letter,
// so an envelope at the cap, not just past it, counts as exceeded.
func (e Envelope) HopsExceeded() bool {
	return e.Budget.HopCount >= e.Budget.MaxHops
}

// CallsExhausted reports whether the envelope has no remaining call budget.
func (e Envelope) CallsExhausted() bool {
	return e.Budget.CallBudgetRemaining <= 0
}
