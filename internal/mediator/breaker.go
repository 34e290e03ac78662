package mediator

import (
	"context"
	"errors"
	"time"

	"github.com/middleman-market/middleman/internal/circuitbreaker"
)

// ErrUnavailable is returned while the circuit to the model endpoint is open.
// Callers treat it like any other mediator failure: the dispute orchestrator
// falls back to the policy-default ruling, and the interview degrades to a
// plain acknowledgment.
var ErrUnavailable = errors.New("mediator: model endpoint unavailable")

const (
	breakerKey      = "mediator"
	breakerTrips    = 5
	breakerCooldown = 2 * time.Minute
)

// Guarded wraps a Mediator with a circuit breaker so a dead or rate-limited
// model endpoint fails fast instead of stalling every dispute turn on a
// full timeout.
type Guarded struct {
	inner   Mediator
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps m with a fresh breaker.
func NewGuarded(m Mediator) *Guarded {
	return &Guarded{
		inner:   m,
		breaker: circuitbreaker.New(breakerTrips, breakerCooldown),
	}
}

// Adjudicate rules on a case, short-circuiting while the circuit is open.
func (g *Guarded) Adjudicate(ctx context.Context, c Case) (*Ruling, error) {
	if !g.breaker.Allow(breakerKey) {
		return nil, ErrUnavailable
	}
	r, err := g.inner.Adjudicate(ctx, c)
	g.record(err)
	return r, err
}

// ChatTurn processes one interview turn, short-circuiting while the circuit
// is open.
func (g *Guarded) ChatTurn(ctx context.Context, t Turn) (*TurnResult, error) {
	if !g.breaker.Allow(breakerKey) {
		return nil, ErrUnavailable
	}
	r, err := g.inner.ChatTurn(ctx, t)
	g.record(err)
	return r, err
}

// record feeds the outcome back to the breaker. A malformed-but-received
// model response (ErrNoRuling) is a healthy endpoint giving a bad answer,
// not an outage; only transport-level failures count against the circuit.
func (g *Guarded) record(err error) {
	switch {
	case err == nil, errors.Is(err, ErrNoRuling):
		g.breaker.RecordSuccess(breakerKey)
	default:
		g.breaker.RecordFailure(breakerKey)
	}
}

var _ Mediator = (*Guarded)(nil)
