package custody

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/middleman-market/middleman/internal/validation"
)

// Simulator is an in-process executor for demo/development mode. No chain,
// no funds; every call succeeds and returns a synthetic transaction reference.
type Simulator struct {
	logger *slog.Logger

	mu    sync.Mutex
	calls []SimulatedCall
}

// SimulatedCall records one executed custody operation.
type SimulatedCall struct {
	Op     string
	DealID string
	TxRef  string
}

// NewSimulator creates a simulated custody executor.
func NewSimulator(logger *slog.Logger) *Simulator {
	return &Simulator{logger: logger}
}

// Calls returns a copy of all recorded operations.
func (s *Simulator) Calls() []SimulatedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimulatedCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Simulator) execute(op, dealID string) string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	txRef := "0x" + hex.EncodeToString(b)
	s.mu.Lock()
	s.calls = append(s.calls, SimulatedCall{Op: op, DealID: dealID, TxRef: txRef})
	s.mu.Unlock()
	s.logger.Debug("simulated custody call", "op", op, "dealId", dealID, "txRef", txRef)
	return txRef
}

func (s *Simulator) Deposit(ctx context.Context, dealID, buyerID string, amountCents int64) (string, error) {
	return s.execute("deposit", dealID), nil
}

func (s *Simulator) RefundDeposit(ctx context.Context, dealID, buyerID string) (string, error) {
	return s.execute("refund_deposit", dealID), nil
}

func (s *Simulator) MarkTransferred(ctx context.Context, dealID string) (string, error) {
	return s.execute("mark_transferred", dealID), nil
}

func (s *Simulator) Confirm(ctx context.Context, dealID string, payoutCents, feeCents int64) (string, error) {
	return s.execute("release", dealID), nil
}

func (s *Simulator) Refund(ctx context.Context, dealID string) (string, error) {
	return s.execute("refund", dealID), nil
}

func (s *Simulator) AutoRelease(ctx context.Context, dealID string) (string, error) {
	return s.execute("auto_release", dealID), nil
}

func (s *Simulator) ResolveDispute(ctx context.Context, dealID string, favorBuyer bool) (string, error) {
	return s.execute("resolve", dealID), nil
}

// VerifyTransaction accepts any well-formed transaction reference.
func (s *Simulator) VerifyTransaction(ctx context.Context, txRef string) (bool, error) {
	return validation.IsValidTxRef(txRef), nil
}
