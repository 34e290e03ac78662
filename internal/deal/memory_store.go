package deal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory deal store for demo/development mode and tests.
// The single mutex makes Claim and Transition indivisible, matching the
// atomicity the Postgres store gets from guarded UPDATEs.
type MemoryStore struct {
	deals  map[string]*Deal
	byCode map[string]string
	events map[string][]*Event
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory deal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals:  make(map[string]*Deal),
		byCode: make(map[string]string),
		events: make(map[string][]*Event),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.deals[d.ID] = &cp
	m.byCode[d.Code] = d.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *MemoryStore) GetByCode(ctx context.Context, code string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCode[code]
	if !ok {
		return nil, ErrDealNotFound
	}
	return m.getLocked(id)
}

// getLocked returns a copy so callers never share the stored pointer.
func (m *MemoryStore) getLocked(id string) (*Deal, error) {
	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, userID string, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.SellerID == userID || d.BuyerID == userID {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Claim(ctx context.Context, id, buyerID string, agreedPriceCents int64, fundedAt, transferDeadline time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[id]
	if !ok {
		return false, ErrDealNotFound
	}
	if d.Status != StatusOpen {
		return false, nil
	}

	funded := fundedAt
	deadline := transferDeadline
	d.Status = StatusFunded
	d.BuyerID = buyerID
	d.AgreedPriceCents = agreedPriceCents
	d.FundedAt = &funded
	d.TransferDeadline = &deadline
	d.ChatMode = ChatModeActive
	d.UpdatedAt = fundedAt
	return true, nil
}

func (m *MemoryStore) Transition(ctx context.Context, d *Deal, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.deals[d.ID]
	if !ok {
		return ErrDealNotFound
	}
	if stored.Status != from {
		return ErrInvalidStatus
	}
	cp := *d
	m.deals[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListOpenExpired(ctx context.Context, before time.Time, limit int) ([]*Deal, error) {
	return m.listExpired(StatusOpen, func(d *Deal) *time.Time { t := d.ExpiresAt; return &t }, before, limit)
}

func (m *MemoryStore) ListFundedExpired(ctx context.Context, before time.Time, limit int) ([]*Deal, error) {
	return m.listExpired(StatusFunded, func(d *Deal) *time.Time { return d.TransferDeadline }, before, limit)
}

func (m *MemoryStore) ListTransferredExpired(ctx context.Context, before time.Time, limit int) ([]*Deal, error) {
	return m.listExpired(StatusTransferred, func(d *Deal) *time.Time { return d.ConfirmDeadline }, before, limit)
}

func (m *MemoryStore) listExpired(status Status, deadline func(*Deal) *time.Time, before time.Time, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.Status != status {
			continue
		}
		dl := deadline(d)
		if dl == nil || !dl.Before(before) {
			continue
		}
		cp := *d
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) RecordDisputeTurn(ctx context.Context, id string, party Party) (*Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	if d.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}
	if party == PartyBuyer {
		d.BuyerQuestions++
	} else {
		d.SellerQuestions++
	}
	d.UpdatedAt = time.Now()
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) MarkEvidenceComplete(ctx context.Context, id string, party Party) (*Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	if d.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}
	if party == PartyBuyer {
		d.BuyerEvidenceDone = true
	} else {
		d.SellerEvidenceDone = true
	}
	d.UpdatedAt = time.Now()
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	m.events[ev.DealID] = append(m.events[ev.DealID], &cp)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, dealID, afterID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evs := m.events[dealID]
	result := make([]*Event, 0, len(evs))
	for _, ev := range evs {
		if afterID != "" && ev.ID <= afterID {
			continue
		}
		cp := *ev
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
