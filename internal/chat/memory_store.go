package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory chat store for demo/development mode and tests.
type MemoryStore struct {
	conversations map[string]*Conversation
	messages      map[string][]*Message // conversation id -> messages
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory chat store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

func (m *MemoryStore) CreateConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.conversations {
		if existing.DealID != c.DealID {
			continue
		}
		if c.BuyerID != "" && existing.BuyerID == c.BuyerID {
			return ErrConversationExists
		}
		if c.AnonSessionID != "" && existing.AnonSessionID == c.AnonSessionID {
			return ErrConversationExists
		}
	}

	cp := *c
	m.conversations[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetByDealAndBuyer(ctx context.Context, dealID, buyerID string) (*Conversation, error) {
	return m.find(func(c *Conversation) bool {
		return c.DealID == dealID && c.BuyerID == buyerID && buyerID != ""
	})
}

func (m *MemoryStore) GetByDealAndSession(ctx context.Context, dealID, anonSessionID string) (*Conversation, error) {
	return m.find(func(c *Conversation) bool {
		return c.DealID == dealID && c.AnonSessionID == anonSessionID && anonSessionID != ""
	})
}

func (m *MemoryStore) find(match func(*Conversation) bool) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.conversations {
		if match(c) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrConversationNotFound
}

func (m *MemoryStore) ListByDeal(ctx context.Context, dealID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, c := range m.conversations {
		if c.DealID == dealID {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ClaimIdentity(ctx context.Context, id, buyerID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if c.BuyerID != "" {
		if c.BuyerID == buyerID {
			cp := *c
			return &cp, nil
		}
		return nil, ErrAlreadyClaimed
	}
	for _, other := range m.conversations {
		if other.DealID == c.DealID && other.BuyerID == buyerID {
			return nil, ErrConversationExists
		}
	}

	c.BuyerID = buyerID
	c.AnonSessionID = ""
	c.UpdatedAt = time.Now()
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) SetOffer(ctx context.Context, id string, cents int64, by Role) error {
	return m.update(id, func(c *Conversation) {
		c.OfferCents = cents
		c.OfferBy = by
	})
}

func (m *MemoryStore) SetAgreedPrice(ctx context.Context, id string, cents int64) error {
	return m.update(id, func(c *Conversation) {
		c.AgreedPriceCents = cents
		c.OfferCents = 0
		c.OfferBy = ""
	})
}

func (m *MemoryStore) update(id string, mutate func(*Conversation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	mutate(c)
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkDealClaimed(ctx context.Context, dealID, winnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, c := range m.conversations {
		if c.DealID != dealID {
			continue
		}
		if c.ID == winnerID {
			c.Status = ConvClaimed
		} else {
			c.Status = ConvClosed
		}
		c.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) CloseAll(ctx context.Context, dealID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, c := range m.conversations {
		if c.DealID == dealID {
			c.Status = ConvClosed
			c.UpdatedAt = now
		}
	}
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListDealMessages(ctx context.Context, dealID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.DealID == dealID {
				cp := *msg
				result = append(result, &cp)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
