// Package notify delivers deal lifecycle notifications to participants.
//
// Participants can register delivery channels:
// - sms: delivered through the configured SMS gateway
// - webhook: POSTed as signed JSON to the registered URL
//
// Delivery is fire-and-forget; a failed notification never blocks or rolls
// back the deal transition that produced it.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrChannelNotFound is returned for updates or deletes of unknown channels.
var ErrChannelNotFound = errors.New("notification channel not found")

// Kind tags a notification by the deal event that produced it.
type Kind string

const (
	KindDealClaimed     Kind = "deal.claimed"
	KindDealTransferred Kind = "deal.transferred"
	KindDealReleased    Kind = "deal.released"
	KindDealRefunded    Kind = "deal.refunded"
	KindDealDisputed    Kind = "deal.disputed"
	KindDealResolved    Kind = "deal.resolved"
	KindDealExpired     Kind = "deal.expired"
)

// Notification is one outbound message.
type Notification struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	DealID    string         `json:"dealId"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Channel is one participant's registered delivery target.
type Channel struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Transport string     `json:"transport"` // "sms" or "webhook"
	Target    string     `json:"target"`    // phone number or URL
	Secret    string     `json:"-"`         // HMAC key for webhook signing
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"createdAt"`
	LastOK    *time.Time `json:"lastOk,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

// Store persists delivery channels.
type Store interface {
	Create(ctx context.Context, ch *Channel) error
	GetByUser(ctx context.Context, userID string) ([]*Channel, error)
	Update(ctx context.Context, ch *Channel) error
	Delete(ctx context.Context, id string) error
}

// SMSGateway sends text messages through an HTTP SMS provider.
type SMSGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewSMSGateway creates a client for the configured SMS provider.
func NewSMSGateway(baseURL, apiKey string) *SMSGateway {
	return &SMSGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers one text message.
func (g *SMSGateway) Send(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(map[string]string{"to": to, "body": body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}
	return nil
}

// Dispatcher fans a notification out to a user's channels.
type Dispatcher struct {
	store  Store
	sms    *SMSGateway
	client *http.Client
	mu     sync.RWMutex
}

// NewDispatcher creates a notification dispatcher. sms may be nil when no
// gateway is configured; sms channels are then skipped.
func NewDispatcher(store Store, sms *SMSGateway) *Dispatcher {
	return &Dispatcher{
		store:  store,
		sms:    sms,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// DispatchToUser delivers a notification to every active channel of a user.
// Returns the first delivery error, for accounting; deliveries themselves
// are attempted independently.
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, n *Notification) error {
	channels, err := d.store.GetByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get channels: %w", err)
	}

	var firstErr error
	for _, ch := range channels {
		if !ch.Active {
			continue
		}
		var derr error
		switch ch.Transport {
		case "sms":
			derr = d.sendSMS(ctx, ch, n)
		case "webhook":
			derr = d.sendWebhook(ctx, ch, n)
		default:
			derr = fmt.Errorf("unknown transport %q", ch.Transport)
		}
		if derr != nil {
			d.recordError(ctx, ch, derr.Error())
			if firstErr == nil {
				firstErr = derr
			}
		} else {
			d.recordSuccess(ctx, ch)
		}
	}
	return firstErr
}

func (d *Dispatcher) sendSMS(ctx context.Context, ch *Channel, n *Notification) error {
	if d.sms == nil {
		return fmt.Errorf("no sms gateway configured")
	}
	return d.sms.Send(ctx, ch.Target, n.Body)
}

func (d *Dispatcher) sendWebhook(ctx context.Context, ch *Channel, n *Notification) error {
	if _, err := url.ParseRequestURI(ch.Target); err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Middleman-Event", string(n.Kind))
	req.Header.Set("X-Middleman-Timestamp", fmt.Sprintf("%d", n.Timestamp.Unix()))
	if ch.Secret != "" {
		req.Header.Set("X-Middleman-Signature", sign(payload, ch.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, ch *Channel) {
	now := time.Now()
	ch.LastOK = &now
	ch.LastError = ""
	_ = d.store.Update(ctx, ch)
}

func (d *Dispatcher) recordError(ctx context.Context, ch *Channel, msg string) {
	ch.LastError = msg
	_ = d.store.Update(ctx, ch)
}

// MemoryStore is an in-memory channel store for demo mode and tests.
type MemoryStore struct {
	channels map[string]*Channel
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory channel store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{channels: make(map[string]*Channel)}
}

func (m *MemoryStore) Create(ctx context.Context, ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = ch
	return nil
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Channel
	for _, ch := range m.channels {
		if ch.UserID == userID {
			result = append(result, ch)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = ch
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, id)
	return nil
}
