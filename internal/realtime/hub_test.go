package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/middleman-market/middleman/internal/deal"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: deal.EventClaimed, DealID: "deal_1", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		AllEvents:  true,
		EventTypes: []deal.EventType{deal.EventClaimed, deal.EventResolved},
	}}

	claimed := &Event{Type: deal.EventClaimed, DealID: "deal_1"}
	resolved := &Event{Type: deal.EventResolved, DealID: "deal_1"}
	transferred := &Event{Type: deal.EventTransferred, DealID: "deal_1"}

	if !h.shouldSend(client, claimed) {
		t.Error("Should receive claimed events")
	}
	if !h.shouldSend(client, resolved) {
		t.Error("Should receive resolved events")
	}
	if h.shouldSend(client, transferred) {
		t.Error("Should NOT receive transferred events")
	}
}

func TestShouldSend_DealFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		DealIDs: []string{"deal_mine"},
	}}

	mine := &Event{Type: deal.EventTransferred, DealID: "deal_mine"}
	other := &Event{Type: deal.EventTransferred, DealID: "deal_other"}

	if !h.shouldSend(client, mine) {
		t.Error("Should match subscribed deal")
	}
	if h.shouldSend(client, other) {
		t.Error("Should NOT match unrelated deal")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No deal ids and not AllEvents: the client asked for nothing.
	client := &Client{sub: Subscription{}}

	event := &Event{Type: deal.EventClaimed, DealID: "deal_1"}
	if h.shouldSend(client, event) {
		t.Error("Empty subscription should receive nothing")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: deal.EventClaimed, DealID: "deal_1", Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_DealChangedReachesClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{DealIDs: []string{"deal_1"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	d := &deal.Deal{ID: "deal_1", Status: deal.StatusFunded, ChatMode: deal.ChatModeActive}
	ev := &deal.Event{Type: deal.EventClaimed, DealID: "deal_1", CreatedAt: time.Now()}
	h.DealChanged(ctx, d, ev)

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants rulings
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true, EventTypes: []deal.EventType{deal.EventResolved}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Claim event should be filtered out
	h.Broadcast(&Event{Type: deal.EventClaimed, DealID: "deal_1", Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive claim event")
	default:
		// Good - filtered out
	}

	// Ruling event should be received
	h.Broadcast(&Event{Type: deal.EventResolved, DealID: "deal_1", Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive ruling event")
	}
}
