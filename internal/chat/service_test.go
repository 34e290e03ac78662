package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/middleman-market/middleman/internal/custody"
	"github.com/middleman-market/middleman/internal/deal"
)

const depositTx = "0x" + "ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12"

func testTerms() deal.Terms {
	return deal.Terms{
		TransferTimeoutSecs:  48 * 3600,
		ConfirmTimeoutSecs:   72 * 3600,
		ListingTTLSecs:       14 * 24 * 3600,
		FeeBps:               250,
		MaxQuestionsPerParty: 5,
		DisputePolicy:        "favor_buyer",
	}
}

func newTestRouter(t *testing.T) (*Router, *deal.Service) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deals := deal.NewService(deal.NewMemoryStore(), custody.NewSimulator(logger), testTerms())
	return NewRouter(NewMemoryStore(), deals), deals
}

func listDeal(t *testing.T, deals *deal.Service, sellerID string) *deal.Deal {
	t.Helper()
	d, err := deals.Create(context.Background(), sellerID, deal.CreateRequest{
		Title:      "vintage synth",
		PriceCents: 40000,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return d
}

func TestGetOrCreate_OneConversationPerIdentity(t *testing.T) {
	router, deals := newTestRouter(t)
	ctx := context.Background()
	d := listDeal(t, deals, "seller-1")

	buyer := Identity{UserID: "buyer-1"}
	first, err := router.GetOrCreate(ctx, d.ID, buyer)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := router.GetOrCreate(ctx, d.ID, buyer)
	if err != nil {
		t.Fatalf("GetOrCreate (repeat): %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same conversation, got %s and %s", first.ID, second.ID)
	}

	anon, err := router.GetOrCreate(ctx, d.ID, Identity{AnonSessionID: "sess-1"})
	if err != nil {
		t.Fatalf("GetOrCreate (anon): %v", err)
	}
	if anon.ID == first.ID {
		t.Error("anonymous session should get its own conversation")
	}
}

func TestGetOrCreate_IdentityRules(t *testing.T) {
	router, deals := newTestRouter(t)
	ctx := context.Background()
	d := listDeal(t, deals, "seller-1")

	if _, err := router.GetOrCreate(ctx, d.ID, Identity{}); !errors.Is(err, ErrIdentityRequired) {
		t.Errorf("empty identity: expected ErrIdentityRequired, got %v", err)
	}
	both := Identity{UserID: "buyer-1", AnonSessionID: "sess-1"}
	if _, err := router.GetOrCreate(ctx, d.ID, both); !errors.Is(err, ErrIdentityRequired) {
		t.Errorf("double identity: expected ErrIdentityRequired, got %v", err)
	}
	if _, err := router.GetOrCreate(ctx, d.ID, Identity{UserID: "seller-1"}); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("seller: expected ErrNotParticipant, got %v", err)
	}
	if _, err := router.GetOrCreate(ctx, "deal_nope", Identity{UserID: "buyer-1"}); !errors.Is(err, deal.ErrDealNotFound) {
		t.Errorf("missing deal: expected ErrDealNotFound, got %v", err)
	}
}

func TestGetOrCreate_ConcurrentSameIdentity(t *testing.T) {
	router, deals := newTestRouter(t)
	ctx := context.Background()
	d := listDeal(t, deals, "seller-1")

	const callers = 10
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := router.GetOrCreate(ctx, d.ID, Identity{UserID: "buyer-1"})
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("racing callers got different conversations: %s vs %s", ids[0], ids[i])
		}
	}
}

func TestClaimIdentity_AnonymousUpgrade(t *testing.T) {
	router, deals := newTestRouter(t)
	ctx := context.Background()
	d := listDeal(t, deals, "seller-1")

	anon, err := router.GetOrCreate(ctx, d.ID, Identity{AnonSessionID: "sess-1"})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	claimed, err := router.ClaimIdentity(ctx, anon.ID, "buyer-1")
	if err != nil {
		t.Fatalf("ClaimIdentity: %v", err)
	}
	if claimed.BuyerID != "buyer-1" || claimed.AnonSessionID != "" {
		t.Errorf("expected buyer-1 bound and session cleared, got %+v", claimed)
	}

	// Claiming again with the same user is a no-op.
	if _, err := router.ClaimIdentity(ctx, anon.ID, "buyer-1"); err != nil {
		t.Errorf("repeat claim by owner: %v", err)
	}
	// A different user cannot take over a bound conversation.
	if _, err := router.ClaimIdentity(ctx, anon.ID, "buyer-2"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestClaimIdentity_ExistingConversationWins(t *testing.T) {
	router, deals := newTestRouter(t)
	ctx := context.Background()
	d := listDeal(t, deals, "seller-1")

	own, err := router.GetOrCreate(ctx, d.ID, Identity{UserID: "buyer-1"})
	if err != nil {
		t.Fatalf("GetOrCreate (authed): %v", err)
	}
	anon, err := router.GetOrCreate(ctx, d.ID, Identity{AnonSessionID: "sess-1"})
	if err != nil {
		t.Fatalf("GetOrCreate (anon): %v", err)
	}

	got, err := router.ClaimIdentity(ctx, anon.ID, "buyer-1")
	if err != nil {
		t.Fatalf("ClaimIdentity: %v", err)
	}
	if got.ID != own.ID {
		t.Errorf("expected the buyer's existing conversation %s, got %s", own.ID, got.ID)
	}
}

func TestPost_OpenNegotiation(t *testing.T) {
	router, deals := newTestRouter(t)
	ctx := context.Background()
	d := listDeal(t, deals, "seller-1")

	buyer := Identity{UserID: "buyer-1"}
	conv, err := router.GetOrCreate(ctx, d.ID, buyer)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	msg, err := router.Post(ctx, conv.ID, buyer, PostRequest{Body: "  is this still available?  "})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if msg.SenderRole != RoleBuyer {
		t.Errorf("sender role = %s, want buyer", msg.SenderRole)
	}
	if msg.Body != "is this still available?" {
		t.Errorf("body not sanitized: %q", msg.Body)
	}

	// The seller participates in every conversation.
	seller := Identity{UserID: "seller-1"}
	reply, err := router.Post(ctx, conv.ID, seller, PostRequest{Body: "yes, pickup only"})
	if err != nil {
		t.Fatalf("seller Post: %v", err)
	}
	if reply.SenderRole != RoleSeller {
		t.Errorf("sender role = %s, want seller", reply.SenderRole)
	}

	msgs, err := router.Messages(ctx, conv.ID, buyer, 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID >= msgs[1].ID {
		t.Error("messages not in creation order")
	}

	// An outsider can neither post nor read.
	outsider := Identity{UserID: "lurker"}
	if _, err := router.Post(ctx, conv.ID, outsider, PostRequest{Body: "hi"}); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("outsider post: expected ErrNotParticipant, got %v", err)
	}
	if _, err := router.Messages(ctx, conv.ID, outsider, 0); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("outsider read: expected ErrNotParticipant, got %v", err)
	}
}

func TestVisibility_PartyScopedMessages(t *testing.T) {
	router, deals := newTestRouter(t)
	ctx := context.Background()
	d := listDeal(t, deals, "seller-1")

	buyer := Identity{UserID: "buyer-1"}
	conv, err := router.GetOrCreate(ctx, d.ID, buyer)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	store := router.Store()
	for _, m := range []*Message{
		router.NewMessage(conv, RoleBuyer, "buyer-1", "shared statement", VisibilityAll),
		router.NewMessage(conv, RoleMediator, "", "question for the buyer", VisibilityBuyerOnly),
		router.NewMessage(conv, RoleMediator, "", "question for the seller", VisibilitySellerOnly),
	} {
		if err := store.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	buyerView, err := router.Messages(ctx, conv.ID, buyer, 0)
	if err != nil {
		t.Fatalf("buyer Messages: %v", err)
	}
	assertBodies(t, "buyer", buyerView, []string{"shared statement", "question for the buyer"})

	sellerView, err := router.Messages(ctx, conv.ID, Identity{UserID: "seller-1"}, 0)
	if err != nil {
		t.Fatalf("seller Messages: %v", err)
	}
	assertBodies(t, "seller", sellerView, []string{"shared statement", "question for the seller"})

	sellerDealView, err := router.DealMessages(ctx, d.ID, Identity{UserID: "seller-1"}, 0)
	if err != nil {
		t.Fatalf("seller DealMessages: %v", err)
	}
	assertBodies(t, "seller deal view", sellerDealView, []string{"shared statement", "question for the seller"})
}

func assertBodies(t *testing.T, who string, msgs []*Message, want []string) {
	t.Helper()
	if len(msgs) != len(want) {
		t.Fatalf("%s sees %d messages, want %d", who, len(msgs), len(want))
	}
	for i, m := range msgs {
		if m.Body != want[i] {
			t.Errorf("%s message %d = %q, want %q", who, i, m.Body, want[i])
		}
	}
}

func TestOfferAndAccept_BindsNegotiatedPrice(t *testing.T) {
	router, deals := newTestRouter(t)
	ctx := context.Background()
	d := listDeal(t, deals, "seller-1")

	buyer := Identity{UserID: "buyer-1"}
	seller := Identity{UserID: "seller-1"}
	conv, err := router.GetOrCreate(ctx, d.ID, buyer)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	// Accepting before any offer fails.
	if _, err := router.AcceptOffer(ctx, conv.ID, seller); !errors.Is(err, ErrNoOffer) {
		t.Errorf("expected ErrNoOffer, got %v", err)
	}

	msg, err := router.Offer(ctx, conv.ID, buyer, 35000)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if msg.Metadata["offerCents"] != int64(35000) {
		t.Errorf("offer metadata = %v", msg.Metadata)
	}

	// The offering party cannot accept its own offer.
	if _, err := router.AcceptOffer(ctx, conv.ID, buyer); !errors.Is(err, ErrNoOffer) {
		t.Errorf("self-accept: expected ErrNoOffer, got %v", err)
	}

	accepted, err := router.AcceptOffer(ctx, conv.ID, seller)
	if err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if accepted.AgreedPriceCents != 35000 {
		t.Errorf("agreed price = %d, want 35000", accepted.AgreedPriceCents)
	}
	if accepted.OfferCents != 0 {
		t.Errorf("open offer not cleared: %d", accepted.OfferCents)
	}
	if got := router.AgreedPrice(ctx, d.ID, "buyer-1"); got != 35000 {
		t.Errorf("AgreedPrice = %d, want 35000", got)
	}

	// A counter-offer replaces the standing one.
	if _, err := router.Offer(ctx, conv.ID, seller, 38000); err != nil {
		t.Fatalf("counter Offer: %v", err)
	}
	accepted, err = router.AcceptOffer(ctx, conv.ID, buyer)
	if err != nil {
		t.Fatalf("AcceptOffer (counter): %v", err)
	}
	if accepted.AgreedPriceCents != 38000 {
		t.Errorf("agreed price = %d, want 38000", accepted.AgreedPriceCents)
	}
}

func TestHandleDealClaimed_ClosesSiblings(t *testing.T) {
	router, deals := newTestRouter(t)
	ctx := context.Background()
	d := listDeal(t, deals, "seller-1")

	winner := Identity{UserID: "buyer-1"}
	loser := Identity{UserID: "buyer-2"}
	winConv, err := router.GetOrCreate(ctx, d.ID, winner)
	if err != nil {
		t.Fatalf("GetOrCreate (winner): %v", err)
	}
	loseConv, err := router.GetOrCreate(ctx, d.ID, loser)
	if err != nil {
		t.Fatalf("GetOrCreate (loser): %v", err)
	}

	if _, err := deals.Claim(ctx, d.ID, "buyer-1", deal.ClaimRequest{DepositTxRef: depositTx}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	claimed, err := deals.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := router.HandleDealClaimed(ctx, claimed); err != nil {
		t.Fatalf("HandleDealClaimed: %v", err)
	}

	winConv, _, err = router.Get(ctx, winConv.ID, winner)
	if err != nil {
		t.Fatalf("Get winner conv: %v", err)
	}
	if winConv.Status != ConvClaimed {
		t.Errorf("winner conversation status = %s, want claimed", winConv.Status)
	}
	loseConv, _, err = router.Get(ctx, loseConv.ID, loser)
	if err != nil {
		t.Fatalf("Get loser conv: %v", err)
	}
	if loseConv.Status != ConvClosed {
		t.Errorf("loser conversation status = %s, want closed", loseConv.Status)
	}

	// Only the winner keeps a live channel.
	if _, err := router.Post(ctx, loseConv.ID, loser, PostRequest{Body: "wait"}); !errors.Is(err, ErrConversationClosed) {
		t.Errorf("loser post: expected ErrConversationClosed, got %v", err)
	}
	if _, err := router.Post(ctx, winConv.ID, winner, PostRequest{Body: "when can we meet?"}); err != nil {
		t.Errorf("winner post: %v", err)
	}

	// The system announcement lands on the winner conversation.
	msgs, err := router.Messages(ctx, winConv.ID, winner, 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	found := false
	for _, m := range msgs {
		if m.SenderRole == RoleSystem && strings.Contains(m.Body, "escrow") {
			found = true
		}
	}
	if !found {
		t.Error("expected a system claim announcement")
	}
}

func TestHandleDealClaimed_SilentBuyerGetsConversation(t *testing.T) {
	router, deals := newTestRouter(t)
	ctx := context.Background()
	d := listDeal(t, deals, "seller-1")

	if _, err := deals.Claim(ctx, d.ID, "buyer-1", deal.ClaimRequest{DepositTxRef: depositTx}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	claimed, _ := deals.Get(ctx, d.ID)
	if err := router.HandleDealClaimed(ctx, claimed); err != nil {
		t.Fatalf("HandleDealClaimed: %v", err)
	}

	conv, err := router.GetOrCreate(ctx, d.ID, Identity{UserID: "buyer-1"})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if conv.Status != ConvClaimed {
		t.Errorf("conversation status = %s, want claimed", conv.Status)
	}
}

func TestHandleDealClosed_ShutsEverythingDown(t *testing.T) {
	router, deals := newTestRouter(t)
	ctx := context.Background()
	d := listDeal(t, deals, "seller-1")

	buyer := Identity{UserID: "buyer-1"}
	conv, err := router.GetOrCreate(ctx, d.ID, buyer)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if _, err := deals.Claim(ctx, d.ID, "buyer-1", deal.ClaimRequest{DepositTxRef: depositTx}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	claimed, _ := deals.Get(ctx, d.ID)
	if err := router.HandleDealClaimed(ctx, claimed); err != nil {
		t.Fatalf("HandleDealClaimed: %v", err)
	}
	if _, err := deals.MarkTransferred(ctx, d.ID, "seller-1"); err != nil {
		t.Fatalf("MarkTransferred: %v", err)
	}
	if _, err := deals.Confirm(ctx, d.ID, "buyer-1"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	done, _ := deals.Get(ctx, d.ID)
	if err := router.HandleDealClosed(ctx, done, "Funds released to the seller."); err != nil {
		t.Fatalf("HandleDealClosed: %v", err)
	}

	conv, _, err = router.Get(ctx, conv.ID, buyer)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.Status != ConvClosed {
		t.Errorf("conversation status = %s, want closed", conv.Status)
	}
	if _, err := router.Post(ctx, conv.ID, buyer, PostRequest{Body: "hello?"}); !errors.Is(err, ErrConversationClosed) {
		t.Errorf("expected ErrConversationClosed, got %v", err)
	}
	// New buyers cannot open conversations on a finished deal.
	if _, err := router.GetOrCreate(ctx, d.ID, Identity{UserID: "buyer-9"}); !errors.Is(err, ErrConversationClosed) {
		t.Errorf("expected ErrConversationClosed, got %v", err)
	}

	msgs, err := router.Messages(ctx, conv.ID, buyer, 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.SenderRole != RoleSystem || last.Body != "Funds released to the seller." {
		t.Errorf("closing note missing, last message: %+v", last)
	}
}

type recordingGate struct {
	mu    sync.Mutex
	calls []struct {
		Party deal.Party
		Text  string
	}
	err error
}

func (g *recordingGate) SubmitEvidence(ctx context.Context, d *deal.Deal, conv *Conversation, party deal.Party, senderID, text string) (*Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.calls = append(g.calls, struct {
		Party deal.Party
		Text  string
	}{party, text})
	return &Message{ID: "msg_gate", Body: text}, nil
}

func TestPost_DisputeModeRoutesToGate(t *testing.T) {
	router, deals := newTestRouter(t)
	gate := &recordingGate{}
	router.WithDisputeGate(gate)
	ctx := context.Background()
	d := listDeal(t, deals, "seller-1")

	buyer := Identity{UserID: "buyer-1"}
	conv, err := router.GetOrCreate(ctx, d.ID, buyer)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if _, err := deals.Claim(ctx, d.ID, "buyer-1", deal.ClaimRequest{DepositTxRef: depositTx}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	claimed, _ := deals.Get(ctx, d.ID)
	if err := router.HandleDealClaimed(ctx, claimed); err != nil {
		t.Fatalf("HandleDealClaimed: %v", err)
	}
	if _, err := deals.MarkTransferred(ctx, d.ID, "seller-1"); err != nil {
		t.Fatalf("MarkTransferred: %v", err)
	}
	if _, err := deals.Dispute(ctx, d.ID, "buyer-1", "item not as described"); err != nil {
		t.Fatalf("Dispute: %v", err)
	}

	if _, err := router.Post(ctx, conv.ID, buyer, PostRequest{Body: "the screen is cracked"}); err != nil {
		t.Fatalf("buyer dispute post: %v", err)
	}
	if _, err := router.Post(ctx, conv.ID, Identity{UserID: "seller-1"}, PostRequest{Body: "it was fine at handover"}); err != nil {
		t.Fatalf("seller dispute post: %v", err)
	}

	if len(gate.calls) != 2 {
		t.Fatalf("gate received %d calls, want 2", len(gate.calls))
	}
	if gate.calls[0].Party != deal.PartyBuyer || gate.calls[1].Party != deal.PartySeller {
		t.Errorf("gate parties = %v", gate.calls)
	}

	// Gate errors surface unchanged.
	gate.err = ErrEvidenceComplete
	if _, err := router.Post(ctx, conv.ID, buyer, PostRequest{Body: "one more thing"}); !errors.Is(err, ErrEvidenceComplete) {
		t.Errorf("expected ErrEvidenceComplete, got %v", err)
	}
}
