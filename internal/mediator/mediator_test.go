package mediator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeModel returns canned responses and records prompts.
type fakeModel struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				f.prompts = append(f.prompts, text.Text)
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.response}},
	}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCase() Case {
	return Case{
		DealID:        "deal_abc",
		Title:         "Vintage camera",
		Description:   "Working Leica M3, light meter included",
		PriceCents:    120000,
		DisputeReason: "light meter missing from the package",
		Timeline:      []string{"2026-08-01T10:00:00Z: deal listed at 120000 minor units"},
		BuyerEvidence: []string{"The box arrived without the light meter."},
		SellerEvidence: []string{
			"I packed the meter separately inside the bubble wrap.",
		},
		Policy: "favor_buyer",
	}
}

func TestLLM_AdjudicateParsesFencedJSON(t *testing.T) {
	model := &fakeModel{response: "Here is my ruling:\n```json\n" +
		`{"favorBuyer": true, "confidence": 0.82, "reasoning": "Seller offered no shipping proof."}` +
		"\n```"}
	m, err := NewLLM(Config{}, testLogger(), WithModel(model))
	require.NoError(t, err)

	ruling, err := m.Adjudicate(context.Background(), testCase())
	require.NoError(t, err)
	assert.True(t, ruling.FavorBuyer)
	assert.InDelta(t, 0.82, ruling.Confidence, 0.001)
	assert.NotEmpty(t, ruling.Reasoning)

	// The prompt carries both parties' statements and the policy default.
	require.NotEmpty(t, model.prompts)
	prompt := model.prompts[0]
	assert.Contains(t, prompt, "light meter missing")
	assert.Contains(t, prompt, "bubble wrap")
	assert.Contains(t, prompt, "favor_buyer")
}

func TestLLM_AdjudicateBareJSON(t *testing.T) {
	model := &fakeModel{response: `{"favorBuyer": false, "confidence": 0.6, "reasoning": "Tracking shows delivery."}`}
	m, err := NewLLM(Config{}, testLogger(), WithModel(model))
	require.NoError(t, err)

	ruling, err := m.Adjudicate(context.Background(), testCase())
	require.NoError(t, err)
	assert.False(t, ruling.FavorBuyer)
}

func TestLLM_AdjudicateRejectsGarbage(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"no json", "I think the buyer is probably right here."},
		{"malformed json", `{"favorBuyer": maybe}`},
		{"missing reasoning", `{"favorBuyer": true, "confidence": 0.9}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewLLM(Config{}, testLogger(), WithModel(&fakeModel{response: tt.response}))
			require.NoError(t, err)

			_, err = m.Adjudicate(context.Background(), testCase())
			assert.ErrorIs(t, err, ErrNoRuling)
		})
	}
}

func TestLLM_AdjudicateModelFailure(t *testing.T) {
	m, err := NewLLM(Config{}, testLogger(), WithModel(&fakeModel{err: errors.New("rate limited")}))
	require.NoError(t, err)

	_, err = m.Adjudicate(context.Background(), testCase())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model call failed")
}

func TestLLM_ClampsConfidence(t *testing.T) {
	model := &fakeModel{response: `{"favorBuyer": true, "confidence": 7.5, "reasoning": "sure"}`}
	m, err := NewLLM(Config{}, testLogger(), WithModel(model))
	require.NoError(t, err)

	ruling, err := m.Adjudicate(context.Background(), testCase())
	require.NoError(t, err)
	assert.Equal(t, 0.0, ruling.Confidence)
}

func TestLLM_ChatTurn(t *testing.T) {
	model := &fakeModel{response: `{"reply": "Did you keep the shipping receipt?", "evidenceComplete": false}`}
	m, err := NewLLM(Config{}, testLogger(), WithModel(model))
	require.NoError(t, err)

	res, err := m.ChatTurn(context.Background(), Turn{
		Case:       testCase(),
		Party:      "seller",
		Message:    "I shipped it on Monday.",
		Statements: []string{"I packed it myself."},
	})
	require.NoError(t, err)
	assert.Equal(t, "Did you keep the shipping receipt?", res.Reply)
	assert.False(t, res.EvidenceComplete)

	// The interview prompt must not leak the other party's statements.
	prompt := model.prompts[0]
	assert.Contains(t, prompt, "I shipped it on Monday.")
	assert.NotContains(t, prompt, "The box arrived without the light meter.")
}

func TestLLM_ChatTurnCompletionSignal(t *testing.T) {
	model := &fakeModel{response: "```json\n" +
		`{"reply": "Thank you, that covers everything.", "evidenceComplete": true}` + "\n```"}
	m, err := NewLLM(Config{}, testLogger(), WithModel(model))
	require.NoError(t, err)

	res, err := m.ChatTurn(context.Background(), Turn{Case: testCase(), Party: "buyer", Message: "That is all I know."})
	require.NoError(t, err)
	assert.True(t, res.EvidenceComplete)
}

func TestLLM_RequiresAPIKeyWithoutModel(t *testing.T) {
	_, err := NewLLM(Config{}, testLogger())
	assert.Error(t, err)
}

func TestRuleBased_AdjudicateFollowsPolicy(t *testing.T) {
	m := NewRuleBased()

	c := testCase()
	ruling, err := m.Adjudicate(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, ruling.FavorBuyer)

	c.Policy = "favor_seller"
	ruling, err = m.Adjudicate(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, ruling.FavorBuyer)
}

func TestRuleBased_QuestionsAdvanceWithStatements(t *testing.T) {
	m := NewRuleBased()
	c := testCase()
	ctx := context.Background()

	r1, err := m.ChatTurn(ctx, Turn{Case: c, Party: "buyer", Message: "first"})
	require.NoError(t, err)
	r2, err := m.ChatTurn(ctx, Turn{Case: c, Party: "buyer", Message: "second", Statements: []string{"first"}})
	require.NoError(t, err)
	assert.NotEqual(t, r1.Reply, r2.Reply)
	assert.False(t, r1.EvidenceComplete)

	// Past the script, the interview closes with a completion signal.
	many := []string{"a", "b", "c", "d", "e"}
	last, err := m.ChatTurn(ctx, Turn{Case: c, Party: "buyer", Message: "final", Statements: many})
	require.NoError(t, err)
	assert.True(t, last.EvidenceComplete)
	assert.False(t, strings.HasSuffix(last.Reply, "?"))
}
