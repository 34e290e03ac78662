package mediator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Config for the LLM-backed mediator.
type Config struct {
	BaseURL string // OpenAI-compatible endpoint; empty uses the provider default
	APIKey  string
	Model   string
	Timeout time.Duration
}

// LLM adjudicates disputes with a language model behind an OpenAI-compatible
// API. Responses are requested as JSON; anything unparseable is an error so
// the caller can fall back to the dispute policy default.
type LLM struct {
	model   llms.Model
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures the LLM mediator.
type Option func(*LLM)

// WithModel sets a custom model implementation (useful for testing).
func WithModel(m llms.Model) Option {
	return func(l *LLM) {
		l.model = m
	}
}

// NewLLM creates an LLM-backed mediator.
func NewLLM(cfg Config, logger *slog.Logger, opts ...Option) (*LLM, error) {
	l := &LLM{timeout: cfg.Timeout, logger: logger}
	if l.timeout <= 0 {
		l.timeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.model == nil {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("mediator: API key is required")
		}
		modelOpts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			modelOpts = append(modelOpts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(modelOpts...)
		if err != nil {
			return nil, fmt.Errorf("mediator: failed to initialize model: %w", err)
		}
		l.model = model
	}
	return l, nil
}

func (l *LLM) Adjudicate(ctx context.Context, c Case) (*Ruling, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	prompt := buildRulingPrompt(c)
	response, err := llms.GenerateFromSinglePrompt(ctx, l.model, prompt, llms.WithTemperature(0.1))
	if err != nil {
		return nil, fmt.Errorf("mediator: model call failed: %w", err)
	}

	ruling, err := parseRuling(response)
	if err != nil {
		l.logger.Warn("unparseable mediator response", "dealId", c.DealID, "error", err)
		return nil, err
	}

	l.logger.Info("mediator ruled",
		"dealId", c.DealID,
		"favorBuyer", ruling.FavorBuyer,
		"confidence", ruling.Confidence,
	)
	return ruling, nil
}

func (l *LLM) ChatTurn(ctx context.Context, t Turn) (*TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	prompt := buildTurnPrompt(t)
	response, err := llms.GenerateFromSinglePrompt(ctx, l.model, prompt, llms.WithTemperature(0.3))
	if err != nil {
		return nil, fmt.Errorf("mediator: model call failed: %w", err)
	}

	result, err := parseTurnResult(response)
	if err != nil {
		l.logger.Warn("unparseable mediator turn", "dealId", t.Case.DealID, "error", err)
		return nil, err
	}
	return result, nil
}

func buildRulingPrompt(c Case) string {
	var b strings.Builder
	b.WriteString("You are a neutral mediator for a peer-to-peer marketplace escrow service.\n")
	b.WriteString("A buyer has disputed a deal after the seller marked the item as transferred.\n")
	b.WriteString("Rule on who should receive the escrowed funds.\n\n")

	fmt.Fprintf(&b, "Deal: %s\n", c.Title)
	if c.Description != "" {
		fmt.Fprintf(&b, "Listing description: %s\n", c.Description)
	}
	fmt.Fprintf(&b, "Escrowed amount: %d minor currency units\n", c.PriceCents)
	fmt.Fprintf(&b, "Dispute reason given by the buyer: %s\n\n", c.DisputeReason)

	b.WriteString("Timeline:\n")
	for _, line := range c.Timeline {
		fmt.Fprintf(&b, "- %s\n", line)
	}

	b.WriteString("\nBuyer's statements (the seller has not seen these):\n")
	writeStatements(&b, c.BuyerEvidence)
	b.WriteString("\nSeller's statements (the buyer has not seen these):\n")
	writeStatements(&b, c.SellerEvidence)

	b.WriteString("\nRespond with ONLY a JSON object:\n")
	b.WriteString("```json\n")
	b.WriteString("{\n")
	b.WriteString("  \"favorBuyer\": true,\n")
	b.WriteString("  \"confidence\": 0.0,\n")
	b.WriteString("  \"reasoning\": \"One short paragraph explaining the ruling\"\n")
	b.WriteString("}\n")
	b.WriteString("```\n")
	b.WriteString("favorBuyer true refunds the buyer; false pays the seller.\n")
	fmt.Fprintf(&b, "If the evidence is genuinely inconclusive, rule per the platform policy %q.\n", c.Policy)
	return b.String()
}

func buildTurnPrompt(t Turn) string {
	var b strings.Builder
	b.WriteString("You are a neutral mediator interviewing one party to a disputed marketplace deal.\n")
	fmt.Fprintf(&b, "Deal: %s\n", t.Case.Title)
	fmt.Fprintf(&b, "Dispute reason: %s\n", t.Case.DisputeReason)
	fmt.Fprintf(&b, "You are interviewing the %s. Their earlier statements:\n", t.Party)
	writeStatements(&b, t.Statements)
	fmt.Fprintf(&b, "\nTheir latest statement: %s\n", t.Message)
	b.WriteString("\nEither ask ONE short, specific follow-up question that would help establish\n")
	b.WriteString("what actually happened, or signal that their evidence is complete.\n")
	b.WriteString("Do not reveal anything the other party said.\n")
	b.WriteString("Respond with ONLY a JSON object:\n")
	b.WriteString("```json\n")
	b.WriteString("{\"reply\": \"your question, or a closing acknowledgement\", \"evidenceComplete\": false}\n")
	b.WriteString("```\n")
	return b.String()
}

func parseTurnResult(response string) (*TurnResult, error) {
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrNoRuling)
	}
	var result TurnResult
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRuling, err)
	}
	result.Reply = strings.TrimSpace(result.Reply)
	if result.Reply == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrNoRuling)
	}
	return &result, nil
}

func writeStatements(b *strings.Builder, statements []string) {
	if len(statements) == 0 {
		b.WriteString("(none)\n")
		return
	}
	for _, s := range statements {
		fmt.Fprintf(b, "- %s\n", s)
	}
}

// parseRuling extracts the JSON ruling from a model response, tolerating
// markdown code fences around it.
func parseRuling(response string) (*Ruling, error) {
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrNoRuling)
	}

	var ruling Ruling
	if err := json.Unmarshal([]byte(jsonStr), &ruling); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRuling, err)
	}
	if ruling.Reasoning == "" {
		return nil, fmt.Errorf("%w: missing reasoning", ErrNoRuling)
	}
	if ruling.Confidence < 0 || ruling.Confidence > 1 {
		ruling.Confidence = 0
	}
	return &ruling, nil
}

func extractJSON(response string) string {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end <= start {
		return ""
	}
	return response[start : end+1]
}
