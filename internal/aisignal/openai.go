package aisignal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const systemPrompt = `You review proposed software changes for deployment risk.
Answer with a single JSON object: {"risk_delta": number between 0 and 2, "findings": [short strings], "regulatory_flag": boolean}.
risk_delta is additional risk not visible from dependency counts alone. Set regulatory_flag when the change touches personal, payment or audit data.`

// maxPromptLines bounds how many changed lines are sent.
const maxPromptLines = 200

// OpenAISource asks a chat-completion model for an assessment.
type OpenAISource struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAISource creates a source. baseURL may be empty for the public API.
func NewOpenAISource(apiKey, model, baseURL string, logger *slog.Logger) (*OpenAISource, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAISource{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}, nil
}

func (o *OpenAISource) Name() string { return "openai:" + o.model }

type assessment struct {
	RiskDelta      float64  `json:"risk_delta"`
	Findings       []string `json:"findings"`
	RegulatoryFlag bool     `json:"regulatory_flag"`
}

// Assess implements Source.
func (o *OpenAISource) Assess(ctx context.Context, in Input) (Signal, error) {
	if o.logger != nil {
		o.logger.Debug("Requesting AI assessment", "model", o.model, "target", in.Target)
	}
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(in)},
		},
		Temperature:         0,
		MaxCompletionTokens: 400,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Signal{}, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Signal{}, fmt.Errorf("OpenAI returned no choices")
	}

	a, err := parseAssessment(resp.Choices[0].Message.Content)
	if err != nil {
		return Signal{}, err
	}
	return Signal{
		RiskDelta:      clamp(a.RiskDelta),
		Findings:       a.Findings,
		RegulatoryFlag: a.RegulatoryFlag,
		Status:         StatusOK,
		Source:         o.Name(),
	}, nil
}

// parseAssessment accepts the bare object or one wrapped in a code fence.
func parseAssessment(content string) (assessment, error) {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "{"); i > 0 {
		s = s[i:]
	}
	if j := strings.LastIndex(s, "}"); j >= 0 && j < len(s)-1 {
		s = s[:j+1]
	}
	var a assessment
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return assessment{}, fmt.Errorf("failed to parse AI assessment: %w", err)
	}
	return a, nil
}

func buildPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Change kind: %s\nTarget: %s\n", in.Kind, in.Target)
	if in.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", in.Summary)
	}
	if in.Breaking {
		b.WriteString("The change is classified as breaking.\n")
	}
	if in.Statement != "" {
		fmt.Fprintf(&b, "Statement:\n%s\n", in.Statement)
	}
	if len(in.ReverseDependents) > 0 {
		fmt.Fprintf(&b, "Reverse dependents (%d): %s\n", len(in.ReverseDependents), strings.Join(limit(in.ReverseDependents, 30), ", "))
	}
	writeLines(&b, "Removed lines", in.Removed)
	writeLines(&b, "Added lines", in.Added)
	return b.String()
}

func writeLines(b *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, l := range limit(lines, maxPromptLines) {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if len(lines) > maxPromptLines {
		fmt.Fprintf(b, "... %d more\n", len(lines)-maxPromptLines)
	}
}

func limit(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
