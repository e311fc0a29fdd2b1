// Package openai implements the quality gate's judge on top of an
// OpenAI-compatible chat completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/core/ports"
	"github.com/tjfontaine/genpipe/internal/pkg/config"
)

const systemPrompt = "You are the quality reviewer of a content generation pipeline. Reply with one JSON object and nothing else."

// Option configures a Judge.
type Option func(*Judge)

func WithLogger(logger *slog.Logger) Option {
	return func(j *Judge) { j.logger = logger }
}

// WithStreaming selects streamed completions; thoughts are only
// forwarded when streaming.
func WithStreaming(stream bool) Option {
	return func(j *Judge) { j.stream = stream }
}

// WithHTTPClient replaces the HTTP client used to reach the endpoint.
func WithHTTPClient(hc *http.Client) Option {
	return func(j *Judge) { j.httpClient = hc }
}

// Judge asks a chat model for a verdict proposal.
type Judge struct {
	client      *client
	httpClient  *http.Client
	model       string
	temperature *float32
	stream      bool
	logger      *slog.Logger
}

// New creates a judge from cfg. Streaming is on unless disabled.
func New(cfg config.JudgeConfig, opts ...Option) *Judge {
	j := &Judge{
		model:      cfg.Model,
		stream:     true,
		logger:     slog.Default(),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.Temperature > 0 {
		t := cfg.Temperature
		j.temperature = &t
	}
	for _, opt := range opts {
		opt(j)
	}
	j.client = newClient(cfg.BaseURL, cfg.APIKey, j.httpClient)
	return j
}

// Evaluate implements ports.Judge.
func (j *Judge) Evaluate(ctx context.Context, req *ports.JudgeRequest, onThought func(string)) (*domain.Proposal, error) {
	creq := &chatRequest{
		Model: j.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: promptFor(req)},
		},
		Temperature:    j.temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
		User:           req.InstanceID,
	}
	if j.stream {
		creq.Stream = true
		creq.StreamOptions = &streamOptions{IncludeUsage: true}
	} else {
		onThought = nil
	}

	raw, u, err := j.client.chat(ctx, creq, onThought)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if u != nil {
		j.logger.Debug("judge usage",
			slog.String("instance_id", req.InstanceID),
			slog.Int("prompt_tokens", u.PromptTokens),
			slog.Int("completion_tokens", u.CompletionTokens))
	}

	proposal, err := ParseProposal(raw)
	if err != nil {
		j.logger.Debug("judge output not parseable",
			slog.String("instance_id", req.InstanceID),
			slog.String("step", req.Step),
			slog.String("raw", raw))
		return nil, err
	}
	return proposal, nil
}

// promptFor returns the rendered prompt, or a plain JSON dump of the
// request when none was rendered.
func promptFor(req *ports.JudgeRequest) string {
	if req.Prompt != "" {
		return req.Prompt
	}
	body, _ := json.MarshalIndent(req, "", "  ")
	return fmt.Sprintf(`Judge this stage result. Answer {"decision": "proceed"|"retry"|"escalate", "rationale": "...", "patch": {...}, "question": "..."}.

%s`, body)
}

// ParseProposal extracts the JSON object from a model reply. Code fences
// and surrounding prose are ignored.
func ParseProposal(raw string) (*domain.Proposal, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return nil, &domain.JudgeParseError{Raw: raw, Err: errors.New("no JSON object in reply")}
	}

	var p domain.Proposal
	if err := json.Unmarshal([]byte(raw[start:end+1]), &p); err != nil {
		return nil, &domain.JudgeParseError{Raw: raw, Err: err}
	}
	p.Decision = domain.Decision(strings.ToLower(strings.TrimSpace(string(p.Decision))))
	if p.Decision == "" {
		return nil, &domain.JudgeParseError{Raw: raw, Err: errors.New("missing decision")}
	}
	return &p, nil
}

var _ ports.Judge = (*Judge)(nil)
