package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/core/ports"
)

// HTTPStep calls an external computation service for one pipeline step.
type HTTPStep struct {
	name      string
	url       string
	retries   int
	resources []string
	headers   map[string]string
	client    *http.Client
	logger    *slog.Logger
}

// HTTPStepConfig configures an HTTP step.
type HTTPStepConfig struct {
	Name      string
	URL       string
	Timeout   time.Duration
	Retries   int
	Resources []string
	Headers   map[string]string
	Logger    *slog.Logger
	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
}

// NewHTTPStep creates a new HTTP step.
func NewHTTPStep(cfg HTTPStepConfig) *HTTPStep {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPStep{
		name:      cfg.Name,
		url:       cfg.URL,
		retries:   cfg.Retries,
		resources: cfg.Resources,
		headers:   cfg.Headers,
		client:    client,
		logger:    logger,
	}
}

// Name returns the step name.
func (s *HTTPStep) Name() string {
	return s.name
}

// Resources returns the resources the step must hold.
func (s *HTTPStep) Resources() []string {
	return s.resources
}

// stepResponse is the service's answer.
type stepResponse struct {
	Success  bool           `json:"success"`
	Payload  map[string]any `json:"payload,omitempty"`
	Error    string         `json:"error,omitempty"`
	Artifact string         `json:"artifact,omitempty"`
}

// Execute posts the step input. Transport errors and 5xx answers are
// retried with exponential backoff; other answers are final. A service
// that answers with success=false still produces a result.
func (s *HTTPStep) Execute(ctx context.Context, in *ports.StepInput) (*domain.StepResult, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal step input: %w", err)
	}

	var out *stepResponse
	op := func() error {
		resp, err := s.doRequest(ctx, body)
		if err != nil {
			return err
		}
		out = resp
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(s.retries, 0))), ctx)
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("step request failed, retrying",
			slog.String("step", s.name),
			slog.String("instance_id", in.InstanceID),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}

	return &domain.StepResult{
		Step:      s.name,
		Success:   out.Success,
		Payload:   out.Payload,
		Error:     out.Error,
		Artifact:  out.Artifact,
		Attempt:   in.Attempt,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (s *HTTPStep) doRequest(ctx context.Context, body []byte) (*stepResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("step request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("step service returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, backoff.Permanent(fmt.Errorf("step service returned status %d: %s", resp.StatusCode, string(respBody)))
	}

	var out stepResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("unmarshal step response: %w", err))
	}
	if !out.Success && out.Error == "" {
		out.Error = "step reported failure without detail"
	}
	return &out, nil
}

var _ ports.StepUnit = (*HTTPStep)(nil)
