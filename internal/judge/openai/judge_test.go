package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/core/ports"
	"github.com/tjfontaine/genpipe/internal/pkg/config"
	"github.com/tjfontaine/genpipe/internal/testutil"
)

func judgeRequest() *ports.JudgeRequest {
	return &ports.JudgeRequest{
		InstanceID: "inst-1",
		Step:       domain.StepSegmentation,
		Intent:     "a cat on a skateboard",
		Result:     &domain.StepResult{Step: domain.StepSegmentation, Success: false, Error: "layer 2 clipped"},
		Prompt:     "Intent: a cat on a skateboard\nStage: segmentation (retry 0)",
	}
}

func vcrJudge(t *testing.T, cassette string, stream bool) *Judge {
	t.Helper()
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		apiKey = "test-key"
	}
	return New(config.JudgeConfig{APIKey: apiKey, Model: "gpt-4o-mini"},
		WithStreaming(stream),
		WithHTTPClient(testutil.CassetteClient(t, cassette)))
}

func TestJudge_Complete(t *testing.T) {
	j := vcrJudge(t, "judge_complete", false)

	p, err := j.Evaluate(context.Background(), judgeRequest(), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if p.Decision != domain.DecisionRetry || p.Symptom != "clipping" {
		t.Errorf("proposal = %+v", p)
	}
	seg, ok := p.Patch["segmentation"].(map[string]any)
	if !ok || seg["prompt_mode"] != "grid" {
		t.Errorf("Patch = %v", p.Patch)
	}
}

func TestJudge_Stream(t *testing.T) {
	j := vcrJudge(t, "judge_stream", true)

	var thoughts []string
	p, err := j.Evaluate(context.Background(), judgeRequest(), func(s string) { thoughts = append(thoughts, s) })
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if p.Decision != domain.DecisionProceed || p.Rationale != "layers look clean" {
		t.Errorf("proposal = %+v", p)
	}
	if len(thoughts) != 3 {
		t.Errorf("got %d thoughts, want 3: %q", len(thoughts), thoughts)
	}
	if got := strings.Join(thoughts, ""); !strings.HasPrefix(got, `{"decision":`) {
		t.Errorf("thoughts = %q", got)
	}
}

func TestJudge_APIError(t *testing.T) {
	j := vcrJudge(t, "judge_error", false)

	_, err := j.Evaluate(context.Background(), judgeRequest(), nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Evaluate() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Type != "invalid_request_error" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if domain.IsJudgeParse(err) {
		t.Error("transport error reported as parse error")
	}
}

func TestJudge_RequestShape(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-local" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{`{\"decision\":\"escalate\",`, `\"question\":\"Which subject?\"}`} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"%s\"}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	j := New(config.JudgeConfig{BaseURL: server.URL + "/v1/", APIKey: "sk-local", Model: "local-judge", Temperature: 0.2})
	p, err := j.Evaluate(context.Background(), judgeRequest(), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if p.Decision != domain.DecisionEscalate || p.Question != "Which subject?" {
		t.Errorf("proposal = %+v", p)
	}

	if got.Model != "local-judge" || !got.Stream || got.Temperature == nil || *got.Temperature != 0.2 {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != judgeRequest().Prompt {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("ResponseFormat = %+v", got.ResponseFormat)
	}
}

func TestJudge_RetriesThrottling(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int
		wantErr   bool
	}{
		{"throttled then ok", http.StatusTooManyRequests, 2, false},
		{"unavailable then ok", http.StatusServiceUnavailable, 2, false},
		{"bad request is final", http.StatusBadRequest, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				if calls == 1 {
					w.WriteHeader(tt.status)
					w.Write([]byte("slow down"))
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"decision\":\"proceed\"}"}}]}`))
			}))
			defer server.Close()

			j := New(config.JudgeConfig{BaseURL: server.URL, Model: "m"}, WithStreaming(false))
			j.client.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

			p, err := j.Evaluate(context.Background(), judgeRequest(), nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.Message != "slow down" {
					t.Errorf("error = %v, want APIError with raw body", err)
				}
				return
			}
			if p.Decision != domain.DecisionProceed {
				t.Errorf("Decision = %s", p.Decision)
			}
		})
	}
}

func TestJudge_UnparseableReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"looks fine to me"}}]}`))
	}))
	defer server.Close()

	j := New(config.JudgeConfig{BaseURL: server.URL, Model: "m"}, WithStreaming(false))
	_, err := j.Evaluate(context.Background(), judgeRequest(), nil)
	if !domain.IsJudgeParse(err) {
		t.Errorf("Evaluate() error = %v, want JudgeParseError", err)
	}
}

func TestJudge_CancelledStream(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"{\"}}]}\n\n")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	j := New(config.JudgeConfig{BaseURL: server.URL, Model: "m"})
	go func() {
		<-started
		cancel()
	}()
	if _, err := j.Evaluate(ctx, judgeRequest(), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Evaluate() error = %v, want context.Canceled", err)
	}
}

func TestParseProposal(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    domain.Decision
		wantErr bool
	}{
		{"plain", `{"decision":"proceed","rationale":"ok"}`, domain.DecisionProceed, false},
		{"fenced", "```json\n{\"decision\":\"retry\",\"patch\":{\"segmentation.resolution\":1024}}\n```", domain.DecisionRetry, false},
		{"prose around", "Here you go: {\"decision\":\"Escalate\",\"question\":\"which?\"} thanks", domain.DecisionEscalate, false},
		{"nested braces", `{"decision":"retry","patch":{"segmentation":{"num_layers":6}}}`, domain.DecisionRetry, false},
		{"no object", "proceed", "", true},
		{"broken json", `{"decision":"retry",`, "", true},
		{"missing decision", `{"rationale":"hm"}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseProposal(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseProposal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !domain.IsJudgeParse(err) {
					t.Errorf("error type = %T, want JudgeParseError", err)
				}
				return
			}
			if p.Decision != tt.want {
				t.Errorf("Decision = %s, want %s", p.Decision, tt.want)
			}
		})
	}
}
