package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

const defaultBaseURL = "https://api.openai.com/v1"

// client posts chat completions to an OpenAI-compatible server.
type client struct {
	apiKey     string
	endpoint   string
	http       *http.Client
	newBackOff func() backoff.BackOff
}

func newClient(baseURL, apiKey string, hc *http.Client) *client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &client{
		apiKey:   apiKey,
		endpoint: strings.TrimSuffix(baseURL, "/") + "/chat/completions",
		http:     hc,
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
		},
	}
}

// chat sends req and returns the reply text. For streamed requests every
// content delta is passed to onDelta as it arrives.
func (c *client) chat(ctx context.Context, req *chatRequest, onDelta func(string)) (string, *usage, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if req.Stream {
		return readStream(resp.Body, onDelta)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, fmt.Errorf("decode judge response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil, errors.New("judge returned no choices")
	}
	return out.Choices[0].Message.Content, out.Usage, nil
}

// send posts req, retrying transport failures and throttled or
// unavailable answers. Other non-200 answers are returned as *APIError.
func (c *client) send(ctx context.Context, req *chatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode judge request: %w", err)
	}

	var resp *http.Response
	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if req.Stream {
			httpReq.Header.Set("Accept", "text/event-stream")
		}
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		r, err := c.http.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("judge request: %w", err)
		}
		if r.StatusCode == http.StatusOK {
			resp = r
			return nil
		}

		apiErr := readAPIError(r.StatusCode, r.Body)
		r.Body.Close()
		switch r.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

// readStream assembles a server-sent chat completion stream.
func readStream(body io.Reader, onDelta func(string)) (string, *usage, error) {
	var (
		text strings.Builder
		u    *usage
	)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", nil, fmt.Errorf("decode judge stream: %w", err)
		}
		if chunk.Usage != nil {
			u = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			text.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, fmt.Errorf("read judge stream: %w", err)
	}
	return text.String(), u, nil
}
