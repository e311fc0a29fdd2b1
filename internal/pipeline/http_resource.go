package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tjfontaine/genpipe/internal/core/ports"
)

// HTTPResource loads and unloads a model on the computation service.
type HTTPResource struct {
	name      string
	footprint float64
	url       string
	client    *http.Client
}

// NewHTTPResource creates a loader for the resource served at url.
func NewHTTPResource(name string, footprint float64, url string, timeout time.Duration) *HTTPResource {
	return &HTTPResource{
		name:      name,
		footprint: footprint,
		url:       strings.TrimRight(url, "/"),
		client:    &http.Client{Timeout: timeout},
	}
}

func (r *HTTPResource) Name() string       { return r.name }
func (r *HTTPResource) Footprint() float64 { return r.footprint }

func (r *HTTPResource) Load(ctx context.Context) error {
	return r.call(ctx, "load")
}

func (r *HTTPResource) Unload(ctx context.Context) error {
	return r.call(ctx, "unload")
}

// Reclaim asks the service to return freed memory.
func (r *HTTPResource) Reclaim(ctx context.Context) error {
	return r.call(ctx, "reclaim")
}

func (r *HTTPResource) call(ctx context.Context, action string) error {
	body, err := json.Marshal(map[string]string{"name": r.name})
	if err != nil {
		return err
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/"+action, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("%s %s: status %d: %s", action, r.name, resp.StatusCode, msg)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("%s %s: status %d: %s", action, r.name, resp.StatusCode, msg))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// ReclaimFunc returns a ledger reclaim hook that calls Reclaim once per
// distinct service behind resources.
func ReclaimFunc(resources map[string]ports.ResourceLoader) func(ctx context.Context) error {
	byURL := make(map[string]*HTTPResource)
	for _, l := range resources {
		if hr, ok := l.(*HTTPResource); ok {
			byURL[hr.url] = hr
		}
	}
	return func(ctx context.Context) error {
		var errs []error
		for _, hr := range byURL {
			errs = append(errs, hr.Reclaim(ctx))
		}
		return errors.Join(errs...)
	}
}

var _ ports.ResourceLoader = (*HTTPResource)(nil)
