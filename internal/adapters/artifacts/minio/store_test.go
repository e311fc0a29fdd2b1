package minio

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/genpipe/internal/pkg/config"
)

func newTestStore(t *testing.T, endpoint string) *Store {
	t.Helper()
	s, err := New(config.ArtifactsConfig{
		Endpoint:   endpoint,
		AccessKey:  "minio",
		SecretKey:  "minio123",
		Bucket:     "artifacts",
		PresignTTL: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestNew_RequiresEndpointAndBucket(t *testing.T) {
	if _, err := New(config.ArtifactsConfig{Bucket: "b"}); err == nil {
		t.Error("missing endpoint accepted")
	}
	if _, err := New(config.ArtifactsConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Error("missing bucket accepted")
	}
}

func TestPresignGet(t *testing.T) {
	s := newTestStore(t, "localhost:9000")

	tests := []struct {
		name     string
		ref      string
		wantPath string
		wantErr  bool
	}{
		{"bare key", "layers/inst-1.zip", "/artifacts/layers/inst-1.zip", false},
		{"s3 ref", "s3://renders/video/inst-1.mp4", "/renders/video/inst-1.mp4", false},
		{"malformed", "s3://renders", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.PresignGet(context.Background(), tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PresignGet() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			u, err := url.Parse(got)
			if err != nil {
				t.Fatalf("parse %q: %v", got, err)
			}
			if u.Path != tt.wantPath {
				t.Errorf("path = %s, want %s", u.Path, tt.wantPath)
			}
			if u.Query().Get("X-Amz-Expires") != "900" {
				t.Errorf("X-Amz-Expires = %s, want 900", u.Query().Get("X-Amz-Expires"))
			}
		})
	}

	t.Run("http passthrough", func(t *testing.T) {
		got, _ := s.PresignGet(context.Background(), "https://cdn.example.com/a.png")
		if got != "https://cdn.example.com/a.png" {
			t.Errorf("PresignGet() = %s", got)
		}
	})
}

func TestPut(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotType, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath, gotType, gotBody = r.URL.Path, r.Header.Get("Content-Type"), string(body)
		mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := newTestStore(t, strings.TrimPrefix(server.URL, "http://"))
	ref, err := s.Put(context.Background(), "frames/inst-1/0001.png", strings.NewReader("png-bytes"), 9, "image/png")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if ref != "s3://artifacts/frames/inst-1/0001.png" {
		t.Errorf("ref = %s", ref)
	}

	mu.Lock()
	defer mu.Unlock()
	// insecure endpoints get a chunk-signed body
	if gotPath != "/artifacts/frames/inst-1/0001.png" || gotType != "image/png" || !strings.Contains(gotBody, "png-bytes") {
		t.Errorf("server saw path=%s type=%s body=%q", gotPath, gotType, gotBody)
	}
}
