package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPBackendComplete(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[1].Content != "do the thing" {
			t.Errorf("messages = %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": `{"ok":true}`}}},
			"usage":   map[string]int{"prompt_tokens": 1000, "completion_tokens": 2000},
		})
	}))
	defer srv.Close()

	b := NewHTTPBackend(HTTPConfig{
		APIKey:                    "sk-test",
		BaseURL:                   srv.URL,
		Model:                     "m1",
		PromptPricePerMTokUSD:     1.0,
		CompletionPricePerMTokUSD: 2.0,
	})
	resp, err := b.Complete(context.Background(), Request{Purpose: PurposeImplement, Prompt: "do the thing"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != `{"ok":true}` {
		t.Fatalf("text = %q", resp.Text)
	}
	wantCost := 1000.0/1e6*1.0 + 2000.0/1e6*2.0
	if resp.CostUSD < wantCost-1e-12 || resp.CostUSD > wantCost+1e-12 {
		t.Fatalf("cost = %v, want %v", resp.CostUSD, wantCost)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestHTTPBackendRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited\nmore detail"))
	}))
	defer srv.Close()

	b := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL, Model: "m1"})
	_, err := b.Complete(context.Background(), Request{Purpose: PurposeParse, Prompt: "p"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsRateLimit(err) {
		t.Fatalf("429 should classify as rate limit: %v", err)
	}
	ra := retryAfterOf(err)
	if ra == nil || *ra != 7*time.Second {
		t.Fatalf("retry-after = %v", ra)
	}
}

func TestHTTPBackendServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL, Model: "m1"})
	_, err := b.Complete(context.Background(), Request{Purpose: PurposeParse, Prompt: "p"})
	if err == nil || !isRetryable(err) {
		t.Fatalf("502 should be retryable, got %v", err)
	}
}

func TestHTTPBackendBadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	b := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL, Model: "bogus"})
	_, err := b.Complete(context.Background(), Request{Purpose: PurposeParse, Prompt: "p"})
	if err == nil || isRetryable(err) {
		t.Fatalf("400 should be permanent, got %v", err)
	}
}
