package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig points an HTTPBackend at an OpenAI-compatible chat completions
// endpoint. Prices are USD per million tokens and feed the cost ledger.
type HTTPConfig struct {
	APIKey  string
	BaseURL string
	Path    string
	Model   string

	PromptPricePerMTokUSD     float64
	CompletionPricePerMTokUSD float64
}

// HTTPBackend speaks the chat completions wire format. Non-2xx responses map
// to this package's typed errors so the client's retry policy can classify
// them.
type HTTPBackend struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPBackend(cfg HTTPConfig) *HTTPBackend {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/v1/chat/completions"
	}
	return &HTTPBackend{cfg: cfg, client: &http.Client{Timeout: 0}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (b *HTTPBackend) Complete(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(chatRequest{
		Model: b.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemMessageFor(req.Purpose)},
			{Role: "user", Content: req.Prompt},
		},
	})
	if err != nil {
		return Response{}, NewPermanentError(fmt.Sprintf("encode request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+b.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return Response{}, NewPermanentError(fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, NewTransientError(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, NewTransientError(fmt.Sprintf("read response: %v", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return Response{}, ErrorFromHTTPStatus(resp.StatusCode, firstLineOf(raw), retryAfter)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, NewTransientError(fmt.Sprintf("decode response: %v", err))
	}
	if len(parsed.Choices) == 0 {
		return Response{}, NewTransientError("response carried no choices")
	}
	cost := float64(parsed.Usage.PromptTokens)/1e6*b.cfg.PromptPricePerMTokUSD +
		float64(parsed.Usage.CompletionTokens)/1e6*b.cfg.CompletionPricePerMTokUSD
	return Response{Text: parsed.Choices[0].Message.Content, CostUSD: cost}, nil
}

func systemMessageFor(p Purpose) string {
	switch p {
	case PurposeParse:
		return "You extract structured intent from feature requests. Respond with JSON only."
	case PurposeAnalyze:
		return "You analyze codebases for integration points. Respond with JSON only."
	case PurposeSpec:
		return "You compile behavioral specifications with executable assertions. Respond with JSON only."
	case PurposeImplement:
		return "You implement code changes against a specification. Respond with JSON only."
	case PurposeScore:
		return "You score code readability. Respond with JSON only."
	default:
		return "Respond with JSON only."
	}
}

func firstLineOf(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
