// Package llm provides the uniform chat-completion surface used by every
// pipeline phase: provider routing with key-pool rotation, transport retry
// with exponential backoff, strict JSON-mode parsing with a repair pass,
// and the query-language heuristics that drive prompt directives.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chanspect/chanspect/pkg/config"
)

// Transport retry policy. Quota rotation is handled separately — a 429
// rotates the key pool and does not consume transport retries.
const (
	maxTransportRetries = 3
	backoffMin          = 4 * time.Second
	backoffMax          = 60 * time.Second
	backoffFactor       = 2.0
)

// Options tunes a single Complete call.
type Options struct {
	JSONMode    bool
	Temperature float64
	MaxTokens   int
	// Timeout overrides the gateway default per-call timeout when > 0.
	Timeout time.Duration
}

// Usage reports token accounting from the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a completed LLM call.
type Result struct {
	Text  string
	Usage Usage
}

// Provider is one OpenAI-compatible chat-completion endpoint with its key
// pool. Prefix routes logical model names; a provider with an empty prefix
// is the catch-all.
type Provider struct {
	Name        string
	BaseURL     string
	Prefix      string
	StripPrefix bool
	Keys        *KeyPool
}

// Gateway routes Complete calls to providers and owns retry policy.
// Safe for concurrent use; key pools are process-wide.
type Gateway struct {
	providers    []*Provider
	callTimeout  time.Duration
	maxQuotaWait time.Duration
	httpClient   *http.Client
	logger       *slog.Logger

	// Backoff bounds; overridden in tests to keep retries fast.
	backoffMin time.Duration
	backoffMax time.Duration
}

// NewGateway builds a gateway from the service configuration. Provider
// resolution order: Gemini for google/* models, OpenAI for openai/* models,
// OpenRouter for everything (catch-all) — each only when its pool has keys.
func NewGateway(cfg *config.Config) *Gateway {
	var providers []*Provider
	if len(cfg.GeminiKeys) > 0 {
		providers = append(providers, &Provider{
			Name:        "gemini",
			BaseURL:     "https://generativelanguage.googleapis.com/v1beta/openai",
			Prefix:      "google/",
			StripPrefix: true,
			Keys:        NewKeyPool(cfg.GeminiKeys),
		})
	}
	if len(cfg.OpenAIKeys) > 0 {
		providers = append(providers, &Provider{
			Name:        "openai",
			BaseURL:     strings.TrimRight(cfg.OpenAIBaseURL, "/"),
			Prefix:      "openai/",
			StripPrefix: true,
			Keys:        NewKeyPool(cfg.OpenAIKeys),
		})
	}
	if len(cfg.OpenRouterKeys) > 0 {
		providers = append(providers, &Provider{
			Name:    "openrouter",
			BaseURL: "https://openrouter.ai/api/v1",
			Keys:    NewKeyPool(cfg.OpenRouterKeys),
		})
	}

	// Transport-level timeouts only; the per-call deadline comes from the
	// request context so long completions are not killed mid-stream.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 8,
	}

	return &Gateway{
		providers:    providers,
		callTimeout:  cfg.LLMCallTimeout,
		maxQuotaWait: cfg.MaxQuotaWait,
		httpClient:   &http.Client{Transport: transport},
		logger:       slog.Default().With("component", "llm"),
		backoffMin:   backoffMin,
		backoffMax:   backoffMax,
	}
}

// newGatewayForTest wires a gateway at explicit providers with fast backoff.
func newGatewayForTest(providers []*Provider, client *http.Client, callTimeout, quotaWait time.Duration) *Gateway {
	return &Gateway{
		providers:    providers,
		callTimeout:  callTimeout,
		maxQuotaWait: quotaWait,
		httpClient:   client,
		logger:       slog.Default().With("component", "llm"),
		backoffMin:   time.Millisecond,
		backoffMax:   5 * time.Millisecond,
	}
}

// resolve picks the provider and effective model name for a logical model.
func (g *Gateway) resolve(model string) (*Provider, string, error) {
	var catchAll *Provider
	for _, p := range g.providers {
		if p.Prefix == "" {
			if catchAll == nil {
				catchAll = p
			}
			continue
		}
		if strings.HasPrefix(model, p.Prefix) {
			effective := model
			if p.StripPrefix {
				effective = strings.TrimPrefix(model, p.Prefix)
			}
			return p, effective, nil
		}
	}
	if catchAll != nil {
		return catchAll, model, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNoProvider, model)
}

// Complete performs one chat completion.
//
// Retry behavior:
//   - transport errors and 5xx: up to maxTransportRetries with exponential
//     backoff (min 4s, max 60s, factor 2)
//   - 429 / provider quota codes: rotate to the next key without consuming
//     a transport retry; after a full pool cycle, wait up to the quota
//     budget once and cycle again, then fail with ErrQuotaExhausted
//   - context cancellation and other 4xx: immediate failure
func (g *Gateway) Complete(ctx context.Context, model, system, user string, opts Options) (*Result, error) {
	provider, effectiveModel, err := g.resolve(model)
	if err != nil {
		return nil, err
	}

	timeout := g.callTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.backoffMin
	bo.MaxInterval = g.backoffMax
	bo.Multiplier = backoffFactor
	bo.MaxElapsedTime = 0 // retry count is the cap, not elapsed time

	transportRetries := 0
	quotaRotations := 0
	quotaWaited := false

	for {
		key, observed := provider.Keys.Current()
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		result, status, callErr := g.doRequest(callCtx, provider, key, effectiveModel, system, user, opts)
		cancel()

		if callErr == nil && status == http.StatusOK {
			return result, nil
		}

		// Outer cancellation always wins.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch {
		case isQuotaStatus(status, callErr):
			provider.Keys.RotateFrom(observed)
			quotaRotations++
			if quotaRotations < provider.Keys.Size() {
				continue
			}
			if quotaWaited {
				return nil, fmt.Errorf("%w: provider %s", ErrQuotaExhausted, provider.Name)
			}
			g.logger.Warn("All provider keys rate-limited, waiting for replenishment",
				"provider", provider.Name, "wait", g.maxQuotaWait)
			if err := sleepCtx(ctx, g.maxQuotaWait); err != nil {
				return nil, err
			}
			quotaWaited = true
			quotaRotations = 0
			continue

		case isRetryable(status, callErr):
			transportRetries++
			if transportRetries > maxTransportRetries {
				return nil, fmt.Errorf("llm call failed after %d retries: %w", maxTransportRetries, callErr)
			}
			wait := bo.NextBackOff()
			g.logger.Warn("LLM call failed, retrying",
				"provider", provider.Name, "model", effectiveModel,
				"attempt", transportRetries, "backoff", wait, "error", callErr)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue

		default:
			return nil, callErr
		}
	}
}

// chatRequest is the OpenAI-compatible request body.
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) doRequest(ctx context.Context, p *Provider, key, model, system, user string, opts Options) (*Result, int, error) {
	reqBody := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSONMode {
		reqBody.ResponseFormat = &respFormat{Type: "json_object"}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("llm request to %s: %w", p.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read llm response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("llm %s returned %d: %s", p.Name, resp.StatusCode, truncateErr(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode llm response: %w", err)
	}
	if parsed.Error != nil {
		return nil, resp.StatusCode, fmt.Errorf("llm %s error: %s", p.Name, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, resp.StatusCode, fmt.Errorf("llm %s returned no choices", p.Name)
	}

	return &Result{
		Text:  parsed.Choices[0].Message.Content,
		Usage: parsed.Usage,
	}, resp.StatusCode, nil
}

// isQuotaStatus reports whether the failure is a rate-limit/quota condition.
func isQuotaStatus(status int, err error) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "insufficient_quota")
}

// isRetryable reports whether the failure is a transient transport error.
func isRetryable(status int, err error) bool {
	if status >= 500 {
		return true
	}
	if status != 0 {
		return false // other HTTP statuses are permanent
	}
	// status 0 means the request never completed — transport error, unless
	// it was our own deadline.
	if err == nil {
		return false
	}
	return !strings.Contains(err.Error(), "context canceled")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncateErr(body []byte) string {
	const limit = 300
	s := string(body)
	if len(s) > limit {
		s = s[:limit] + "…"
	}
	return s
}
