// Package llm is the serialized, retrying, length-aware Gateway adapter
// over the remote generative model (§4.4).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"regexp"
	"sync"
	"time"
)

// maxResponseSize bounds the HTTP response body read to prevent memory
// exhaustion from a misbehaving or malicious endpoint.
const maxResponseSize = 20 * 1024 * 1024

// defaultEndpoint is the Anthropic Messages API used when no override is
// configured.
const defaultEndpoint = "https://api.anthropic.com/v1/messages"

// Config configures a Gateway.
type Config struct {
	APIKey        string
	Model         string
	MaxTokens     int
	Endpoint      string // defaults to defaultEndpoint when empty
	CallTimeout   time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	MaxOutputLen  int
}

// Gateway is the single, serialized entry point to the remote model. All
// calls across the process share one mutual-exclusion gate, so exactly one
// remote call is ever in flight.
type Gateway struct {
	cfg        Config
	httpClient *http.Client
	gate       sync.Mutex
	logger     *slog.Logger
}

// New constructs a Gateway from cfg.
func New(cfg Config) *Gateway {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.CallTimeout},
		logger:     slog.Default(),
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestBody struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type responseBody struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Call sends prompt to the remote model and returns its response text.
// role and round are used only for the structured log entry. Call is
// synchronous from the caller's perspective: it blocks until the call
// succeeds, is exhausted of retries, or ctx is done.
func (g *Gateway) Call(ctx context.Context, role string, round int, prompt string) (string, error) {
	g.gate.Lock()
	defer g.gate.Unlock()

	start := time.Now()
	var lastErr error
	var retries int

	maxAttempts := g.cfg.RetryAttempts + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		resp, err := g.doRequest(ctx, prompt)
		if err == nil {
			text := resp
			truncated := false
			if g.cfg.MaxOutputLen > 0 && len([]rune(text)) > g.cfg.MaxOutputLen {
				text = string([]rune(text)[:g.cfg.MaxOutputLen]) + "[truncated]"
				truncated = true
			}
			g.logger.Info("llm call",
				"role", role, "round", round,
				"prompt_len", len(prompt), "response_len", len(text),
				"elapsed_ms", time.Since(start).Milliseconds(),
				"retries", retries, "truncated", truncated)
			return text, nil
		}

		lastErr = err
		if IsFatal(err) {
			g.logger.Error("llm call failed (fatal)", "role", role, "round", round, "error", mask(err.Error()))
			return "", err
		}

		if attempt < maxAttempts {
			retries++
			delay := g.backoff(attempt, err)
			g.logger.Warn("llm call failed, retrying", "role", role, "round", round,
				"attempt", attempt, "error", mask(err.Error()), "delay", delay)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	g.logger.Error("llm call exhausted retries", "role", role, "round", round, "retries", retries, "error", mask(lastErr.Error()))
	return "", lastErr
}

// backoff returns a jittered delay between half and all of
// RetryDelay * 2^(attempt-1) (one second stands in for a non-positive
// RetryDelay), or the advisory retry-after duration from a rate-limit error
// when present.
func (g *Gateway) backoff(attempt int, err error) time.Duration {
	var rle *retryAfterError
	if errors.As(err, &rle) && rle.after > 0 {
		return rle.after
	}
	base := g.cfg.RetryDelay
	if base <= 0 {
		base = time.Second
	}
	exp := base * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp/2 + jitter
}

// retryAfterError carries an advisory delay parsed from a rate-limit
// response, when the remote provides one.
type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

func (g *Gateway) doRequest(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(requestBody{
		Model:     g.cfg.Model,
		MaxTokens: g.cfg.MaxTokens,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", NewFatalError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", g.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", NewTransientError(fmt.Errorf("%w: %v", ErrTransient, err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return "", NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		classified := classifyHTTPError(httpResp.StatusCode, respBody)
		if httpResp.StatusCode == http.StatusTooManyRequests {
			if d, ok := parseRetryAfter(httpResp.Header.Get("retry-after")); ok {
				return "", &retryAfterError{err: classified, after: d}
			}
		}
		return "", classified
	}

	var parsed responseBody
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", NewFatalError(fmt.Errorf("parse response: %w", err))
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// sensitivePattern masks credential-shaped substrings before anything
// reaches the log, per the Observability contract.
var sensitivePattern = regexp.MustCompile(`(?i)(api_key|password|token|authorization)\s*[:=]\s*(?:bearer\s+)?\S+`)

func mask(s string) string {
	return sensitivePattern.ReplaceAllString(s, "$1=***")
}
