// Package genai calls an OpenAI-compatible chat-completions backend with a
// two-tier resilience protocol: retried attempts against the primary model,
// then a single long-timeout attempt against a fallback model.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultPrimaryTimeout  = 30 * time.Second
	defaultFallbackTimeout = 900 * time.Second
	defaultTemperature     = 0.7
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// StatusError is a non-2xx response from the backend. It is terminal for the
// primary path: a request the backend rejects outright will not get better by
// resending it.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("genai: backend returned status %d: %s", e.StatusCode, e.Body)
}

type Options struct {
	BaseURL         string
	APIKey          string
	Model           string
	FallbackModel   string
	SystemPrompt    string
	MaxTokens       int
	MaxRetries      int
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
	RatePerMinute   int // 0 disables the outbound limiter
	HTTPClient      *http.Client
	Debug           bool

	// OnAttempt, when set, observes every backend call with its tier
	// ("primary" or "fallback").
	OnAttempt func(tier string)
}

type Client struct {
	opts    Options
	http    *http.Client
	policy  Policy
	limiter *rate.Limiter
}

func New(opts Options) *Client {
	if opts.PrimaryTimeout <= 0 {
		opts.PrimaryTimeout = defaultPrimaryTimeout
	}
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = defaultFallbackTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Timeouts are applied per call via context so the fallback
		// attempt can run much longer than the primary ones.
		httpClient = &http.Client{}
	}
	var limiter *rate.Limiter
	if opts.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RatePerMinute)/60.0), opts.RatePerMinute)
	}
	return &Client{
		opts: opts,
		http: httpClient,
		policy: Policy{
			MaxRetries: opts.MaxRetries,
			Retryable:  transportError,
		},
		limiter: limiter,
	}
}

// WithBackoff overrides the retry sleep schedule.
func (c *Client) WithBackoff(backoff func(int) time.Duration) *Client {
	c.policy.Backoff = backoff
	return c
}

// Generate produces text for prompt. The boolean is false when every attempt
// failed; the caller never sees an error or a panic from this path.
func (c *Client) Generate(ctx context.Context, prompt string) (text string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("genai: recovered from %v", r)
			text, ok = "", false
		}
	}()

	if strings.TrimSpace(c.opts.APIKey) == "" {
		log.Printf("genai: no API key configured")
		return "", false
	}

	err := c.policy.Do(ctx, func() error {
		c.noteAttempt("primary")
		got, callErr := c.call(ctx, c.opts.Model, prompt, c.opts.PrimaryTimeout)
		if callErr != nil {
			return callErr
		}
		text = got
		return nil
	})
	if err == nil {
		return text, true
	}
	log.Printf("genai: primary model %s exhausted: %v", c.opts.Model, err)

	if strings.TrimSpace(c.opts.FallbackModel) == "" {
		return "", false
	}
	c.noteAttempt("fallback")
	got, err := c.call(ctx, c.opts.FallbackModel, prompt, c.opts.FallbackTimeout)
	if err != nil {
		log.Printf("genai: fallback model %s failed: %v", c.opts.FallbackModel, err)
		return "", false
	}
	return got, true
}

func (c *Client) noteAttempt(tier string) {
	if c.opts.OnAttempt != nil {
		c.opts.OnAttempt(tier)
	}
}

func (c *Client) call(ctx context.Context, model, prompt string, timeout time.Duration) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: c.opts.SystemPrompt},
			{Role: "user", Content: prompt},
		},
		Stream:      false,
		Temperature: defaultTemperature,
		MaxTokens:   c.opts.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(c.opts.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

	res, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		if c.opts.Debug {
			log.Printf("genai: status %d body: %s", res.StatusCode, buf)
		}
		return "", &StatusError{StatusCode: res.StatusCode, Body: string(buf)}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return payload.Choices[0].Message.Content, nil
}

// transportError reports whether the failure happened below HTTP: dial,
// timeout, broken connection. Status and parse failures are terminal.
func transportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var uerr *url.Error
	return errors.As(err, &uerr)
}
