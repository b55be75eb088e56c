package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type backend struct {
	mu       sync.Mutex
	models   []string
	abortFor int // abort the connection for the first N requests
	status   int // non-zero: respond with this status for primary model
	reply    string
}

func (b *backend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.models = append(b.models, req.Model)
		abort := len(b.models) <= b.abortFor
		b.mu.Unlock()

		if abort {
			panic(http.ErrAbortHandler) // transport-level failure for the client
		}
		if b.status != 0 && req.Model == "primary" {
			http.Error(w, "nope", b.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, b.reply)
	}
}

func (b *backend) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.models...)
}

func newClient(srvURL string, retries int) *Client {
	c := New(Options{
		BaseURL:       srvURL,
		APIKey:        "sk-test",
		Model:         "primary",
		FallbackModel: "fallback",
		SystemPrompt:  "system",
		MaxTokens:     100,
		MaxRetries:    retries,
	})
	return c.WithBackoff(func(int) time.Duration { return 0 })
}

func TestGenerateSuccessFirstTry(t *testing.T) {
	b := &backend{reply: "hello"}
	srv := httptest.NewServer(b.handler())
	defer srv.Close()

	text, ok := newClient(srv.URL, 3).Generate(context.Background(), "hi")
	if !ok || text != "hello" {
		t.Fatalf("Generate = %q, %v; want hello, true", text, ok)
	}
	if models := b.seen(); len(models) != 1 || models[0] != "primary" {
		t.Fatalf("models = %v, want one primary call", models)
	}
}

func TestTransportFailuresRetryThenSucceed(t *testing.T) {
	const retries = 2
	b := &backend{reply: "ok", abortFor: retries}
	srv := httptest.NewServer(b.handler())
	defer srv.Close()

	text, ok := newClient(srv.URL, retries).Generate(context.Background(), "hi")
	if !ok || text != "ok" {
		t.Fatalf("Generate = %q, %v", text, ok)
	}
	models := b.seen()
	if len(models) != retries+1 {
		t.Fatalf("attempts = %d, want %d", len(models), retries+1)
	}
	for _, m := range models {
		if m != "primary" {
			t.Fatalf("fallback was called: %v", models)
		}
	}
}

func TestTransportExhaustionFallsBackOnce(t *testing.T) {
	const retries = 2
	b := &backend{reply: "rescued", abortFor: retries + 1}
	srv := httptest.NewServer(b.handler())
	defer srv.Close()

	text, ok := newClient(srv.URL, retries).Generate(context.Background(), "hi")
	if !ok || text != "rescued" {
		t.Fatalf("Generate = %q, %v", text, ok)
	}
	models := b.seen()
	if len(models) != retries+2 {
		t.Fatalf("attempts = %d (%v), want %d primary + 1 fallback", len(models), models, retries+1)
	}
	if models[len(models)-1] != "fallback" {
		t.Fatalf("last attempt = %q, want fallback", models[len(models)-1])
	}
	for _, m := range models[:len(models)-1] {
		if m != "primary" {
			t.Fatalf("models = %v", models)
		}
	}
}

func TestStatusFailureSkipsPrimaryRetries(t *testing.T) {
	b := &backend{reply: "from fallback", status: http.StatusUnauthorized}
	srv := httptest.NewServer(b.handler())
	defer srv.Close()

	text, ok := newClient(srv.URL, 5).Generate(context.Background(), "hi")
	if !ok || text != "from fallback" {
		t.Fatalf("Generate = %q, %v", text, ok)
	}
	models := b.seen()
	if len(models) != 2 || models[0] != "primary" || models[1] != "fallback" {
		t.Fatalf("models = %v, want exactly [primary fallback]", models)
	}
}

func TestTotalExhaustionYieldsNoResponse(t *testing.T) {
	b := &backend{abortFor: 1 << 30} // never answer
	srv := httptest.NewServer(b.handler())
	defer srv.Close()

	text, ok := newClient(srv.URL, 1).Generate(context.Background(), "hi")
	if ok || text != "" {
		t.Fatalf("Generate = %q, %v; want no response", text, ok)
	}
	if models := b.seen(); len(models) != 3 {
		t.Fatalf("attempts = %d, want 2 primary + 1 fallback", len(models))
	}
}

func TestMissingAPIKey(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:0", Model: "m"})
	if _, ok := c.Generate(context.Background(), "hi"); ok {
		t.Fatalf("expected no response without an API key")
	}
}

func TestUnparseableBodyIsTerminal(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		fmt.Fprint(w, "not json at all")
	}))
	defer srv.Close()

	c := New(Options{
		BaseURL:    srv.URL,
		APIKey:     "sk",
		Model:      "primary",
		MaxRetries: 4,
	}).WithBackoff(func(int) time.Duration { return 0 })

	if _, ok := c.Generate(context.Background(), "hi"); ok {
		t.Fatalf("expected failure on unparseable body")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("parse failure was retried %d times", calls)
	}
}

func TestAuthorizationHeaderSent(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"x"}}]}`)
	}))
	defer srv.Close()

	newClient(srv.URL, 0).Generate(context.Background(), "hi")
	if auth != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", auth)
	}
}

func TestPolicyDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxRetries: 3, Backoff: func(int) time.Duration { return 0 }}
	err := p.Do(ctx, func() error { t.Fatal("fn should not run"); return nil })
	if err == nil {
		t.Fatalf("expected context error")
	}
}

func TestPolicyBackoffSchedule(t *testing.T) {
	var waits []time.Duration
	p := Policy{
		MaxRetries: 3,
		Backoff: func(attempt int) time.Duration {
			waits = append(waits, ExponentialBackoff(attempt))
			return 0
		},
	}
	calls := 0
	_ = p.Do(context.Background(), func() error { calls++; return fmt.Errorf("boom") })
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v", waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("waits = %v, want %v", waits, want)
		}
	}
}
