// Package statusapi exposes an optional local HTTP listener with health,
// status, metrics, and a live feed of dispatched messages.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Alex4210987/deepiMessage/internal/driver"
	"github.com/Alex4210987/deepiMessage/internal/journal"
	"github.com/Alex4210987/deepiMessage/internal/metrics"
)

// History reads back the journal of delivered messages.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	Count(ctx context.Context) (int64, error)
}

// Dispatched is one delivered message as pushed to /stream clients.
type Dispatched struct {
	Conversation string    `json:"conversation,omitempty"`
	Recipient    string    `json:"recipient"`
	Text         string    `json:"text"`
	At           time.Time `json:"at"`
}

type Options struct {
	Addr string

	// Stats supplies the live pipeline counters for /status.
	Stats func() driver.Stats

	// Config is the redacted configuration snapshot embedded in /status.
	Config any

	Metrics *metrics.Metrics
	History History

	Version string
	Commit  string
}

type Server struct {
	httpServer *http.Server
	opts       Options

	mu      sync.Mutex
	clients map[chan Dispatched]struct{}
	closed  bool
}

func New(opts Options) *Server {
	srv := &Server{
		opts:    opts,
		clients: make(map[chan Dispatched]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/status", srv.handleStatus)
	mux.HandleFunc("/stream", srv.handleStream)
	if opts.History != nil {
		mux.HandleFunc("/recent", srv.handleRecent)
	}
	if opts.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	Version string       `json:"version"`
	Commit  string       `json:"commit,omitempty"`
	Go      string       `json:"go"`
	Stats   driver.Stats `json:"pipeline"`
	Sent    int64        `json:"sent_total,omitempty"`
	Config  any          `json:"config,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version: s.opts.Version,
		Commit:  s.opts.Commit,
		Go:      runtime.Version(),
		Config:  s.opts.Config,
	}
	if s.opts.Stats != nil {
		resp.Stats = s.opts.Stats()
	}
	if s.opts.History != nil {
		if n, err := s.opts.History.Count(r.Context()); err == nil {
			resp.Sent = n
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
			if limit > 1000 {
				limit = 1000
			}
		}
	}

	rows, err := s.opts.History.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []journal.Entry{}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(rows)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	clientCh := make(chan Dispatched, 256)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.clients[clientCh] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, clientCh)
		s.mu.Unlock()
	}()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-clientCh:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

// Broadcast fans a delivered message out to connected stream clients.
// Slow clients drop messages rather than blocking the pipeline.
func (s *Server) Broadcast(msg Dispatched) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for ch := range s.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (s *Server) Start() error {
	log.Printf("statusapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.clients {
		close(ch)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
