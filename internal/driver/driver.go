// Package driver ties the pipeline together: poll the store, resolve
// content, coalesce, generate, dispatch, and evaluate the reminder schedule,
// once per tick.
package driver

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Alex4210987/deepiMessage/internal/coalesce"
	"github.com/Alex4210987/deepiMessage/internal/core"
	"github.com/Alex4210987/deepiMessage/internal/dispatch"
	"github.com/Alex4210987/deepiMessage/internal/journal"
	"github.com/Alex4210987/deepiMessage/internal/metrics"
	"github.com/Alex4210987/deepiMessage/internal/pipetrace"
	"github.com/Alex4210987/deepiMessage/internal/schedule"
	"github.com/Alex4210987/deepiMessage/internal/typedstream"
)

// Poller hands out newly visible store rows.
type Poller interface {
	Poll(ctx context.Context, since time.Duration) ([]core.RawEvent, error)
}

// Generator produces text for a prompt, or reports that it could not.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, bool)
}

// Router delivers generated text.
type Router interface {
	Dispatch(ctx context.Context, origin, text string) []dispatch.Outcome
	Broadcast(ctx context.Context, text string) []dispatch.Outcome
}

// Recorder persists delivered messages for later audit.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

type Options struct {
	Poller    Poller
	Generator Generator
	Router    Router
	Scheduler *schedule.Scheduler
	Metrics   *metrics.Metrics
	Journal   Recorder

	ScanInterval   time.Duration
	CoalesceWindow time.Duration
	ReplyEnabled   bool
	Debug          bool

	// Wake lets an external watcher request an early poll.
	Wake <-chan struct{}

	// DrainTimeout bounds how long Run waits for in-flight batch tasks
	// after cancellation.
	DrainTimeout time.Duration

	// OnDispatch is invoked after each successful delivery (status feed).
	OnDispatch func(conversation, recipient, text string)
}

// Stats is a snapshot of pipeline counters for the status listener.
type Stats struct {
	Ticks       int64 `json:"ticks"`
	Events      int64 `json:"events"`
	Batches     int64 `json:"batches"`
	Dispatches  int64 `json:"dispatches"`
	PollErrors  int64 `json:"poll_errors"`
	GenFailures int64 `json:"gen_failures"`
}

type Driver struct {
	opts Options

	// wg tracks launched batch and trigger tasks for drain on shutdown.
	// Scheduler state is only touched from the synchronous part of tick.
	wg sync.WaitGroup

	ticks       atomic.Int64
	events      atomic.Int64
	batches     atomic.Int64
	dispatches  atomic.Int64
	pollErrors  atomic.Int64
	genFailures atomic.Int64

	now func() time.Time
}

func New(opts Options) *Driver {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 10 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	return &Driver{opts: opts, now: time.Now}
}

// Run executes the tick loop until ctx is cancelled, then waits (bounded by
// DrainTimeout) for in-flight batch tasks to finish. It always returns nil on
// cancellation; a cancelled run is a graceful shutdown.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.ScanInterval)
	defer ticker.Stop()

	for {
		d.tick(ctx)

		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case <-ticker.C:
		case <-d.wakeChan():
			if d.opts.Debug {
				log.Printf("driver: woken by store change")
			}
		}
	}
}

func (d *Driver) wakeChan() <-chan struct{} {
	if d.opts.Wake == nil {
		// nil channel blocks forever; the ticker still fires
		return nil
	}
	return d.opts.Wake
}

func (d *Driver) drain() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("driver: all in-flight work drained")
	case <-time.After(d.opts.DrainTimeout):
		log.Printf("driver: drain timeout after %s; abandoning in-flight work", d.opts.DrainTimeout)
	}
}

// tick runs one cycle: the polling/coalescing and scheduler evaluation are
// synchronous; generation and dispatch for each batch or trigger run as
// independent tasks so a slow backend call cannot delay the next tick.
func (d *Driver) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d.ticks.Add(1)
	if m := d.opts.Metrics; m != nil {
		m.TicksInFlight.Set(1)
		defer m.TicksInFlight.Set(0)
	}

	d.pollAndLaunch(ctx)
	d.evaluateTriggers(ctx)
}

func (d *Driver) pollAndLaunch(ctx context.Context) {
	events, err := d.opts.Poller.Poll(ctx, d.opts.ScanInterval)
	if err != nil {
		log.Printf("driver: poll: %v", err)
		d.pollErrors.Add(1)
		if m := d.opts.Metrics; m != nil {
			m.PollErrors.Inc()
		}
		return
	}
	if len(events) == 0 {
		return
	}
	log.Printf("driver: %d new events", len(events))
	d.events.Add(int64(len(events)))
	if m := d.opts.Metrics; m != nil {
		m.EventsSeen.Add(float64(len(events)))
	}

	resolved := events[:0]
	for _, ev := range events {
		ev.Content = ev.Text
		if ev.Content == "" {
			ev.Content, _ = typedstream.Decode(ev.RichPayload)
		}
		if ev.Content == "" {
			if d.opts.Debug {
				trace := pipetrace.NewTraceFromStoreEvent(ev.ConversationKey, ev.RowID, "")
				trace.IncCounter(pipetrace.StageDropped("empty"))
				trace.LogTrace(nil, "event dropped")
			}
			if m := d.opts.Metrics; m != nil {
				m.EventsUndecodable.Inc()
			}
			continue
		}
		if d.opts.Debug {
			trace := pipetrace.NewTraceFromStoreEvent(ev.ConversationKey, ev.RowID, snippet(ev.Content))
			trace.IncCounter(pipetrace.StageDecodedOK)
			trace.LogTrace(nil, "event accepted")
		}
		resolved = append(resolved, ev)
	}

	for _, batch := range coalesce.Events(resolved, d.opts.CoalesceWindow) {
		batch := batch
		d.batches.Add(1)
		if m := d.opts.Metrics; m != nil {
			m.Batches.Inc()
		}
		if !d.opts.ReplyEnabled {
			log.Printf("driver: replies disabled; ignoring batch of %d from %s", len(batch.Content), batch.ConversationKey)
			continue
		}
		d.launch(func(taskCtx context.Context) {
			d.processBatch(taskCtx, batch)
		})
	}
}

func (d *Driver) evaluateTriggers(ctx context.Context) {
	if d.opts.Scheduler == nil {
		return
	}
	for _, trig := range d.opts.Scheduler.Evaluate(d.now()) {
		trig := trig
		kind := "fixed"
		if trig.Kind == schedule.KindProbabilistic {
			kind = "probabilistic"
		}
		log.Printf("driver: firing %s trigger %d", kind, trig.ID)
		if m := d.opts.Metrics; m != nil {
			m.TriggerFires.WithLabelValues(kind).Inc()
		}
		d.launch(func(taskCtx context.Context) {
			d.fireTrigger(taskCtx, trig)
		})
	}
}

// launch starts a tracked task that survives loop cancellation so dispatch
// in flight can drain instead of being cut off mid-send.
func (d *Driver) launch(fn func(context.Context)) {
	d.wg.Add(1)
	if m := d.opts.Metrics; m != nil {
		m.OutstandingBatches.Inc()
	}
	go func() {
		defer func() {
			if m := d.opts.Metrics; m != nil {
				m.OutstandingBatches.Dec()
			}
			d.wg.Done()
		}()
		fn(context.Background())
	}()
}

func (d *Driver) processBatch(ctx context.Context, batch core.Batch) {
	prompt := batch.Prompt()
	log.Printf("driver: generating reply for %s (%d messages)", batch.ConversationKey, len(batch.Content))

	text, ok := d.opts.Generator.Generate(ctx, prompt)
	if !ok {
		log.Printf("driver: no response for batch from %s", batch.ConversationKey)
		d.genFailures.Add(1)
		if m := d.opts.Metrics; m != nil {
			m.GenFailures.Inc()
		}
		return
	}
	d.recordOutcomes(ctx, batch.ConversationKey, "reply", text, d.opts.Router.Dispatch(ctx, batch.ConversationKey, text))
}

func (d *Driver) fireTrigger(ctx context.Context, trig *schedule.Trigger) {
	text, ok := d.opts.Generator.Generate(ctx, trig.Prompt)
	if !ok {
		log.Printf("driver: no response for trigger %d", trig.ID)
		d.genFailures.Add(1)
		if m := d.opts.Metrics; m != nil {
			m.GenFailures.Inc()
		}
		return
	}
	kind := "reminder"
	if trig.Kind == schedule.KindProbabilistic {
		kind = "check"
	}
	d.recordOutcomes(ctx, "", kind, text, d.opts.Router.Broadcast(ctx, text))
}

func (d *Driver) recordOutcomes(ctx context.Context, conversation, kind, text string, outcomes []dispatch.Outcome) {
	for _, o := range outcomes {
		outcome := "ok"
		if o.Err != nil {
			outcome = "error"
		} else {
			d.dispatches.Add(1)
			if d.opts.Journal != nil {
				err := d.opts.Journal.Record(ctx, journal.Entry{
					Conversation: conversation,
					Recipient:    o.Recipient,
					Kind:         kind,
					Text:         text,
				})
				if err != nil {
					log.Printf("driver: journal: %v", err)
				}
			}
			if d.opts.OnDispatch != nil {
				d.opts.OnDispatch(conversation, o.Recipient, text)
			}
		}
		if m := d.opts.Metrics; m != nil {
			m.Deliveries.WithLabelValues(outcome).Inc()
		}
	}
}

func snippet(s string) string {
	const max = 40
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// Stats returns a snapshot of the pipeline counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Ticks:       d.ticks.Load(),
		Events:      d.events.Load(),
		Batches:     d.batches.Load(),
		Dispatches:  d.dispatches.Load(),
		PollErrors:  d.pollErrors.Load(),
		GenFailures: d.genFailures.Load(),
	}
}
