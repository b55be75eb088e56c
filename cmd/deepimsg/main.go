package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Alex4210987/deepiMessage/internal/config"
	"github.com/Alex4210987/deepiMessage/internal/dbwatch"
	"github.com/Alex4210987/deepiMessage/internal/dispatch"
	"github.com/Alex4210987/deepiMessage/internal/driver"
	"github.com/Alex4210987/deepiMessage/internal/genai"
	"github.com/Alex4210987/deepiMessage/internal/journal"
	"github.com/Alex4210987/deepiMessage/internal/metrics"
	"github.com/Alex4210987/deepiMessage/internal/schedule"
	"github.com/Alex4210987/deepiMessage/internal/statusapi"
	"github.com/Alex4210987/deepiMessage/internal/store"
	"github.com/Alex4210987/deepiMessage/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag bool
		dbPath      string
		recipients  string
		scanSecs    int
		windowSecs  int
		statusAddr  string
		scriptPath  string
		journalPath string
		dryRun      bool
		noWatch     bool
		debug       bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&dbPath, "db", "", "Path to the Messages chat.db")
	flag.StringVar(&recipients, "recipients", "", "Comma-separated conversation identifiers to watch and reply to")
	flag.IntVar(&scanSecs, "scan-secs", 0, "Seconds between store polls")
	flag.IntVar(&windowSecs, "window-secs", 0, "Coalescing window in seconds")
	flag.StringVar(&statusAddr, "status-addr", "", "Status/metrics listener address (e.g., :8765)")
	flag.StringVar(&scriptPath, "script", "", "Path to the AppleScript used to deliver messages")
	flag.StringVar(&journalPath, "journal", "", "SQLite file recording every delivered message")
	flag.BoolVar(&dryRun, "dry-run", false, "Log outgoing messages instead of delivering them")
	flag.BoolVar(&noWatch, "no-watch", false, "Disable filesystem wake-ups on store changes")
	flag.BoolVar(&debug, "debug", false, "Verbose logging")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"deepimsg version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["db"] {
		cfg.Store.DBPath = strings.TrimSpace(dbPath)
	}
	if overrides["recipients"] {
		cfg.Store.Conversations = nil
		for _, r := range strings.Split(recipients, ",") {
			if r = strings.TrimSpace(r); r != "" {
				cfg.Store.Conversations = append(cfg.Store.Conversations, r)
			}
		}
	}
	if overrides["scan-secs"] {
		cfg.Store.ScanIntervalSecs = scanSecs
	}
	if overrides["window-secs"] {
		cfg.Store.WindowSecs = windowSecs
	}
	if overrides["status-addr"] {
		cfg.Status.Addr = strings.TrimSpace(statusAddr)
	}
	if overrides["script"] {
		cfg.Dispatch.ScriptPath = strings.TrimSpace(scriptPath)
	}
	if overrides["journal"] {
		cfg.Dispatch.JournalPath = strings.TrimSpace(journalPath)
	}
	if overrides["no-watch"] {
		cfg.Store.Watch = !noWatch
	}
	if overrides["debug"] {
		cfg.Debug = debug
	}

	if problems := cfg.Validate(); len(problems) > 0 {
		for _, p := range problems {
			log.Printf("deepimsg: config: %s", p)
		}
		log.Fatal("deepimsg: refusing to start with invalid configuration")
	}

	log.Printf("deepimsg: starting %s (commit %s)", version.Version, version.Commit)
	log.Printf("deepimsg: watching %d conversations: %s", len(cfg.Store.Conversations), strings.Join(cfg.Store.Conversations, ", "))
	log.Printf("deepimsg: scan every %s, coalesce window %s, model %s (fallback %s)",
		cfg.ScanInterval(), cfg.CoalesceWindow(), cfg.Gen.Model, cfg.Gen.FallbackModel)
	for _, r := range cfg.Schedule.Reminders {
		log.Printf("deepimsg: reminder %s: %s", r.Time, r.Prompt)
	}
	if !cfg.Dispatch.ReplyEnabled {
		log.Printf("deepimsg: replies DISABLED; incoming batches will be logged and dropped")
	}
	log.Printf("%s", cfg.RedactedJSON())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("deepimsg: received %s, shutting down", sig)
		cancel()
	}()

	db, err := store.Open(cfg.Store.DBPath, cfg.Store.Conversations)
	if err != nil {
		log.Fatalf("deepimsg: open store: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("deepimsg: closing store: %v", err)
		}
	}()
	if err := db.Ping(); err != nil {
		log.Fatalf("deepimsg: ping store: %v", err)
	}

	m := metrics.New()

	gen := genai.New(genai.Options{
		BaseURL:       cfg.Gen.BaseURL,
		APIKey:        cfg.Gen.APIKey,
		Model:         cfg.Gen.Model,
		FallbackModel: cfg.Gen.FallbackModel,
		SystemPrompt:  cfg.Gen.SystemPrompt,
		MaxTokens:     cfg.Gen.MaxTokens,
		MaxRetries:    cfg.Gen.MaxRetries,
		RatePerMinute: cfg.Gen.RatePerMinute,
		Debug:         cfg.Debug,
		OnAttempt: func(tier string) {
			m.GenAttempts.WithLabelValues(tier).Inc()
		},
	})

	sched := schedule.New(cfg.Schedule, cfg.CheckInterval())
	log.Printf("deepimsg: %d reminders scheduled, check window %02d:00-%02d:00 p=%.2f",
		sched.Len(), cfg.Schedule.Check.StartHour, cfg.Schedule.Check.EndHour, cfg.Schedule.Check.Probability)

	var notifier dispatch.Notifier
	switch {
	case dryRun:
		log.Printf("deepimsg: dry run; deliveries will only be logged")
		notifier = dispatch.LogNotifier{}
	case !dispatch.Supported():
		log.Printf("deepimsg: osascript delivery unavailable on this platform; deliveries will only be logged")
		notifier = dispatch.LogNotifier{}
	default:
		notifier = dispatch.NewAppleScriptNotifier(cfg.Dispatch.ScriptPath, cfg.Debug)
	}
	router := dispatch.NewRouter(notifier, cfg.Store.Conversations, cfg.Dispatch.ReplyToSender)

	var jnl *journal.Journal
	if cfg.Dispatch.JournalPath != "" {
		jnl, err = journal.Open(cfg.Dispatch.JournalPath)
		if err != nil {
			log.Fatalf("deepimsg: open journal: %v", err)
		}
		defer func() {
			if err := jnl.Close(); err != nil {
				log.Printf("deepimsg: closing journal: %v", err)
			}
		}()
		log.Printf("deepimsg: journalling deliveries to %s", cfg.Dispatch.JournalPath)
	}

	var wake chan struct{}
	if cfg.Store.Watch {
		wake = make(chan struct{}, 1)
		stop, err := dbwatch.Watch(cfg.Store.DBPath, func() {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err != nil {
			log.Printf("deepimsg: store watch unavailable, falling back to polling only: %v", err)
			wake = nil
		} else {
			defer stop()
			log.Printf("deepimsg: watching %s for changes", cfg.Store.DBPath)
		}
	}

	var api *statusapi.Server

	drvOpts := driver.Options{
		Poller:         db,
		Generator:      gen,
		Router:         router,
		Scheduler:      sched,
		Metrics:        m,
		ScanInterval:   cfg.ScanInterval(),
		CoalesceWindow: cfg.CoalesceWindow(),
		ReplyEnabled:   cfg.Dispatch.ReplyEnabled,
		Debug:          cfg.Debug,
		Wake:           wake,
		OnDispatch: func(conversation, recipient, text string) {
			if api != nil {
				api.Broadcast(statusapi.Dispatched{
					Conversation: conversation,
					Recipient:    recipient,
					Text:         text,
					At:           time.Now().UTC(),
				})
			}
		},
	}
	if jnl != nil {
		drvOpts.Journal = jnl
	}
	drv := driver.New(drvOpts)

	if cfg.Status.Addr != "" {
		apiOpts := statusapi.Options{
			Addr:    cfg.Status.Addr,
			Stats:   drv.Stats,
			Config:  cfg.Redacted(),
			Metrics: m,
			Version: version.Version,
			Commit:  version.Commit,
		}
		if jnl != nil {
			apiOpts.History = jnl
		}
		api = statusapi.New(apiOpts)
		go func() {
			if err := api.Start(); err != nil {
				log.Fatalf("deepimsg: status api: %v", err)
			}
		}()
	}

	if err := drv.Run(ctx); err != nil {
		log.Printf("deepimsg: driver: %v", err)
	}

	if api != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("deepimsg: status api shutdown: %v", err)
		}
		cancelShutdown()
	}

	log.Printf("deepimsg: shutdown complete")
}
