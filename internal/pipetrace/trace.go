package pipetrace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
)

// Stage represents a pipeline stage used for tracking event processing.
type Stage string

const (
	StageSeenFromStore Stage = "seen_from_store"
	StageDecodedOK     Stage = "decoded_ok"
	StageBatched       Stage = "batched"
	StageGeneratedOK   Stage = "generated_ok"
	StageDispatched    Stage = "dispatched"

	StageDroppedPrefix = "dropped_"
)

// StageDropped creates a Stage for a dropped event with the given reason.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// EventTrace captures trace metadata for an event moving through the pipeline.
type EventTrace struct {
	Conversation string
	RowID        int64
	Snippet      string
	TraceID      string

	mu       sync.Mutex
	counters map[Stage]int64
}

// NewTraceFromStoreEvent constructs a trace from store row metadata and seeds
// the seen_from_store counter.
func NewTraceFromStoreEvent(conversation string, rowID int64, snippet string) *EventTrace {
	trace := &EventTrace{
		Conversation: conversation,
		RowID:        rowID,
		Snippet:      snippet,
		TraceID:      computeTraceID(conversation, rowID, snippet),
		counters:     make(map[Stage]int64),
	}

	trace.counters[StageSeenFromStore] = 1
	return trace
}

// IncCounter increments the counter for the provided stage and returns the updated value.
func (t *EventTrace) IncCounter(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters[stage]++
	return t.counters[stage]
}

// LogTrace logs the trace metadata and counters using structured logging.
func (t *EventTrace) LogTrace(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info(msg,
		"trace_id", t.TraceID,
		"conversation", t.Conversation,
		"row_id", t.RowID,
		"snippet", t.Snippet,
		"counters", t.snapshotCounters(),
	)
}

func (t *EventTrace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	copy := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		copy[stage] = count
	}

	return copy
}

func computeTraceID(conversation string, rowID int64, snippet string) string {
	digest := sha256.Sum256([]byte(conversation + "\x1f" + strconv.FormatInt(rowID, 10) + "\x1f" + snippet))
	return hex.EncodeToString(digest[:])
}
