package pipetrace

import "testing"

func TestTraceIDDeterminism(t *testing.T) {
	first := NewTraceFromStoreEvent("+15550001", 42, "hello world")
	second := NewTraceFromStoreEvent("+15550001", 42, "hello world")
	if first.TraceID != second.TraceID {
		t.Fatalf("expected deterministic trace id, got %q and %q", first.TraceID, second.TraceID)
	}

	different := NewTraceFromStoreEvent("+15550001", 43, "hello world")
	if first.TraceID == different.TraceID {
		t.Fatalf("expected different trace id when row changes")
	}
}

func TestCounterIncrements(t *testing.T) {
	trace := NewTraceFromStoreEvent("+15550002", 7, "hi there")

	if count := trace.IncCounter(StageDecodedOK); count != 1 {
		t.Fatalf("expected decoded_ok to be 1, got %d", count)
	}

	if count := trace.IncCounter(StageDropped("empty")); count != 1 {
		t.Fatalf("expected dropped_empty to be 1, got %d", count)
	}

	if count := trace.IncCounter(StageDropped("empty")); count != 2 {
		t.Fatalf("expected dropped_empty to be 2 after increment, got %d", count)
	}

	if count := trace.IncCounter(StageDispatched); count != 1 {
		t.Fatalf("expected dispatched to be 1, got %d", count)
	}
}
