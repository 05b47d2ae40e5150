package inferz

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func inferredSpan(name string) InferredSpan {
	return InferredSpan{
		Parent:     spanContext(1, 1),
		Name:       name,
		Start:      time.Unix(0, 100),
		End:        time.Unix(0, 150),
		ThreadID:   3,
		Samples:    2,
		Attributes: []attribute.KeyValue{IsInferredKey.Bool(true)},
	}
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(100)
	defer collector.Close()

	if collector.Count() != 0 {
		t.Errorf("Expected 0 spans initially, got %d", collector.Count())
	}

	if collector.DroppedCount() != 0 {
		t.Errorf("Expected 0 dropped spans initially, got %d", collector.DroppedCount())
	}
}

func TestCollectorEmitSpan(t *testing.T) {
	collector := NewCollector(10)
	collector.SetSyncMode(true) // Enable sync for deterministic testing.
	defer collector.Close()

	sc, err := collector.EmitSpan(inferredSpan("work"))
	if err != nil {
		t.Fatalf("EmitSpan failed: %v", err)
	}
	if !sc.IsValid() {
		t.Fatal("Expected a valid span context")
	}
	parent := spanContext(1, 1)
	if sc.TraceID() != parent.TraceID() {
		t.Errorf("Expected trace id %s, got %s", parent.TraceID(), sc.TraceID())
	}
	if sc.SpanID() == parent.SpanID() {
		t.Error("Expected a fresh span id")
	}

	spans := collector.Export()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 exported span, got %d", len(spans))
	}
	s := spans[0]
	if s.SpanID != sc.SpanID().String() {
		t.Errorf("Expected span ID %s, got %s", sc.SpanID(), s.SpanID)
	}
	if s.ParentID != parent.SpanID().String() {
		t.Errorf("Expected parent ID %s, got %s", parent.SpanID(), s.ParentID)
	}
	if s.Duration != 50*time.Nanosecond {
		t.Errorf("Expected duration 50ns, got %s", s.Duration)
	}
	if v, ok := s.GetTag(string(IsInferredKey)); !ok || v != "true" {
		t.Errorf("Expected inferred tag, got %q", v)
	}
	if s.ThreadID != 3 || s.Samples != 2 {
		t.Errorf("Expected thread 3 with 2 samples, got %d/%d", s.ThreadID, s.Samples)
	}

	// After export, collector should be empty.
	if collector.Count() != 0 {
		t.Errorf("Expected 0 spans after export, got %d", collector.Count())
	}
}

func TestCollectorRecordsLinks(t *testing.T) {
	collector := NewCollector(10)
	collector.SetSyncMode(true)
	defer collector.Close()

	s := inferredSpan("work")
	child := spanContext(1, 9)
	s.Links = []trace.Link{{SpanContext: child}}
	if _, err := collector.EmitSpan(s); err != nil {
		t.Fatal(err)
	}

	spans := collector.Export()
	if len(spans) != 1 || len(spans[0].Links) != 1 || spans[0].Links[0] != child.SpanID().String() {
		t.Errorf("Expected link to %s, got %+v", child.SpanID(), spans)
	}
}

func TestCollectorBackpressure(t *testing.T) {
	// Small buffer to trigger backpressure quickly.
	collector := NewCollector(2)
	defer collector.Close()

	var full int
	for i := 0; i < 100; i++ {
		if _, err := collector.EmitSpan(inferredSpan("work")); errors.Is(err, ErrCollectorFull) {
			full++
		}
	}

	if collector.DroppedCount() != int64(full) {
		t.Errorf("Expected dropped count %d to match full errors", collector.DroppedCount())
	}
	t.Logf("Dropped %d spans due to backpressure (expected behavior)", full)
}

func TestCollectorBufferGrowth(t *testing.T) {
	collector := NewCollector(100)
	collector.SetSyncMode(true) // Enable sync for deterministic testing.
	defer collector.Close()

	numSpans := 50
	for i := 0; i < numSpans; i++ {
		_, _ = collector.EmitSpan(inferredSpan("work"))
	}

	if collector.Count() != numSpans {
		t.Errorf("Expected %d spans, got %d", numSpans, collector.Count())
	}

	spans := collector.Export()
	if len(spans) != numSpans {
		t.Errorf("Expected %d exported spans, got %d", numSpans, len(spans))
	}

	// Add a few more spans.
	for i := 0; i < 5; i++ {
		_, _ = collector.EmitSpan(inferredSpan("small"))
	}
	if collector.Count() != 5 {
		t.Errorf("Expected 5 spans after export, got %d", collector.Count())
	}
}

func TestCollectorExportCopy(t *testing.T) {
	collector := NewCollector(10)
	collector.SetSyncMode(true)
	defer collector.Close()

	_, _ = collector.EmitSpan(inferredSpan("work"))
	exported := collector.Export()
	if len(exported) != 1 {
		t.Fatalf("Expected 1 exported span, got %d", len(exported))
	}

	// Modify the exported span.
	exported[0].Tags[string(IsInferredKey)] = "modified"
	exported[0].Name = "modified"

	_, _ = collector.EmitSpan(inferredSpan("work"))
	exported2 := collector.Export()
	if len(exported2) != 1 {
		t.Fatalf("Expected 1 exported span in second export, got %d", len(exported2))
	}
	if exported2[0].Name != "work" {
		t.Errorf("Expected name 'work', got %s", exported2[0].Name)
	}
	if exported2[0].Tags[string(IsInferredKey)] != "true" {
		t.Errorf("Expected tag value 'true', got %s", exported2[0].Tags[string(IsInferredKey)])
	}
}

func TestCollectorReset(t *testing.T) {
	collector := NewCollector(10)
	collector.SetSyncMode(true)
	defer collector.Close()

	for i := 0; i < 5; i++ {
		_, _ = collector.EmitSpan(inferredSpan("op"))
	}
	collector.droppedCount.Store(10)

	collector.Reset()

	if collector.Count() != 0 {
		t.Errorf("Expected 0 spans after reset, got %d", collector.Count())
	}
	if collector.DroppedCount() != 0 {
		t.Errorf("Expected 0 dropped count after reset, got %d", collector.DroppedCount())
	}
}

func TestCollectorClose(t *testing.T) {
	collector := NewCollector(10)
	collector.SetSyncMode(true)

	for i := 0; i < 3; i++ {
		_, _ = collector.EmitSpan(inferredSpan("op"))
	}

	collector.Close()
	collector.Close()

	// Should still be able to export what was collected.
	if spans := collector.Export(); len(spans) != 3 {
		t.Errorf("Expected 3 spans after close, got %d", len(spans))
	}

	if _, err := collector.EmitSpan(inferredSpan("late")); !errors.Is(err, ErrCollectorClosed) {
		t.Errorf("Expected ErrCollectorClosed, got %v", err)
	}
	if collector.Count() != 0 {
		t.Errorf("Expected 0 spans after emitting to closed collector, got %d", collector.Count())
	}
	if collector.DroppedCount() != 1 {
		t.Errorf("Expected 1 dropped span, got %d", collector.DroppedCount())
	}
}

func TestCollectorConcurrentEmit(t *testing.T) {
	collector := NewCollector(100)

	var wg sync.WaitGroup
	numGoroutines := 50
	spansPerGoroutine := 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < spansPerGoroutine; j++ {
				_, _ = collector.EmitSpan(inferredSpan("operation"))
			}
		}()
	}
	wg.Wait()

	// Close drains the queue.
	collector.Close()

	expectedTotal := numGoroutines * spansPerGoroutine
	actualCount := collector.Count()
	droppedCount := collector.DroppedCount()
	if totalProcessed := int(droppedCount) + actualCount; totalProcessed != expectedTotal {
		t.Errorf("Expected %d total spans (collected + dropped), got %d (collected: %d, dropped: %d)",
			expectedTotal, totalProcessed, actualCount, droppedCount)
	}
}

func TestCollectorWithoutParent(t *testing.T) {
	collector := NewCollector(1)
	collector.SetSyncMode(true)
	defer collector.Close()

	s := inferredSpan("root")
	s.Parent = trace.SpanContext{}
	sc, err := collector.EmitSpan(s)
	if err != nil {
		t.Fatal(err)
	}
	if !sc.TraceID().IsValid() {
		t.Error("Expected a generated trace id")
	}
	if spans := collector.Export(); spans[0].ParentID != "" {
		t.Errorf("Expected no parent, got %s", spans[0].ParentID)
	}
}
