package liveview

import (
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type publishRecorder struct {
	publishes [][]Row
}

func (p *publishRecorder) publish(_ Epoch, rows []Row) {
	p.publishes = append(p.publishes, rows)
}

func (p *publishRecorder) last() []Row {
	if len(p.publishes) == 0 {
		return nil
	}
	return p.publishes[len(p.publishes)-1]
}

func bidRow(key string, bid float64) Row {
	return NewRow(key, map[string]any{"bid": bid})
}

func TestReconciler_SnapshotIsAtomic(t *testing.T) {
	var rec publishRecorder
	store := NewRowStore()
	r := NewReconciler(1, store, rec.publish, discardLogger, nil)

	r.Apply(BeginMessage(), 1)
	r.Apply(SnapshotMessage(bidRow("AAPL", 100)), 1)
	r.Apply(SnapshotMessage(bidRow("MSFT", 200)), 1)

	if len(rec.publishes) != 0 {
		t.Fatalf("Expected nothing to be published before BatchEnd, got %d publishes", len(rec.publishes))
	}
	if store.Len() != 0 {
		t.Fatalf("Expected the store to be untouched before BatchEnd, got %d rows", store.Len())
	}
	if !r.Loading() {
		t.Error("Expected the reconciler to be loading")
	}

	r.Apply(EndMessage(), 1)
	if len(rec.publishes) != 1 {
		t.Fatalf("Expected exactly one publish, got %d", len(rec.publishes))
	}
	if !reflect.DeepEqual(keys(rec.last()), []string{"AAPL", "MSFT"}) {
		t.Errorf("Expected [AAPL MSFT], got %v", keys(rec.last()))
	}
	if r.Loading() {
		t.Error("Expected loading to end with the batch")
	}
}

func TestReconciler_EmptySnapshot(t *testing.T) {
	var rec publishRecorder
	store := NewRowStore()
	store.Upsert(bidRow("OLD", 1))
	r := NewReconciler(1, store, rec.publish, discardLogger, nil)

	r.Apply(BeginMessage(), 1)
	r.Apply(EndMessage(), 1)

	if len(rec.publishes) != 1 || len(rec.last()) != 0 {
		t.Errorf("Expected one empty publish, got %v", rec.publishes)
	}
}

func TestReconciler_IncrementalUpdates(t *testing.T) {
	var rec publishRecorder
	r := NewReconciler(1, NewRowStore(), rec.publish, discardLogger, nil)
	r.Apply(BeginMessage(), 1)
	r.Apply(SnapshotMessage(bidRow("AAPL", 100)), 1)
	r.Apply(SnapshotMessage(bidRow("MSFT", 200)), 1)
	r.Apply(EndMessage(), 1)

	r.Apply(UpsertMessage(bidRow("AAPL", 101)), 1)
	rows := rec.last()
	if len(rows) != 2 || rows[0].Fields["bid"] != 101.0 {
		t.Errorf("Expected AAPL updated in place, got %v", rows)
	}

	r.Apply(RemoveMessage("MSFT"), 1)
	if !reflect.DeepEqual(keys(rec.last()), []string{"AAPL"}) {
		t.Errorf("Expected [AAPL], got %v", keys(rec.last()))
	}

	r.Apply(RemoveMessage("UNKNOWN"), 1)
	if !reflect.DeepEqual(keys(rec.last()), []string{"AAPL"}) {
		t.Errorf("Expected a remove for an unknown key to change nothing, got %v", keys(rec.last()))
	}
	if len(rec.publishes) != 4 {
		t.Errorf("Expected one publish per applied message, got %d", len(rec.publishes))
	}
}

func TestReconciler_UpdatesInsideBatchLandWithSnapshot(t *testing.T) {
	var rec publishRecorder
	r := NewReconciler(1, NewRowStore(), rec.publish, discardLogger, nil)

	r.Apply(BeginMessage(), 1)
	r.Apply(SnapshotMessage(bidRow("AAPL", 100)), 1)
	r.Apply(UpsertMessage(bidRow("IBM", 5)), 1)
	r.Apply(RemoveMessage("AAPL"), 1)
	if len(rec.publishes) != 0 {
		t.Fatalf("Expected no publish inside the batch, got %d", len(rec.publishes))
	}

	r.Apply(EndMessage(), 1)
	if !reflect.DeepEqual(keys(rec.last()), []string{"IBM"}) {
		t.Errorf("Expected [IBM], got %v", keys(rec.last()))
	}
}

func TestReconciler_StraySnapshotRowIsUpserted(t *testing.T) {
	var rec publishRecorder
	r := NewReconciler(1, NewRowStore(), rec.publish, discardLogger, nil)

	if !r.Apply(SnapshotMessage(bidRow("AAPL", 100)), 1) {
		t.Fatal("Expected the snapshot row to be applied")
	}
	if !reflect.DeepEqual(keys(rec.last()), []string{"AAPL"}) {
		t.Errorf("Expected [AAPL], got %v", keys(rec.last()))
	}
}

func TestReconciler_DropsOtherEpochs(t *testing.T) {
	var rec publishRecorder
	metrics := NewMetrics(prometheus.NewRegistry())
	store := NewRowStore()
	r := NewReconciler(2, store, rec.publish, discardLogger, metrics)

	if r.Apply(UpsertMessage(bidRow("AAPL", 1)), 1) {
		t.Error("Expected a message of an older epoch to be dropped")
	}
	if r.Apply(BeginMessage(), 3) {
		t.Error("Expected a message of another epoch to be dropped")
	}
	if store.Len() != 0 || len(rec.publishes) != 0 || r.Loading() {
		t.Error("Expected dropped messages to leave no trace")
	}
	if got := testutil.ToFloat64(metrics.staleMessages); got != 2 {
		t.Errorf("Expected 2 stale messages, got %v", got)
	}
	if r.Epoch() != 2 {
		t.Errorf("Expected epoch 2, got %d", r.Epoch())
	}
}

func TestReconciler_MalformedMessages(t *testing.T) {
	var rec publishRecorder
	metrics := NewMetrics(prometheus.NewRegistry())
	r := NewReconciler(1, NewRowStore(), rec.publish, discardLogger, metrics)

	if !r.Apply(Message{Kind: Upsert, Row: Row{Fields: map[string]any{"bid": 1.0}}}, 1) {
		t.Fatal("Expected an upsert without key to be applied")
	}
	rows := rec.last()
	if len(rows) != 1 || !strings.HasPrefix(rows[0].Key, "synthetic-") {
		t.Fatalf("Expected a synthesized key, got %v", rows)
	}

	if r.Apply(Message{Kind: Remove}, 1) {
		t.Error("Expected a remove without key to be dropped")
	}
	r.Apply(UpsertMessage(bidRow("AAPL", 2)), 1)
	if len(rec.last()) != 2 {
		t.Errorf("Expected the stream to continue after malformed messages, got %v", rec.last())
	}

	if got := testutil.ToFloat64(metrics.malformedMessages); got != 2 {
		t.Errorf("Expected 2 malformed messages, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.appliedMessages.WithLabelValues("Upsert")); got != 2 {
		t.Errorf("Expected 2 applied upserts, got %v", got)
	}
}

func TestReconciler_KeyFromRow(t *testing.T) {
	var rec publishRecorder
	r := NewReconciler(1, NewRowStore(), rec.publish, discardLogger, nil)

	r.Apply(Message{Kind: Upsert, Row: bidRow("AAPL", 1)}, 1)
	r.Apply(Message{Kind: Upsert, Key: "AAPL", Row: Row{Fields: map[string]any{"ask": 2.0}}}, 1)

	rows := rec.last()
	if len(rows) != 1 || rows[0].Key != "AAPL" || rows[0].Fields["ask"] != 2.0 {
		t.Errorf("Expected both messages to address AAPL, got %v", rows)
	}
}

func TestReconciler_UnknownKindIsUpserted(t *testing.T) {
	var rec publishRecorder
	metrics := NewMetrics(prometheus.NewRegistry())
	r := NewReconciler(1, NewRowStore(), rec.publish, discardLogger, metrics)

	if !r.Apply(Message{Kind: MessageKind(0), Row: bidRow("AAPL", 1)}, 1) {
		t.Fatal("Expected a message of unknown kind to be applied")
	}
	if !r.Apply(Message{Kind: MessageKind(42), Key: "AAPL", Row: Row{Fields: map[string]any{"ask": 2.0}}}, 1) {
		t.Fatal("Expected a message of unknown kind to be applied")
	}

	rows := rec.last()
	if len(rows) != 1 || rows[0].Key != "AAPL" || rows[0].Fields["bid"] != 1.0 || rows[0].Fields["ask"] != 2.0 {
		t.Errorf("Expected both messages to merge into AAPL, got %v", rows)
	}
	if got := testutil.ToFloat64(metrics.unknownKinds); got != 2 {
		t.Errorf("Expected 2 unknown kinds, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.malformedMessages); got != 0 {
		t.Errorf("Expected no malformed messages, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.appliedMessages.WithLabelValues("Upsert")); got != 2 {
		t.Errorf("Expected 2 applied upserts, got %v", got)
	}
}
