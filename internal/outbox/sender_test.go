package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wprelay/internal/bus"
	"github.com/matheus3301/wprelay/internal/metrics"
	"github.com/matheus3301/wprelay/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

// mockSender records calls and returns configurable results.
type mockSender struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
}

type sendCall struct {
	To   string
	Text string
}

func (m *mockSender) SendText(_ context.Context, to string, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sendCall{To: to, Text: text})
	if m.err != nil {
		return "", m.err
	}
	return "wamid.server-" + to, nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insertOutbound(t *testing.T, db *store.DB, waID, text string) store.Message {
	t.Helper()
	m := store.Message{WaID: waID, Direction: store.Outbound, Text: text}
	if _, err := db.InsertMessage(context.Background(), &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func waitEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dispatch event")
		return bus.Event{}
	}
}

func TestSenderDispatchesAndRecordsProviderID(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{}
	m := metrics.NewUnregistered()
	s := NewSender(db, mock, b, m, zap.NewNop(), 8)

	ch, unsub := b.Subscribe("dispatch.", 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()

	msg := insertOutbound(t, db, "919937320320", "hello")
	if !s.Enqueue(msg) {
		t.Fatal("Enqueue() = false")
	}

	evt := waitEvent(t, ch)
	if evt.Kind != KindSent {
		t.Fatalf("event = %q, want %q", evt.Kind, KindSent)
	}
	res := evt.Payload.(Result)
	if res.ProviderMsgID != "wamid.server-919937320320" {
		t.Errorf("provider id = %q", res.ProviderMsgID)
	}

	// The provider id now matches status webhooks.
	updated, err := db.UpdateStatus(context.Background(), "wamid.server-919937320320", store.StatusDelivered)
	if err != nil {
		t.Fatal(err)
	}
	if updated == nil || updated.ID != msg.ID {
		t.Errorf("UpdateStatus by provider id = %+v, want %s", updated, msg.ID)
	}
	if got := testutil.ToFloat64(m.Dispatches.WithLabelValues("sent")); got != 1 {
		t.Errorf("sent counter = %v, want 1", got)
	}
}

func TestSenderFailureIsNotRetried(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{err: fmt.Errorf("network down")}
	m := metrics.NewUnregistered()
	s := NewSender(db, mock, b, m, zap.NewNop(), 8)

	ch, unsub := b.Subscribe("dispatch.", 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()

	s.Enqueue(insertOutbound(t, db, "111", "hi"))

	evt := waitEvent(t, ch)
	if evt.Kind != KindFailed {
		t.Fatalf("event = %q, want %q", evt.Kind, KindFailed)
	}
	if res := evt.Payload.(Result); res.Err == nil {
		t.Error("failed result without error")
	}

	time.Sleep(100 * time.Millisecond)
	mock.mu.Lock()
	calls := len(mock.calls)
	mock.mu.Unlock()
	if calls != 1 {
		t.Errorf("send calls = %d, want 1", calls)
	}
	if got := testutil.ToFloat64(m.Dispatches.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed counter = %v, want 1", got)
	}
}

func TestSenderQueueFullDrops(t *testing.T) {
	db := testDB(t)
	m := metrics.NewUnregistered()
	s := NewSender(db, &mockSender{}, bus.New(), m, zap.NewNop(), 1)

	// Not started, so the queue is never drained.
	if !s.Enqueue(store.Message{ID: "1", WaID: "a"}) {
		t.Fatal("first Enqueue() = false")
	}
	if s.Enqueue(store.Message{ID: "2", WaID: "a"}) {
		t.Error("Enqueue() on full queue = true")
	}
	if got := testutil.ToFloat64(m.Dispatches.WithLabelValues("dropped")); got != 1 {
		t.Errorf("dropped counter = %v, want 1", got)
	}
}

func TestSenderDisabled(t *testing.T) {
	s := NewSender(testDB(t), nil, bus.New(), metrics.NewUnregistered(), zap.NewNop(), 1)
	if s.Enabled() {
		t.Error("Enabled() = true without a TextSender")
	}
	if s.Enqueue(store.Message{ID: "1"}) {
		t.Error("Enqueue() = true while disabled")
	}
	s.Start(context.Background())
	s.Stop()

	var nilSender *Sender
	if nilSender.Enqueue(store.Message{}) {
		t.Error("nil Sender Enqueue() = true")
	}
}
