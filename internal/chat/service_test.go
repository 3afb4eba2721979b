package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wprelay/internal/bus"
	"github.com/matheus3301/wprelay/internal/events"
	"github.com/matheus3301/wprelay/internal/metrics"
	"github.com/matheus3301/wprelay/internal/store"
	"go.uber.org/zap"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []store.Message
}

func (d *recordingDispatcher) Enqueue(m store.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, m)
	return true
}

func testService(t *testing.T) (*Service, *store.DB, *recordingDispatcher, <-chan bus.Event) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	ch, unsub := b.Subscribe(events.Namespace, 64)
	t.Cleanup(unsub)

	d := &recordingDispatcher{}
	return NewService(db, b, d, metrics.NewUnregistered(), zap.NewNop()), db, d, ch
}

func drain(ch <-chan bus.Event) []bus.Event {
	var out []bus.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestSendText(t *testing.T) {
	svc, db, d, ch := testService(t)
	ctx := context.Background()

	msg, err := svc.SendText(ctx, "919937320320", "  hello there ")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if msg.Direction != store.Outbound || msg.Status != store.StatusSent || msg.Text != "hello there" {
		t.Errorf("message = %+v", msg)
	}

	c, _ := db.GetContact(ctx, "919937320320")
	if c == nil || c.LastMessagePreview != "hello there" {
		t.Errorf("contact = %+v, want preview updated", c)
	}

	evts := drain(ch)
	if len(evts) != 2 || evts[0].Kind != events.KindMessageNew || evts[1].Kind != events.KindConversationUpdate {
		t.Fatalf("events = %+v, want message_new then conversation_update", evts)
	}
	if len(d.msgs) != 1 || d.msgs[0].ID != msg.ID {
		t.Errorf("dispatched = %+v, want the new message", d.msgs)
	}
}

func TestSendTextRejectsBlank(t *testing.T) {
	svc, db, d, ch := testService(t)
	ctx := context.Background()

	tests := []struct{ waID, text string }{
		{"919937320320", ""},
		{"919937320320", "   "},
		{"", "hello"},
	}
	for _, tt := range tests {
		if _, err := svc.SendText(ctx, tt.waID, tt.text); !errors.Is(err, ErrMissingFields) {
			t.Errorf("SendText(%q, %q) error = %v, want ErrMissingFields", tt.waID, tt.text, err)
		}
	}

	msgs, _ := db.ListMessages(ctx, "919937320320", time.Time{}, 0)
	if len(msgs) != 0 {
		t.Errorf("stored %d messages for invalid sends", len(msgs))
	}
	if len(d.msgs) != 0 {
		t.Errorf("dispatched %d messages for invalid sends", len(d.msgs))
	}
	if evts := drain(ch); len(evts) != 0 {
		t.Errorf("events = %+v, want none", evts)
	}
}

func TestMarkRead(t *testing.T) {
	svc, db, _, ch := testService(t)
	ctx := context.Background()

	var ids []string
	for _, text := range []string{"a", "b"} {
		m := &store.Message{WaID: "111", Direction: store.Inbound, Text: text}
		if _, err := db.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.ID)
	}

	n, err := svc.MarkRead(ctx, "111", ids)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("modified = %d, want 2", n)
	}
	evts := drain(ch)
	if len(evts) != 1 {
		t.Fatalf("events = %d, want 1", len(evts))
	}
	cu := evts[0].Payload.(events.ConversationUpdatePayload)
	if cu.Unread == nil || *cu.Unread != 0 {
		t.Errorf("unread = %v, want 0", cu.Unread)
	}

	n, err = svc.MarkRead(ctx, "111", ids)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second MarkRead modified = %d, want 0", n)
	}
	if evts := drain(ch); len(evts) != 0 {
		t.Errorf("no-op MarkRead broadcast %d events", len(evts))
	}
}

func TestMarkReadValidation(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := context.Background()

	if _, err := svc.MarkRead(ctx, "111", []string{" ", ""}); !errors.Is(err, ErrNoMessageIDs) {
		t.Errorf("error = %v, want ErrNoMessageIDs", err)
	}
	if _, err := svc.MarkRead(ctx, "", []string{"x"}); !errors.Is(err, ErrMissingWaID) {
		t.Errorf("error = %v, want ErrMissingWaID", err)
	}
}

func TestCompact(t *testing.T) {
	got := compact([]string{"a", " a", "", "b", "a"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("compact() = %v, want [a b]", got)
	}
}
