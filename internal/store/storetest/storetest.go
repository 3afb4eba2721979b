// Package storetest holds behavior tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/wprelay/internal/store"
)

// Opener returns a fresh, empty store for one subtest.
type Opener func(t *testing.T) store.Store

var base = time.UnixMilli(1_700_000_000_000)

// Run executes the conformance suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"ContactNameUpsert", testContactNameUpsert},
		{"TouchContactKeepsNewest", testTouchContactKeepsNewest},
		{"TouchContactTruncatesPreview", testTouchContactTruncatesPreview},
		{"InsertMessageIdempotentOnMsgID", testInsertIdempotent},
		{"InsertMessageRejectsInvalid", testInsertRejectsInvalid},
		{"UpdateStatusMatchesEitherID", testUpdateStatus},
		{"UpdateStatusPrefersProviderID", testUpdateStatusPrefersProviderID},
		{"UpdateStatusUnmatched", testUpdateStatusUnmatched},
		{"SetProviderMessageID", testSetProviderMessageID},
		{"ListConversations", testListConversations},
		{"ListMessagesPagination", testListMessages},
		{"MarkReadInboundOnly", testMarkRead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func insert(t *testing.T, s store.Store, m store.Message) store.Message {
	t.Helper()
	created, err := s.InsertMessage(context.Background(), &m)
	if err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}
	if !created {
		t.Fatalf("InsertMessage(%q) created = false", m.MsgID)
	}
	return m
}

func testContactNameUpsert(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.UpsertContactName(ctx, "111", "Ravi"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertContactName(ctx, "111", ""); err != nil {
		t.Fatal(err)
	}
	c, err := s.GetContact(ctx, "111")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Name != "Ravi" {
		t.Fatalf("contact = %+v, want name Ravi kept", c)
	}

	if err := s.UpsertContactName(ctx, "111", "Ravi Kumar"); err != nil {
		t.Fatal(err)
	}
	c, _ = s.GetContact(ctx, "111")
	if c.Name != "Ravi Kumar" {
		t.Errorf("name = %q, want %q", c.Name, "Ravi Kumar")
	}

	missing, err := s.GetContact(ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("GetContact(nobody) = %+v, want nil", missing)
	}
}

func testTouchContactKeepsNewest(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.UpsertContactName(ctx, "222", "Neha"); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchContact(ctx, "222", base.Add(time.Minute), "newer"); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchContact(ctx, "222", base, "older"); err != nil {
		t.Fatal(err)
	}

	c, err := s.GetContact(ctx, "222")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessagePreview != "newer" {
		t.Errorf("preview = %q, want newer", c.LastMessagePreview)
	}
	if !c.LastMessageAt.Equal(base.Add(time.Minute)) {
		t.Errorf("lastMessageAt = %v, want %v", c.LastMessageAt, base.Add(time.Minute))
	}
	if c.Name != "Neha" {
		t.Errorf("name = %q, want Neha", c.Name)
	}

	if err := s.TouchContact(ctx, "333", base, "first"); err != nil {
		t.Fatal(err)
	}
	c, _ = s.GetContact(ctx, "333")
	if c == nil || c.LastMessagePreview != "first" {
		t.Errorf("touch did not create contact: %+v", c)
	}
}

func testTouchContactTruncatesPreview(t *testing.T, s store.Store) {
	ctx := context.Background()
	long := strings.Repeat("é", store.PreviewLen+20)
	if err := s.TouchContact(ctx, "444", base, long); err != nil {
		t.Fatal(err)
	}
	c, _ := s.GetContact(ctx, "444")
	if got := len([]rune(c.LastMessagePreview)); got != store.PreviewLen {
		t.Errorf("preview runes = %d, want %d", got, store.PreviewLen)
	}
}

func testInsertIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := insert(t, s, store.Message{WaID: "555", Direction: store.Inbound, Text: "hi", Timestamp: base, MsgID: "wamid.1"})
	if m.ID == "" {
		t.Error("ID not assigned")
	}
	if m.Status != store.StatusSent {
		t.Errorf("status = %q, want sent", m.Status)
	}

	dup := store.Message{WaID: "555", Direction: store.Inbound, Text: "hi", Timestamp: base, MsgID: "wamid.1"}
	created, err := s.InsertMessage(ctx, &dup)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("duplicate msg_id inserted twice")
	}

	insert(t, s, store.Message{WaID: "555", Direction: store.Outbound, Text: "a", Timestamp: base.Add(time.Second)})
	insert(t, s, store.Message{WaID: "555", Direction: store.Outbound, Text: "b", Timestamp: base.Add(2 * time.Second)})

	msgs, err := s.ListMessages(ctx, "555", time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Errorf("messages = %d, want 3", len(msgs))
	}
}

func testInsertRejectsInvalid(t *testing.T, s store.Store) {
	ctx := context.Background()
	tests := []store.Message{
		{Direction: store.Inbound, Text: "no wa id"},
		{WaID: "1", Direction: "sideways"},
		{WaID: "1", Direction: store.Inbound, Status: "pending"},
	}
	for _, m := range tests {
		if _, err := s.InsertMessage(ctx, &m); err == nil {
			t.Errorf("InsertMessage(%+v) expected error", m)
		} else if !errors.Is(err, store.ErrInvalidMessage) && !errors.Is(err, store.ErrInvalidStatus) {
			t.Errorf("InsertMessage(%+v) error = %v, want validation error", m, err)
		}
	}
}

func testUpdateStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	byMeta := insert(t, s, store.Message{WaID: "666", Direction: store.Outbound, Text: "x", Timestamp: base, MsgID: "wamid.A", MetaMsgID: "meta.A"})
	byID := insert(t, s, store.Message{WaID: "666", Direction: store.Outbound, Text: "y", Timestamp: base.Add(time.Second), MsgID: "wamid.B"})

	got, err := s.UpdateStatus(ctx, "meta.A", store.StatusDelivered)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != byMeta.ID {
		t.Fatalf("UpdateStatus(meta.A) = %+v, want message %s", got, byMeta.ID)
	}
	if got.Status != store.StatusDelivered {
		t.Errorf("status = %q, want delivered", got.Status)
	}

	got, err = s.UpdateStatus(ctx, "wamid.B", store.StatusRead)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != byID.ID {
		t.Fatalf("UpdateStatus(wamid.B) = %+v, want message %s", got, byID.ID)
	}

	msgs, _ := s.ListMessages(ctx, "666", time.Time{}, 0)
	want := map[string]store.Status{byMeta.ID: store.StatusDelivered, byID.ID: store.StatusRead}
	for _, m := range msgs {
		if m.Status != want[m.ID] {
			t.Errorf("message %s status = %q, want %q", m.ID, m.Status, want[m.ID])
		}
	}

	if _, err := s.UpdateStatus(ctx, "wamid.B", "failed"); !errors.Is(err, store.ErrInvalidStatus) {
		t.Errorf("UpdateStatus(failed) error = %v, want ErrInvalidStatus", err)
	}
}

func testUpdateStatusPrefersProviderID(t *testing.T, s store.Store) {
	ctx := context.Background()
	out := insert(t, s, store.Message{WaID: "888", Direction: store.Outbound, Text: "hello", Timestamp: base, MsgID: "wamid.OUT"})
	reply := insert(t, s, store.Message{WaID: "888", Direction: store.Inbound, Text: "thanks", Timestamp: base.Add(time.Minute),
		MsgID: "wamid.IN", MetaMsgID: "wamid.OUT"})

	got, err := s.UpdateStatus(ctx, "wamid.OUT", store.StatusRead)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != out.ID {
		t.Fatalf("UpdateStatus(wamid.OUT) = %+v, want message %s", got, out.ID)
	}

	msgs, _ := s.ListMessages(ctx, "888", time.Time{}, 0)
	for _, m := range msgs {
		if m.ID == reply.ID && m.Status != store.StatusSent {
			t.Errorf("reply status = %q, want sent", m.Status)
		}
	}
	if n, _ := s.UnreadCount(ctx, "888"); n != 1 {
		t.Errorf("unread = %d, want 1", n)
	}
}

func testUpdateStatusUnmatched(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := insert(t, s, store.Message{WaID: "777", Direction: store.Outbound, Text: "x", Timestamp: base, MsgID: "wamid.C"})

	got, err := s.UpdateStatus(ctx, "wamid.unknown", store.StatusRead)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("UpdateStatus(unknown) = %+v, want nil", got)
	}

	msgs, _ := s.ListMessages(ctx, "777", time.Time{}, 0)
	if len(msgs) != 1 || msgs[0].ID != m.ID || msgs[0].Status != store.StatusSent {
		t.Errorf("messages changed by unmatched status: %+v", msgs)
	}
}

func testSetProviderMessageID(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := insert(t, s, store.Message{WaID: "888", Direction: store.Outbound, Text: "sent from ui", Timestamp: base})
	if err := s.SetProviderMessageID(ctx, m.ID, "wamid.provider"); err != nil {
		t.Fatal(err)
	}
	got, err := s.UpdateStatus(ctx, "wamid.provider", store.StatusDelivered)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != m.ID {
		t.Errorf("UpdateStatus after SetProviderMessageID = %+v, want %s", got, m.ID)
	}
}

func testListConversations(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.UpsertContactName(ctx, "a", "Alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchContact(ctx, "a", base, "old"); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchContact(ctx, "b", base.Add(time.Hour), "recent"); err != nil {
		t.Fatal(err)
	}

	insert(t, s, store.Message{WaID: "a", Direction: store.Inbound, Text: "1", Timestamp: base})
	insert(t, s, store.Message{WaID: "a", Direction: store.Inbound, Text: "2", Timestamp: base, Status: store.StatusDelivered})
	insert(t, s, store.Message{WaID: "a", Direction: store.Inbound, Text: "3", Timestamp: base, Status: store.StatusRead})
	insert(t, s, store.Message{WaID: "a", Direction: store.Outbound, Text: "4", Timestamp: base})

	convs, err := s.ListConversations(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("conversations = %d, want 2", len(convs))
	}
	if convs[0].WaID != "b" {
		t.Errorf("first conversation = %q, want b (most recent)", convs[0].WaID)
	}
	if convs[0].Name != "b" {
		t.Errorf("name fallback = %q, want b", convs[0].Name)
	}
	if convs[0].Unread != 0 {
		t.Errorf("b unread = %d, want 0", convs[0].Unread)
	}
	if convs[1].Name != "Alice" || convs[1].Unread != 2 {
		t.Errorf("a = %+v, want Alice with 2 unread", convs[1])
	}

	n, err := s.UnreadCount(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("UnreadCount(a) = %d, want 2", n)
	}

	limited, _ := s.ListConversations(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d", len(limited))
	}
}

func testListMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		insert(t, s, store.Message{
			WaID:      "p",
			Direction: store.Inbound,
			Text:      string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	insert(t, s, store.Message{WaID: "other", Direction: store.Inbound, Text: "z", Timestamp: base})

	all, err := s.ListMessages(ctx, "p", time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := texts(all); got != "abcde" {
		t.Errorf("all = %q, want abcde", got)
	}

	latest, _ := s.ListMessages(ctx, "p", time.Time{}, 2)
	if got := texts(latest); got != "de" {
		t.Errorf("limit 2 = %q, want de", got)
	}

	page, _ := s.ListMessages(ctx, "p", base.Add(3*time.Minute), 2)
	if got := texts(page); got != "bc" {
		t.Errorf("before d, limit 2 = %q, want bc", got)
	}

	none, _ := s.ListMessages(ctx, "nobody", time.Time{}, 0)
	if none == nil || len(none) != 0 {
		t.Errorf("unknown contact = %v, want empty slice", none)
	}
}

func texts(msgs []store.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Text)
	}
	return b.String()
}

func testMarkRead(t *testing.T, s store.Store) {
	ctx := context.Background()
	in1 := insert(t, s, store.Message{WaID: "r", Direction: store.Inbound, Text: "1", Timestamp: base})
	in2 := insert(t, s, store.Message{WaID: "r", Direction: store.Inbound, Text: "2", Timestamp: base})
	out := insert(t, s, store.Message{WaID: "r", Direction: store.Outbound, Text: "3", Timestamp: base})
	foreign := insert(t, s, store.Message{WaID: "q", Direction: store.Inbound, Text: "4", Timestamp: base})

	n, err := s.MarkRead(ctx, "r", []string{in1.ID, in2.ID, out.ID, foreign.ID})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("modified = %d, want 2", n)
	}

	again, err := s.MarkRead(ctx, "r", []string{in1.ID, in2.ID})
	if err != nil {
		t.Fatal(err)
	}
	if again != 0 {
		t.Errorf("second MarkRead modified = %d, want 0", again)
	}

	msgs, _ := s.ListMessages(ctx, "r", time.Time{}, 0)
	for _, m := range msgs {
		if m.ID == out.ID && m.Status != store.StatusSent {
			t.Errorf("outbound status = %q, want sent", m.Status)
		}
	}
	if n, _ := s.UnreadCount(ctx, "q"); n != 1 {
		t.Errorf("other contact unread = %d, want 1", n)
	}

	if n, err := s.MarkRead(ctx, "r", nil); err != nil || n != 0 {
		t.Errorf("MarkRead(nil) = %d, %v", n, err)
	}
}
