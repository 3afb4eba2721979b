package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/wprelay/internal/store"
)

func TestWireName(t *testing.T) {
	tests := []struct {
		kind string
		want string
		ok   bool
	}{
		{KindMessageNew, "message:new", true},
		{KindConversationUpdate, "conversation:update", true},
		{KindStatusUpdate, "message:updateStatus", true},
		{"chat.unknown", "", false},
		{"dispatch.sent", "", false},
	}
	for _, tt := range tests {
		got, ok := WireName(tt.kind)
		if got != tt.want || ok != tt.ok {
			t.Errorf("WireName(%q) = %q, %v; want %q, %v", tt.kind, got, ok, tt.want, tt.ok)
		}
	}
	for _, kind := range []string{KindMessageNew, KindConversationUpdate, KindStatusUpdate} {
		if !strings.HasPrefix(kind, Namespace) {
			t.Errorf("kind %q outside namespace %q", kind, Namespace)
		}
	}
}

func TestSummaryTruncatesPreview(t *testing.T) {
	at := time.UnixMilli(1754400000123)
	m := store.Message{Text: strings.Repeat("é", 100), Timestamp: at, Direction: store.Inbound}
	s := Summary(m)
	if got := len([]rune(s.Text)); got != store.PreviewLen {
		t.Errorf("preview runes = %d, want %d", got, store.PreviewLen)
	}
	if s.Timestamp != 1754400000123 || s.Direction != store.Inbound {
		t.Errorf("summary = %+v", s)
	}
}

func TestConversationUpdateOmitsUnknownFields(t *testing.T) {
	data, err := json.Marshal(Envelope{Event: ConversationUpdate, Data: ConversationUpdatePayload{WaID: "1"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != `{"event":"conversation:update","data":{"waId":"1"}}` {
		t.Errorf("envelope = %s", got)
	}
}
