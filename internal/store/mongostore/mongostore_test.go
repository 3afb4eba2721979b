package mongostore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wprelay/internal/store"
	"github.com/matheus3301/wprelay/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	uri := os.Getenv("WPRELAY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("WPRELAY_TEST_MONGO_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		dbName := "wprelay_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		s, err := Open(ctx, uri, dbName)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() {
			_ = s.Drop(context.Background())
			_ = s.Close()
		})
		return s
	})
}

func TestMessageDocPayloadFallback(t *testing.T) {
	d := messageDoc{ID: "1", WaID: "2", Direction: "inbound", Status: "sent", PayloadText: "not-json-object"}
	m := d.toMessage()
	if string(m.PayloadRaw) != "not-json-object" {
		t.Errorf("payload = %q, want raw text", m.PayloadRaw)
	}
	if m.Direction != store.Inbound {
		t.Errorf("direction = %q, want inbound", m.Direction)
	}
}

func TestContactDocZeroTime(t *testing.T) {
	c := contactDoc{WaID: "9"}.toContact()
	if !c.LastMessageAt.IsZero() {
		t.Errorf("LastMessageAt = %v, want zero", c.LastMessageAt)
	}
}
