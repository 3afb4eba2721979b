package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/bus"
	"github.com/matheus3301/wprelay/internal/chat"
	"github.com/matheus3301/wprelay/internal/config"
	"github.com/matheus3301/wprelay/internal/events"
	"github.com/matheus3301/wprelay/internal/metrics"
	"github.com/matheus3301/wprelay/internal/relay"
	"github.com/matheus3301/wprelay/internal/status"
	"github.com/matheus3301/wprelay/internal/store"
	"github.com/matheus3301/wprelay/internal/webhook"
)

const business = "918329446654"

type testEnv struct {
	srv     *Server
	db      *store.DB
	bus     *bus.Bus
	machine *status.Machine
	metrics *metrics.Metrics
	events  <-chan bus.Event
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := bus.New()
	ch, unsub := b.Subscribe(events.Namespace, 64)
	t.Cleanup(unsub)

	machine := status.NewMachine(b)
	hub := relay.NewHub(b, m, logger, 8, 0)
	cfg := config.Default().Server

	srv := NewServer(Deps{
		Config:     cfg,
		Store:      db,
		Chat:       chat.NewService(db, b, nil, m, logger),
		Normalizer: webhook.NewNormalizer(db, b, m, logger, business),
		Hub:        hub,
		Machine:    machine,
		Metrics:    m,
		Gatherer:   reg,
		Logger:     logger,
	})
	return &testEnv{srv: srv, db: db, bus: b, machine: machine, metrics: m, events: ch}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.App().Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

type okResponse struct {
	OK       bool           `json:"ok"`
	Error    string         `json:"error"`
	Message  *store.Message `json:"message"`
	Modified int64          `json:"modified"`
}

const inboundPayload = `{
  "metaData": {
    "entry": [{
      "changes": [{
        "value": {
          "messaging_product": "whatsapp",
          "metadata": {"display_phone_number": "918329446654", "phone_number_id": "629305560276479"},
          "contacts": [{"profile": {"name": "Ravi Kumar"}, "wa_id": "919937320320"}],
          "messages": [{
            "from": "919937320320",
            "id": "wamid.HBgMOTE5OTM3MzIwMzIwFQIAEhggMTIzQURFRjEyMzQ1Njc4OTA=",
            "timestamp": "1754400000",
            "text": {"body": "Hi, I'd like to know more about your services."},
            "type": "text"
          }]
        },
        "field": "messages"
      }]
    }]
  }
}`

func TestRoot(t *testing.T) {
	e := newTestEnv(t)
	code, body := e.do(t, http.MethodGet, "/", "")
	if code != http.StatusOK || string(body) != "wprelay server running" {
		t.Errorf("GET / = %d %q", code, body)
	}
	code, body = e.do(t, http.MethodGet, "/webhook", "")
	if code != http.StatusOK || string(body) != "Webhook up" {
		t.Errorf("GET /webhook = %d %q", code, body)
	}
}

func TestWebhookThenConversations(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, http.MethodPost, "/webhook", inboundPayload)
	if code != http.StatusOK {
		t.Fatalf("POST /webhook = %d %s", code, body)
	}
	if resp := decode[okResponse](t, body); !resp.OK {
		t.Errorf("ok = false: %s", body)
	}

	for _, path := range []string{"/contacts", "/conversations"} {
		code, body = e.do(t, http.MethodGet, path, "")
		if code != http.StatusOK {
			t.Fatalf("GET %s = %d", path, code)
		}
		convs := decode[[]store.Conversation](t, body)
		if len(convs) != 1 {
			t.Fatalf("GET %s: %d conversations, want 1", path, len(convs))
		}
		c := convs[0]
		if c.WaID != "919937320320" || c.Name != "Ravi Kumar" || c.Unread != 1 {
			t.Errorf("conversation = %+v", c)
		}
	}

	code, body = e.do(t, http.MethodGet, "/contacts/919937320320/messages", "")
	if code != http.StatusOK {
		t.Fatalf("GET messages = %d", code)
	}
	msgs := decode[[]store.Message](t, body)
	if len(msgs) != 1 || msgs[0].Direction != store.Inbound || msgs[0].Status != store.StatusSent {
		t.Errorf("messages = %+v", msgs)
	}
	if got := testutil.ToFloat64(e.metrics.WebhookPayloads.WithLabelValues("ok")); got != 1 {
		t.Errorf("webhook ok counter = %v, want 1", got)
	}
}

func TestWebhookInvalidPayload(t *testing.T) {
	e := newTestEnv(t)
	code, body := e.do(t, http.MethodPost, "/webhook", "{not json")
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	resp := decode[okResponse](t, body)
	if resp.OK || resp.Error == "" {
		t.Errorf("response = %+v", resp)
	}
	if got := testutil.ToFloat64(e.metrics.WebhookPayloads.WithLabelValues("invalid")); got != 1 {
		t.Errorf("invalid counter = %v, want 1", got)
	}
}

func TestWebhookStoreFailure(t *testing.T) {
	e := newTestEnv(t)
	_ = e.db.Close()
	code, body := e.do(t, http.MethodPost, "/webhook", inboundPayload)
	if code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", code)
	}
	if resp := decode[okResponse](t, body); resp.Error != "webhook processing failed" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestSendMessage(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, http.MethodPost, "/messages", `{"waId":"919937320320","text":"  hello there  "}`)
	if code != http.StatusOK {
		t.Fatalf("POST /messages = %d %s", code, body)
	}
	resp := decode[okResponse](t, body)
	if !resp.OK || resp.Message == nil {
		t.Fatalf("response = %s", body)
	}
	if resp.Message.Direction != store.Outbound || resp.Message.Text != "hello there" || resp.Message.ID == "" {
		t.Errorf("message = %+v", resp.Message)
	}

	evt := <-e.events
	if evt.Kind != events.KindMessageNew {
		t.Errorf("first event = %q, want %q", evt.Kind, events.KindMessageNew)
	}

	// wa_id is accepted as an alias.
	code, _ = e.do(t, http.MethodPost, "/messages", `{"wa_id":"919937320320","text":"again"}`)
	if code != http.StatusOK {
		t.Errorf("POST /messages with wa_id = %d", code)
	}
}

func TestSendMessageValidation(t *testing.T) {
	e := newTestEnv(t)
	for _, body := range []string{
		`{"waId":"919937320320","text":"   "}`,
		`{"waId":"","text":"hi"}`,
		`{}`,
	} {
		code, data := e.do(t, http.MethodPost, "/messages", body)
		if code != http.StatusBadRequest {
			t.Errorf("POST %s = %d, want 400", body, code)
			continue
		}
		if resp := decode[okResponse](t, data); resp.Error != "waId and text required" {
			t.Errorf("error = %q", resp.Error)
		}
	}
	msgs, err := e.db.ListMessages(context.Background(), "919937320320", time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("stored %d messages after rejected sends", len(msgs))
	}
}

func TestMarkRead(t *testing.T) {
	e := newTestEnv(t)
	if code, body := e.do(t, http.MethodPost, "/webhook", inboundPayload); code != http.StatusOK {
		t.Fatalf("POST /webhook = %d %s", code, body)
	}
	msgs, err := e.db.ListMessages(context.Background(), "919937320320", time.Time{}, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ListMessages = %v, %v", msgs, err)
	}

	body := `{"messageIds":["` + msgs[0].ID + `"]}`
	code, data := e.do(t, http.MethodPost, "/messages/919937320320/read", body)
	if code != http.StatusOK {
		t.Fatalf("POST read = %d %s", code, data)
	}
	if resp := decode[okResponse](t, data); !resp.OK || resp.Modified != 1 {
		t.Errorf("first read = %+v", resp)
	}

	// Idempotent, and message_ids is accepted.
	body = `{"message_ids":["` + msgs[0].ID + `"]}`
	_, data = e.do(t, http.MethodPost, "/messages/919937320320/read", body)
	if resp := decode[okResponse](t, data); resp.Modified != 0 {
		t.Errorf("second read modified = %d, want 0", resp.Modified)
	}

	code, _ = e.do(t, http.MethodPost, "/messages/919937320320/read", `{"messageIds":[]}`)
	if code != http.StatusBadRequest {
		t.Errorf("empty ids = %d, want 400", code)
	}
}

func TestListMessagesBefore(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	base := time.Unix(1754400000, 0)
	for i := 0; i < 3; i++ {
		m := store.Message{WaID: "1", Direction: store.Inbound, Text: "m", Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if _, err := e.db.InsertMessage(ctx, &m); err != nil {
			t.Fatal(err)
		}
	}

	before := base.Add(2 * time.Minute)
	for _, q := range []string{
		before.Format(time.RFC3339),
		"1754400120",
		"1754400120000",
	} {
		code, body := e.do(t, http.MethodGet, "/contacts/1/messages?before="+q, "")
		if code != http.StatusOK {
			t.Fatalf("before=%s: %d", q, code)
		}
		if msgs := decode[[]store.Message](t, body); len(msgs) != 2 {
			t.Errorf("before=%s: %d messages, want 2", q, len(msgs))
		}
	}

	code, body := e.do(t, http.MethodGet, "/contacts/1/messages?limit=1", "")
	if code != http.StatusOK {
		t.Fatal(code)
	}
	msgs := decode[[]store.Message](t, body)
	if len(msgs) != 1 || !msgs[0].Timestamp.Equal(base.Add(2*time.Minute)) {
		t.Errorf("limit=1 = %+v, want newest", msgs)
	}

	if code, _ := e.do(t, http.MethodGet, "/contacts/1/messages?before=yesterday", ""); code != http.StatusBadRequest {
		t.Errorf("invalid before = %d, want 400", code)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, http.MethodGet, "/health", "")
	if code != http.StatusOK {
		t.Fatalf("GET /health = %d %s", code, body)
	}
	var resp struct {
		OK     bool         `json:"ok"`
		Status status.State `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK || resp.Status != status.Ready {
		t.Errorf("health = %+v", resp)
	}

	if err := e.machine.Transition(status.Stopping); err != nil {
		t.Fatal(err)
	}
	if code, _ := e.do(t, http.MethodGet, "/health", ""); code != http.StatusServiceUnavailable {
		t.Errorf("health while stopping = %d, want 503", code)
	}
}

func TestHealthDegradedWhenStoreDown(t *testing.T) {
	e := newTestEnv(t)
	_ = e.db.Close()
	if code, _ := e.do(t, http.MethodGet, "/health", ""); code != http.StatusServiceUnavailable {
		t.Errorf("health = %d, want 503", code)
	}
	if e.machine.Current() != status.Degraded {
		t.Errorf("state = %s, want DEGRADED", e.machine.Current())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/webhook", inboundPayload)
	code, body := e.do(t, http.MethodGet, "/metrics", "")
	if code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", code)
	}
	if !strings.Contains(string(body), "wprelay_webhook_payloads_total") {
		t.Error("metrics output missing wprelay_webhook_payloads_total")
	}
}

func TestWebsocketRouteRequiresUpgrade(t *testing.T) {
	e := newTestEnv(t)
	if code, _ := e.do(t, http.MethodGet, "/ws", ""); code != http.StatusUpgradeRequired {
		t.Errorf("GET /ws = %d, want 426", code)
	}
}

func TestParseBefore(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"1754400000", time.Unix(1754400000, 0), false},
		{"1754400000123", time.UnixMilli(1754400000123), false},
		{"+1754400000", time.Unix(1754400000, 0), false},
		{"001754400000", time.Unix(1754400000, 0), false},
		{"2025-08-05T13:20:00Z", time.Date(2025, 8, 5, 13, 20, 0, 0, time.UTC), false},
		{"0", time.Time{}, true},
		{"-5", time.Time{}, true},
		{"soon", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := ParseBefore(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBefore(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !got.Equal(tt.want) {
			t.Errorf("ParseBefore(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
