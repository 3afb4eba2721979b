package webhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/wprelay/internal/bus"
	"github.com/matheus3301/wprelay/internal/events"
	"github.com/matheus3301/wprelay/internal/metrics"
	"github.com/matheus3301/wprelay/internal/store"
	"go.uber.org/zap"
)

// Result counts what a payload changed.
type Result struct {
	Contacts   int `json:"contacts"`
	Messages   int `json:"messages"`
	Duplicates int `json:"duplicates"`
	Statuses   int `json:"statuses"`
	Unmatched  int `json:"unmatched"`
	Skipped    int `json:"skipped"`
}

// Normalizer maps webhook payloads into contacts, messages and status
// changes, then publishes the resulting chat events on the bus.
type Normalizer struct {
	store    store.Store
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	business string
	now      func() time.Time
}

// NewNormalizer creates a normalizer. business is the configured business
// phone number; when empty each payload's display_phone_number is used.
func NewNormalizer(s store.Store, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, business string) *Normalizer {
	return &Normalizer{
		store:    s,
		bus:      b,
		metrics:  m,
		logger:   logger,
		business: business,
		now:      time.Now,
	}
}

// Process applies every change in p. Contacts are applied before messages,
// messages before statuses. The first store error aborts processing.
func (n *Normalizer) Process(ctx context.Context, p *Payload) (Result, error) {
	var res Result
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if err := n.processValue(ctx, &change.Value, &res); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (n *Normalizer) processValue(ctx context.Context, v *Value, res *Result) error {
	if err := n.processContacts(ctx, v.Contacts, res); err != nil {
		return err
	}
	if err := n.processMessages(ctx, v, res); err != nil {
		return err
	}
	return n.processStatuses(ctx, v.Statuses, res)
}

func (n *Normalizer) processContacts(ctx context.Context, contacts []Contact, res *Result) error {
	for _, c := range contacts {
		if c.WaID == "" {
			continue
		}
		if err := n.store.UpsertContactName(ctx, c.WaID, c.Profile.Name); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.WaID, err)
		}
		res.Contacts++
	}
	return nil
}

func (n *Normalizer) processMessages(ctx context.Context, v *Value, res *Result) error {
	business := n.business
	if business == "" {
		business = v.Metadata.DisplayPhoneNumber
	}

	for _, m := range v.Messages {
		direction, waID := Classify(m, business, v.Contacts)
		if waID == "" {
			n.logger.Warn("message without counterparty, skipping", zap.String("msg_id", m.ID))
			res.Skipped++
			continue
		}

		msg := store.Message{
			WaID:       waID,
			Direction:  direction,
			Type:       m.Type,
			Text:       ExtractText(m),
			Timestamp:  m.Timestamp.Time(n.now()),
			Status:     store.StatusSent,
			MsgID:      m.ID,
			MetaMsgID:  m.MetaMsgID,
			PayloadRaw: m.Raw,
		}

		created, err := n.store.InsertMessage(ctx, &msg)
		if err != nil {
			return fmt.Errorf("insert message %q: %w", m.ID, err)
		}
		if !created {
			n.logger.Debug("duplicate message ignored", zap.String("msg_id", m.ID))
			n.metrics.DuplicateMessages.Inc()
			res.Duplicates++
			continue
		}
		if err := n.store.TouchContact(ctx, waID, msg.Timestamp, msg.Text); err != nil {
			return fmt.Errorf("touch contact %q: %w", waID, err)
		}
		res.Messages++
		n.metrics.MessagesIngested.WithLabelValues(string(direction), "webhook").Inc()

		n.bus.Emit(events.KindMessageNew, events.MessageNewPayload{WaID: waID, Message: msg})
		n.publishConversation(ctx, waID, events.Summary(msg))
	}
	return nil
}

func (n *Normalizer) processStatuses(ctx context.Context, statuses []Status, res *Result) error {
	for _, s := range statuses {
		ref := s.MessageRef()
		status := store.Status(s.Status)
		if ref == "" || !status.Valid() {
			n.metrics.StatusUpdates.WithLabelValues("skipped").Inc()
			res.Skipped++
			continue
		}

		updated, err := n.store.UpdateStatus(ctx, ref, status)
		if err != nil {
			return fmt.Errorf("update status %q: %w", ref, err)
		}
		if updated == nil {
			n.logger.Debug("status for unknown message", zap.String("ref", ref), zap.String("status", s.Status))
			n.metrics.StatusUpdates.WithLabelValues("unmatched").Inc()
			res.Unmatched++
			continue
		}
		res.Statuses++
		n.metrics.StatusUpdates.WithLabelValues("matched").Inc()

		n.bus.Emit(events.KindStatusUpdate, events.StatusUpdatePayload{
			WaID:      updated.WaID,
			MessageID: updated.ID,
			Status:    status,
		})
		n.publishConversation(ctx, updated.WaID, nil)
	}
	return nil
}

// publishConversation emits a conversation update carrying the current
// unread count. A failed count still emits the update without it.
func (n *Normalizer) publishConversation(ctx context.Context, waID string, last *events.LastMessage) {
	payload := events.ConversationUpdatePayload{WaID: waID, LastMessage: last}
	if unread, err := n.store.UnreadCount(ctx, waID); err == nil {
		payload.Unread = &unread
	} else {
		n.logger.Warn("unread count failed", zap.String("wa_id", waID), zap.Error(err))
	}
	n.bus.Emit(events.KindConversationUpdate, payload)
}

// Classify infers a message's direction and counterparty. A message sent
// from the business number is outbound and belongs to its recipient.
func Classify(m Message, business string, contacts []Contact) (store.Direction, string) {
	if business == "" || !samePhone(m.From, business) {
		return store.Inbound, m.From
	}
	switch {
	case m.To != "":
		return store.Outbound, m.To
	case m.RecipientID != "":
		return store.Outbound, m.RecipientID
	case len(contacts) > 0:
		return store.Outbound, contacts[0].WaID
	}
	return store.Outbound, ""
}

func samePhone(a, b string) bool {
	return digits(a) != "" && digits(a) == digits(b)
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
