// Package chat implements the operations clients perform on conversations:
// listing, paging history, sending and marking read.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/wprelay/internal/bus"
	"github.com/matheus3301/wprelay/internal/events"
	"github.com/matheus3301/wprelay/internal/metrics"
	"github.com/matheus3301/wprelay/internal/store"
	"go.uber.org/zap"
)

var (
	ErrMissingFields = errors.New("waId and text required")
	ErrNoMessageIDs  = errors.New("messageIds required")
	ErrMissingWaID   = errors.New("waId required")
)

// Dispatcher forwards stored outbound messages to the provider.
type Dispatcher interface {
	Enqueue(m store.Message) bool
}

// Service is the conversation API shared by the REST handlers and the CLI.
type Service struct {
	store      store.Store
	bus        *bus.Bus
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a chat service. dispatcher may be nil.
func NewService(s store.Store, b *bus.Bus, d Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:      s,
		bus:        b,
		dispatcher: d,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Conversations lists contacts with unread counts, most recent first.
func (s *Service) Conversations(ctx context.Context, limit int) ([]store.Conversation, error) {
	return s.store.ListConversations(ctx, limit)
}

// Messages returns a page of a conversation's history, oldest first.
func (s *Service) Messages(ctx context.Context, waID string, before time.Time, limit int) ([]store.Message, error) {
	if waID == "" {
		return nil, ErrMissingWaID
	}
	return s.store.ListMessages(ctx, waID, before, limit)
}

// SendText records an outbound text message, broadcasts it and hands it to
// the dispatcher. Blank text or a missing waID stores nothing.
func (s *Service) SendText(ctx context.Context, waID, text string) (*store.Message, error) {
	waID = strings.TrimSpace(waID)
	text = strings.TrimSpace(text)
	if waID == "" || text == "" {
		return nil, ErrMissingFields
	}

	msg := store.Message{
		WaID:      waID,
		Direction: store.Outbound,
		Type:      "text",
		Text:      text,
		Timestamp: s.now(),
		Status:    store.StatusSent,
	}
	if _, err := s.store.InsertMessage(ctx, &msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := s.store.TouchContact(ctx, waID, msg.Timestamp, text); err != nil {
		return nil, fmt.Errorf("touch contact: %w", err)
	}
	s.metrics.MessagesIngested.WithLabelValues(string(store.Outbound), "api").Inc()

	s.bus.Emit(events.KindMessageNew, events.MessageNewPayload{WaID: waID, Message: msg})
	s.bus.Emit(events.KindConversationUpdate, events.ConversationUpdatePayload{
		WaID:        waID,
		Unread:      s.unread(ctx, waID),
		LastMessage: events.Summary(msg),
	})

	if s.dispatcher != nil {
		s.dispatcher.Enqueue(msg)
	}
	s.logger.Info("message created", zap.String("wa_id", waID), zap.String("id", msg.ID))
	return &msg, nil
}

// MarkRead marks inbound messages of waID read and returns how many changed.
// A conversation update is broadcast only when something changed.
func (s *Service) MarkRead(ctx context.Context, waID string, ids []string) (int64, error) {
	if waID == "" {
		return 0, ErrMissingWaID
	}
	ids = compact(ids)
	if len(ids) == 0 {
		return 0, ErrNoMessageIDs
	}
	n, err := s.store.MarkRead(ctx, waID, ids)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.bus.Emit(events.KindConversationUpdate, events.ConversationUpdatePayload{
			WaID:   waID,
			Unread: s.unread(ctx, waID),
		})
	}
	return n, nil
}

func (s *Service) unread(ctx context.Context, waID string) *int64 {
	n, err := s.store.UnreadCount(ctx, waID)
	if err != nil {
		s.logger.Warn("unread count failed", zap.String("wa_id", waID), zap.Error(err))
		return nil
	}
	return &n
}

func compact(ids []string) []string {
	out := ids[:0:0]
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
