package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matheus3301/wprelay/internal/events"
	"github.com/matheus3301/wprelay/internal/store"
)

// Local-only statuses of optimistic messages.
const (
	StatusPending store.Status = "pending"
	StatusFailed  store.Status = "failed"
)

const (
	maxReconnects  = 5
	reconnectDelay = time.Second
	flashDuration  = 5 * time.Second

	// A connection that drops sooner than this counts as a failed attempt.
	minConnLifetime = 5 * time.Second
)

var (
	ErrNoConversation = errors.New("no conversation open")
	ErrNotFailed      = errors.New("message is not a failed send")
)

// API is the subset of the REST client State uses.
type API interface {
	Conversations(ctx context.Context) ([]store.Conversation, error)
	Messages(ctx context.Context, waID string, before time.Time, limit int) ([]store.Message, error)
	Send(ctx context.Context, waID, text string) (*store.Message, error)
	MarkRead(ctx context.Context, waID string, ids []string) (int64, error)
}

// DialFunc opens a push subscription.
type DialFunc func(ctx context.Context) (EventSource, error)

// State caches the contact list and the open conversation, merges push
// events into them and signals refreshes.
type State struct {
	mu sync.RWMutex

	api      API
	contacts []store.Conversation
	active   string
	messages []store.Message
	Flash    Flash

	refreshCh   chan struct{}
	delay       time.Duration
	stableAfter time.Duration
}

// NewState creates a state backed by api.
func NewState(api API) *State {
	return &State{
		api:       api,
		refreshCh:   make(chan struct{}, 1),
		delay:       reconnectDelay,
		stableAfter: minConnLifetime,
	}
}

// RefreshCh returns the channel that signals a redraw.
func (s *State) RefreshCh() <-chan struct{} {
	return s.refreshCh
}

func (s *State) signalRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// Contacts returns a snapshot of the contact list.
func (s *State) Contacts() []store.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.contacts)
}

// Messages returns a snapshot of the open conversation.
func (s *State) Messages() []store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages)
}

// Active returns the open conversation's waId.
func (s *State) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// LoadContacts fetches the contact list.
func (s *State) LoadContacts(ctx context.Context) error {
	contacts, err := s.api.Conversations(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.contacts = contacts
	s.mu.Unlock()
	s.signalRefresh()
	return nil
}

// Open loads the history of waID, makes it the active conversation and marks
// its unread inbound messages read.
func (s *State) Open(ctx context.Context, waID string) error {
	msgs, err := s.api.Messages(ctx, waID, time.Time{}, 0)
	if err != nil {
		return err
	}

	var unread []string
	for _, m := range msgs {
		if m.Direction == store.Inbound && m.Status != store.StatusRead {
			unread = append(unread, m.ID)
		}
	}

	s.mu.Lock()
	s.active = waID
	s.messages = msgs
	s.mu.Unlock()
	s.signalRefresh()

	if len(unread) == 0 {
		return nil
	}
	if _, err := s.api.MarkRead(ctx, waID, unread); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	s.mu.Lock()
	if s.active == waID {
		for i := range s.messages {
			if slices.Contains(unread, s.messages[i].ID) {
				s.messages[i].Status = store.StatusRead
			}
		}
	}
	if c := s.contactLocked(waID); c != nil {
		c.Unread = 0
	}
	s.mu.Unlock()
	s.signalRefresh()
	return nil
}

// Send posts text to the open conversation. A pending placeholder is shown
// until the server answers; a failed send stays in the list marked failed.
func (s *State) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	waID := s.active
	if waID == "" {
		s.mu.Unlock()
		return ErrNoConversation
	}
	temp := store.Message{
		ID:        uuid.NewString(),
		WaID:      waID,
		Direction: store.Outbound,
		Type:      "text",
		Text:      text,
		Timestamp: time.Now(),
		Status:    StatusPending,
	}
	s.messages = append(s.messages, temp)
	s.mu.Unlock()
	s.signalRefresh()

	return s.deliver(ctx, temp)
}

// Resend retries a failed placeholder. There is no automatic retry.
func (s *State) Resend(ctx context.Context, tempID string) error {
	s.mu.Lock()
	i := s.indexLocked(tempID)
	if i < 0 || s.messages[i].Status != StatusFailed {
		s.mu.Unlock()
		return ErrNotFailed
	}
	s.messages[i].Status = StatusPending
	temp := s.messages[i]
	s.mu.Unlock()
	s.signalRefresh()

	return s.deliver(ctx, temp)
}

func (s *State) deliver(ctx context.Context, temp store.Message) error {
	msg, err := s.api.Send(ctx, temp.WaID, temp.Text)

	s.mu.Lock()
	i := s.indexLocked(temp.ID)
	if err != nil {
		if i >= 0 {
			s.messages[i].Status = StatusFailed
		}
		s.mu.Unlock()
		s.Flash.Set("Failed to send message", flashDuration)
		s.signalRefresh()
		return err
	}

	if i >= 0 {
		if s.indexLocked(msg.ID) >= 0 {
			// The push echo got here first.
			s.messages = slices.Delete(s.messages, i, i+1)
		} else {
			s.messages[i] = *msg
		}
	}
	s.touchContactLocked(msg.WaID, msg.Timestamp, msg.Text)
	s.mu.Unlock()
	s.signalRefresh()
	return nil
}

// Apply merges one push event into the state.
func (s *State) Apply(evt Event) error {
	switch evt.Name {
	case events.MessageNew:
		var p events.MessageNewPayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return fmt.Errorf("decode %s: %w", evt.Name, err)
		}
		s.applyMessage(p)
	case events.ConversationUpdate:
		var p events.ConversationUpdatePayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return fmt.Errorf("decode %s: %w", evt.Name, err)
		}
		s.applyConversation(p)
	case events.MessageStatus:
		var p events.StatusUpdatePayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return fmt.Errorf("decode %s: %w", evt.Name, err)
		}
		s.applyStatus(p)
	default:
		return nil
	}
	s.signalRefresh()
	return nil
}

func (s *State) applyMessage(p events.MessageNewPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := p.Message
	waID := p.WaID
	if waID == "" {
		waID = m.WaID
	}

	open := waID == s.active
	if open && s.indexLocked(m.ID) < 0 {
		s.messages = append(s.messages, m)
	}
	c := s.touchContactLocked(waID, m.Timestamp, m.Text)
	if !open && m.Direction == store.Inbound {
		c.Unread++
	}
}

func (s *State) applyConversation(p events.ConversationUpdatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c *store.Conversation
	if p.LastMessage != nil {
		c = s.touchContactLocked(p.WaID, time.UnixMilli(p.LastMessage.Timestamp), p.LastMessage.Text)
	} else if c = s.contactLocked(p.WaID); c == nil {
		s.contacts = append(s.contacts, store.Conversation{Contact: store.Contact{WaID: p.WaID, Name: p.WaID}})
		c = &s.contacts[len(s.contacts)-1]
	}
	// The open conversation is read as it arrives.
	if p.Unread != nil && p.WaID != s.active {
		c.Unread = *p.Unread
	}
}

func (s *State) applyStatus(p events.StatusUpdatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.WaID != s.active {
		return
	}
	if i := s.indexLocked(p.MessageID); i >= 0 {
		s.messages[i].Status = p.Status
	}
}

// touchContactLocked moves the preview forward and keeps the list sorted by
// activity. A contact seen for the first time is added.
func (s *State) touchContactLocked(waID string, at time.Time, text string) *store.Conversation {
	c := s.contactLocked(waID)
	if c == nil {
		s.contacts = append(s.contacts, store.Conversation{Contact: store.Contact{WaID: waID, Name: waID}})
		c = &s.contacts[len(s.contacts)-1]
	}
	if !at.Before(c.LastMessageAt) {
		c.LastMessageAt = at
		c.LastMessagePreview = store.Preview(text)
	}
	sort.SliceStable(s.contacts, func(i, j int) bool {
		return s.contacts[i].LastMessageAt.After(s.contacts[j].LastMessageAt)
	})
	return s.contactLocked(waID)
}

func (s *State) contactLocked(waID string) *store.Conversation {
	for i := range s.contacts {
		if s.contacts[i].WaID == waID {
			return &s.contacts[i]
		}
	}
	return nil
}

func (s *State) indexLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Run keeps a push subscription open until ctx is done. On every connect
// the contact list and open conversation are re-fetched over REST. Every
// redial waits s.delay; after more than maxReconnects consecutive failed
// dials or short-lived connections it gives up.
func (s *State) Run(ctx context.Context, dial DialFunc) error {
	failures := 0
	for {
		src, err := dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if failures > maxReconnects {
				return fmt.Errorf("push channel: giving up after %d attempts: %w", failures, err)
			}
		} else {
			start := time.Now()
			s.resync(ctx)
			s.consume(ctx, src)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if time.Since(start) < s.stableAfter {
				failures++
				if failures > maxReconnects {
					return fmt.Errorf("push channel: giving up after %d attempts: connection keeps closing", failures)
				}
			} else {
				failures = 0
			}
		}

		s.Flash.Set("Reconnecting...", flashDuration)
		s.signalRefresh()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}
	}
}

func (s *State) resync(ctx context.Context) {
	if err := s.LoadContacts(ctx); err != nil {
		s.Flash.Set("Failed to load contacts", flashDuration)
	}
	if waID := s.Active(); waID != "" {
		msgs, err := s.api.Messages(ctx, waID, time.Time{}, 0)
		if err != nil {
			s.Flash.Set("Failed to load messages", flashDuration)
			return
		}
		s.mu.Lock()
		if s.active == waID {
			s.messages = mergePending(msgs, s.messages)
		}
		s.mu.Unlock()
		s.signalRefresh()
	}
}

// mergePending keeps local placeholders that the server does not know.
func mergePending(server, local []store.Message) []store.Message {
	for _, m := range local {
		if m.Status == StatusPending || m.Status == StatusFailed {
			server = append(server, m)
		}
	}
	return server
}

func (s *State) consume(ctx context.Context, src EventSource) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = src.Close()
		case <-done:
		}
	}()

	for {
		evt, err := src.Next()
		if err != nil {
			_ = src.Close()
			return
		}
		_ = s.Apply(evt)
	}
}
