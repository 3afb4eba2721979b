package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/wprelay/internal/bus"
	"github.com/matheus3301/wprelay/internal/metrics"
	"github.com/matheus3301/wprelay/internal/store"
	"go.uber.org/zap"
)

// Bus kinds published after each send attempt.
const (
	KindSent   = "dispatch.sent"
	KindFailed = "dispatch.failed"
)

// TextSender delivers a text message to the provider.
type TextSender interface {
	SendText(ctx context.Context, to string, text string) (providerMsgID string, err error)
}

// Result is the payload of dispatch events.
type Result struct {
	ID            string
	WaID          string
	ProviderMsgID string
	Err           error
}

// Sender forwards outbound messages to the provider, one at a time, best
// effort. Messages are held in a bounded in-memory queue; a full queue drops
// the message and nothing is retried.
type Sender struct {
	store   store.Store
	sender  TextSender
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	queue  chan store.Message
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a sender. A nil TextSender disables dispatching.
func NewSender(s store.Store, sender TextSender, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, queueSize int) *Sender {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Sender{
		store:   s,
		sender:  sender,
		bus:     b,
		metrics: m,
		logger:  logger,
		queue:   make(chan store.Message, queueSize),
	}
}

// Enabled reports whether messages are forwarded to a provider.
func (s *Sender) Enabled() bool {
	return s != nil && s.sender != nil
}

// Enqueue schedules m for delivery. Returns false when dispatching is
// disabled or the queue is full.
func (s *Sender) Enqueue(m store.Message) bool {
	if !s.Enabled() {
		return false
	}
	select {
	case s.queue <- m:
		return true
	default:
		s.logger.Warn("dispatch queue full, dropping message", zap.String("id", m.ID), zap.String("wa_id", m.WaID))
		s.metrics.Dispatches.WithLabelValues("dropped").Inc()
		return false
	}
}

// Start begins draining the queue.
func (s *Sender) Start(ctx context.Context) {
	if !s.Enabled() {
		s.logger.Info("cloud api not configured, outbound dispatch disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for the in-flight send.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sender) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case m := <-s.queue:
			s.dispatch(ctx, m)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) dispatch(ctx context.Context, m store.Message) {
	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	providerID, err := s.sender.SendText(sendCtx, m.WaID, m.Text)
	if err != nil {
		s.logger.Error("failed to dispatch message", zap.Error(err), zap.String("id", m.ID), zap.String("wa_id", m.WaID))
		s.metrics.Dispatches.WithLabelValues("failed").Inc()
		s.bus.Emit(KindFailed, Result{ID: m.ID, WaID: m.WaID, Err: err})
		return
	}

	if err := s.store.SetProviderMessageID(ctx, m.ID, providerID); err != nil {
		s.logger.Error("failed to record provider id", zap.Error(err), zap.String("id", m.ID), zap.String("provider_msg_id", providerID))
	}
	s.metrics.Dispatches.WithLabelValues("sent").Inc()
	s.logger.Info("message dispatched", zap.String("id", m.ID), zap.String("provider_msg_id", providerID))
	s.bus.Emit(KindSent, Result{ID: m.ID, WaID: m.WaID, ProviderMsgID: providerID})
}
