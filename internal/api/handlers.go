package api

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/chat"
	"github.com/matheus3301/wprelay/internal/status"
	"github.com/matheus3301/wprelay/internal/store"
	"github.com/matheus3301/wprelay/internal/webhook"
)

type sendRequest struct {
	WaID    string `json:"waId"`
	WaIDAlt string `json:"wa_id"`
	Text    string `json:"text"`
}

type readRequest struct {
	MessageIDs    []string `json:"messageIds"`
	MessageIDsAlt []string `json:"message_ids"`
}

func (s *Server) health(c *fiber.Ctx) error {
	err := s.store.Ping(c.UserContext())
	state := s.machine.Observe(err)
	body := fiber.Map{
		"ok":      state == status.Ready,
		"status":  state,
		"since":   s.machine.Since(),
		"clients": s.hub.Clients(),
	}
	if err != nil {
		s.logger.Warn("store ping failed", zap.Error(err))
		body["error"] = "store unreachable"
	}
	if state != status.Ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	return c.JSON(body)
}

func (s *Server) receiveWebhook(c *fiber.Ctx) error {
	payload, err := webhook.Decode(c.Body())
	if err != nil {
		s.metrics.WebhookPayloads.WithLabelValues("invalid").Inc()
		s.logger.Warn("invalid webhook payload", zap.Error(err))
		return fail(c, fiber.StatusBadRequest, "invalid payload")
	}

	res, err := s.normalizer.Process(c.UserContext(), payload)
	if err != nil {
		s.metrics.WebhookPayloads.WithLabelValues("error").Inc()
		s.logger.Error("webhook processing failed", zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "webhook processing failed")
	}
	s.metrics.WebhookPayloads.WithLabelValues("ok").Inc()
	s.logger.Debug("webhook processed",
		zap.Int("messages", res.Messages),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("statuses", res.Statuses),
		zap.Int("unmatched", res.Unmatched),
	)
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	convs, err := s.chat.Conversations(c.UserContext(), c.QueryInt("limit", 0))
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	return c.JSON(convs)
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	before, err := ParseBefore(c.Query("before"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid before")
	}
	msgs, err := s.chat.Messages(c.UserContext(), c.Params("waId"), before, c.QueryInt("limit", 0))
	if err != nil {
		if errors.Is(err, chat.ErrMissingWaID) {
			return fail(c, fiber.StatusBadRequest, err.Error())
		}
		return fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return c.JSON(msgs)
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid payload")
	}
	waID := req.WaID
	if waID == "" {
		waID = req.WaIDAlt
	}
	msg, err := s.chat.SendText(c.UserContext(), waID, req.Text)
	if err != nil {
		if errors.Is(err, chat.ErrMissingFields) {
			return fail(c, fiber.StatusBadRequest, err.Error())
		}
		return fmt.Errorf("send message: %w", err)
	}
	return c.JSON(fiber.Map{"ok": true, "message": msg})
}

func (s *Server) markRead(c *fiber.Ctx) error {
	var req readRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fail(c, fiber.StatusBadRequest, "invalid payload")
		}
	}
	ids := req.MessageIDs
	if len(ids) == 0 {
		ids = req.MessageIDsAlt
	}
	// Params alias the request buffer; the id outlives the handler in events.
	n, err := s.chat.MarkRead(c.UserContext(), strings.Clone(c.Params("waId")), ids)
	if err != nil {
		if errors.Is(err, chat.ErrNoMessageIDs) || errors.Is(err, chat.ErrMissingWaID) {
			return fail(c, fiber.StatusBadRequest, err.Error())
		}
		return fmt.Errorf("mark read: %w", err)
	}
	return c.JSON(fiber.Map{"ok": true, "modified": n})
}

// ParseBefore accepts RFC3339 or a numeric epoch. More than 10 digits is
// read as milliseconds. Empty means no bound.
func ParseBefore(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, fmt.Errorf("before must be positive: %d", n)
		}
		return webhook.EpochTime(n), nil
	}
	return time.Parse(time.RFC3339, raw)
}
