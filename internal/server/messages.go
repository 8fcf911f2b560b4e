package server

import (
	"context"
	"encoding/json"
	"errors"

	"chatrelay/internal/ingest"
	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"

	"github.com/gofiber/fiber/v2"
)

func (s *Server) handleHistory(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.RequestTimeout)
	defer cancel()

	list, err := s.gw.History(ctx)
	if err != nil {
		return s.failure(c, "history", err)
	}
	return c.JSON(list)
}

func (s *Server) handleSubmit(c *fiber.Ctx) error {
	var sub ingest.Submission
	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &sub); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.RequestTimeout)
	defer cancel()

	msg, err := s.gw.Submit(ctx, sub)
	if err != nil {
		return s.failure(c, "submit", err)
	}
	return c.JSON(msg)
}

// failure maps gateway errors onto the public responses. Storage detail
// stays in the log.
func (s *Server) failure(c *fiber.Ctx, op string, err error) error {
	var ve *storage.ValidationError
	if errors.As(err, &ve) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ve.Message})
	}
	s.log.Error(op+" failed", logx.Err(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "db"})
}
