package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/models"
)

// Leader reports the leader this instance believes in
func (h *Handler) Leader(c *fiber.Ctx) error {
	resp := models.LeaderResponse{IsLeader: h.state.IsLeader()}
	if l, ok := h.state.Leader(); ok {
		resp.Leader = &l
	}
	return c.JSON(resp)
}

// Participants lists known participants and the resulting quorum
func (h *Handler) Participants(c *fiber.Ctx) error {
	participants := h.state.Participants()
	if participants == nil {
		participants = []coordinator.Instance{}
	}
	return c.JSON(models.ParticipantsResponse{
		Participants: participants,
		Quorum:       h.state.Quorum(),
	})
}

// Proposals lists this instance's proposals still waiting for quorum
func (h *Handler) Proposals(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"proposals": h.sync.ActiveProposals()})
}

// Locks lists live locks granted by this instance
func (h *Handler) Locks(c *fiber.Ctx) error {
	return c.JSON(models.LocksResponse{Locks: h.locks.List()})
}

// AcquireLock takes a lock on behalf of this instance. Only the leader grants locks.
func (h *Handler) AcquireLock(c *fiber.Ctx) error {
	resource := c.Params("resource")
	if resource == "" {
		return validationError(c, "resource is required")
	}

	var req models.LockRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return validationError(c, "invalid lock body: "+err.Error())
		}
	}
	if req.TTLMs < 0 {
		return validationError(c, "ttlMs cannot be negative")
	}

	res := h.locks.Acquire(resource, time.Duration(req.TTLMs)*time.Millisecond)
	if !res.Success {
		code := models.CodeConflict
		if res.Reason == coordinator.ReasonNotLeader {
			code = models.CodeNotLeader
		}
		extra := map[string]interface{}{"resource": resource}
		if l, ok := h.state.Leader(); ok {
			extra["leader"] = l.ID
		}
		return policyError(c, fiber.StatusConflict, code, res.Reason, extra)
	}

	return c.JSON(res.Lock)
}

// ReleaseLock releases a lock held by this instance
func (h *Handler) ReleaseLock(c *fiber.Ctx) error {
	resource := c.Params("resource")
	if resource == "" {
		return validationError(c, "resource is required")
	}

	res := h.locks.Release(resource, true)
	if !res.Success {
		status := fiber.StatusConflict
		code := models.CodeConflict
		if res.Reason == coordinator.ReasonLockNotFound {
			status = fiber.StatusNotFound
			code = models.CodeNotFound
		}
		return policyError(c, status, code, res.Reason, map[string]interface{}{"resource": resource})
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// Drift reports the clock drift estimate against the leader
func (h *Handler) Drift(c *fiber.Ctx) error {
	return c.JSON(models.DriftResponse{
		CurrentMs: h.timeSync.CurrentDrift(),
		Stats:     h.timeSync.DriftStats(),
	})
}
