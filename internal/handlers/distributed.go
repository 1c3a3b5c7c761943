package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/journal"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/models"
	syncer "github.com/sheetpub/sheetpub/internal/sync"
	"github.com/sheetpub/sheetpub/internal/utils"
)

// Heartbeat records a peer's liveness
func (h *Handler) Heartbeat(c *fiber.Ctx) error {
	var req models.HeartbeatRequest
	if err := c.BodyParser(&req); err != nil {
		return validationError(c, "invalid heartbeat body: "+err.Error())
	}
	if err := req.Validate(); err != nil {
		return validationError(c, err.Error())
	}

	h.heartbeat.Receive(c.UserContext(), req)
	return c.SendStatus(fiber.StatusOK)
}

// Quorum reports the quorum computed from the current participant view
func (h *Handler) Quorum(c *fiber.Ctx) error {
	return c.JSON(h.sync.Quorum())
}

// ProposeSnapshot asks the cluster to adopt a snapshot
func (h *Handler) ProposeSnapshot(c *fiber.Ctx) error {
	var req models.ProposeSnapshotRequest
	if err := c.BodyParser(&req); err != nil {
		return validationError(c, "invalid request body: "+err.Error())
	}
	if err := req.Validate(); err != nil {
		return validationError(c, err.Error())
	}

	return h.proposeResponse(c, h.sync.ProposeSnapshot(c.UserContext(), req.Spec()))
}

// ProposeDiff asks the cluster to adopt a diff
func (h *Handler) ProposeDiff(c *fiber.Ctx) error {
	var req models.ProposeDiffRequest
	if err := c.BodyParser(&req); err != nil {
		return validationError(c, "invalid request body: "+err.Error())
	}
	if err := req.Validate(); err != nil {
		return validationError(c, err.Error())
	}

	return h.proposeResponse(c, h.sync.ProposeDiff(c.UserContext(), req.Spec()))
}

func (h *Handler) proposeResponse(c *fiber.Ctx, res syncer.ProposeResult) error {
	if !res.Success {
		return policyError(c, fiber.StatusConflict, models.CodeInsufficientQuorum, res.Reason,
			map[string]interface{}{"quorum": res.Quorum})
	}
	return c.JSON(models.ProposeResponse{ProposalID: res.ProposalID, Quorum: res.Quorum})
}

// Vote collects a vote on one of this instance's proposals
func (h *Handler) Vote(c *fiber.Ctx) error {
	var req models.VoteRequest
	if err := c.BodyParser(&req); err != nil {
		return validationError(c, "invalid vote body: "+err.Error())
	}
	if err := req.Validate(); err != nil {
		return validationError(c, err.Error())
	}

	res := h.sync.CollectVote(c.UserContext(), req.ProposalID, req.VoterID, req.Vote)
	if !res.Success {
		switch res.Reason {
		case coordinator.ReasonProposalNotFound:
			return policyError(c, fiber.StatusNotFound, models.CodeProposalNotFound, res.Reason,
				map[string]interface{}{"proposalId": req.ProposalID})
		default:
			return validationError(c, string(res.Reason))
		}
	}

	return c.JSON(models.VoteResponse{
		Success:  true,
		Accepted: res.Accepted,
		Accepts:  res.Accepts,
		Required: res.Required,
	})
}

// Journal returns redacted journal records, optionally only those of one instance
func (h *Handler) Journal(c *fiber.Ctx) error {
	var (
		records []journal.Record
		err     error
	)
	if instance := c.Query("instance"); instance != "" {
		records, err = h.journal.FilterByInstance(instance)
	} else {
		records, err = h.journal.ReadAll()
	}
	if err != nil {
		logging.ErrorCtx(h.logContext(c), "Failed to read journal", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "failed to read journal")
	}
	if records == nil {
		records = []journal.Record{}
	}

	return c.JSON(models.JournalResponse{Events: records})
}

// Sync ingests events relayed by a peer. Each event is accepted or rejected on
// its own; a bad event never fails the batch.
func (h *Handler) Sync(c *fiber.Ctx) error {
	var req models.SyncRequest
	if err := c.BodyParser(&req); err != nil {
		return validationError(c, "invalid sync body: "+err.Error())
	}

	ctx := h.logContext(c)
	var resp models.SyncResponse
	for _, e := range req.Events {
		if err := h.sync.Ingest(e); err != nil {
			resp.Rejected++
			logging.WarnCtx(ctx, "Rejected relayed event", "event_id", e.ID, "type", e.Type, "error", err)
			continue
		}
		resp.Accepted++
	}
	logging.DebugCtx(ctx, "Relayed events ingested", "accepted", resp.Accepted, "rejected", resp.Rejected)

	return c.JSON(resp)
}

// Info describes this instance. The X-Server-Time header carries the local
// clock for drift estimation.
func (h *Handler) Info(c *fiber.Ctx) error {
	now := h.state.Now()
	c.Set(utils.HeaderServerTime, strconv.FormatInt(now.UnixMilli(), 10))

	resp := models.InfoResponse{
		InstanceID: h.state.SelfID(),
		URL:        h.selfURL,
		Uptime:     h.state.UptimeMs(),
		Status:     string(coordinator.StatusHealthy),
		IsLeader:   h.state.IsLeader(),
		Timestamp:  now.UnixMilli(),
		Version:    h.version,
	}
	if l, ok := h.state.Leader(); ok {
		resp.Leader = l.ID
	}
	return c.JSON(resp)
}
