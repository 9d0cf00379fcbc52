package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/events"
	"github.com/soltixdb/searchcoord/internal/metrics"
	"github.com/soltixdb/searchcoord/internal/models"
)

// ClaimTasks hands the calling node its due pending tasks, oldest perform_at first.
// The body is optional; a limit above the configured claim limit is capped.
func (h *Handler) ClaimTasks(c *fiber.Ctx) error {
	var req models.ClaimTasksRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}
	limit := req.Limit
	if limit <= 0 || limit > h.claimLimit {
		limit = h.claimLimit
	}

	ctx := c.UserContext()
	node, err := h.db.GetNodeByUUID(ctx, c.Params("uuid"))
	if err != nil {
		return h.respondError(c, err, "node")
	}
	if node.Status != models.NodeOnline {
		return fiber.NewError(fiber.StatusConflict, "node is offline")
	}

	claimed, err := h.db.ClaimTasks(ctx, node.ID, limit)
	if err != nil {
		return err
	}
	if claimed == nil {
		claimed = []models.Task{}
	}

	metrics.TasksClaimed.Add(float64(len(claimed)))
	if len(claimed) > 0 {
		h.logger.Debug("Tasks claimed", "node_uuid", node.UUID, "count", len(claimed))
	}
	return c.JSON(models.ClaimTasksResponse{Tasks: claimed})
}

// TaskCallback records a task outcome. Success completes the task with the reported
// repository size. Failure publishes TaskFailed and leaves the task processing until the
// failure handler settles it, so a rejected publish can be retried by the node.
func (h *Handler) TaskCallback(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}

	var req models.TaskCallbackRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.SizeBytes < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "size_bytes must not be negative")
	}

	ctx := c.UserContext()
	if req.Success {
		task, err := h.db.CompleteTask(ctx, id, req.SizeBytes)
		if err != nil {
			return h.respondError(c, err, "processing task")
		}
		return c.JSON(task)
	}

	task, err := h.db.GetTask(ctx, id)
	if err != nil {
		return h.respondError(c, err, "processing task")
	}
	if task.State != models.TaskProcessing {
		return h.respondError(c, errs.ErrNotFound, "processing task")
	}
	h.logger.Warn("Task failed on node",
		"task_id", task.ID,
		"repository_id", task.RepositoryID,
		"task_type", string(task.Type),
		"error", req.Error)

	if err := h.publisher.Publish(ctx, events.TaskFailed, events.TaskFailedPayload{
		TaskID:       task.ID,
		RepositoryID: task.RepositoryID,
		TaskType:     task.Type,
	}); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(task)
}
