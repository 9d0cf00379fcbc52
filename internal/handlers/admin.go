package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/searchcoord/internal/events"
	"github.com/soltixdb/searchcoord/internal/models"
)

// ListNodes returns every registry node with its unclaimed storage
func (h *Handler) ListNodes(c *fiber.Ctx) error {
	nodes, err := h.db.ListNodes(c.UserContext())
	if err != nil {
		return err
	}

	views := make([]models.NodeView, len(nodes))
	for i, n := range nodes {
		views[i] = models.NodeView{Node: n, UnclaimedStorageBytes: n.UnclaimedStorageBytes()}
	}
	return c.JSON(models.NodeListResponse{Nodes: views})
}

// GetIndex returns one index and how many of its repositories sit in each state
func (h *Handler) GetIndex(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	idx, err := h.db.GetIndex(ctx, id)
	if err != nil {
		return h.respondError(c, err, "index")
	}
	counts, err := h.db.RepositoryStateCounts(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(models.IndexResponse{
		Index:                     idx,
		Repositories:              counts,
		EffectiveUsedStorageBytes: idx.EffectiveUsedStorageBytes(),
		StoragePercentUsed:        idx.StoragePercentUsed(),
	})
}

// TriggerRollout publishes RolloutRequested with a fresh retry chain
func (h *Handler) TriggerRollout(c *fiber.Ctx) error {
	if err := h.publisher.Publish(c.UserContext(), events.RolloutRequested, events.RolloutRequestedPayload{}); err != nil {
		h.logger.Error("Failed to publish rollout request", "error", err)
		return err
	}

	h.logger.Info("Rollout requested by operator", "ip", c.IP())
	return c.Status(fiber.StatusAccepted).JSON(models.RolloutTriggerResponse{
		Enqueued: true,
		Message:  "Rollout requested",
	})
}
