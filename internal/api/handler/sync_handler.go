package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wize-works/splits-network-sub004/internal/api/dto"
	"github.com/wize-works/splits-network-sub004/internal/syncqueue/domain"
)

// ListSyncItems handles GET /api/v1/sync/items
// Lists sync queue items with optional status filter and cursor pagination
func (h *SyncHandler) ListSyncItems(c *gin.Context) {
	h.logger.Info("ListSyncItems called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	var req dto.ListSyncItemsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !domain.ValidStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "status must be one of pending, processing, completed, failed",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	items, err := h.items.List(c.Request.Context(), domain.Filter{
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to list sync items")
		return
	}

	hasMore := len(items) > req.PageSize
	if hasMore {
		items = items[:req.PageSize]
	}

	response := make([]dto.SyncItemDTO, len(items))
	for i, item := range items {
		response[i] = toSyncItemDTO(item)
	}

	var nextCursor string
	if hasMore {
		last := items[len(items)-1]
		nextCursor = EncodeCursor(&domain.Cursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListSyncItemsResponse{
		Items:      response,
		NextCursor: nextCursor,
	})
}

// GetSyncItem handles GET /api/v1/sync/items/:item_id
func (h *SyncHandler) GetSyncItem(c *gin.Context) {
	itemID := c.Param("item_id")

	h.logger.Info("GetSyncItem called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("item_id", itemID),
	)

	if _, err := uuid.Parse(itemID); err != nil {
		h.logger.Error("Invalid item_id format", slog.String("item_id", itemID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "item_id must be a valid UUID",
		})
		return
	}

	item, err := h.items.GetByID(c.Request.Context(), itemID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get sync item")
		return
	}

	c.JSON(http.StatusOK, toSyncItemDTO(*item))
}

// GetSyncStats handles GET /api/v1/sync/stats
// Counts items per status
func (h *SyncHandler) GetSyncStats(c *gin.Context) {
	h.logger.Info("GetSyncStats called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	stats, err := h.items.Stats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "Failed to get sync stats")
		return
	}

	c.JSON(http.StatusOK, dto.SyncStatsResponse{
		Pending:    stats.Pending,
		Processing: stats.Processing,
		Completed:  stats.Completed,
		Failed:     stats.Failed,
	})
}

// ReplaySyncItem handles POST /api/v1/sync/items/:item_id/replay
// Resets a failed item so it runs again with a fresh retry budget
func (h *SyncHandler) ReplaySyncItem(c *gin.Context) {
	itemID := c.Param("item_id")

	h.logger.Info("ReplaySyncItem called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("item_id", itemID),
	)

	if _, err := uuid.Parse(itemID); err != nil {
		h.logger.Error("Invalid item_id format", slog.String("item_id", itemID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "item_id must be a valid UUID",
		})
		return
	}

	if err := h.items.Replay(c.Request.Context(), itemID); err != nil {
		respondError(c, h.logger, err, "Failed to replay sync item")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"item_id": itemID,
		"status":  domain.StatusPending,
	})
}

func toSyncItemDTO(item domain.Item) dto.SyncItemDTO {
	out := dto.SyncItemDTO{
		ID:            item.ID,
		IntegrationID: item.IntegrationID,
		EntityType:    item.EntityType,
		Direction:     item.Direction,
		Action:        item.Action,
		Priority:      item.Priority,
		Status:        item.Status,
		RetryCount:    item.RetryCount,
		MaxRetries:    item.MaxRetries,
		Payload:       item.Payload,
		ScheduledAt:   item.ScheduledAt.Format(time.RFC3339),
		CreatedAt:     item.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     item.UpdatedAt.Format(time.RFC3339),
	}
	if item.ErrorMessage != nil {
		out.ErrorMessage = *item.ErrorMessage
	}
	return out
}
