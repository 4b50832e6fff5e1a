package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"calsync/internal/repository"
	"calsync/internal/service"
)

type SyncHandler struct {
	Repo     repository.Repository
	Worker   *service.QueueWorker
	Webhooks *service.WebhookService
}

func (h *SyncHandler) Register(r *gin.Engine) {
	g := r.Group("/api/sync")
	g.POST("/pull/:integration_id", h.pull)
	g.GET("/records", h.listRecords)
	g.GET("/queue", h.listQueue)
	g.GET("/queue/stats", h.queueStats)
	g.POST("/queue/process", h.processQueue)
	g.POST("/queue/:id/requeue", h.requeue)
	g.POST("/channels/ensure", h.ensureChannels)
	g.POST("/channels/renew", h.renewChannels)
}

// @Summary Run an incremental pull now
// @Tags sync
// @Param integration_id path string true "integration id"
// @Success 200 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/sync/pull/{integration_id} [post]
func (h *SyncHandler) pull(c *gin.Context) {
	if h.Repo == nil || h.Worker == nil {
		Error(c, http.StatusServiceUnavailable, "sync engine unavailable", nil)
		return
	}
	integ, err := h.Repo.GetIntegration(c.Request.Context(), c.Param("integration_id"))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if integ == nil {
		Error(c, http.StatusNotFound, "integration not found", nil)
		return
	}
	if !integ.PullEnabled() {
		Error(c, http.StatusBadRequest, "integration is push-only", nil)
		return
	}
	result, executed, err := h.Worker.RunPullNow(c.Request.Context(), integ)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if !executed {
		Error(c, http.StatusConflict, "a pull is already queued or in flight for this integration", nil)
		return
	}
	Ok(c, result, nil)
}

// @Summary List ledger records
// @Tags sync
// @Success 200 {object} apiResponse
// @Router /api/sync/records [get]
func (h *SyncHandler) listRecords(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusServiceUnavailable, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListSyncRecordsParams{
		Limit:         limit,
		Offset:        offset,
		EventID:       strQueryPtr(c, "event_id"),
		IntegrationID: strQueryPtr(c, "integration_id"),
		Status:        strQueryPtr(c, "status"),
	}
	items, err := h.Repo.ListSyncRecords(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, listMeta(limit, offset, len(items)))
}

// @Summary List queue items
// @Tags sync
// @Success 200 {object} apiResponse
// @Router /api/sync/queue [get]
func (h *SyncHandler) listQueue(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusServiceUnavailable, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListQueueItemsParams{
		Limit:         limit,
		Offset:        offset,
		IntegrationID: strQueryPtr(c, "integration_id"),
		Status:        strQueryPtr(c, "status"),
		Operation:     strQueryPtr(c, "operation"),
	}
	items, err := h.Repo.ListQueueItems(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, listMeta(limit, offset, len(items)))
}

// @Summary Queue depth by status
// @Tags sync
// @Success 200 {object} apiResponse
// @Router /api/sync/queue/stats [get]
func (h *SyncHandler) queueStats(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusServiceUnavailable, "repo unavailable", nil)
		return
	}
	stats, err := h.Repo.QueueStats(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, stats, nil)
}

// @Summary Process one queue batch now
// @Tags sync
// @Success 200 {object} apiResponse
// @Router /api/sync/queue/process [post]
func (h *SyncHandler) processQueue(c *gin.Context) {
	if h.Worker == nil {
		Error(c, http.StatusServiceUnavailable, "queue worker unavailable", nil)
		return
	}
	result, err := h.Worker.ProcessBatch(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, result, nil)
}

// @Summary Requeue a failed item
// @Tags sync
// @Param id path string true "queue item id"
// @Success 200 {object} apiResponse
// @Router /api/sync/queue/{id}/requeue [post]
func (h *SyncHandler) requeue(c *gin.Context) {
	if h.Worker == nil {
		Error(c, http.StatusServiceUnavailable, "queue worker unavailable", nil)
		return
	}
	ok, err := h.Worker.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if !ok {
		Error(c, http.StatusNotFound, "queue item not found or not failed", nil)
		return
	}
	item, _ := h.Repo.GetQueueItem(c.Request.Context(), c.Param("id"))
	Ok(c, item, nil)
}

// @Summary Register missing webhook channels
// @Tags sync
// @Success 200 {object} apiResponse
// @Router /api/sync/channels/ensure [post]
func (h *SyncHandler) ensureChannels(c *gin.Context) {
	if h.Webhooks == nil {
		Error(c, http.StatusServiceUnavailable, "webhook service unavailable", nil)
		return
	}
	registered, err := h.Webhooks.EnsureChannels(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"registered": registered}, nil)
}

// @Summary Renew expiring webhook channels
// @Tags sync
// @Success 200 {object} apiResponse
// @Router /api/sync/channels/renew [post]
func (h *SyncHandler) renewChannels(c *gin.Context) {
	if h.Webhooks == nil {
		Error(c, http.StatusServiceUnavailable, "webhook service unavailable", nil)
		return
	}
	renewed, err := h.Webhooks.RenewExpiring(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"renewed": renewed}, nil)
}
