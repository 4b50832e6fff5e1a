package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"calsync/internal/repository"
	"calsync/internal/service"
)

type EventHandler struct {
	Events *service.EventService
}

func (h *EventHandler) Register(r *gin.Engine) {
	g := r.Group("/api/events")
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("", h.create)
	g.PUT("/:id", h.update)
	g.DELETE("/:id", h.remove)
}

// @Summary List events
// @Tags events
// @Param limit query int false "page size"
// @Param offset query int false "page offset"
// @Param include_deleted query bool false "include tombstoned events"
// @Success 200 {object} apiResponse
// @Router /api/events [get]
func (h *EventHandler) list(c *gin.Context) {
	if h.Events == nil {
		Error(c, http.StatusServiceUnavailable, "event service unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListEventsParams{
		Limit:          limit,
		Offset:         offset,
		IncludeDeleted: boolQueryDefault(c, "include_deleted", false),
		Since:          timeQueryPtr(c, "since"),
		Until:          timeQueryPtr(c, "until"),
	}
	items, err := h.Events.ListEvents(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, listMeta(limit, offset, len(items)))
}

// @Summary Get event
// @Tags events
// @Param id path string true "event id"
// @Success 200 {object} apiResponse
// @Router /api/events/{id} [get]
func (h *EventHandler) get(c *gin.Context) {
	if h.Events == nil {
		Error(c, http.StatusServiceUnavailable, "event service unavailable", nil)
		return
	}
	item, err := h.Events.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "event not found", nil)
		return
	}
	Ok(c, item, nil)
}

// @Summary Create event
// @Tags events
// @Param body body service.EventInput true "event fields"
// @Success 200 {object} apiResponse
// @Router /api/events [post]
func (h *EventHandler) create(c *gin.Context) {
	if h.Events == nil {
		Error(c, http.StatusServiceUnavailable, "event service unavailable", nil)
		return
	}
	var in service.EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	event, outcomes, err := h.Events.CreateEvent(c.Request.Context(), &in)
	if err != nil {
		if event == nil {
			Error(c, http.StatusBadRequest, err.Error(), nil)
			return
		}
		// The event is saved; push failures are queued for retry.
		Ok(c, event, map[string]any{"push": outcomes, "push_error": err.Error()})
		return
	}
	Ok(c, event, map[string]any{"push": outcomes})
}

// @Summary Update event
// @Tags events
// @Param id path string true "event id"
// @Param body body service.EventInput true "event fields"
// @Success 200 {object} apiResponse
// @Router /api/events/{id} [put]
func (h *EventHandler) update(c *gin.Context) {
	if h.Events == nil {
		Error(c, http.StatusServiceUnavailable, "event service unavailable", nil)
		return
	}
	var in service.EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	event, outcomes, err := h.Events.UpdateEvent(c.Request.Context(), c.Param("id"), &in)
	if err != nil && event == nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if event == nil {
		Error(c, http.StatusNotFound, "event not found", nil)
		return
	}
	meta := map[string]any{"push": outcomes}
	if err != nil {
		meta["push_error"] = err.Error()
	}
	Ok(c, event, meta)
}

// @Summary Delete event
// @Tags events
// @Param id path string true "event id"
// @Success 200 {object} apiResponse
// @Router /api/events/{id} [delete]
func (h *EventHandler) remove(c *gin.Context) {
	if h.Events == nil {
		Error(c, http.StatusServiceUnavailable, "event service unavailable", nil)
		return
	}
	event, outcomes, err := h.Events.DeleteEvent(c.Request.Context(), c.Param("id"))
	if err != nil && event == nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if event == nil {
		Error(c, http.StatusNotFound, "event not found", nil)
		return
	}
	meta := map[string]any{"push": outcomes}
	if err != nil {
		meta["push_error"] = err.Error()
	}
	Ok(c, event, meta)
}
