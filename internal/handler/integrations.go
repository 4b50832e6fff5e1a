package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"calsync/internal/service"
)

type IntegrationHandler struct {
	Integrations *service.IntegrationService
}

func (h *IntegrationHandler) Register(r *gin.Engine) {
	g := r.Group("/api/integrations")
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("", h.connect)
	g.DELETE("/:id", h.disconnect)
}

// @Summary List integrations
// @Tags integrations
// @Success 200 {object} apiResponse
// @Router /api/integrations [get]
func (h *IntegrationHandler) list(c *gin.Context) {
	if h.Integrations == nil {
		Error(c, http.StatusServiceUnavailable, "integration service unavailable", nil)
		return
	}
	items, err := h.Integrations.List(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

// @Summary Get integration
// @Tags integrations
// @Param id path string true "integration id"
// @Success 200 {object} apiResponse
// @Router /api/integrations/{id} [get]
func (h *IntegrationHandler) get(c *gin.Context) {
	if h.Integrations == nil {
		Error(c, http.StatusServiceUnavailable, "integration service unavailable", nil)
		return
	}
	item, err := h.Integrations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "integration not found", nil)
		return
	}
	Ok(c, item, nil)
}

// @Summary Connect an external calendar
// @Tags integrations
// @Param body body service.IntegrationInput true "integration fields"
// @Success 200 {object} apiResponse
// @Router /api/integrations [post]
func (h *IntegrationHandler) connect(c *gin.Context) {
	if h.Integrations == nil {
		Error(c, http.StatusServiceUnavailable, "integration service unavailable", nil)
		return
	}
	var in service.IntegrationInput
	if err := c.ShouldBindJSON(&in); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	item, err := h.Integrations.Connect(c.Request.Context(), &in)
	if err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

// @Summary Disconnect an integration
// @Tags integrations
// @Param id path string true "integration id"
// @Success 200 {object} apiResponse
// @Router /api/integrations/{id} [delete]
func (h *IntegrationHandler) disconnect(c *gin.Context) {
	if h.Integrations == nil {
		Error(c, http.StatusServiceUnavailable, "integration service unavailable", nil)
		return
	}
	ok, err := h.Integrations.Disconnect(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if !ok {
		Error(c, http.StatusNotFound, "integration not found", nil)
		return
	}
	Ok(c, gin.H{"deleted": true}, nil)
}
