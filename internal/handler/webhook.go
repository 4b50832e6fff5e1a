package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"calsync/internal/service"
)

// Notification headers, following the Google Calendar push format.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceState = "X-Goog-Resource-State"
)

type WebhookHandler struct {
	Webhooks *service.WebhookService
}

func (h *WebhookHandler) Register(r *gin.Engine) {
	r.POST("/webhooks/calendar", h.notify)
}

// @Summary Inbound calendar push notification
// @Tags webhooks
// @Success 200 {object} apiResponse
// @Router /webhooks/calendar [post]
func (h *WebhookHandler) notify(c *gin.Context) {
	if h.Webhooks == nil {
		Error(c, http.StatusServiceUnavailable, "webhook service unavailable", nil)
		return
	}
	channelID := c.GetHeader(headerChannelID)
	token := c.GetHeader(headerChannelToken)
	state := c.GetHeader(headerResourceState)

	enqueued, err := h.Webhooks.HandleNotification(c.Request.Context(), channelID, token, state)
	switch {
	case errors.Is(err, service.ErrUnknownChannel):
		// 404 tells the provider to stop delivering to this channel.
		Error(c, http.StatusNotFound, "unknown channel", nil)
		return
	case errors.Is(err, service.ErrChannelExpired):
		Error(c, http.StatusGone, "channel expired", nil)
		return
	case err != nil:
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"enqueued": enqueued}, nil)
}
