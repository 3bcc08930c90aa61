package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/rolloutguard/internal/alerting/service/notify"
)

type channelListResponse struct {
	Enabled bool                   `json:"enabled"`
	Items   []notify.ChannelConfig `json:"items"`
}

type notificationHistoryResponse struct {
	Items []notify.NotificationRecord `json:"items"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (api *Api) ListChannels(c *gin.Context) {
	c.JSON(http.StatusOK, channelListResponse{
		Enabled: api.dispatcher.Enabled(),
		Items:   api.dispatcher.GetChannelConfigs(),
	})
}

// SetChannel 覆盖某一渠道的配置，渠道类型取自路径
func (api *Api) SetChannel(c *gin.Context) {
	kind := notify.ChannelKind(strings.ToLower(c.Param("kind")))
	if !kind.Valid() {
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "unknown channel: "+string(kind))
		return
	}
	var cfg notify.ChannelConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "invalid request body: "+err.Error())
		return
	}
	cfg.Kind = kind
	if err := api.dispatcher.SetChannelConfig(cfg); err != nil {
		sendServiceError(c, err)
		return
	}
	for _, ch := range api.dispatcher.GetChannelConfigs() {
		if ch.Kind == kind {
			c.JSON(http.StatusOK, ch)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (api *Api) TestChannel(c *gin.Context) {
	kind := notify.ChannelKind(strings.ToLower(c.Param("kind")))
	status, err := api.dispatcher.TestChannel(c.Request.Context(), kind)
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (api *Api) NotificationHistory(c *gin.Context) {
	limit, ok := parseLimit(c, 100, 1000)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, notificationHistoryResponse{Items: api.dispatcher.GetHistory(limit)})
}

func (api *Api) SetNotificationsEnabled(c *gin.Context) {
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "enabled is required")
		return
	}
	api.dispatcher.SetEnabled(*req.Enabled)
	c.JSON(http.StatusOK, map[string]any{"enabled": *req.Enabled})
}
