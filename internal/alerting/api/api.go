package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/rolloutguard/internal/alerting/service/notify"
	"github.com/qiniu/rolloutguard/internal/alerting/service/ruleset"
)

const (
	ErrorCodeInvalidParameter = "INVALID_PARAMETER"
	ErrorCodeNotFound         = "NOT_FOUND"
	ErrorCodeConflict         = "CONFLICT"
	ErrorCodeInternalError    = "INTERNAL_ERROR"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Api 告警规则、告警实例与通知渠道的控制接口
type Api struct {
	engine     *ruleset.Engine
	dispatcher *notify.Dispatcher
}

func NewApi(router gin.IRouter, engine *ruleset.Engine, dispatcher *notify.Dispatcher) *Api {
	api := &Api{engine: engine, dispatcher: dispatcher}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router gin.IRouter) {
	rules := router.Group("/v1/alert-rules")
	rules.GET("", api.ListRules)
	rules.POST("", api.CreateRule)
	rules.GET("/:id", api.GetRule)
	rules.PUT("/:id", api.UpdateRule)
	rules.DELETE("/:id", api.DeleteRule)
	rules.POST("/:id/enable", api.EnableRule)
	rules.POST("/:id/disable", api.DisableRule)

	alerts := router.Group("/v1/alerts")
	alerts.GET("", api.ListAlerts)
	alerts.POST("", api.CreateManualAlert)
	alerts.GET("/history", api.AlertHistory)
	alerts.GET("/:id", api.GetAlert)
	alerts.POST("/:id/ack", api.AcknowledgeAlert)
	alerts.POST("/:id/resolve", api.ResolveAlert)

	if api.dispatcher != nil {
		n := router.Group("/v1/notifications")
		n.GET("/channels", api.ListChannels)
		n.PUT("/channels/:kind", api.SetChannel)
		n.POST("/channels/:kind/test", api.TestChannel)
		n.GET("/history", api.NotificationHistory)
		n.PUT("/enabled", api.SetNotificationsEnabled)
	}
}

func sendError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// sendServiceError maps service errors onto HTTP status codes.
func sendServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ruleset.ErrRuleNotFound), errors.Is(err, notify.ErrChannelNotConfigured):
		sendError(c, http.StatusNotFound, ErrorCodeNotFound, err.Error())
	case errors.Is(err, ruleset.ErrRuleExists):
		sendError(c, http.StatusConflict, ErrorCodeConflict, err.Error())
	case errors.Is(err, ruleset.ErrInvalidRule), errors.Is(err, notify.ErrUnknownChannel), errors.Is(err, notify.ErrInvalidChannelConfig):
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, err.Error())
	default:
		sendError(c, http.StatusInternalServerError, ErrorCodeInternalError, err.Error())
	}
}

// parseLimit reads ?limit=, falling back to def; values outside 1..max are rejected.
func parseLimit(c *gin.Context, def, max int) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "limit must be 1-"+strconv.Itoa(max))
		return 0, false
	}
	return n, true
}
