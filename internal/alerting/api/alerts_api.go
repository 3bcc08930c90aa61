package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/rolloutguard/internal/alerting/model"
	"github.com/qiniu/rolloutguard/internal/alerting/service/ruleset"
)

type alertListResponse struct {
	Items []model.Alert `json:"items"`
}

type ackRequest struct {
	By string `json:"by"`
}

type resolveRequest struct {
	Reason string `json:"reason"`
}

// ListAlerts 返回活跃告警，可按 status=firing|acknowledged 过滤
func (api *Api) ListAlerts(c *gin.Context) {
	status := model.Status(strings.ToLower(strings.TrimSpace(c.Query("status"))))
	if status != "" && !status.Active() {
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "status must be firing or acknowledged")
		return
	}
	items := []model.Alert{}
	for _, a := range api.engine.GetActiveAlerts() {
		if status == "" || a.Status == status {
			items = append(items, a)
		}
	}
	c.JSON(http.StatusOK, alertListResponse{Items: items})
}

func (api *Api) AlertHistory(c *gin.Context) {
	limit, ok := parseLimit(c, 100, 1000)
	if !ok {
		return
	}
	items := api.engine.GetAlertHistory(limit)
	if items == nil {
		items = []model.Alert{}
	}
	c.JSON(http.StatusOK, alertListResponse{Items: items})
}

func (api *Api) GetAlert(c *gin.Context) {
	id := c.Param("id")
	a, ok := api.engine.GetAlert(id)
	if !ok {
		sendError(c, http.StatusNotFound, ErrorCodeNotFound, "alert not found: "+id)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (api *Api) CreateManualAlert(c *gin.Context) {
	var req ruleset.ManualAlert
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "invalid request body: "+err.Error())
		return
	}
	a, err := api.engine.CreateManualAlert(c.Request.Context(), req)
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (api *Api) AcknowledgeAlert(c *gin.Context) {
	id := c.Param("id")
	var req ackRequest
	_ = c.ShouldBindJSON(&req)
	if req.By == "" {
		req.By = "api"
	}
	if _, ok := api.engine.GetAlert(id); !ok {
		sendError(c, http.StatusNotFound, ErrorCodeNotFound, "alert not found: "+id)
		return
	}
	if !api.engine.AcknowledgeAlert(id, req.By) {
		sendError(c, http.StatusConflict, ErrorCodeConflict, "only firing alerts can be acknowledged")
		return
	}
	a, _ := api.engine.GetAlert(id)
	c.JSON(http.StatusOK, a)
}

func (api *Api) ResolveAlert(c *gin.Context) {
	id := c.Param("id")
	var req resolveRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "Resolved manually"
	}
	if !api.engine.ResolveAlert(c.Request.Context(), id, req.Reason) {
		sendError(c, http.StatusNotFound, ErrorCodeNotFound, "active alert not found: "+id)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"ok": true, "id": id})
}
