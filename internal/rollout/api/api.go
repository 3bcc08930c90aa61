package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/rolloutguard/internal/rollout"
)

const (
	ErrorCodeInvalidParameter = "INVALID_PARAMETER"
	ErrorCodeConflict         = "CONFLICT"
	ErrorCodeUnavailable      = "STORE_UNAVAILABLE"
	ErrorCodeInternalError    = "INTERNAL_ERROR"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Api 灰度发布状态、健康检查与人工操作接口
type Api struct {
	ctl *rollout.Controller
}

func NewApi(router gin.IRouter, ctl *rollout.Controller) *Api {
	api := &Api{ctl: ctl}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router gin.IRouter) {
	g := router.Group("/v1/rollout")
	g.GET("/status", api.GetStatus)
	g.GET("/stages", api.GetStages)
	g.GET("/history", api.GetHistory)
	g.GET("/health", api.GetHealth)
	g.POST("/health/check", api.RunHealthCheck)
	g.POST("/advance", api.Advance)
	g.POST("/rollback", api.Rollback)
	g.PUT("/tenants/:tenantId", api.SetTenantOverride)
}

type actionRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type tenantRequest struct {
	Enabled *bool  `json:"enabled" binding:"required"`
	Actor   string `json:"actor"`
}

func sendError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func sendStoreError(c *gin.Context, err error) {
	if errors.Is(err, rollout.ErrStoreUnavailable) {
		sendError(c, http.StatusServiceUnavailable, ErrorCodeUnavailable, err.Error())
		return
	}
	sendError(c, http.StatusInternalServerError, ErrorCodeInternalError, err.Error())
}

// sendAction 操作失败时返回 409，结果体与成功时一致
func sendAction(c *gin.Context, r rollout.ActionResult) {
	if r.Success {
		c.JSON(http.StatusOK, r)
		return
	}
	c.JSON(http.StatusConflict, r)
}

func actor(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if h := strings.TrimSpace(c.GetHeader("X-Actor")); h != "" {
		return h
	}
	return "api"
}

func (api *Api) GetStatus(c *gin.Context) {
	st, err := api.ctl.Status(c.Request.Context())
	if err != nil {
		sendStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (api *Api) GetStages(c *gin.Context) {
	table := api.ctl.Stages()
	out := make([]rollout.StageDefinition, 0, len(table))
	for s := rollout.StageDisabled; ; {
		if def, ok := table[s]; ok {
			out = append(out, def)
		}
		next, ok := s.Next()
		if !ok {
			break
		}
		s = next
	}
	c.JSON(http.StatusOK, map[string]any{"items": out})
}

func (api *Api) GetHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "limit must be 1-500")
			return
		}
		limit = n
	}
	items, err := api.ctl.History(c.Request.Context(), limit)
	if err != nil {
		sendStoreError(c, err)
		return
	}
	if items == nil {
		items = []rollout.HistoryEntry{}
	}
	c.JSON(http.StatusOK, map[string]any{"items": items})
}

// GetHealth 返回最近一次健康检查结果，尚未检查过时返回 204
func (api *Api) GetHealth(c *gin.Context) {
	st, err := api.ctl.Status(c.Request.Context())
	if err != nil {
		sendStoreError(c, err)
		return
	}
	if st.LastHealthCheck == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, st.LastHealthCheck)
}

func (api *Api) RunHealthCheck(c *gin.Context) {
	res, err := api.ctl.RunHealthCheck(c.Request.Context())
	if err != nil {
		sendStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (api *Api) Advance(c *gin.Context) {
	var req actionRequest
	_ = c.ShouldBindJSON(&req)
	sendAction(c, api.ctl.Advance(c.Request.Context(), req.Reason, actor(c, req.Actor)))
}

func (api *Api) Rollback(c *gin.Context) {
	var req actionRequest
	_ = c.ShouldBindJSON(&req)
	sendAction(c, api.ctl.Rollback(c.Request.Context(), req.Reason, actor(c, req.Actor)))
}

func (api *Api) SetTenantOverride(c *gin.Context) {
	tenant := strings.TrimSpace(c.Param("tenantId"))
	var req tenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "enabled is required")
		return
	}
	sendAction(c, api.ctl.SetTenantOverride(c.Request.Context(), tenant, *req.Enabled, actor(c, req.Actor)))
}
