package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/rolloutguard/internal/alerting/model"
)

// ruleRequest 规则写入请求；enabled 缺省时新建为启用，更新保持原值
type ruleRequest struct {
	model.AlertRule
	Enabled *bool `json:"enabled"`
}

type ruleListResponse struct {
	Items []model.AlertRule `json:"items"`
}

func (api *Api) ListRules(c *gin.Context) {
	c.JSON(http.StatusOK, ruleListResponse{Items: api.engine.GetRules()})
}

func (api *Api) GetRule(c *gin.Context) {
	id := c.Param("id")
	rule, ok := api.engine.GetRule(id)
	if !ok {
		sendError(c, http.StatusNotFound, ErrorCodeNotFound, "alert rule not found: "+id)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (api *Api) CreateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "invalid request body: "+err.Error())
		return
	}
	rule := req.AlertRule
	rule.Enabled = req.Enabled == nil || *req.Enabled
	created, err := api.engine.AddRule(c.Request.Context(), rule)
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (api *Api) UpdateRule(c *gin.Context) {
	id := c.Param("id")
	existing, ok := api.engine.GetRule(id)
	if !ok {
		sendError(c, http.StatusNotFound, ErrorCodeNotFound, "alert rule not found: "+id)
		return
	}
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "invalid request body: "+err.Error())
		return
	}
	rule := req.AlertRule
	rule.Enabled = existing.Enabled
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	updated, err := api.engine.UpdateRule(c.Request.Context(), id, rule)
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (api *Api) DeleteRule(c *gin.Context) {
	if err := api.engine.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		sendServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (api *Api) EnableRule(c *gin.Context) {
	api.toggleRule(c, true)
}

func (api *Api) DisableRule(c *gin.Context) {
	api.toggleRule(c, false)
}

func (api *Api) toggleRule(c *gin.Context, enabled bool) {
	id := c.Param("id")
	var err error
	if enabled {
		err = api.engine.EnableRule(c.Request.Context(), id)
	} else {
		err = api.engine.DisableRule(c.Request.Context(), id)
	}
	if err != nil {
		sendServiceError(c, err)
		return
	}
	rule, _ := api.engine.GetRule(id)
	c.JSON(http.StatusOK, rule)
}
