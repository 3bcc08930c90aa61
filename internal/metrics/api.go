package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fox-gonic/fox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	ErrorCodeInvalidParameter = "INVALID_PARAMETER"
	ErrorCodeNotFound         = "NOT_FOUND"
	ErrorCodeInternalError    = "INTERNAL_ERROR"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Metric  string `json:"metric,omitempty"`
}

// ObserveRequest 指标写入请求体
type ObserveRequest struct {
	Op     string  `json:"op,omitempty"`
	Value  float64 `json:"value"`
	Labels Labels  `json:"labels,omitempty"`
}

// Api 指标写入与导出接口
type Api struct {
	registry *Registry
	exporter http.Handler
}

// NewApi 创建指标 API 并注册路由。gatherer 为 /metrics 暴露的数据源，
// 为空时只导出 registry 自身。
func NewApi(registry *Registry, gatherer prometheus.Gatherer, router *fox.Engine) (*Api, error) {
	if gatherer == nil {
		reg := prometheus.NewRegistry()
		if err := reg.Register(registry); err != nil {
			return nil, fmt.Errorf("register metrics collector: %w", err)
		}
		gatherer = reg
	}
	api := &Api{
		registry: registry,
		exporter: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}),
	}
	api.setupRouters(router)
	return api, nil
}

// setupRouters 设置路由
func (api *Api) setupRouters(router *fox.Engine) {
	router.GET("/metrics", api.Export)
	router.GET("/v1/metrics/snapshot", api.Snapshot)
	router.GET("/v1/metrics/series/:name", api.GetSeries)
	router.POST("/v1/metrics/counter/:name", api.IncrementCounter)
	router.POST("/v1/metrics/gauge/:name", api.UpdateGauge)
	router.POST("/v1/metrics/histogram/:name", api.ObserveHistogram)
}

// Export Prometheus 文本格式导出（GET /metrics）
func (api *Api) Export(c *fox.Context) {
	api.exporter.ServeHTTP(c.Writer, c.Request)
}

// Snapshot JSON 快照（GET /v1/metrics/snapshot）
func (api *Api) Snapshot(c *fox.Context) {
	c.JSON(http.StatusOK, api.registry.JSONSnapshot())
}

// GetSeries 查询单个指标的全部序列（GET /v1/metrics/series/:name）
func (api *Api) GetSeries(c *fox.Context) {
	name := c.Param("name")
	kind, ok := api.registry.Kind(name)
	if !ok {
		sendErrorResponse(c, http.StatusNotFound, ErrorCodeNotFound, fmt.Sprintf("指标 '%s' 不存在", name), name)
		return
	}
	c.JSON(http.StatusOK, map[string]interface{}{
		"name":   name,
		"type":   kind.String(),
		"series": api.registry.Series(name),
	})
}

// IncrementCounter 计数器累加（POST /v1/metrics/counter/:name），value 缺省为 1
func (api *Api) IncrementCounter(c *fox.Context) {
	name := c.Param("name")
	var req ObserveRequest
	if !bindObserve(c, &req) {
		return
	}
	delta := req.Value
	if delta == 0 {
		delta = 1
	}
	if delta < 0 {
		sendErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidParameter, "计数器增量不能为负数", name)
		return
	}
	if err := api.registry.IncrementCounter(name, delta, req.Labels); err != nil {
		api.handleWriteError(c, err, name)
		return
	}
	c.JSON(http.StatusOK, map[string]interface{}{
		"status": "success",
		"value":  api.registry.GetCounterValue(name, req.Labels),
	})
}

// UpdateGauge 仪表值更新（POST /v1/metrics/gauge/:name），op 取 set|inc|dec
func (api *Api) UpdateGauge(c *fox.Context) {
	name := c.Param("name")
	var req ObserveRequest
	if !bindObserve(c, &req) {
		return
	}
	var err error
	switch req.Op {
	case "", "set":
		err = api.registry.SetGauge(name, req.Value, req.Labels)
	case "inc":
		err = api.registry.IncrementGauge(name, orOne(req.Value), req.Labels)
	case "dec":
		err = api.registry.DecrementGauge(name, orOne(req.Value), req.Labels)
	default:
		sendErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidParameter,
			fmt.Sprintf("参数 'op' 取值无效: %s", req.Op), name)
		return
	}
	if err != nil {
		api.handleWriteError(c, err, name)
		return
	}
	c.JSON(http.StatusOK, map[string]interface{}{
		"status": "success",
		"value":  api.registry.GetGaugeValue(name, req.Labels),
	})
}

// ObserveHistogram 直方图观测（POST /v1/metrics/histogram/:name），直方图必须预先注册
func (api *Api) ObserveHistogram(c *fox.Context) {
	name := c.Param("name")
	var req ObserveRequest
	if !bindObserve(c, &req) {
		return
	}
	if err := api.registry.ObserveHistogram(name, req.Value, req.Labels); err != nil {
		api.handleWriteError(c, err, name)
		return
	}
	stats, _ := api.registry.GetHistogramStats(name, req.Labels)
	c.JSON(http.StatusOK, map[string]interface{}{
		"status": "success",
		"value":  stats,
	})
}

func bindObserve(c *fox.Context, req *ObserveRequest) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		sendErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidParameter,
			"Invalid request body: "+err.Error(), c.Param("name"))
		return false
	}
	return true
}

func orOne(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

// handleWriteError 将 registry 错误映射为 HTTP 响应
func (api *Api) handleWriteError(c *fox.Context, err error, name string) {
	switch {
	case errors.Is(err, ErrUnknownHistogram):
		sendErrorResponse(c, http.StatusNotFound, ErrorCodeNotFound, fmt.Sprintf("直方图 '%s' 未注册", name), name)
	case errors.Is(err, ErrKindMismatch), errors.Is(err, ErrInvalidName):
		sendErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidParameter, err.Error(), name)
	default:
		log.Error().Err(err).Str("metric", name).Msg("failed to write metric")
		sendErrorResponse(c, http.StatusInternalServerError, ErrorCodeInternalError, "写入指标失败", name)
	}
}

func sendErrorResponse(c *fox.Context, statusCode int, code, message, metric string) {
	c.JSON(statusCode, ErrorResponse{Error: ErrorDetail{Code: code, Message: message, Metric: metric}})
}
