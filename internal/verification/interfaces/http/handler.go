package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/marketverify/internal/verification/application"
	"github.com/wyfcoding/marketverify/internal/verification/domain"
	"github.com/wyfcoding/marketverify/pkg/logger"
)

// HTTP 处理器
// 负责校验流水线的运维接口：手动任务、结果查询、死信队列管理
type VerificationHandler struct {
	scheduler *application.Scheduler
	results   domain.ResultRepository
	dlq       domain.DeadLetterStore
	loc       *time.Location
}

// 创建 HTTP 处理器实例
func NewVerificationHandler(
	scheduler *application.Scheduler,
	results domain.ResultRepository,
	dlq domain.DeadLetterStore,
	loc *time.Location,
) *VerificationHandler {
	return &VerificationHandler{scheduler: scheduler, results: results, dlq: dlq, loc: loc}
}

// 注册路由
func (h *VerificationHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Health)

	api := router.Group("/api/v1")
	{
		api.POST("/verifications", h.SubmitVerification)
		api.POST("/recoveries", h.SubmitRecovery)
		api.GET("/results", h.ListResults)
		api.GET("/results/:symbol/:minute", h.GetResult)
		api.GET("/dlq", h.ListDeadLetters)
		api.POST("/dlq/requeue", h.RequeueDeadLetters)
	}
}

// SubmitVerificationRequest 手动校验请求
// Minute 与 Date 二选一；Symbols 为空时覆盖全部标的
type SubmitVerificationRequest struct {
	Symbols []string `json:"symbols"`
	Minute  string   `json:"minute"` // 2006-01-02T15:04，市场时区
	Date    string   `json:"date"`   // 2006-01-02
}

// SubmitVerification 提交手动校验任务（高优先级）
func (h *VerificationHandler) SubmitVerification(c *gin.Context) {
	var req SubmitVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if (req.Minute == "") == (req.Date == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of minute and date is required"})
		return
	}

	var minute time.Time
	if req.Minute != "" {
		var err error
		minute, err = time.ParseInLocation("2006-01-02T15:04", req.Minute, h.loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid minute, expected 2006-01-02T15:04"})
			return
		}
	}
	if req.Date != "" {
		if _, err := time.Parse("2006-01-02", req.Date); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date, expected 2006-01-02"})
			return
		}
	}

	tasks, err := h.scheduler.EmitManual(c.Request.Context(), req.Symbols, minute, req.Date)
	if err != nil {
		logger.Error(c.Request.Context(), "failed to submit manual verification", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	c.JSON(http.StatusAccepted, gin.H{"submitted": len(ids), "task_ids": ids})
}

// SubmitRecoveryRequest 单分钟补救请求
type SubmitRecoveryRequest struct {
	Symbol string `json:"symbol" binding:"required"`
	Minute string `json:"minute" binding:"required"` // 2006-01-02T15:04，市场时区
}

// SubmitRecovery 对单个分钟提交高优先级补救任务
// 供下游消费者发现缺口时回调
func (h *VerificationHandler) SubmitRecovery(c *gin.Context) {
	var req SubmitRecoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	minute, err := time.ParseInLocation("2006-01-02T15:04", req.Minute, h.loc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid minute, expected 2006-01-02T15:04"})
		return
	}

	task, err := h.scheduler.EmitRecovery(c.Request.Context(), req.Symbol, minute)
	if errors.Is(err, domain.ErrDuplicateTask) {
		c.JSON(http.StatusConflict, gin.H{"error": "verification already pending for this minute"})
		return
	}
	if err != nil {
		logger.Error(c.Request.Context(), "failed to submit recovery", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID})
}

// ListResults 查询最近的校验结果
func (h *VerificationHandler) ListResults(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	results, err := h.results.Recent(c.Request.Context(), limit)
	if err != nil {
		logger.Error(c.Request.Context(), "failed to list results", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": renderResults(results)})
}

// GetResult 查询单个分钟的校验结果
func (h *VerificationHandler) GetResult(c *gin.Context) {
	symbol := c.Param("symbol")
	minute, err := time.ParseInLocation("2006-01-02T15:04", c.Param("minute"), h.loc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid minute, expected 2006-01-02T15:04"})
		return
	}

	key := domain.NewMinuteKey(symbol, minute, h.loc)
	result, err := h.results.GetByMinute(c.Request.Context(), key)
	if err != nil {
		logger.Error(c.Request.Context(), "failed to get result", "key", key.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	c.JSON(http.StatusOK, renderResult(result))
}

// ListDeadLetters 查看死信队列
func (h *VerificationHandler) ListDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	letters, err := h.dlq.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		logger.Error(c.Request.Context(), "failed to list dead letters", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": letters})
}

// RequeueDeadLettersRequest 死信重放请求
type RequeueDeadLettersRequest struct {
	Limit int `json:"limit"`
}

// RequeueDeadLetters 将死信重新投递回普通队列
func (h *VerificationHandler) RequeueDeadLetters(c *gin.Context) {
	var req RequeueDeadLettersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	moved, err := h.dlq.RequeueDeadLetters(c.Request.Context(), req.Limit)
	if err != nil {
		logger.Error(c.Request.Context(), "failed to requeue dead letters", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": moved})
}

// Health 健康检查
func (h *VerificationHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type resultView struct {
	TaskID     string `json:"task_id"`
	Symbol     string `json:"symbol"`
	Minute     string `json:"minute"`
	Status     string `json:"status"`
	Confidence string `json:"confidence"`
	PriceMatch bool   `json:"price_match"`
	VolumeGap  string `json:"volume_gap"`
	LocalVol   string `json:"local_volume"`
	AuthVol    string `json:"auth_volume"`
	Message    string `json:"message,omitempty"`
	DecidedAt  string `json:"decided_at"`
}

func renderResult(r *domain.VerificationResult) resultView {
	return resultView{
		TaskID:     r.TaskID,
		Symbol:     r.Key.Symbol,
		Minute:     r.Key.Minute.Format("2006-01-02T15:04"),
		Status:     r.Status.String(),
		Confidence: r.Confidence.String(),
		PriceMatch: r.PriceMatch,
		VolumeGap:  r.VolumeGap.String(),
		LocalVol:   r.LocalVol.String(),
		AuthVol:    r.AuthVol.String(),
		Message:    r.Message,
		DecidedAt:  r.DecidedAt.Format(time.RFC3339),
	}
}

func renderResults(results []*domain.VerificationResult) []resultView {
	views := make([]resultView, 0, len(results))
	for _, r := range results {
		views = append(views, renderResult(r))
	}
	return views
}
