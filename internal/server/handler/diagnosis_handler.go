package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/azhengyongqin/diagsync/internal/hub"
	"github.com/azhengyongqin/diagsync/internal/logger"
	"github.com/azhengyongqin/diagsync/internal/middleware"
	"github.com/azhengyongqin/diagsync/internal/repository"
	"github.com/azhengyongqin/diagsync/internal/server/dto"
	"github.com/azhengyongqin/diagsync/sdk"
)

// DiagnosisHandler 诊断任务 API Handler
type DiagnosisHandler struct {
	svc *hub.Service
}

// NewDiagnosisHandler 创建 DiagnosisHandler
func NewDiagnosisHandler(svc *hub.Service) *DiagnosisHandler {
	return &DiagnosisHandler{svc: svc}
}

// CreateDiagnosis godoc
// @Summary 创建诊断任务
// @Description 创建诊断任务（初始状态 initializing）并入队执行
// @Tags Diagnosis
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body dto.CreateDiagnosisRequest false "任务创建请求"
// @Success 201 {object} dto.CreateDiagnosisResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse
// @Failure 503 {object} dto.ErrorResponse
// @Router /diagnosis [post]
func (h *DiagnosisHandler) CreateDiagnosis(c *gin.Context) {
	var req dto.CreateDiagnosisRequest
	// 请求体可为空
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	req.TaskID = middleware.SanitizeString(req.TaskID)
	if req.TaskID != "" && !middleware.ValidateTaskID(req.TaskID) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "task_id 格式无效"})
		return
	}

	task, err := h.svc.Create(c.Request.Context(), req.TaskID, req.Payload)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "task_id 已存在"})
			return
		}
		log := logger.WithRequestID(middleware.GetRequestID(c))
		log.Error().Err(err).Msg("创建诊断任务失败")
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, dto.CreateDiagnosisResponse{
		TaskID: task.TaskID,
		Status: task.Status,
	})
}

// ListDiagnosis godoc
// @Summary 诊断任务列表
// @Tags Diagnosis
// @Produce json
// @Security BearerAuth
// @Param status query string false "状态过滤"
// @Param limit query int false "分页大小"
// @Param offset query int false "偏移量"
// @Success 200 {object} dto.DiagnosisListResponse
// @Failure 400 {object} dto.ErrorResponse
// @Router /diagnosis [get]
func (h *DiagnosisHandler) ListDiagnosis(c *gin.Context) {
	var req dto.DiagnosisListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if req.Status != "" {
		st, err := sdk.ParseTaskState(req.Status)
		if err != nil || !middleware.ValidateStatus(string(st)) {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "status 无效"})
			return
		}
		req.Status = string(st)
	}

	items, total, err := h.svc.List(c.Request.Context(), repository.ListFilter{
		Status: req.Status,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.DiagnosisListResponse{Items: items, Total: total})
}

// GetDiagnosis godoc
// @Summary 诊断任务详情
// @Tags Diagnosis
// @Produce json
// @Security BearerAuth
// @Param task_id path string true "任务 ID"
// @Success 200 {object} dto.DiagnosisResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /diagnosis/{task_id} [get]
func (h *DiagnosisHandler) GetDiagnosis(c *gin.Context) {
	task, err := h.svc.Get(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.DiagnosisResponse{Item: *task})
}

// GetStatus godoc
// @Summary 任务状态快照
// @Description 客户端轮询使用，返回经过归一化的状态快照
// @Tags Diagnosis
// @Produce json
// @Security BearerAuth
// @Param task_id path string true "任务 ID"
// @Success 200 {object} dto.StatusResponse
// @Failure 401 {object} dto.ErrorResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /diagnosis/{task_id}/status [get]
func (h *DiagnosisHandler) GetStatus(c *gin.Context) {
	snap, err := h.svc.Status(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.StatusResponse{Item: snap})
}

// ReportStatus godoc
// @Summary 执行端上报进度
// @Description 状态必须可由当前状态经合法转换到达，否则返回 409
// @Tags Diagnosis
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param task_id path string true "任务 ID"
// @Param request body dto.ReportRequest true "进度上报"
// @Success 200 {object} dto.StatusResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 404 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse
// @Router /diagnosis/{task_id}/report [post]
func (h *DiagnosisHandler) ReportStatus(c *gin.Context) {
	var req dto.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	snap, err := h.svc.Report(c.Request.Context(), c.Param("task_id"), req.ToSDK())
	if err != nil {
		switch {
		case errors.Is(err, hub.ErrInvalidReport):
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		case errors.Is(err, sdk.ErrIllegalTransition):
			c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error()})
		default:
			writeLookupError(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, dto.StatusResponse{Item: snap})
}

func writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "任务不存在"})
		return
	}
	log := logger.WithRequestID(middleware.GetRequestID(c))
	log.Error().Err(err).Msg("查询诊断任务失败")
	c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
}
