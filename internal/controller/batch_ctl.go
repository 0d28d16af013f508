package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"cafe24_ops_v1/internal/api/dto"
	"cafe24_ops_v1/internal/repository"
	"cafe24_ops_v1/internal/service"
)

// BatchController 批量编辑提交与历史查询
type BatchController struct {
	bulkService *service.BulkService
	batchRepo   repository.BatchRepository
}

func NewBatchController(bulkService *service.BulkService, batchRepo repository.BatchRepository) *BatchController {
	return &BatchController{bulkService: bulkService, batchRepo: batchRepo}
}

// ==================== 提交 ====================

// Submit 提交一批编辑并同步等待报告
// POST /api/batches
// Content-Type 为 text/csv 时按表格解析，否则按 JSON 编辑数组
func (ctrl *BatchController) Submit(c *gin.Context) {
	var warnings []string
	var req dto.BatchSubmitReq
	source := "json"

	if isCSV(c.ContentType()) {
		source = "csv"
		edits, warns, err := service.ParseBatchCSV(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": errText(err), "warnings": warns})
			return
		}
		req.Edits, warnings = edits, warns
	} else {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "参数错误: " + err.Error()})
			return
		}
	}
	if len(req.Edits) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "没有可执行的编辑行", "warnings": warnings})
		return
	}

	report, err := ctrl.bulkService.Apply(c.Request.Context(), req.Edits, source)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"code": statusOf(err), "message": errText(err)})
		return
	}

	c.JSON(http.StatusOK, dto.BatchSubmitResp{
		Code:     0,
		Message:  "success",
		Warnings: warnings,
		Data:     report,
	})
}

func isCSV(contentType string) bool {
	return contentType == "text/csv" || contentType == "application/csv"
}

// ==================== 历史查询 ====================

// List 批次历史
// GET /api/batches
func (ctrl *BatchController) List(c *gin.Context) {
	var req dto.BatchListReq
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "参数错误: " + err.Error()})
		return
	}

	jobs, total, err := ctrl.batchRepo.List(c.Request.Context(), req.Page, req.PageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "查询失败: " + err.Error()})
		return
	}

	respList := make([]dto.BatchJobResp, 0, len(jobs))
	for i := range jobs {
		j := &jobs[i]
		respList = append(respList, dto.BatchJobResp{
			ID:             j.ID,
			Status:         j.Status,
			Source:         j.Source,
			TotalEdits:     j.TotalEdits,
			AppliedCount:   j.AppliedCount,
			PartialCount:   j.PartialCount,
			FailedCount:    j.FailedCount,
			NoOpCount:      j.NoOpCount,
			CancelledCount: j.CancelledCount,
			StartedAt:      j.StartedAt,
			FinishedAt:     j.FinishedAt,
		})
	}

	c.JSON(http.StatusOK, dto.BatchListResp{
		Code:     0,
		Message:  "success",
		Data:     respList,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
	})
}

// GetDetail 批次明细（含每条编辑的调用记录与前后快照）
// GET /api/batches/:id
func (ctrl *BatchController) GetDetail(c *gin.Context) {
	id := c.Param("id")
	job, err := ctrl.batchRepo.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "message": "批次不存在"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": job})
}
