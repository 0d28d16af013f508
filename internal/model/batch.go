package model

import (
	"time"

	"gorm.io/datatypes"

	"cafe24_ops_v1/pkg/cafe24"
)

// ==================== 编辑请求（引擎输入） ====================

// 编辑作用域
const (
	EditScopeBaseOnly         = "base-only"
	EditScopeAllVariants      = "all-variants"
	EditScopeSpecificVariants = "specific-variants"
)

// 引擎识别的可编辑字段
const (
	FieldPrice       = "price"
	FieldSupplyPrice = "supply_price"
	FieldRetailPrice = "retail_price"
	FieldQuantity    = "quantity"
	FieldDisplay     = "display"
	FieldSelling     = "selling"
)

// RecognizedFields 识别字段集合，表头校验与输入校验共用
var RecognizedFields = map[string]bool{
	FieldPrice:       true,
	FieldSupplyPrice: true,
	FieldRetailPrice: true,
	FieldQuantity:    true,
	FieldDisplay:     true,
	FieldSelling:     true,
}

// EditRequest 单条商品编辑
type EditRequest struct {
	ProductNo    int               `json:"product_no"`
	Changes      map[string]string `json:"changes"`
	Scope        string            `json:"scope,omitempty"`
	VariantCodes []string          `json:"variant_codes,omitempty"`
}

// ==================== 编辑结果（引擎输出） ====================

// 编辑结果状态
const (
	EditStatusApplied   = "applied"
	EditStatusPartial   = "partial"
	EditStatusFailed    = "failed"
	EditStatusNoOp      = "no-op"
	EditStatusCancelled = "cancelled"
)

// EditResult 单条编辑的执行结果
// Before/After 为实际观测到的店面状态快照（仅涉及被编辑的字段）
type EditResult struct {
	ProductNo int                 `json:"product_no"`
	Status    string              `json:"status"`
	ErrorCode string              `json:"error_code,omitempty"`
	ErrorMsg  string              `json:"error_msg,omitempty"`
	Calls     []cafe24.CallRecord `json:"calls"`
	Before    map[string]string   `json:"before,omitempty"`
	After     map[string]string   `json:"after,omitempty"`
}

// Report 一次批量执行的完整报告
type Report struct {
	BatchID    string       `json:"batch_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Results    []EditResult `json:"results"`
}

// Count 统计指定状态的结果条数
func (r *Report) Count(status string) int {
	n := 0
	for i := range r.Results {
		if r.Results[i].Status == status {
			n++
		}
	}
	return n
}

// ==================== 审计落库模型 ====================

// 批次状态
const (
	BatchStatusRunning  = "running"
	BatchStatusFinished = "finished"
)

// BatchJob 批次执行记录
type BatchJob struct {
	ID             string `gorm:"primaryKey;size:36"`
	Status         string `gorm:"size:20;index"`
	Source         string `gorm:"size:20"` // csv / json
	TotalEdits     int
	AppliedCount   int
	PartialCount   int
	FailedCount    int
	NoOpCount      int
	CancelledCount int
	StartedAt      time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Edits []BatchEdit `gorm:"foreignKey:BatchID"`
}

func (BatchJob) TableName() string { return "batch_jobs" }

// BatchEdit 批次内单条编辑的审计记录
// Calls/Before/After 以 JSON 形式整体保存，便于 sqlite / postgres 同构
type BatchEdit struct {
	BaseModel
	BatchID   string `gorm:"index;size:36;not null"`
	ProductNo int    `gorm:"index"`
	Status    string `gorm:"size:20;index"`
	ErrorCode string `gorm:"size:40"`
	ErrorMsg  string `gorm:"type:text"`
	Calls     datatypes.JSON
	Before    datatypes.JSON
	After     datatypes.JSON
}

func (BatchEdit) TableName() string { return "batch_edits" }
