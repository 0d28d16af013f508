package dto

import (
	"time"

	"cafe24_ops_v1/internal/model"
)

// ================== Batch DTO ==================

// BatchSubmitReq JSON 方式提交批量编辑
type BatchSubmitReq struct {
	Edits []model.EditRequest `json:"edits" binding:"required"`
}

// BatchSubmitResp 批量执行结果响应
type BatchSubmitResp struct {
	Code     int           `json:"code"`
	Message  string        `json:"message"`
	Warnings []string      `json:"warnings,omitempty"` // CSV 解析时跳过的行
	Data     *model.Report `json:"data"`
}

// BatchListReq 批次历史列表请求
type BatchListReq struct {
	Page     int `form:"page,default=1"`
	PageSize int `form:"page_size,default=20"`
}

// BatchJobResp 批次记录响应（列表项，不含明细）
type BatchJobResp struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	Source         string     `json:"source"`
	TotalEdits     int        `json:"total_edits"`
	AppliedCount   int        `json:"applied_count"`
	PartialCount   int        `json:"partial_count"`
	FailedCount    int        `json:"failed_count"`
	NoOpCount      int        `json:"no_op_count"`
	CancelledCount int        `json:"cancelled_count"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
}

// BatchListResp 批次历史列表响应
type BatchListResp struct {
	Code     int            `json:"code"`
	Message  string         `json:"message"`
	Data     []BatchJobResp `json:"data"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// ================== Auth DTO ==================

// LoginReq 运维登录请求
type LoginReq struct {
	Operator string `json:"operator" binding:"required"`
	Key      string `json:"key" binding:"required"`
}

// CredentialInstallReq 注入初次授权凭证请求
// 授权码交换在进程之外完成，这里接收完整凭证
type CredentialInstallReq struct {
	MallID           string    `json:"mall_id" binding:"required"`
	ClientID         string    `json:"client_id" binding:"required"`
	ClientSecret     string    `json:"client_secret" binding:"required"`
	AccessToken      string    `json:"access_token" binding:"required"`
	RefreshToken     string    `json:"refresh_token" binding:"required"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at" binding:"required"`
	RefreshExpiresAt time.Time `json:"refresh_token_expires_at" binding:"required"`
	Scopes           []string  `json:"scopes"`
}

// AuthStatusResp 凭证状态响应，token 一律掩码展示
type AuthStatusResp struct {
	State            string    `json:"state"`
	MallID           string    `json:"mall_id,omitempty"`
	AccessToken      string    `json:"access_token,omitempty"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_token_expires_at,omitempty"`
	Scopes           []string  `json:"scopes,omitempty"`
}

// ================== Product DTO ==================

// ProductListReq 商品列表请求（店面实时查询，非本地库）
type ProductListReq struct {
	Limit  int    `form:"limit,default=20"`
	Cursor string `form:"cursor"`
}
