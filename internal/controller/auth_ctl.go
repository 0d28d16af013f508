package controller

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cafe24_ops_v1/internal/api/dto"
	"cafe24_ops_v1/internal/middleware"
	"cafe24_ops_v1/internal/model"
	"cafe24_ops_v1/internal/service"
	"cafe24_ops_v1/pkg/cafe24"
)

// AuthController 凭证生命周期运维接口
type AuthController struct {
	authService *service.AuthService
	api         *cafe24.Client
	operatorKey string
}

func NewAuthController(authService *service.AuthService, api *cafe24.Client, operatorKey string) *AuthController {
	return &AuthController{authService: authService, api: api, operatorKey: operatorKey}
}

// ==================== 运维登录 ====================

// Login 操作员换取运维 JWT
// POST /api/auth/login
func (ctrl *AuthController) Login(c *gin.Context) {
	var req dto.LoginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "参数错误: " + err.Error()})
		return
	}
	if ctrl.operatorKey == "" || req.Key != ctrl.operatorKey {
		c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "message": "操作员密钥错误"})
		return
	}

	token, err := middleware.GenerateOperatorToken(req.Operator)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "签发 Token 失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": gin.H{"token": token}})
}

// ==================== 凭证状态 ====================

// Status 查看凭证状态（token 掩码）
// GET /api/auth/status
func (ctrl *AuthController) Status(c *gin.Context) {
	resp := dto.AuthStatusResp{State: ctrl.authService.State()}

	cred, err := ctrl.authService.Current()
	if err != nil {
		// 未安装 / 凭证损坏也属于可展示状态，不作为 HTTP 错误
		resp.State = ctrl.authService.State()
		c.JSON(http.StatusOK, gin.H{"code": 0, "message": errText(err), "data": resp})
		return
	}

	resp.MallID = cred.MallID
	resp.AccessToken = cafe24.MaskSecret(cred.AccessToken)
	resp.RefreshToken = cafe24.MaskSecret(cred.RefreshToken)
	resp.ExpiresAt = cred.AccessExpiresAt
	resp.RefreshExpiresAt = cred.RefreshExpiresAt
	resp.Scopes = cred.Scopes
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": resp})
}

// Refresh 手工触发一次强制刷新
// POST /api/auth/refresh
func (ctrl *AuthController) Refresh(c *gin.Context) {
	if err := ctrl.authService.ForceRefresh(c.Request.Context()); err != nil {
		c.JSON(statusOf(err), gin.H{"code": statusOf(err), "message": errText(err), "data": gin.H{"state": ctrl.authService.State()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": gin.H{"state": ctrl.authService.State()}})
}

// Me 平台侧 scope 自省，用于核对本地 scopes 与平台实际授权是否一致
// GET /api/auth/me
func (ctrl *AuthController) Me(c *gin.Context) {
	me, err := ctrl.api.Me(c.Request.Context())
	if err != nil {
		c.JSON(statusOf(err), gin.H{"code": statusOf(err), "message": errText(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": me})
}

// InstallCredential 注入初次授权得到的凭证
// POST /api/auth/credential
func (ctrl *AuthController) InstallCredential(c *gin.Context) {
	var req dto.CredentialInstallReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "参数错误: " + err.Error()})
		return
	}
	if req.IssuedAt.IsZero() {
		req.IssuedAt = time.Now()
	}

	cred := &model.Credential{
		MallID:           req.MallID,
		ClientID:         req.ClientID,
		ClientSecret:     req.ClientSecret,
		AccessToken:      req.AccessToken,
		RefreshToken:     req.RefreshToken,
		IssuedAt:         req.IssuedAt,
		AccessExpiresAt:  req.ExpiresAt,
		RefreshExpiresAt: req.RefreshExpiresAt,
		Scopes:           req.Scopes,
	}
	if err := ctrl.authService.Install(cred); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "凭证安装失败: " + errText(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": gin.H{"state": ctrl.authService.State()}})
}

// RemoveCredential 删除本地凭证
// DELETE /api/auth/credential
func (ctrl *AuthController) RemoveCredential(c *gin.Context) {
	if err := ctrl.authService.Uninstall(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "凭证删除失败: " + errText(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": gin.H{"state": ctrl.authService.State()}})
}

// ==================== 错误映射 ====================

// statusOf 错误类别到 HTTP 状态码的映射
func statusOf(err error) int {
	switch cafe24.KindOf(err) {
	case cafe24.KindValidation:
		return http.StatusBadRequest
	case cafe24.KindRefreshExpired, cafe24.KindRefreshRejected, cafe24.KindAuthFailed:
		return http.StatusUnauthorized
	case cafe24.KindForbidden:
		return http.StatusForbidden
	case cafe24.KindNotFound:
		return http.StatusNotFound
	case cafe24.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func errText(err error) string {
	var ce *cafe24.Error
	if errors.As(err, &ce) {
		return ce.Error()
	}
	return err.Error()
}
