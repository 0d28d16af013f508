package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"cafe24_ops_v1/internal/model"
	"cafe24_ops_v1/internal/repository"
	"cafe24_ops_v1/pkg/cafe24"
)

// ==================== 配置 ====================

// AuthOptions Token Manager 配置
type AuthOptions struct {
	// SafetyMargin 距离过期小于该余量的 token 视为已过期，吸收时钟偏差与在途延迟
	SafetyMargin time.Duration
	MaxRetries   int
	Timeout      time.Duration
	// TokenURL 留空时按 https://{mall_id}.cafe24api.com/api/v2/oauth/token 推导，测试用
	TokenURL string
}

const (
	defaultSafetyMargin = 60 * time.Second
	refreshFlightKey    = "refresh" // 单 mall 进程，全部刷新共用一个 flight
)

// ==================== Token Manager ====================

// AuthService 凭证生命周期管理
// 对外保证：返回的 access token 在返回瞬间（含安全余量）未过期；
// 并发刷新通过 singleflight 合并成一次网络调用，避免 refresh token 轮换自我作废
type AuthService struct {
	creds repository.CredentialRepository
	http  *resty.Client
	opts  AuthOptions
	log   *zap.Logger

	flight singleflight.Group

	mu    sync.Mutex
	state string

	// 测试注入用时钟
	now func() time.Time
}

// NewAuthService 创建 Token Manager
func NewAuthService(creds repository.CredentialRepository, opts AuthOptions, log *zap.Logger) *AuthService {
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = defaultSafetyMargin
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthService{
		creds: creds,
		http:  resty.New().SetTimeout(opts.Timeout),
		opts:  opts,
		log:   log,
		state: model.TokenStateValid,
		now:   time.Now,
	}
}

// State 当前状态机状态
func (s *AuthService) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *AuthService) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Install 注入初次授权得到的凭证（授权码交换在核心之外完成）
// 注入成功后状态机复位，re_consent_required 由此解除
func (s *AuthService) Install(cred *model.Credential) error {
	if err := s.creds.Save(cred); err != nil {
		return err
	}
	s.setState(model.TokenStateValid)
	s.log.Info("credential installed",
		zap.String("mall_id", cred.MallID),
		zap.String("access_token", cafe24.MaskSecret(cred.AccessToken)),
		zap.Time("expires_at", cred.AccessExpiresAt),
	)
	return nil
}

// Current 读取当前凭证（状态展示用，不触发刷新）
func (s *AuthService) Current() (*model.Credential, error) {
	return s.loadCredential()
}

// Uninstall 删除本地凭证（商家解除授权 / 换绑商城时使用）
// 删除后进入 re_consent_required，直到重新注入凭证
func (s *AuthService) Uninstall() error {
	if err := s.creds.Clear(); err != nil {
		return err
	}
	s.setState(model.TokenStateReconsentRequired)
	s.log.Info("credential removed")
	return nil
}

// Token 返回可用的 access token 与 mall_id
// 余量内新鲜则直接返回；否则合并进单一刷新航班等待结果
func (s *AuthService) Token(ctx context.Context) (string, string, error) {
	cred, err := s.loadCredential()
	if err != nil {
		return "", "", err
	}

	if s.fresh(cred) {
		s.setState(model.TokenStateValid)
		return cred.AccessToken, cred.MallID, nil
	}

	if !s.now().Before(cred.RefreshExpiresAt) {
		// refresh 窗口已过，不发任何网络请求
		s.setState(model.TokenStateReconsentRequired)
		return "", "", cafe24.NewError(cafe24.KindRefreshExpired, "refresh window elapsed, merchant re-consent required")
	}

	next, err := s.refreshShared(ctx, cred.AccessToken)
	if err != nil {
		return "", "", err
	}
	return next.AccessToken, next.MallID, nil
}

// ForceRefresh 无视本地过期判断强制刷新
// API Client 收到 401 时调用；若兄弟协程刚完成轮换则直接复用其结果
func (s *AuthService) ForceRefresh(ctx context.Context) error {
	cred, err := s.loadCredential()
	if err != nil {
		return err
	}
	if !s.now().Before(cred.RefreshExpiresAt) {
		s.setState(model.TokenStateReconsentRequired)
		return cafe24.NewError(cafe24.KindRefreshExpired, "refresh window elapsed, merchant re-consent required")
	}
	_, err = s.refreshShared(ctx, cred.AccessToken)
	return err
}

// ==================== 内部实现 ====================

func (s *AuthService) loadCredential() (*model.Credential, error) {
	cred, err := s.creds.Load()
	if err != nil {
		if errors.Is(err, repository.ErrCredentialMissing) {
			s.setState(model.TokenStateReconsentRequired)
			return nil, cafe24.WrapError(cafe24.KindRefreshExpired, "no credential installed, run the authorization-code exchange first", err)
		}
		// corrupt_credential 原样上抛
		return nil, err
	}
	return cred, nil
}

// fresh 余量判定：剩余寿命严格大于 SafetyMargin 才算新鲜
func (s *AuthService) fresh(cred *model.Credential) bool {
	return s.now().Add(s.opts.SafetyMargin).Before(cred.AccessExpiresAt)
}

// refreshShared N 个并发调用合并为一次刷新，等待者共享同一结果
func (s *AuthService) refreshShared(ctx context.Context, staleToken string) (*model.Credential, error) {
	v, err, _ := s.flight.Do(refreshFlightKey, func() (interface{}, error) {
		return s.refresh(ctx, staleToken)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Credential), nil
}

func (s *AuthService) refresh(ctx context.Context, staleToken string) (*model.Credential, error) {
	// 航班内重读：兄弟调用可能已完成轮换并落盘
	cred, err := s.loadCredential()
	if err != nil {
		return nil, err
	}
	if cred.AccessToken != staleToken && s.fresh(cred) {
		s.setState(model.TokenStateValid)
		return cred, nil
	}
	if !s.now().Before(cred.RefreshExpiresAt) {
		s.setState(model.TokenStateReconsentRequired)
		return nil, cafe24.NewError(cafe24.KindRefreshExpired, "refresh window elapsed, merchant re-consent required")
	}

	s.setState(model.TokenStateRefreshing)

	var resp *resty.Response
	for attempt := 0; ; attempt++ {
		resp, err = s.http.R().
			SetContext(ctx).
			SetBasicAuth(cred.ClientID, cred.ClientSecret).
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetFormData(map[string]string{
				"grant_type":    "refresh_token",
				"refresh_token": cred.RefreshToken,
			}).
			Post(s.tokenURL(cred.MallID))

		retryable := err != nil || resp.StatusCode() >= 500
		if !retryable || attempt >= s.opts.MaxRetries {
			break
		}
		if serr := sleepBackoff(ctx, attempt); serr != nil {
			s.setState(model.TokenStateRefreshFailed)
			return nil, cafe24.WrapError(cafe24.KindCancelled, "cancelled during refresh backoff", serr)
		}
		s.log.Warn("token refresh transient failure, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	if err != nil {
		s.setState(model.TokenStateRefreshFailed)
		if ctx.Err() != nil {
			return nil, cafe24.WrapError(cafe24.KindCancelled, "refresh cancelled", ctx.Err())
		}
		return nil, cafe24.WrapError(cafe24.KindUpstream, "token endpoint unreachable after retries", err)
	}

	switch {
	case resp.StatusCode() == http.StatusOK:
		// 成功，继续走轮换落盘
	case resp.StatusCode() >= 500:
		s.setState(model.TokenStateRefreshFailed)
		return nil, &cafe24.Error{Kind: cafe24.KindUpstream, StatusCode: resp.StatusCode(), Method: http.MethodPost, Path: "/api/v2/oauth/token", Message: "token endpoint 5xx after retries"}
	default:
		// 4xx：refresh token 已被消费或授权被撤销，重试没有意义
		s.setState(model.TokenStateReconsentRequired)
		return nil, &cafe24.Error{Kind: cafe24.KindRefreshRejected, StatusCode: resp.StatusCode(), Method: http.MethodPost, Path: "/api/v2/oauth/token", Message: fmt.Sprintf("vendor refused refresh: %s", resp.String())}
	}

	var tr cafe24.TokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		s.setState(model.TokenStateRefreshFailed)
		return nil, cafe24.WrapError(cafe24.KindUpstream, "decode token response", err)
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		s.setState(model.TokenStateRefreshFailed)
		return nil, cafe24.NewError(cafe24.KindUpstream, "token response missing token pair")
	}

	now := s.now()
	next := &model.Credential{
		MallID:           cred.MallID,
		ClientID:         cred.ClientID,
		ClientSecret:     cred.ClientSecret,
		AccessToken:      tr.AccessToken,
		RefreshToken:     tr.RefreshToken, // 平台每次刷新都轮换 refresh token，旧的立即作废
		IssuedAt:         now,
		AccessExpiresAt:  now.Add(time.Duration(tr.ExpiresIn) * time.Second),
		RefreshExpiresAt: cred.RefreshExpiresAt,
		Scopes:           cred.Scopes, // scope 授权期一次性确定
	}
	if tr.RefreshTokenExpiresIn > 0 {
		next.RefreshExpiresAt = now.Add(time.Duration(tr.RefreshTokenExpiresIn) * time.Second)
	}
	if next.AccessExpiresAt.After(next.RefreshExpiresAt) {
		next.AccessExpiresAt = next.RefreshExpiresAt
	}

	if err := s.creds.Save(next); err != nil {
		s.setState(model.TokenStateRefreshFailed)
		return nil, fmt.Errorf("persist rotated credential: %w", err)
	}

	s.setState(model.TokenStateValid)
	s.log.Info("access token refreshed",
		zap.String("mall_id", next.MallID),
		zap.String("access_token", cafe24.MaskSecret(next.AccessToken)),
		zap.String("refresh_token", cafe24.MaskSecret(next.RefreshToken)),
		zap.Time("expires_at", next.AccessExpiresAt),
	)
	return next, nil
}

func (s *AuthService) tokenURL(mallID string) string {
	if s.opts.TokenURL != "" {
		return s.opts.TokenURL
	}
	return fmt.Sprintf("https://%s.cafe24api.com/api/v2/oauth/token", mallID)
}

// sleepBackoff 500ms / 1s / 2s，±25% 抖动
func sleepBackoff(ctx context.Context, attempt int) error {
	base := 500 * time.Millisecond << uint(attempt)
	d := time.Duration(float64(base) * (0.75 + rand.Float64()*0.5))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
