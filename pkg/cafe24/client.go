package cafe24

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ==================== 常量与配置 ====================

const (
	// HeaderAPIVersion 版本头，版本为进程级固定配置，不做逐请求协商
	HeaderAPIVersion  = "X-Cafe24-Api-Version"
	DefaultAPIVersion = "2025-06-01"

	DefaultTimeout    = 20 * time.Second
	DefaultMaxRetries = 3

	// 平台限流未公开文档化，默认值取保守的 2 QPS / 突发 5
	DefaultRateLimit = 2.0
	DefaultRateBurst = 5
)

// TokenSource 由 Token Manager 实现
// Client 永远不直接读取凭证文件，一切 token 读取 / 刷新都走这里
type TokenSource interface {
	// Token 返回当前可用的 access token 与 mall_id
	Token(ctx context.Context) (accessToken string, mallID string, err error)
	// ForceRefresh 收到 401 时强制刷新（本地时钟可能有偏差，或平台侧已吊销）
	ForceRefresh(ctx context.Context) error
}

// Options Client 配置
type Options struct {
	APIVersion string
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64
	RateBurst  int
	// BaseURL 留空时按 https://{mall_id}.cafe24api.com 推导，测试时可指向 httptest 服务
	BaseURL string
	Logger  *zap.Logger
}

// Client 平台 REST API 客户端
// 重试 / 限流 / 401 透明恢复全部集中在这一层，上层调用方不再自行循环
type Client struct {
	http       *resty.Client
	tokens     TokenSource
	limiter    *rate.Limiter
	version    string
	maxRetries int
	baseURL    string
	log        *zap.Logger
}

// NewClient 创建客户端
func NewClient(tokens TokenSource, opts Options) *Client {
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = DefaultRateBurst
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", "cafe24-ops/1.0")

	return &Client{
		http:       httpClient,
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		version:    opts.APIVersion,
		maxRetries: opts.MaxRetries,
		baseURL:    opts.BaseURL,
		log:        opts.Logger,
	}
}

// ==================== 调用日志（供引擎收集诊断） ====================

// CallRecord 单次逻辑调用的诊断记录
type CallRecord struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	Status   int    `json:"status"`
	Attempts int    `json:"attempts"`
}

// CallLog 按 context 传递的调用记录收集器
type CallLog struct {
	mu      sync.Mutex
	records []CallRecord
}

func (l *CallLog) add(r CallRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
}

// Records 返回已收集记录的副本
func (l *CallLog) Records() []CallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CallRecord, len(l.records))
	copy(out, l.records)
	return out
}

type ctxKey int

const callLogKey ctxKey = iota

// WithCallLog 在 ctx 上挂载调用记录收集器
func WithCallLog(ctx context.Context, log *CallLog) context.Context {
	return context.WithValue(ctx, callLogKey, log)
}

func callLogFrom(ctx context.Context) *CallLog {
	if l, ok := ctx.Value(callLogKey).(*CallLog); ok {
		return l
	}
	return nil
}

// ==================== 核心调用 ====================

// Call 发起一次平台 API 调用，返回响应体
// 写接口的 body 自动套上平台要求的 {"request": {"{resource}": {...}}} 包裹
func (c *Client) Call(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, error) {
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (*resty.Response, error) {
	var payload []byte
	if body != nil {
		wrapped := body
		if isMutating(method) {
			wrapped = map[string]interface{}{
				"request": map[string]interface{}{resourceForPath(path): body},
			}
		}
		var err error
		payload, err = json.Marshal(wrapped)
		if err != nil {
			return nil, WrapError(KindValidation, "marshal request body", err)
		}
	}

	attempts := 0 // 实际发出的请求次数
	retried := 0  // 已消耗的重试预算
	authRetried := false

	finish := func(status int, resp *resty.Response, err error) (*resty.Response, error) {
		if l := callLogFrom(ctx); l != nil {
			l.add(CallRecord{Method: method, Path: path, Status: status, Attempts: attempts})
		}
		return resp, err
	}

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return finish(0, nil, &Error{Kind: KindCancelled, Method: method, Path: path, Attempts: attempts, Message: "cancelled while waiting for rate limiter", Err: err})
		}

		token, mallID, err := c.tokens.Token(ctx)
		if err != nil {
			// Token Manager 已给出分类错误（refresh_expired 等），原样上抛
			return finish(0, nil, err)
		}

		req := c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+token).
			SetHeader("Content-Type", "application/json").
			SetHeader(HeaderAPIVersion, c.version)
		if query != nil {
			req.SetQueryParamsFromValues(query)
		}
		if payload != nil {
			req.SetBody(payload)
		}

		start := time.Now()
		resp, err := req.Execute(method, c.endpoint(mallID)+path)
		attempts++

		status := 0
		if resp != nil && err == nil {
			status = resp.StatusCode()
		}
		c.log.Info("cafe24 api call",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int("attempt", attempts),
			zap.Duration("latency", time.Since(start)),
			zap.String("token", MaskSecret(token)),
		)

		// 网络层失败：服务端未给出任何响应，POST 也允许重试
		if err != nil {
			if ctx.Err() != nil {
				return finish(0, nil, &Error{Kind: KindCancelled, Method: method, Path: path, Attempts: attempts, Message: "request cancelled", Err: ctx.Err()})
			}
			if retried >= c.maxRetries {
				return finish(0, nil, &Error{Kind: KindUpstream, Method: method, Path: path, Attempts: attempts, Message: "network failure after retries", Err: err})
			}
			if serr := sleepCtx(ctx, upstreamBackoff(retried)); serr != nil {
				return finish(0, nil, &Error{Kind: KindCancelled, Method: method, Path: path, Attempts: attempts, Message: "cancelled during backoff", Err: serr})
			}
			retried++
			continue
		}

		switch {
		case status >= 200 && status < 300:
			return finish(status, resp, nil)

		case status == http.StatusUnauthorized:
			// 本地时钟认为 token 新鲜也可能被平台拒绝，强制刷新后重放一次
			if authRetried {
				return finish(status, nil, &Error{Kind: KindAuthFailed, StatusCode: status, Method: method, Path: path, Attempts: attempts, Message: "still unauthorized after forced refresh"})
			}
			authRetried = true
			if rerr := c.tokens.ForceRefresh(ctx); rerr != nil {
				return finish(status, nil, rerr)
			}
			continue

		case status == http.StatusForbidden:
			return finish(status, nil, &Error{Kind: KindForbidden, StatusCode: status, Method: method, Path: path, Attempts: attempts, Message: "missing scope"})

		case status == http.StatusNotFound:
			return finish(status, nil, &Error{Kind: KindNotFound, StatusCode: status, Method: method, Path: path, Attempts: attempts, Message: "resource not found"})

		case status == http.StatusTooManyRequests:
			// 服务端已响应，POST 不再重放
			if method == http.MethodPost || retried >= c.maxRetries {
				return finish(status, nil, &Error{Kind: KindRateLimited, StatusCode: status, Method: method, Path: path, Attempts: attempts, Message: "rate limited"})
			}
			if serr := sleepCtx(ctx, rateLimitBackoff(resp, retried)); serr != nil {
				return finish(status, nil, &Error{Kind: KindCancelled, Method: method, Path: path, Attempts: attempts, Message: "cancelled during backoff", Err: serr})
			}
			retried++
			continue

		case status >= 500:
			if method == http.MethodPost || retried >= c.maxRetries {
				return finish(status, nil, &Error{Kind: KindUpstream, StatusCode: status, Method: method, Path: path, Attempts: attempts, Message: truncateBody(resp)})
			}
			if serr := sleepCtx(ctx, upstreamBackoff(retried)); serr != nil {
				return finish(status, nil, &Error{Kind: KindCancelled, Method: method, Path: path, Attempts: attempts, Message: "cancelled during backoff", Err: serr})
			}
			retried++
			continue

		default:
			// 其余 4xx：请求本身不被平台接受，归为输入问题
			return finish(status, nil, &Error{Kind: KindValidation, StatusCode: status, Method: method, Path: path, Attempts: attempts, Message: truncateBody(resp)})
		}
	}
}

func (c *Client) endpoint(mallID string) string {
	if c.baseURL != "" {
		return c.baseURL
	}
	return fmt.Sprintf("https://%s.cafe24api.com", mallID)
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// resourceForPath 由路径推导包裹资源名
func resourceForPath(path string) string {
	if strings.Contains(path, "/variants") {
		return "variant"
	}
	return "product"
}

func truncateBody(resp *resty.Response) string {
	body := strings.TrimSpace(resp.String())
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return body
}

// ==================== 重试节奏 ====================

// upstreamBackoff 500ms / 1s / 2s，±25% 抖动
func upstreamBackoff(retried int) time.Duration {
	base := 500 * time.Millisecond << uint(retried)
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(base) * jitter)
}

// rateLimitBackoff 优先使用 Retry-After，否则 2s / 4s / 8s
func rateLimitBackoff(resp *resty.Response, retried int) time.Duration {
	if ra := resp.Header().Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 2 * time.Second << uint(retried)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// MaskSecret 日志中只保留秘钥末 4 位
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// ==================== 类型化接口 ====================

// GetProduct 读商品
func (c *Client) GetProduct(ctx context.Context, productNo int) (*Product, error) {
	body, err := c.Call(ctx, http.MethodGet, fmt.Sprintf("/api/v2/admin/products/%d", productNo), nil, nil)
	if err != nil {
		return nil, err
	}
	var env productEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, WrapError(KindUpstream, "decode product response", err)
	}
	return &env.Product, nil
}

// UpdateProduct 更新商品字段
func (c *Client) UpdateProduct(ctx context.Context, productNo int, fields map[string]interface{}) (*Product, error) {
	body, err := c.Call(ctx, http.MethodPut, fmt.Sprintf("/api/v2/admin/products/%d", productNo), nil, fields)
	if err != nil {
		return nil, err
	}
	var env productEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, WrapError(KindUpstream, "decode product response", err)
	}
	return &env.Product, nil
}

// ListVariants 枚举商品变体
func (c *Client) ListVariants(ctx context.Context, productNo int) ([]Variant, error) {
	body, err := c.Call(ctx, http.MethodGet, fmt.Sprintf("/api/v2/admin/products/%d/variants", productNo), nil, nil)
	if err != nil {
		return nil, err
	}
	var env variantsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, WrapError(KindUpstream, "decode variants response", err)
	}
	return env.Variants, nil
}

// UpdateVariant 更新单个变体
func (c *Client) UpdateVariant(ctx context.Context, productNo int, variantCode string, fields map[string]interface{}) (*Variant, error) {
	body, err := c.Call(ctx, http.MethodPut, fmt.Sprintf("/api/v2/admin/products/%d/variants/%s", productNo, variantCode), nil, fields)
	if err != nil {
		return nil, err
	}
	var env variantEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, WrapError(KindUpstream, "decode variant response", err)
	}
	return &env.Variant, nil
}

// ListProducts 分页读商品列表
// 平台翻页通过响应头里的 cursor link 进行，返回下一页 cursor（空串表示无下一页）
func (c *Client) ListProducts(ctx context.Context, limit int, cursor string) ([]Product, string, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	resp, err := c.do(ctx, http.MethodGet, "/api/v2/admin/products", query, nil)
	if err != nil {
		return nil, "", err
	}
	var env productsEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, "", WrapError(KindUpstream, "decode products response", err)
	}
	return env.Products, nextCursor(resp.Header().Get("Link")), nil
}

// Me scope 自省
func (c *Client) Me(ctx context.Context) (*Me, error) {
	body, err := c.Call(ctx, http.MethodGet, "/api/v2/oauth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	var me Me
	if err := json.Unmarshal(body, &me); err != nil {
		return nil, WrapError(KindUpstream, "decode oauth/me response", err)
	}
	return &me, nil
}

// nextCursor 从 Link 头解析 rel="next" 的 cursor 参数
// 形如 <https://mall.cafe24api.com/api/v2/admin/products?limit=100&cursor=abc>; rel="next"
func nextCursor(link string) string {
	for _, part := range strings.Split(link, ",") {
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		begin := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if begin < 0 || end <= begin {
			continue
		}
		u, err := url.Parse(part[begin+1 : end])
		if err != nil {
			continue
		}
		return u.Query().Get("cursor")
	}
	return ""
}
