package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cafe24_ops_v1/internal/model"
	"cafe24_ops_v1/internal/repository"
	"cafe24_ops_v1/pkg/cafe24"
)

// ==================== 伪商城 ====================

// staticTokens 不过期的 TokenSource
type staticTokens struct{ err error }

func (s *staticTokens) Token(ctx context.Context) (string, string, error) {
	if s.err != nil {
		return "", "", s.err
	}
	return "test-token", "testmall", nil
}

func (s *staticTokens) ForceRefresh(ctx context.Context) error { return s.err }

// fakeMall 内存商城：实现引擎用到的商品 / 变体读写接口
type fakeMall struct {
	mu       sync.Mutex
	products map[int]*cafe24.Product
	variants map[int][]cafe24.Variant
	puts     []string       // 收到的写请求 "path body"
	deny     map[string]int // path 前缀 -> 固定响应码（故障注入）
	srv      *httptest.Server
}

func newFakeMall(t *testing.T) *fakeMall {
	m := &fakeMall{
		products: map[int]*cafe24.Product{},
		variants: map[int][]cafe24.Variant{},
		deny:     map[string]int{},
	}
	m.srv = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *fakeMall) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for prefix, code := range m.deny {
		if r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, prefix) {
			w.WriteHeader(code)
			return
		}
	}

	rest, ok := strings.CutPrefix(r.URL.Path, "/api/v2/admin/products/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	productNo, _ := strconv.Atoi(parts[0])
	product, exists := m.products[productNo]
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		json.NewEncoder(w).Encode(map[string]interface{}{"product": product})

	case len(parts) == 1 && r.Method == http.MethodPut:
		fields := m.recordPut(r)
		applyProductFields(product, fields)
		json.NewEncoder(w).Encode(map[string]interface{}{"product": product})

	case len(parts) == 2 && parts[1] == "variants" && r.Method == http.MethodGet:
		json.NewEncoder(w).Encode(map[string]interface{}{"variants": m.variants[productNo]})

	case len(parts) == 3 && parts[1] == "variants" && r.Method == http.MethodPut:
		fields := m.recordPut(r)
		list := m.variants[productNo]
		for i := range list {
			if list[i].VariantCode == parts[2] {
				applyVariantFields(&list[i], fields)
				json.NewEncoder(w).Encode(map[string]interface{}{"variant": list[i]})
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// recordPut 解开 {"request": {"{resource}": {...}}} 包裹并记录
func (m *fakeMall) recordPut(r *http.Request) map[string]interface{} {
	var envelope map[string]map[string]map[string]interface{}
	json.NewDecoder(r.Body).Decode(&envelope)
	var fields map[string]interface{}
	for _, inner := range envelope["request"] {
		fields = inner
	}
	raw, _ := json.Marshal(fields)
	m.puts = append(m.puts, r.URL.Path+" "+string(raw))
	return fields
}

func applyProductFields(p *cafe24.Product, f map[string]interface{}) {
	if v, ok := f["price"].(string); ok {
		p.Price = v
	}
	if v, ok := f["retail_price"].(string); ok {
		p.RetailPrice = v
	}
	if v, ok := f["supply_price"].(string); ok {
		p.SupplyPrice = v
	}
	if v, ok := f["quantity"].(float64); ok {
		p.Quantity = int(v)
	}
	if v, ok := f["display"].(string); ok {
		p.Display = cafe24.TFBool(v == "T")
	}
	if v, ok := f["selling"].(string); ok {
		p.Selling = cafe24.TFBool(v == "T")
	}
}

func applyVariantFields(v *cafe24.Variant, f map[string]interface{}) {
	if s, ok := f["price"].(string); ok {
		v.Price = s
	}
	if q, ok := f["quantity"].(float64); ok {
		v.Quantity = int(q)
	}
}

func (m *fakeMall) putsTo(pathPrefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range m.puts {
		if strings.HasPrefix(p, pathPrefix) {
			out = append(out, p)
		}
	}
	return out
}

func newTestBulk(t *testing.T, mall *fakeMall, tokens cafe24.TokenSource) *BulkService {
	if tokens == nil {
		tokens = &staticTokens{}
	}
	client := cafe24.NewClient(tokens, cafe24.Options{
		BaseURL:    mall.srv.URL,
		RateLimit:  10000,
		RateBurst:  10000,
		MaxRetries: 1,
	})
	return NewBulkService(client, nil, BulkOptions{Parallelism: 1}, nil)
}

// ==================== 单商品路径 ====================

func TestBulkService_SimpleProductApplied(t *testing.T) {
	mall := newFakeMall(t)
	mall.products[10] = &cafe24.Product{ProductNo: 10, Price: "5000", Quantity: 3, HasOption: false, Display: true, Selling: true}

	svc := newTestBulk(t, mall, nil)
	report, err := svc.Apply(context.Background(), []model.EditRequest{
		{ProductNo: 10, Changes: map[string]string{"price": "6000"}},
	}, "json")
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}

	res := report.Results[0]
	if res.Status != model.EditStatusApplied {
		t.Fatalf("status = %s (%s), want applied", res.Status, res.ErrorMsg)
	}
	if res.Before["price"] != "5000" || !cafe24.MoneyEqual(res.After["price"], "6000") {
		t.Errorf("前后快照错误: before=%v after=%v", res.Before, res.After)
	}
	if puts := mall.putsTo("/api/v2/admin/products/10"); len(puts) != 1 {
		t.Errorf("商品级 PUT 次数 = %d, want 1: %v", len(puts), puts)
	}
	// 调用轨迹应含 读取 / 写入 / 核验回读
	if len(res.Calls) < 3 {
		t.Errorf("调用记录过少: %+v", res.Calls)
	}
}

func TestBulkService_NoOpWhenAlreadySatisfied(t *testing.T) {
	mall := newFakeMall(t)
	mall.products[10] = &cafe24.Product{ProductNo: 10, Price: "6000.00", HasOption: false}

	svc := newTestBulk(t, mall, nil)
	report, _ := svc.Apply(context.Background(), []model.EditRequest{
		{ProductNo: 10, Changes: map[string]string{"price": "6000"}},
	}, "json")

	res := report.Results[0]
	if res.Status != model.EditStatusNoOp {
		t.Fatalf("status = %s, want no-op", res.Status)
	}
	if len(mall.putsTo("/")) != 0 {
		t.Error("no-op 不应发出任何写请求")
	}
}

// ==================== 选项商品路径 ====================

func TestBulkService_OptionProductFieldSplit(t *testing.T) {
	mall := newFakeMall(t)
	mall.products[20] = &cafe24.Product{ProductNo: 20, Price: "5000", HasOption: true, Display: false}
	mall.variants[20] = []cafe24.Variant{
		{VariantCode: "P000000T000A", Price: "5000", Quantity: 1},
		{VariantCode: "P000000T000B", Price: "5000", Quantity: 2},
	}

	svc := newTestBulk(t, mall, nil)
	report, _ := svc.Apply(context.Background(), []model.EditRequest{
		{ProductNo: 20, Changes: map[string]string{"price": "7000", "display": "T"}},
	}, "json")

	res := report.Results[0]
	if res.Status != model.EditStatusApplied {
		t.Fatalf("status = %s (%s), want applied", res.Status, res.ErrorMsg)
	}

	// display 走基础商品，price 分流到每个变体
	basePuts := mall.putsTo("/api/v2/admin/products/20 ")
	if len(basePuts) != 1 {
		t.Fatalf("基础商品 PUT 次数 = %d: %v", len(basePuts), mall.puts)
	}
	if strings.Contains(basePuts[0], "price") {
		t.Errorf("有选项商品的 price 不应落在基础商品上: %s", basePuts[0])
	}
	if !strings.Contains(basePuts[0], `"display":"T"`) {
		t.Errorf("基础商品 PUT 应带 display: %s", basePuts[0])
	}

	variantPuts := mall.putsTo("/api/v2/admin/products/20/variants/")
	if len(variantPuts) != 2 {
		t.Fatalf("变体 PUT 次数 = %d, want 2: %v", len(variantPuts), variantPuts)
	}
	for _, p := range variantPuts {
		if !strings.Contains(p, `"price":"7000"`) {
			t.Errorf("变体 PUT 应带 price: %s", p)
		}
	}
}

func TestBulkService_ZeroVariantsIsInconsistent(t *testing.T) {
	mall := newFakeMall(t)
	// has_option 为真但变体枚举为空：上游状态不一致，不能当作成功
	mall.products[30] = &cafe24.Product{ProductNo: 30, Price: "5000", HasOption: true}
	mall.variants[30] = []cafe24.Variant{}

	svc := newTestBulk(t, mall, nil)
	report, _ := svc.Apply(context.Background(), []model.EditRequest{
		{ProductNo: 30, Changes: map[string]string{"price": "7000"}},
	}, "json")

	res := report.Results[0]
	if res.Status != model.EditStatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if !strings.Contains(res.ErrorMsg, "inconsistent") {
		t.Errorf("错误信息应指明上游不一致: %s", res.ErrorMsg)
	}
}

func TestBulkService_UnknownVariantCodes(t *testing.T) {
	mall := newFakeMall(t)
	mall.products[20] = &cafe24.Product{ProductNo: 20, HasOption: true}
	mall.variants[20] = []cafe24.Variant{{VariantCode: "P000000T000A"}}

	svc := newTestBulk(t, mall, nil)
	report, _ := svc.Apply(context.Background(), []model.EditRequest{
		{ProductNo: 20, Changes: map[string]string{"price": "7000"},
			Scope: model.EditScopeSpecificVariants, VariantCodes: []string{"NOPE"}},
	}, "json")

	res := report.Results[0]
	if res.Status != model.EditStatusFailed || res.ErrorCode != string(cafe24.KindValidation) {
		t.Fatalf("未知变体码应失败: %+v", res)
	}
	if len(mall.putsTo("/")) != 0 {
		t.Error("未知变体码不应发出写请求")
	}
}

func TestBulkService_PartialOnVariantFailure(t *testing.T) {
	mall := newFakeMall(t)
	mall.products[20] = &cafe24.Product{ProductNo: 20, HasOption: true}
	mall.variants[20] = []cafe24.Variant{
		{VariantCode: "P000000T000A", Price: "5000"},
		{VariantCode: "P000000T000B", Price: "5000"},
	}
	// 第二个变体写入被拒（scope 不足之类的终态错误）
	mall.deny["/api/v2/admin/products/20/variants/P000000T000B"] = http.StatusForbidden

	svc := newTestBulk(t, mall, nil)
	report, _ := svc.Apply(context.Background(), []model.EditRequest{
		{ProductNo: 20, Changes: map[string]string{"price": "7000"}},
	}, "json")

	res := report.Results[0]
	if res.Status != model.EditStatusPartial {
		t.Fatalf("status = %s (%s), want partial", res.Status, res.ErrorMsg)
	}
	if res.ErrorCode != string(cafe24.KindForbidden) {
		t.Errorf("error_code = %s", res.ErrorCode)
	}
}

// ==================== 输入校验 ====================

func TestBulkService_ValidationBeforeNetwork(t *testing.T) {
	mall := newFakeMall(t)
	svc := newTestBulk(t, mall, nil)

	tests := []struct {
		name string
		edit model.EditRequest
	}{
		{"未知字段", model.EditRequest{ProductNo: 1, Changes: map[string]string{"weight": "5"}}},
		{"负价格", model.EditRequest{ProductNo: 1, Changes: map[string]string{"price": "-100"}}},
		{"三位小数", model.EditRequest{ProductNo: 1, Changes: map[string]string{"price": "1.005"}}},
		{"负库存", model.EditRequest{ProductNo: 1, Changes: map[string]string{"quantity": "-1"}}},
		{"非法布尔", model.EditRequest{ProductNo: 1, Changes: map[string]string{"display": "maybe"}}},
		{"缺变体码", model.EditRequest{ProductNo: 1, Changes: map[string]string{"price": "1"}, Scope: model.EditScopeSpecificVariants}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, _ := svc.Apply(context.Background(), []model.EditRequest{tt.edit}, "json")
			res := report.Results[0]
			if res.Status != model.EditStatusFailed || res.ErrorCode != string(cafe24.KindValidation) {
				t.Fatalf("应在校验阶段失败: %+v", res)
			}
			if len(res.Calls) != 0 {
				t.Errorf("校验失败不应产生 API 调用: %+v", res.Calls)
			}
		})
	}
}

// ==================== 会话级停止 ====================

func TestBulkService_SessionFatalAbortsPending(t *testing.T) {
	mall := newFakeMall(t)
	mall.products[1] = &cafe24.Product{ProductNo: 1, Price: "100"}
	mall.products[2] = &cafe24.Product{ProductNo: 2, Price: "100"}
	mall.products[3] = &cafe24.Product{ProductNo: 3, Price: "100"}

	// refresh 窗口已过：每次取 token 都失败
	tokens := &staticTokens{err: cafe24.NewError(cafe24.KindRefreshExpired, "refresh window elapsed")}
	svc := newTestBulk(t, mall, tokens)

	report, _ := svc.Apply(context.Background(), []model.EditRequest{
		{ProductNo: 1, Changes: map[string]string{"price": "200"}},
		{ProductNo: 2, Changes: map[string]string{"price": "200"}},
		{ProductNo: 3, Changes: map[string]string{"price": "200"}},
	}, "json")

	for i, res := range report.Results {
		if res.Status != model.EditStatusFailed {
			t.Errorf("edit %d status = %s, want failed", i, res.Status)
		}
		if res.ErrorCode != string(cafe24.KindRefreshExpired) {
			t.Errorf("edit %d error_code = %s", i, res.ErrorCode)
		}
	}
	// 首条触发停止信号后，后续编辑直接短路
	if !strings.Contains(report.Results[2].ErrorMsg, "batch aborted") {
		t.Errorf("后续编辑应被整批中止: %s", report.Results[2].ErrorMsg)
	}
}

// ==================== 审计落库 ====================

func setupBatchTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("连接测试数据库失败: %v", err)
	}
	db.AutoMigrate(&model.BatchJob{}, &model.BatchEdit{})
	return db
}

func TestBulkService_AuditPersisted(t *testing.T) {
	mall := newFakeMall(t)
	mall.products[10] = &cafe24.Product{ProductNo: 10, Price: "5000"}

	db := setupBatchTestDB(t)
	batchRepo := repository.NewBatchRepository(db)

	client := cafe24.NewClient(&staticTokens{}, cafe24.Options{
		BaseURL: mall.srv.URL, RateLimit: 10000, RateBurst: 10000,
	})
	svc := NewBulkService(client, batchRepo, BulkOptions{Parallelism: 1}, nil)

	report, err := svc.Apply(context.Background(), []model.EditRequest{
		{ProductNo: 10, Changes: map[string]string{"price": "6000"}},
	}, "csv")
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}

	job, err := batchRepo.GetByID(context.Background(), report.BatchID)
	if err != nil {
		t.Fatalf("批次记录读取失败: %v", err)
	}
	if job.Status != model.BatchStatusFinished || job.Source != "csv" {
		t.Errorf("job = %+v", job)
	}
	if job.AppliedCount != 1 || job.TotalEdits != 1 {
		t.Errorf("统计错误: applied=%d total=%d", job.AppliedCount, job.TotalEdits)
	}
	if len(job.Edits) != 1 {
		t.Fatalf("明细条数 = %d", len(job.Edits))
	}
	if job.Edits[0].ProductNo != 10 || job.Edits[0].Status != model.EditStatusApplied {
		t.Errorf("明细 = %+v", job.Edits[0])
	}

	var calls []cafe24.CallRecord
	if err := json.Unmarshal(job.Edits[0].Calls, &calls); err != nil || len(calls) == 0 {
		t.Errorf("调用轨迹未落盘: %v, err=%v", calls, err)
	}
}

// ==================== 同商品串行 ====================

func TestBulkService_SameProductSerialOrder(t *testing.T) {
	mall := newFakeMall(t)
	mall.products[10] = &cafe24.Product{ProductNo: 10, Price: "100"}

	svc := newTestBulk(t, mall, nil)
	// 同一商品的两条编辑按提交顺序执行，末态为后者
	report, _ := svc.Apply(context.Background(), []model.EditRequest{
		{ProductNo: 10, Changes: map[string]string{"price": "200"}},
		{ProductNo: 10, Changes: map[string]string{"price": "300"}},
	}, "json")

	if report.Results[0].Status != model.EditStatusApplied || report.Results[1].Status != model.EditStatusApplied {
		t.Fatalf("results = %+v", report.Results)
	}
	if got := fmt.Sprint(mall.products[10].Price); got != "300" {
		t.Errorf("末态 price = %s, want 300", got)
	}
	puts := mall.putsTo("/api/v2/admin/products/10")
	if len(puts) != 2 || !strings.Contains(puts[0], "200") || !strings.Contains(puts[1], "300") {
		t.Errorf("写顺序错误: %v", puts)
	}
}
