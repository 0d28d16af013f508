package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cafe24_ops_v1/internal/model"
	"cafe24_ops_v1/internal/repository"
	"cafe24_ops_v1/pkg/cafe24"
)

// ==================== 配置 ====================

// BulkOptions 批量编辑引擎配置
type BulkOptions struct {
	// Parallelism 跨商品有界并行度，同一商品内部严格串行
	Parallelism int
	EditTimeout time.Duration
	MaxMoney    float64
}

// ==================== 引擎 ====================

// BulkService 批量编辑引擎
// 把一行表格编辑翻译成正确的商品级 / 变体级调用序列。
// 有选项的商品只改基础商品价格在店面上是静默无效的，必须逐个变体更新，
// 且不能只凭 200 OK 断定生效，收尾一律回读核验。
type BulkService struct {
	api     *cafe24.Client
	batches repository.BatchRepository // 可为 nil（纯库模式，不落审计）
	opts    BulkOptions
	log     *zap.Logger
}

// NewBulkService 创建引擎
func NewBulkService(api *cafe24.Client, batches repository.BatchRepository, opts BulkOptions, log *zap.Logger) *BulkService {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.EditTimeout <= 0 {
		opts.EditTimeout = 120 * time.Second
	}
	if opts.MaxMoney <= 0 {
		opts.MaxMoney = cafe24.DefaultMaxMoney
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BulkService{api: api, batches: batches, opts: opts, log: log}
}

// Apply 执行一批编辑并返回报告
// 单条编辑失败不会中止整批；会话级致命错误（refresh 窗口过期等）
// 会让所有未开始的编辑以同一错误码标记为 failed 并停止
func (s *BulkService) Apply(ctx context.Context, edits []model.EditRequest, source string) (*model.Report, error) {
	report := &model.Report{
		BatchID:   uuid.NewString(),
		StartedAt: time.Now(),
		Results:   make([]model.EditResult, len(edits)),
	}

	if s.batches != nil {
		job := &model.BatchJob{
			ID:         report.BatchID,
			Status:     model.BatchStatusRunning,
			Source:     source,
			TotalEdits: len(edits),
			StartedAt:  report.StartedAt,
		}
		if err := s.batches.Create(ctx, job); err != nil {
			s.log.Warn("batch audit row create failed", zap.String("batch_id", report.BatchID), zap.Error(err))
		}
	}

	// 会话级停止信号，存放触发停止的错误码
	var stopCode atomic.Value

	// 同一商品的编辑归入同一组、按提交顺序串行；不同商品之间有界并行
	groups := make(map[int][]int)
	var productOrder []int
	for i := range edits {
		no := edits[i].ProductNo
		if _, seen := groups[no]; !seen {
			productOrder = append(productOrder, no)
		}
		groups[no] = append(groups[no], i)
	}

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Parallelism)
	for _, no := range productOrder {
		indices := groups[no]
		g.Go(func() error {
			for _, idx := range indices {
				if code, _ := stopCode.Load().(string); code != "" {
					report.Results[idx] = model.EditResult{
						ProductNo: edits[idx].ProductNo,
						Status:    model.EditStatusFailed,
						ErrorCode: code,
						ErrorMsg:  "batch aborted: " + code,
					}
					continue
				}

				res := s.applyOne(ctx, edits[idx])
				report.Results[idx] = res

				if res.ErrorCode != "" && cafe24.FatalKind(cafe24.Kind(res.ErrorCode)) {
					stopCode.CompareAndSwap(nil, res.ErrorCode)
				}
			}
			return nil
		})
	}
	g.Wait() // worker 不返回 error，失败都记录在结果里

	report.FinishedAt = time.Now()
	s.persistReport(report)
	return report, nil
}

// ==================== 单条编辑 ====================

func (s *BulkService) applyOne(parent context.Context, edit model.EditRequest) (res model.EditResult) {
	res = model.EditResult{ProductNo: edit.ProductNo}

	ctx, cancel := context.WithTimeout(parent, s.opts.EditTimeout)
	defer cancel()

	callLog := &cafe24.CallLog{}
	ctx = cafe24.WithCallLog(ctx, callLog)
	defer func() { res.Calls = callLog.Records() }()

	changes, scope, err := s.validate(edit)
	if err != nil {
		return fillFailure(res, err)
	}

	// 1. Resolve：先读商品，确定是否走变体计划
	product, err := s.api.GetProduct(ctx, edit.ProductNo)
	if err != nil {
		return fillFailure(res, err)
	}
	hasOption := bool(product.HasOption)
	res.Before = snapshotProduct(product, changes)

	// 无选项商品且目标值已全部满足：no-op，不发写请求
	if !hasOption && satisfied(res.Before, changes) {
		res.Status = model.EditStatusNoOp
		res.After = res.Before
		return res
	}

	// 2/3. Plan & Execute：同一商品内严格串行
	var failure error
	var applied bool
	var updatedVariants []string
	var notAttempted int

	if !hasOption || scope == model.EditScopeBaseOnly {
		// 单个商品级 PUT 足够（base-only 为操作员显式覆盖）
		if _, err := s.api.UpdateProduct(ctx, edit.ProductNo, apiFields(changes)); err != nil {
			failure = err
		} else {
			applied = true
		}
	} else {
		baseFields, variantFields := splitFields(changes)

		if len(baseFields) > 0 {
			if _, err := s.api.UpdateProduct(ctx, edit.ProductNo, apiFields(baseFields)); err != nil {
				failure = err
			} else {
				applied = true
			}
		}

		if failure == nil && len(variantFields) > 0 {
			variants, err := s.api.ListVariants(ctx, edit.ProductNo)
			switch {
			case err != nil:
				failure = err
			case len(variants) == 0:
				res.Status = model.EditStatusFailed
				res.ErrorCode = string(cafe24.KindValidation)
				res.ErrorMsg = "inconsistent upstream state: has_option is set but variant enumeration is empty"
				return res
			default:
				targets, missing := selectVariants(variants, scope, edit.VariantCodes)
				if len(missing) > 0 {
					res.Status = model.EditStatusFailed
					res.ErrorCode = string(cafe24.KindValidation)
					res.ErrorMsg = "unknown variant codes: " + strings.Join(missing, ", ")
					return res
				}
				for i, code := range targets {
					if _, err := s.api.UpdateVariant(ctx, edit.ProductNo, code, apiFields(variantFields)); err != nil {
						// 首个终态失败即停，剩余变体不再尝试
						failure = err
						notAttempted = len(targets) - i - 1
						break
					}
					updatedVariants = append(updatedVariants, code)
					applied = true
				}
			}
		}
	}

	// 4. Verify：无论成败都回读，报告真实店面状态
	after, mismatch, verr := s.verify(ctx, edit.ProductNo, changes, hasOption, scope, updatedVariants)
	res.After = after

	return s.conclude(res, failure, applied, mismatch, notAttempted, verr)
}

// conclude 汇总单条编辑的最终状态
func (s *BulkService) conclude(res model.EditResult, failure error, applied bool, mismatch string, notAttempted int, verr error) model.EditResult {
	switch {
	case failure == nil && verr == nil && mismatch == "":
		res.Status = model.EditStatusApplied

	case failure == nil:
		// 写调用全部成功但核验未过（或核验本身失败）
		res.Status = model.EditStatusPartial
		if mismatch != "" {
			res.ErrorMsg = "verification mismatch: " + mismatch
		}
		if verr != nil {
			res.ErrorCode = string(cafe24.KindOf(verr))
			res.ErrorMsg = "verification failed: " + verr.Error()
		}

	default:
		if cafe24.IsKind(failure, cafe24.KindCancelled) {
			res.Status = model.EditStatusCancelled
		} else if applied {
			res.Status = model.EditStatusPartial
		} else {
			res.Status = model.EditStatusFailed
		}
		res.ErrorCode = string(cafe24.KindOf(failure))
		res.ErrorMsg = failure.Error()
		if notAttempted > 0 {
			res.ErrorMsg += fmt.Sprintf(" (%d variants not attempted)", notAttempted)
		}
	}
	return res
}

// ==================== 输入校验 ====================

func (s *BulkService) validate(edit model.EditRequest) (map[string]string, string, error) {
	if edit.ProductNo <= 0 {
		return nil, "", cafe24.NewError(cafe24.KindValidation, "product_no must be positive")
	}
	if len(edit.Changes) == 0 {
		return nil, "", cafe24.NewError(cafe24.KindValidation, "no changes requested")
	}

	scope := edit.Scope
	switch scope {
	case "":
		scope = model.EditScopeAllVariants
	case model.EditScopeBaseOnly, model.EditScopeAllVariants:
	case model.EditScopeSpecificVariants:
		if len(edit.VariantCodes) == 0 {
			return nil, "", cafe24.NewError(cafe24.KindValidation, "scope specific-variants requires variant_codes")
		}
	default:
		return nil, "", cafe24.NewError(cafe24.KindValidation, "unknown scope: "+edit.Scope)
	}

	changes := make(map[string]string, len(edit.Changes))
	for field, value := range edit.Changes {
		if !model.RecognizedFields[field] {
			return nil, "", cafe24.NewError(cafe24.KindValidation, "unknown field: "+field)
		}
		switch field {
		case model.FieldPrice, model.FieldSupplyPrice, model.FieldRetailPrice:
			normalized, err := cafe24.NormalizeMoney(value, s.opts.MaxMoney)
			if err != nil {
				return nil, "", err
			}
			changes[field] = normalized
		case model.FieldQuantity:
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, "", cafe24.NewError(cafe24.KindValidation, "quantity must be a non-negative integer: "+value)
			}
			changes[field] = strconv.Itoa(n)
		case model.FieldDisplay, model.FieldSelling:
			tf, err := normalizeTF(value)
			if err != nil {
				return nil, "", cafe24.NewError(cafe24.KindValidation, field+": "+err.Error())
			}
			changes[field] = tf
		}
	}
	return changes, scope, nil
}

func normalizeTF(v string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "T", "TRUE", "Y", "1":
		return "T", nil
	case "F", "FALSE", "N", "0":
		return "F", nil
	}
	return "", fmt.Errorf("expected T/F value, got %q", v)
}

// ==================== 计划辅助 ====================

// splitFields 有选项商品的字段分流：price/quantity 以变体为准，其余走基础商品
func splitFields(changes map[string]string) (base, variant map[string]string) {
	base = map[string]string{}
	variant = map[string]string{}
	for field, value := range changes {
		switch field {
		case model.FieldPrice, model.FieldQuantity:
			variant[field] = value
		default:
			base[field] = value
		}
	}
	return base, variant
}

func selectVariants(variants []cafe24.Variant, scope string, requested []string) (targets []string, missing []string) {
	if scope != model.EditScopeSpecificVariants {
		for i := range variants {
			targets = append(targets, variants[i].VariantCode)
		}
		return targets, nil
	}

	known := make(map[string]bool, len(variants))
	for i := range variants {
		known[variants[i].VariantCode] = true
	}
	for _, code := range requested {
		if known[code] {
			targets = append(targets, code)
		} else {
			missing = append(missing, code)
		}
	}
	sort.Strings(missing)
	return targets, missing
}

// apiFields 把规范化后的编辑值转成平台写接口的字段类型
func apiFields(changes map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(changes))
	for field, value := range changes {
		if field == model.FieldQuantity {
			n, _ := strconv.Atoi(value)
			out[field] = n
			continue
		}
		out[field] = value
	}
	return out
}

// ==================== 核验 ====================

// verify 回读商品（及一个样本变体），对比实际值与意图值
func (s *BulkService) verify(ctx context.Context, productNo int, changes map[string]string, hasOption bool, scope string, updatedVariants []string) (map[string]string, string, error) {
	product, err := s.api.GetProduct(ctx, productNo)
	if err != nil {
		return nil, "", err
	}
	after := snapshotProduct(product, changes)

	var mismatches []string

	// 基础商品侧核验的字段集合
	baseChecked := changes
	if hasOption && scope != model.EditScopeBaseOnly {
		baseChecked, _ = splitFields(changes)
	}
	for field, want := range baseChecked {
		if got, ok := after[field]; ok && !valueEqual(field, want, got) {
			mismatches = append(mismatches, fmt.Sprintf("%s: want %s, got %s", field, want, got))
		}
	}

	// 变体侧：取第一个已更新的变体作样本
	if len(updatedVariants) > 0 {
		variants, err := s.api.ListVariants(ctx, productNo)
		if err != nil {
			return after, strings.Join(mismatches, "; "), err
		}
		sample := updatedVariants[0]
		_, variantFields := splitFields(changes)
		for i := range variants {
			if variants[i].VariantCode != sample {
				continue
			}
			if want, ok := variantFields[model.FieldPrice]; ok {
				after["price"] = variants[i].Price
				if !cafe24.MoneyEqual(want, variants[i].Price) {
					mismatches = append(mismatches, fmt.Sprintf("variant %s price: want %s, got %s", sample, want, variants[i].Price))
				}
			}
			if want, ok := variantFields[model.FieldQuantity]; ok {
				got := strconv.Itoa(variants[i].Quantity)
				after["quantity"] = got
				if want != got {
					mismatches = append(mismatches, fmt.Sprintf("variant %s quantity: want %s, got %s", sample, want, got))
				}
			}
			break
		}
	}

	sort.Strings(mismatches)
	return after, strings.Join(mismatches, "; "), nil
}

// snapshotProduct 摘取被编辑字段的观测值
func snapshotProduct(p *cafe24.Product, changes map[string]string) map[string]string {
	snap := make(map[string]string, len(changes))
	for field := range changes {
		switch field {
		case model.FieldPrice:
			snap[field] = p.Price
		case model.FieldSupplyPrice:
			snap[field] = p.SupplyPrice
		case model.FieldRetailPrice:
			snap[field] = p.RetailPrice
		case model.FieldQuantity:
			snap[field] = strconv.Itoa(p.Quantity)
		case model.FieldDisplay:
			snap[field] = tfString(bool(p.Display))
		case model.FieldSelling:
			snap[field] = tfString(bool(p.Selling))
		}
	}
	return snap
}

func tfString(b bool) string {
	if b {
		return "T"
	}
	return "F"
}

func valueEqual(field, want, got string) bool {
	switch field {
	case model.FieldPrice, model.FieldSupplyPrice, model.FieldRetailPrice:
		return cafe24.MoneyEqual(want, got)
	}
	return want == got
}

func satisfied(observed, changes map[string]string) bool {
	for field, want := range changes {
		got, ok := observed[field]
		if !ok || !valueEqual(field, want, got) {
			return false
		}
	}
	return true
}

func fillFailure(res model.EditResult, err error) model.EditResult {
	if cafe24.IsKind(err, cafe24.KindCancelled) {
		res.Status = model.EditStatusCancelled
	} else {
		res.Status = model.EditStatusFailed
	}
	res.ErrorCode = string(cafe24.KindOf(err))
	res.ErrorMsg = err.Error()
	return res
}

// ==================== 审计落库 ====================

func (s *BulkService) persistReport(report *model.Report) {
	if s.batches == nil {
		return
	}

	job := &model.BatchJob{
		ID:             report.BatchID,
		AppliedCount:   report.Count(model.EditStatusApplied),
		PartialCount:   report.Count(model.EditStatusPartial),
		FailedCount:    report.Count(model.EditStatusFailed),
		NoOpCount:      report.Count(model.EditStatusNoOp),
		CancelledCount: report.Count(model.EditStatusCancelled),
	}

	edits := make([]model.BatchEdit, 0, len(report.Results))
	for i := range report.Results {
		r := &report.Results[i]
		calls, _ := json.Marshal(r.Calls)
		before, _ := json.Marshal(r.Before)
		after, _ := json.Marshal(r.After)
		edits = append(edits, model.BatchEdit{
			BatchID:   report.BatchID,
			ProductNo: r.ProductNo,
			Status:    r.Status,
			ErrorCode: r.ErrorCode,
			ErrorMsg:  r.ErrorMsg,
			Calls:     calls,
			Before:    before,
			After:     after,
		})
	}

	// 批次可能因调用方取消而收尾，审计落库用独立的短超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.batches.FinishWithReport(ctx, job, edits); err != nil {
		s.log.Error("batch report persist failed", zap.String("batch_id", report.BatchID), zap.Error(err))
	}
}
