package service

import (
	"strings"
	"testing"

	"cafe24_ops_v1/pkg/cafe24"
)

func TestParseBatchCSV_Basic(t *testing.T) {
	input := "product_no,price,quantity\n101,5000,10\n102,6000.50,\n"

	edits, warnings, err := ParseBatchCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("不应有告警: %v", warnings)
	}
	if len(edits) != 2 {
		t.Fatalf("行数 = %d, want 2", len(edits))
	}
	if edits[0].ProductNo != 101 || edits[0].Changes["price"] != "5000" || edits[0].Changes["quantity"] != "10" {
		t.Errorf("第一行解析错误: %+v", edits[0])
	}
	// 空单元格不产生该字段的编辑
	if _, ok := edits[1].Changes["quantity"]; ok {
		t.Errorf("空单元格不应进入 changes: %+v", edits[1])
	}
}

func TestParseBatchCSV_BOMStripped(t *testing.T) {
	// Excel 导出的 CSV 带 UTF-8 BOM，表头首列不能因此识别失败
	input := "\xEF\xBB\xBFproduct_no,price\n101,5000\n"

	edits, _, err := ParseBatchCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("BOM 输入解析失败: %v", err)
	}
	if len(edits) != 1 || edits[0].ProductNo != 101 {
		t.Fatalf("edits = %+v", edits)
	}
}

func TestParseBatchCSV_MissingProductNoColumn(t *testing.T) {
	input := "sku,price\nA-1,5000\n"

	_, _, err := ParseBatchCSV(strings.NewReader(input))
	if !cafe24.IsKind(err, cafe24.KindValidation) {
		t.Fatalf("缺 product_no 列应整批失败, got %v", err)
	}
}

func TestParseBatchCSV_UnknownColumnWarned(t *testing.T) {
	input := "product_no,price,memo\n101,5000,hello\n"

	edits, warnings, err := ParseBatchCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "memo") {
		t.Errorf("未知列应告警: %v", warnings)
	}
	if _, ok := edits[0].Changes["memo"]; ok {
		t.Error("未知列的值不应进入 changes")
	}
}

func TestParseBatchCSV_BadRowsSkippedWithWarning(t *testing.T) {
	input := "product_no,price\n" +
		",5000\n" + // 空 product_no
		"abc,5000\n" + // 非数字
		"101,\n" + // 无任何字段值
		"102,7000\n"

	edits, warnings, err := ParseBatchCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(edits) != 1 || edits[0].ProductNo != 102 {
		t.Fatalf("仅 102 行有效: %+v", edits)
	}
	if len(warnings) != 3 {
		t.Errorf("告警数 = %d, want 3: %v", len(warnings), warnings)
	}
	// 告警需带行号便于操作员定位
	for _, w := range warnings {
		if !strings.Contains(w, "line ") {
			t.Errorf("告警缺行号: %s", w)
		}
	}
}

func TestParseBatchCSV_ScopeAndVariantCodes(t *testing.T) {
	input := "product_no,price,scope,variant_codes\n" +
		"101,5000,specific-variants,P000A;P000B\n"

	edits, _, err := ParseBatchCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	e := edits[0]
	if e.Scope != "specific-variants" {
		t.Errorf("scope = %s", e.Scope)
	}
	if len(e.VariantCodes) != 2 || e.VariantCodes[0] != "P000A" || e.VariantCodes[1] != "P000B" {
		t.Errorf("variant_codes = %v", e.VariantCodes)
	}
}

func TestParseBatchCSV_Empty(t *testing.T) {
	_, _, err := ParseBatchCSV(strings.NewReader(""))
	if !cafe24.IsKind(err, cafe24.KindValidation) {
		t.Fatalf("空输入应报 validation, got %v", err)
	}
}
