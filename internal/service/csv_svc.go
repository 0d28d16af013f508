package service

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"cafe24_ops_v1/internal/model"
	"cafe24_ops_v1/pkg/cafe24"
)

// CSV 表头里除编辑字段外额外识别的列
const (
	columnProductNo    = "product_no"
	columnScope        = "scope"
	columnVariantCodes = "variant_codes"
)

// ParseBatchCSV 解析表格批量输入
// 表头必须含 product_no（缺失则整批在任何 API 调用前失败）；
// 未知列忽略并告警；product_no 空白的行跳过并告警。
// Excel 导出常带 UTF-8 BOM，读取时统一剥掉。
func ParseBatchCSV(r io.Reader) ([]model.EditRequest, []string, error) {
	decoded := transform.NewReader(r, unicode.UTF8BOM.NewDecoder())
	reader := csv.NewReader(decoded)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, cafe24.NewError(cafe24.KindValidation, "empty csv input")
	}
	if err != nil {
		return nil, nil, cafe24.WrapError(cafe24.KindValidation, "read csv header", err)
	}

	var warnings []string
	keyIndex := -1
	fieldIndex := map[string]int{} // 编辑字段列 -> 下标
	scopeIndex, codesIndex := -1, -1

	for i, name := range header {
		col := strings.ToLower(strings.TrimSpace(name))
		switch {
		case col == columnProductNo:
			keyIndex = i
		case col == columnScope:
			scopeIndex = i
		case col == columnVariantCodes:
			codesIndex = i
		case model.RecognizedFields[col]:
			fieldIndex[col] = i
		default:
			warnings = append(warnings, fmt.Sprintf("unknown column %q ignored", name))
		}
	}
	if keyIndex < 0 {
		return nil, warnings, cafe24.NewError(cafe24.KindValidation, "csv is missing required column product_no")
	}

	var edits []model.EditRequest
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("line %d: malformed row skipped: %v", line, err))
			continue
		}

		rawNo := strings.TrimSpace(cell(record, keyIndex))
		if rawNo == "" {
			warnings = append(warnings, fmt.Sprintf("line %d: blank product_no, row skipped", line))
			continue
		}
		productNo, err := strconv.Atoi(rawNo)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("line %d: product_no %q is not a number, row skipped", line, rawNo))
			continue
		}

		changes := map[string]string{}
		for field, idx := range fieldIndex {
			if v := strings.TrimSpace(cell(record, idx)); v != "" {
				changes[field] = v
			}
		}
		if len(changes) == 0 {
			warnings = append(warnings, fmt.Sprintf("line %d: no field values, row skipped", line))
			continue
		}

		edit := model.EditRequest{ProductNo: productNo, Changes: changes}
		if scopeIndex >= 0 {
			edit.Scope = strings.TrimSpace(cell(record, scopeIndex))
		}
		if codesIndex >= 0 {
			if raw := strings.TrimSpace(cell(record, codesIndex)); raw != "" {
				for _, code := range strings.Split(raw, ";") {
					if code = strings.TrimSpace(code); code != "" {
						edit.VariantCodes = append(edit.VariantCodes, code)
					}
				}
			}
		}
		edits = append(edits, edit)
	}

	return edits, warnings, nil
}

func cell(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return record[idx]
}
