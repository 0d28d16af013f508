package cafe24

import (
	"bytes"
	"fmt"
)

// ==================== 平台布尔 ====================

// TFBool Cafe24 平台布尔字段在线上以 "T"/"F" 字符串传输
type TFBool bool

func (b TFBool) MarshalJSON() ([]byte, error) {
	if b {
		return []byte(`"T"`), nil
	}
	return []byte(`"F"`), nil
}

func (b *TFBool) UnmarshalJSON(data []byte) error {
	switch {
	case bytes.Equal(data, []byte(`"T"`)), bytes.Equal(data, []byte(`true`)):
		*b = true
	case bytes.Equal(data, []byte(`"F"`)), bytes.Equal(data, []byte(`false`)), bytes.Equal(data, []byte(`null`)), bytes.Equal(data, []byte(`""`)):
		*b = false
	default:
		return fmt.Errorf("invalid T/F bool: %s", data)
	}
	return nil
}

// ==================== 商品 / 变体 ====================

// Product 商品（仅消费核心关心的字段，完整目录结构不在建模范围内）
// 金额字段平台一律以十进制字符串传输
type Product struct {
	ProductNo   int    `json:"product_no"`
	ProductCode string `json:"product_code"`
	ProductName string `json:"product_name"`
	Price       string `json:"price"`
	RetailPrice string `json:"retail_price"`
	SupplyPrice string `json:"supply_price"`
	Quantity    int    `json:"quantity"`
	Display     TFBool `json:"display"`
	Selling     TFBool `json:"selling"`
	HasOption   TFBool `json:"has_option"`
	TaxType     string `json:"tax_type"`
}

// Variant 变体（选项组合产出的实际 SKU，价格与库存以变体为准）
type Variant struct {
	VariantCode string `json:"variant_code"`
	Price       string `json:"price"`
	Quantity    int    `json:"quantity"`
	Display     TFBool `json:"display"`
	Selling     TFBool `json:"selling"`
}

// 响应包裹结构
// 平台读接口返回 {"product": {...}} / {"variants": [...]} 形态
type productEnvelope struct {
	Product Product `json:"product"`
}

type productsEnvelope struct {
	Products []Product `json:"products"`
}

type variantEnvelope struct {
	Variant Variant `json:"variant"`
}

type variantsEnvelope struct {
	Variants []Variant `json:"variants"`
}

// ==================== OAuth ====================

// TokenResponse 刷新接口响应
// refresh_token_expires_in 平台部分版本不返回，此时沿用旧的 refresh 窗口
type TokenResponse struct {
	AccessToken           string   `json:"access_token"`
	ExpiresIn             int      `json:"expires_in"`
	RefreshToken          string   `json:"refresh_token"`
	RefreshTokenExpiresIn int      `json:"refresh_token_expires_in"`
	Scopes                []string `json:"scopes"`
	Error                 string   `json:"error,omitempty"`
	ErrorDescription      string   `json:"error_description,omitempty"`
}

// Me scope 自省接口 GET /api/v2/oauth/me 响应
type Me struct {
	MallID   string   `json:"mall_id"`
	ClientID string   `json:"client_id"`
	UserID   string   `json:"user_id"`
	Scopes   []string `json:"scopes"`
}
