package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ==================== Token Manager 状态机 ====================

const (
	TokenStateValid             = "valid"
	TokenStateRefreshing        = "refreshing"
	TokenStateRefreshFailed     = "refresh_failed"     // 5xx / 网络重试耗尽，可再试
	TokenStateReconsentRequired = "re_consent_required" // 终态，需要带外重新授权注入新凭证
)

// isoMillis 凭证文件时间格式：ISO-8601，毫秒精度，UTC 墙钟
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// ==================== 凭证 ====================

// Credential OAuth2 凭证，进程内单例，仅由 Token Manager 写入
// 不变量：IssuedAt <= AccessExpiresAt <= RefreshExpiresAt；
// 每次刷新 (access_token, refresh_token, issued_at) 三元组整体原子替换
type Credential struct {
	MallID           string
	ClientID         string
	ClientSecret     string
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	IssuedAt         time.Time
	Scopes           []string
}

// credentialJSON 落盘形态，键名与时间格式对外固定
type credentialJSON struct {
	MallID                string   `json:"mall_id"`
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret"`
	AccessToken           string   `json:"access_token"`
	RefreshToken          string   `json:"refresh_token"`
	ExpiresAt             string   `json:"expires_at"`
	RefreshTokenExpiresAt string   `json:"refresh_token_expires_at"`
	IssuedAt              string   `json:"issued_at"`
	Scopes                []string `json:"scopes"`
}

func (c Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(credentialJSON{
		MallID:                c.MallID,
		ClientID:              c.ClientID,
		ClientSecret:          c.ClientSecret,
		AccessToken:           c.AccessToken,
		RefreshToken:          c.RefreshToken,
		ExpiresAt:             c.AccessExpiresAt.UTC().Format(isoMillis),
		RefreshTokenExpiresAt: c.RefreshExpiresAt.UTC().Format(isoMillis),
		IssuedAt:              c.IssuedAt.UTC().Format(isoMillis),
		Scopes:                c.Scopes,
	})
}

func (c *Credential) UnmarshalJSON(data []byte) error {
	var raw credentialJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	expiresAt, err := parseISOTime(raw.ExpiresAt)
	if err != nil {
		return fmt.Errorf("expires_at: %w", err)
	}
	refreshExpiresAt, err := parseISOTime(raw.RefreshTokenExpiresAt)
	if err != nil {
		return fmt.Errorf("refresh_token_expires_at: %w", err)
	}
	issuedAt, err := parseISOTime(raw.IssuedAt)
	if err != nil {
		return fmt.Errorf("issued_at: %w", err)
	}

	c.MallID = raw.MallID
	c.ClientID = raw.ClientID
	c.ClientSecret = raw.ClientSecret
	c.AccessToken = raw.AccessToken
	c.RefreshToken = raw.RefreshToken
	c.AccessExpiresAt = expiresAt
	c.RefreshExpiresAt = refreshExpiresAt
	c.IssuedAt = issuedAt
	c.Scopes = raw.Scopes
	return nil
}

func parseISOTime(s string) (time.Time, error) {
	if t, err := time.Parse(isoMillis, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Validate 校验必填字段与时间不变量
func (c *Credential) Validate() error {
	switch {
	case c.MallID == "":
		return fmt.Errorf("credential missing mall_id")
	case c.ClientID == "" || c.ClientSecret == "":
		return fmt.Errorf("credential missing client_id/client_secret")
	case c.AccessToken == "" || c.RefreshToken == "":
		return fmt.Errorf("credential missing token pair")
	case c.AccessExpiresAt.IsZero() || c.RefreshExpiresAt.IsZero() || c.IssuedAt.IsZero():
		return fmt.Errorf("credential missing expiry instants")
	case c.IssuedAt.After(c.AccessExpiresAt):
		return fmt.Errorf("credential invariant violated: issued_at after expires_at")
	case c.AccessExpiresAt.After(c.RefreshExpiresAt):
		return fmt.Errorf("credential invariant violated: expires_at after refresh_token_expires_at")
	}
	return nil
}
