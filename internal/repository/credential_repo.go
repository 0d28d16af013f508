package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cafe24_ops_v1/internal/model"
	"cafe24_ops_v1/pkg/cafe24"
)

// ==================== 接口定义 ====================

// ErrCredentialMissing 凭证文件不存在（尚未完成初次授权注入）
var ErrCredentialMissing = errors.New("credential file does not exist")

// CredentialRepository 凭证仓储接口
// 单文件 JSON 持久化；除 Token Manager 外任何组件都不应直接持有它
type CredentialRepository interface {
	Load() (*model.Credential, error)
	Save(cred *model.Credential) error
	Clear() error
}

// ==================== 文件实现 ====================

type fileCredentialRepo struct {
	path string
	mu   sync.Mutex
}

// NewCredentialRepository 创建文件凭证仓储
func NewCredentialRepository(path string) CredentialRepository {
	return &fileCredentialRepo{path: path}
}

// Load 读取凭证
// 文件缺失返回 ErrCredentialMissing；存在但解析失败或缺字段返回 corrupt_credential
func (r *fileCredentialRepo) Load() (*model.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCredentialMissing
		}
		return nil, cafe24.WrapError(cafe24.KindCorruptCredential, fmt.Sprintf("read credential file %s", r.path), err)
	}

	var cred model.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, cafe24.WrapError(cafe24.KindCorruptCredential, fmt.Sprintf("parse credential file %s", r.path), err)
	}
	if err := cred.Validate(); err != nil {
		return nil, cafe24.WrapError(cafe24.KindCorruptCredential, fmt.Sprintf("validate credential file %s", r.path), err)
	}
	return &cred, nil
}

// Save 原子写入凭证
// 同目录临时文件 + fsync + rename，崩溃或并发读取都不会观测到半写文件
func (r *fileCredentialRepo) Save(cred *model.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := cred.Validate(); err != nil {
		return cafe24.WrapError(cafe24.KindValidation, "refuse to persist invalid credential", err)
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".credential-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // rename 成功后为 no-op

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp credential file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp credential file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp credential file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("rename credential file into place: %w", err)
	}
	return nil
}

// Clear 删除凭证文件，文件不存在视为成功
func (r *fileCredentialRepo) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}
