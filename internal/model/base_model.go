package model

import (
	"time"
)

// BaseModel 审计表通用主键与时间戳，审计记录不做软删除
type BaseModel struct {
	ID        int64     `gorm:"primary_key;AUTO_INCREMENT" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
