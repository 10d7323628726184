package models

import (
	"time"

	"gorm.io/gorm"
)

// RequestLog 入站请求审计记录
// 只记录结果元数据，不保存 prompt 或明文凭证
type RequestLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
	RequestID  string    `gorm:"size:64" json:"request_id"`
	Endpoint   string    `gorm:"size:32" json:"endpoint"`
	Model      string    `json:"model"`
	Service    string    `json:"service"`
	Interface  string    `json:"interface"`
	Attempts   int       `json:"attempts"`
	StatusCode int       `json:"status_code"`
	Duration   int64     `json:"duration_ms"` // 毫秒
	Stream     bool      `json:"stream"`
	Token      string    `json:"token"` // 脱敏后的凭证
	ErrorMsg   string    `json:"error,omitempty"`
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&RequestLog{})
}
