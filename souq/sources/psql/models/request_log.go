package models

import (
	"time"
)

// ChatRequestLog is one proxied chat completion, as shown on the admin logs screen.
type ChatRequestLog struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	RequestID    string    `json:"request_id" gorm:"type:varchar(64);index"`
	UserID       string    `json:"user_id" gorm:"type:varchar(255);index"`
	Channel      string    `json:"channel" gorm:"type:varchar(16);not null"`
	Mode         string    `json:"mode" gorm:"type:varchar(50);not null"`
	MessageCount int       `json:"message_count" gorm:"not null"`
	Status       int       `json:"status" gorm:"not null"`
	ErrorCode    string    `json:"error_code" gorm:"type:varchar(50)"`
	Bytes        int64     `json:"bytes" gorm:"not null;default:0"`
	DurationMS   int64     `json:"duration_ms" gorm:"not null;default:0"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null;index"`
}
