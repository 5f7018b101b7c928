package models

import "time"

// WebhookEvent stores processor notification payloads with deduplication
// metadata for idempotent processing. EventKey is unique per processor so a
// redelivered notification loses the insert race and becomes a no-op. Rows
// older than the retention window are swept by the scheduler.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Processor       string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_processor_key,unique,priority:1;index" json:"processor"`
	EventKey        string     `gorm:"type:varchar(191);not null;default:'';index:ux_webhook_events_processor_key,unique,priority:2" json:"event_key"`
	Outcome         string     `gorm:"type:varchar(16);not null;default:''" json:"outcome"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	SignatureValid  bool       `gorm:"default:false;index" json:"signature_valid"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
