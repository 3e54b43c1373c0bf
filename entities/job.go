package entities

import (
	"time"

	"github.com/google/uuid"

	"convert-gateway/constant"
)

type Job struct {
	ID              uuid.UUID          `gorm:"primaryKey" json:"id"`
	Kind            constant.JobKind   `json:"kind"`
	Status          constant.JobStatus `gorm:"index" json:"status"`
	DedupKey        string             `gorm:"index" json:"-"`
	InputRef        string             `gorm:"index" json:"input_ref"`
	OutputRef       string             `gorm:"index" json:"output_ref,omitempty"`
	Filename        string             `json:"filename,omitempty"`
	Voice           string             `json:"voice,omitempty"`
	Language        string             `json:"language,omitempty"`
	RetryCount      int                `json:"retry_count"`
	LastError       string             `json:"last_error,omitempty"`
	CancelRequested bool               `json:"-"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}
