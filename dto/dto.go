package dto

import (
	"time"

	"github.com/google/uuid"

	"convert-gateway/constant"
	"convert-gateway/entities"
)

// JobMessage is the payload published to the broker when a submission is
// dispatched to another instance's work queue.
type JobMessage struct {
	JobId uuid.UUID        `json:"jobId"`
	Kind  constant.JobKind `json:"kind"`
}

type TextToAudioRequest struct {
	Text      string `json:"text" binding:"required"`
	VoiceType string `json:"voice_type"`
	Language  string `json:"language"`
	Filename  string `json:"filename"`
}

type JobResponse struct {
	ID         uuid.UUID          `json:"id"`
	Kind       constant.JobKind   `json:"kind"`
	Status     constant.JobStatus `json:"status"`
	Filename   string             `json:"filename,omitempty"`
	RetryCount int                `json:"retry_count"`
	Error      string             `json:"error,omitempty"`
	ResultURL  string             `json:"result_url,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

func NewJobResponse(job *entities.Job) JobResponse {
	resp := JobResponse{
		ID:         job.ID,
		Kind:       job.Kind,
		Status:     job.Status,
		Filename:   job.Filename,
		RetryCount: job.RetryCount,
		Error:      job.LastError,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	if job.Status == constant.JobStatusDone {
		resp.ResultURL = "/api/v1/download/" + job.ID.String()
	}
	return resp
}
