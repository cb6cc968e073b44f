package dto

import (
	"time"

	"github.com/cuongbtq/certgen/internal/domain"
)

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string `json:"job_id"`
	TemplateID     string `json:"template_id"`
	Status         string `json:"status"`
	TotalRecords   int    `json:"total_records"`
	ProcessedCount int    `json:"processed_count"`
	FailedCount    int    `json:"failed_count"`
	ErrorMessage   string `json:"error_message,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func NewJobDTO(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:          job.ID,
		TemplateID:     job.TemplateID,
		Status:         job.Status,
		TotalRecords:   job.TotalRecords,
		ProcessedCount: job.ProcessedCount,
		FailedCount:    job.FailedCount,
		ErrorMessage:   job.ErrorMessage,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
	}
}
