package domain

import "time"

// Job status constants
const (
	JobStatusPending             = "pending"
	JobStatusProcessing          = "processing"
	JobStatusCompleted           = "completed"
	JobStatusCompletedWithErrors = "completed_with_errors"
	JobStatusFailed              = "failed"
)

// Job is one submitted batch of rows. Counters only ever grow and their sum
// never exceeds TotalRecords.
type Job struct {
	ID             string    `db:"id" json:"id"`
	OwnerID        string    `db:"owner_id" json:"owner_id"`
	TemplateID     string    `db:"template_id" json:"template_id"`
	Status         string    `db:"status" json:"status"`
	TotalRecords   int       `db:"total_records" json:"total_records"`
	ProcessedCount int       `db:"processed_count" json:"processed_count"`
	FailedCount    int       `db:"failed_count" json:"failed_count"`
	ErrorMessage   string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Outstanding returns how many dispatched rows have no recorded outcome yet
func (j *Job) Outstanding() int {
	return j.TotalRecords - j.ProcessedCount - j.FailedCount
}

// IsTerminal reports whether the job reached a final status
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed:
		return true
	}
	return false
}

// TerminalStatus picks the final status for a job whose counters reached the total
func TerminalStatus(processed, failed int) string {
	switch {
	case failed == 0:
		return JobStatusCompleted
	case processed == 0:
		return JobStatusFailed
	default:
		return JobStatusCompletedWithErrors
	}
}
