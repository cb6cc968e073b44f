package domain

import "time"

// Certificate status constants
const (
	CertificateStatusGenerated = "generated"
	CertificateStatusPending   = "pending"
	CertificateStatusFailed    = "failed"
)

// Certificate is the outcome record of one row. At most one exists per
// (JobID, RowIndex) and it is never modified after insertion.
type Certificate struct {
	ID             string    `db:"id" json:"id"`
	JobID          string    `db:"job_id" json:"job_id"`
	RowIndex       int       `db:"row_index" json:"row_index"`
	TemplateID     string    `db:"template_id" json:"template_id"`
	RecipientEmail string    `db:"recipient_email" json:"recipient_email"`
	RecipientName  string    `db:"recipient_name" json:"recipient_name"`
	Slug           string    `db:"slug" json:"slug"`
	ArtifactURL    string    `db:"artifact_url" json:"artifact_url,omitempty"`
	Status         string    `db:"status" json:"status"`
	ErrorMessage   string    `db:"error_message" json:"error_message,omitempty"`
	GeneratedAt    time.Time `db:"generated_at" json:"generated_at"`
}
