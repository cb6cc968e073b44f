package dto

import (
	"time"

	"github.com/cuongbtq/certgen/internal/domain"
)

type CertificateDTO struct {
	CertificateID  string `json:"certificate_id"`
	JobID          string `json:"job_id"`
	RowIndex       int    `json:"row_index"`
	TemplateID     string `json:"template_id"`
	RecipientEmail string `json:"recipient_email"`
	RecipientName  string `json:"recipient_name"`
	Slug           string `json:"slug"`
	ArtifactURL    string `json:"artifact_url,omitempty"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	GeneratedAt    string `json:"generated_at"`
}

func NewCertificateDTO(cert *domain.Certificate) CertificateDTO {
	return CertificateDTO{
		CertificateID:  cert.ID,
		JobID:          cert.JobID,
		RowIndex:       cert.RowIndex,
		TemplateID:     cert.TemplateID,
		RecipientEmail: cert.RecipientEmail,
		RecipientName:  cert.RecipientName,
		Slug:           cert.Slug,
		ArtifactURL:    cert.ArtifactURL,
		Status:         cert.Status,
		Error:          cert.ErrorMessage,
		GeneratedAt:    cert.GeneratedAt.Format(time.RFC3339),
	}
}

type ListCertificatesResponse struct {
	JobID        string           `json:"job_id"`
	Certificates []CertificateDTO `json:"certificates"`
}
