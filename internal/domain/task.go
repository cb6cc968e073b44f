package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known dataset columns copied onto the certificate record
const (
	ColumnEmail = "email"
	ColumnName  = "name"

	// RecipientUnknown is stored when the dataset lacks the column
	RecipientUnknown = "N/A"
)

// RenderTask carries everything a worker needs to render one row without
// another template lookup.
type RenderTask struct {
	JobID          string          `json:"job_id"`
	RowIndex       int             `json:"row_index"`
	TemplateID     string          `json:"template_id"`
	OwnerID        string          `json:"owner_id"`
	TotalRecords   int             `json:"total_records"`
	RecipientEmail string          `json:"recipient_email"`
	RecipientName  string          `json:"recipient_name"`
	BackgroundRef  string          `json:"background_ref"`
	CanvasWidth    int             `json:"canvas_width"`
	CanvasHeight   int             `json:"canvas_height"`
	Fields         []AbsoluteField `json:"fields"`
}

// AbsoluteField is a template field resolved to pixel coordinates with its row value
type AbsoluteField struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	AbsX       float64 `json:"abs_x"`
	AbsY       float64 `json:"abs_y"`
	FontFamily string  `json:"font_family"`
	FontSize   float64 `json:"font_size"`
	Color      string  `json:"color"`
	Align      string  `json:"align"`
}

// Validate rejects tasks no retry could ever render
func (t *RenderTask) Validate() error {
	if t.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if t.RowIndex < 0 || (t.TotalRecords > 0 && t.RowIndex >= t.TotalRecords) {
		return fmt.Errorf("row_index %d out of range", t.RowIndex)
	}
	if t.CanvasWidth <= 0 || t.CanvasHeight <= 0 {
		return fmt.Errorf("invalid canvas %dx%d", t.CanvasWidth, t.CanvasHeight)
	}
	if t.BackgroundRef == "" {
		return fmt.Errorf("background_ref is required")
	}
	return nil
}

// DedupKey is the idempotency key of the task
func (t *RenderTask) DedupKey() string {
	return TaskKey(t.JobID, t.RowIndex)
}

// TaskKey joins a job id and row index into the idempotency key
func TaskKey(jobID string, rowIndex int) string {
	return jobID + ":" + strconv.Itoa(rowIndex)
}

// ParseTaskKey splits an idempotency key
func ParseTaskKey(key string) (string, int, error) {
	i := strings.LastIndex(key, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid task key %q", key)
	}
	row, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid task key %q: %w", key, err)
	}
	return key[:i], row, nil
}

// ArtifactKey is the deterministic blob key of a rendered row, so a
// redelivered task overwrites instead of duplicating.
func ArtifactKey(jobID string, rowIndex int) string {
	return fmt.Sprintf("certificates/%s/%d.png", jobID, rowIndex)
}
