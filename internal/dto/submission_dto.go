package dto

import (
	"time"

	"github.com/noah-isme/gema-autograde/internal/models"
)

// RegradeAssignmentQuery mirrors the query string accepted by the bulk regrade endpoint.
// Flags are enabled with the value 1.
type RegradeAssignmentQuery struct {
	Hours        int `query:"hours" validate:"gte=0"`
	Processed    int `query:"processed" validate:"oneof=0 1"`
	NotProcessed int `query:"not_processed" validate:"oneof=0 1"`
	Reaped       int `query:"reaped" validate:"oneof=0 1"`
}

// Filter converts the query flags into a regrade filter.
func (q RegradeAssignmentQuery) Filter() RegradeFilter {
	return RegradeFilter{
		Hours:        q.Hours,
		Processed:    q.Processed == 1,
		NotProcessed: q.NotProcessed == 1,
		Reaped:       q.Reaped == 1,
	}
}

// RegradeFilter selects which submissions of an assignment are regraded.
type RegradeFilter struct {
	Hours        int
	Processed    bool
	NotProcessed bool
	Reaped       bool
}

// RegradeAssignmentResponse reports the submissions scheduled for a bulk regrade.
type RegradeAssignmentResponse struct {
	Status      string `json:"status"`
	Submissions []uint `json:"submissions"`
	Chunks      int    `json:"chunks"`
}

// StateReportRequest is sent by the pipeline runner as a submission progresses.
type StateReportRequest struct {
	State     string `json:"state" validate:"required,max=255"`
	Processed bool   `json:"processed"`
}

// SubmissionStatusResponse summarises a submission's grading status.
type SubmissionStatusResponse struct {
	ID          uint       `json:"id"`
	Commit      string     `json:"commit"`
	Processed   bool       `json:"processed"`
	Control     string     `json:"control"`
	State       string     `json:"state"`
	Created     time.Time  `json:"created"`
	LastUpdated time.Time  `json:"last_updated"`
	Dispatched  *time.Time `json:"dispatched_at"`
}

// NewSubmissionStatusResponse maps a submission into its API representation.
func NewSubmissionStatusResponse(submission models.Submission) SubmissionStatusResponse {
	return SubmissionStatusResponse{
		ID:          submission.ID,
		Commit:      submission.Commit,
		Processed:   submission.Processed,
		Control:     string(submission.Control),
		State:       submission.State,
		Created:     submission.CreatedAt,
		LastUpdated: submission.LastUpdated,
		Dispatched:  submission.DispatchedAt,
	}
}
