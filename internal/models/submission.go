package models

import "time"

// ControlState is the part of a submission's status the grading core acts on.
// The free-text State label next to it is display metadata only.
type ControlState string

const (
	// ControlQueued marks work that is waiting for or running in the pipeline.
	ControlQueued ControlState = "queued"
	// ControlRegrading marks a regrade in flight; the stale sweep never touches it.
	ControlRegrading ControlState = "regrading"
	// ControlReaped marks a submission the reaper gave up on.
	ControlReaped ControlState = "reaped"
	// ControlTerminal marks a submission the pipeline finished.
	ControlTerminal ControlState = "terminal"
)

// Display labels the core writes itself.
const (
	StateWaitingForResources = "Waiting for resources..."
	StateRegrading           = "regrading"
	StateReaped              = "Reaped after timeout"
)

// Submission is one graded attempt, keyed by commit hash.
type Submission struct {
	ID               uint                   `gorm:"primaryKey" json:"id"`
	Commit           string                 `gorm:"column:commit_sha;size:128;uniqueIndex;not null" json:"commit"`
	AssignmentID     uint                   `gorm:"index;not null" json:"assignment_id"`
	AssignmentRepoID uint                   `gorm:"index;not null" json:"assignment_repo_id"`
	OwnerID          *uint                  `gorm:"index" json:"owner_id"`
	Processed        bool                   `gorm:"not null;default:false" json:"processed"`
	Control          ControlState           `gorm:"size:16;index;not null" json:"control"`
	State            string                 `gorm:"size:255" json:"state"`
	DispatchedAt     *time.Time             `json:"dispatched_at"`
	EnqueueFailedAt  *time.Time             `gorm:"index" json:"enqueue_failed_at,omitempty"`
	CreatedAt        time.Time              `json:"created"`
	LastUpdated      time.Time              `gorm:"autoUpdateTime;index" json:"last_updated"`
	Assignment       Assignment             `gorm:"foreignKey:AssignmentID" json:"-"`
	Build            *SubmissionBuild       `gorm:"constraint:OnDelete:CASCADE" json:"build,omitempty"`
	TestResults      []SubmissionTestResult `gorm:"constraint:OnDelete:CASCADE" json:"test_results,omitempty"`
}

// SubmissionBuild is the build report placeholder filled by the pipeline.
type SubmissionBuild struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SubmissionID uint      `gorm:"uniqueIndex;not null" json:"submission_id"`
	Stdout       string    `gorm:"type:text" json:"stdout"`
	Passed       *bool     `json:"passed"`
	CreatedAt    time.Time `json:"created_at"`
}

// SubmissionTestResult is the per-test report placeholder filled by the pipeline.
type SubmissionTestResult struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	SubmissionID     uint      `gorm:"index;not null" json:"submission_id"`
	AssignmentTestID uint      `gorm:"not null" json:"assignment_test_id"`
	Passed           *bool     `json:"passed"`
	Message          string    `gorm:"type:text" json:"message"`
	Stdout           string    `gorm:"type:text" json:"stdout"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewSubmission builds a freshly queued submission for a commit.
func NewSubmission(commit string, assignmentID, repoID uint, ownerID *uint) Submission {
	return Submission{
		Commit:           commit,
		AssignmentID:     assignmentID,
		AssignmentRepoID: repoID,
		OwnerID:          ownerID,
		Processed:        false,
		Control:          ControlQueued,
		State:            StateWaitingForResources,
	}
}

// IsDangling reports whether the submission has no resolved owner.
func (s Submission) IsDangling() bool {
	return s.OwnerID == nil
}

// IsInFlight reports whether the submission still represents queued or running work.
func (s Submission) IsInFlight() bool {
	return !s.Processed
}

// IsProtected reports whether the stale sweep must leave the submission alone.
func (s Submission) IsProtected() bool {
	return s.Control == ControlRegrading
}

// DispatchFailed reports whether the last pipeline enqueue failed and has not been retried yet.
func (s Submission) DispatchFailed() bool {
	return s.EnqueueFailedAt != nil
}
