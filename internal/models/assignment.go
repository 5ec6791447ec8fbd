package models

import "time"

// Assignment is a graded assignment. UniqueCode is embedded in every student
// repository name created for it.
type Assignment struct {
	ID               uint             `gorm:"primaryKey" json:"id"`
	CourseID         uint             `gorm:"index" json:"course_id"`
	Name             string           `gorm:"size:255;uniqueIndex;not null" json:"name"`
	UniqueCode       string           `gorm:"size:64;uniqueIndex;not null" json:"unique_code"`
	ReleaseDate      time.Time        `json:"release_date"`
	DueDate          time.Time        `json:"due_date"`
	GraceDate        time.Time        `json:"grace_date"`
	AutogradeEnabled bool             `gorm:"not null" json:"autograde_enabled"`
	PipelineImage    string           `gorm:"size:512" json:"pipeline_image"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Tests            []AssignmentTest `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"tests,omitempty"`
}

// AssignmentTest is one autograder test; each submission gets a result row per test.
type AssignmentTest struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	AssignmentID uint   `gorm:"index;not null" json:"assignment_id"`
	Name         string `gorm:"size:255;not null" json:"name"`
	Hidden       bool   `gorm:"not null;default:false" json:"hidden"`
}

// AssignmentRepo binds a student's hosted repository to an assignment.
// OwnerID is nil while the repository's username cannot be matched to a user.
type AssignmentRepo struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	AssignmentID   uint      `gorm:"not null;uniqueIndex:idx_assignment_repo_url" json:"assignment_id"`
	RepoURL        string    `gorm:"size:512;not null;uniqueIndex:idx_assignment_repo_url" json:"repo_url"`
	OwnerID        *uint     `gorm:"index" json:"owner_id"`
	GithubUsername string    `gorm:"size:255" json:"github_username"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
