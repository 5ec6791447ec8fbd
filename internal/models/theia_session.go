package models

import (
	"time"

	"gorm.io/datatypes"
)

// Session display labels written by the core.
const (
	SessionStateInitializing = "Initializing"
	SessionStateEnding       = "Ending"
	SessionStateFailed       = "Failed to initialize"
)

// TheiaSession is an interactive IDE session. A nil AssignmentID marks an
// administrative session; each owner has at most one active per course.
type TheiaSession struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	OwnerID       uint              `gorm:"index;not null;uniqueIndex:idx_theia_active_admin,where:active AND assignment_id IS NULL" json:"owner_id"`
	CourseID      uint              `gorm:"index;not null;uniqueIndex:idx_theia_active_admin,where:active AND assignment_id IS NULL" json:"course_id"`
	AssignmentID  *uint             `gorm:"index" json:"assignment_id"`
	RepoURL       string            `gorm:"size:512" json:"repo_url"`
	Image         string            `gorm:"size:512" json:"image"`
	NetworkLocked bool              `gorm:"not null" json:"network_locked"`
	Privileged    bool              `gorm:"not null;default:false" json:"privileged"`
	Options       datatypes.JSONMap `json:"options"`
	Active        bool              `gorm:"index;not null" json:"active"`
	State         string            `gorm:"size:255" json:"state"`
	LastProxy     time.Time         `gorm:"index" json:"last_proxy"`
	Ended         *time.Time        `json:"ended"`
	CreatedAt     time.Time         `json:"created"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// IsAdminSession reports whether the session is not bound to an assignment.
func (s TheiaSession) IsAdminSession() bool {
	return s.AssignmentID == nil
}
