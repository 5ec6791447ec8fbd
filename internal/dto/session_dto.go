package dto

import (
	"time"

	"github.com/noah-isme/gema-autograde/internal/models"
)

// AdminSessionRequest configures an administrative IDE session.
type AdminSessionRequest struct {
	CourseID      uint                   `json:"course_id" validate:"required,gt=0"`
	Image         string                 `json:"image" validate:"omitempty,max=512"`
	RepoURL       string                 `json:"repo_url" validate:"omitempty,url"`
	NetworkLocked *bool                  `json:"network_locked"`
	Privileged    *bool                  `json:"privileged"`
	Options       map[string]interface{} `json:"options"`
}

// SessionResponse is the API view of an IDE session.
type SessionResponse struct {
	ID            uint       `json:"id"`
	OwnerID       uint       `json:"owner_id"`
	CourseID      uint       `json:"course_id"`
	AssignmentID  *uint      `json:"assignment_id"`
	Image         string     `json:"image"`
	Active        bool       `json:"active"`
	State         string     `json:"state"`
	NetworkLocked bool       `json:"network_locked"`
	Privileged    bool       `json:"privileged"`
	LastProxy     time.Time  `json:"last_proxy"`
	Ended         *time.Time `json:"ended"`
	Created       time.Time  `json:"created"`
}

// NewSessionResponse maps a session row into its API representation.
func NewSessionResponse(session models.TheiaSession) SessionResponse {
	return SessionResponse{
		ID:            session.ID,
		OwnerID:       session.OwnerID,
		CourseID:      session.CourseID,
		AssignmentID:  session.AssignmentID,
		Image:         session.Image,
		Active:        session.Active,
		State:         session.State,
		NetworkLocked: session.NetworkLocked,
		Privileged:    session.Privileged,
		LastProxy:     session.LastProxy,
		Ended:         session.Ended,
		Created:       session.CreatedAt,
	}
}
