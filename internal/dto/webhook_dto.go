package dto

// PushEvent is the subset of a hosting push webhook the gateway consumes.
type PushEvent struct {
	Ref        string         `json:"ref" validate:"required"`
	Before     string         `json:"before" validate:"required,hexadecimal"`
	After      string         `json:"after" validate:"required,hexadecimal"`
	Repository PushRepository `json:"repository" validate:"required"`
	Pusher     PushPusher     `json:"pusher"`
}

// PushRepository describes the repository a push landed on.
type PushRepository struct {
	Name          string    `json:"name" validate:"required"`
	FullName      string    `json:"full_name" validate:"required"`
	URL           string    `json:"url" validate:"required"`
	DefaultBranch string    `json:"default_branch"`
	Owner         PushOwner `json:"owner"`
}

// PushOwner is the account that owns the pushed repository.
type PushOwner struct {
	Login string `json:"login"`
}

// PushPusher identifies who pushed.
type PushPusher struct {
	Name string `json:"name"`
}

// WebhookContext carries the delivery headers the gateway checks before the payload.
type WebhookContext struct {
	ContentType string
	EventType   string
	DeliveryID  string
}

// WebhookResponse is returned for every handled push.
type WebhookResponse struct {
	Outcome          string `json:"outcome"`
	Commit           string `json:"commit,omitempty"`
	SubmissionID     *uint  `json:"submission_id,omitempty"`
	AssignmentRepoID *uint  `json:"assignment_repo_id,omitempty"`
}
