package domain

// Actor identifies a chat participant as seen by the gateway.
type Actor struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
}

type User struct {
	DiscordID string  `json:"discord_id"`
	Username  string  `json:"username"`
	Nickname  string  `json:"nickname"`
	Score     float64 `json:"score"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// DefaultNickname is assigned to profiles registered without a nickname.
const DefaultNickname = "PAKORA"

type Task struct {
	TaskID            int64   `json:"task_id"`
	Description       string  `json:"description"`
	Points            float64 `json:"points"`
	Status            string  `json:"status" enum:"pending,approved"`
	RequesterID       string  `json:"requester_id"`
	RequesterUsername string  `json:"requester_username"`
	RequesterNickname string  `json:"requester_nickname,omitempty"`
	ApproverID        string  `json:"approver_id,omitempty"`
	ApproverUsername  string  `json:"approver_username,omitempty"`
	ApproverNickname  string  `json:"approver_nickname,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

// PendingRequest is one in-flight approval workflow instance. Its ID is the
// id of the bot's approval prompt message, which is how a later yes/no reply
// finds its way back to the record. Requests are never deleted; terminal
// statuses are the audit trail.
type PendingRequest struct {
	ID                string  `json:"id"`
	Type              string  `json:"type" enum:"points_add,task_add,task_edit,task_do"`
	RequesterID       string  `json:"requester_id"`
	RequesterUsername string  `json:"requester_username"`
	RequesterNickname string  `json:"requester_nickname,omitempty"`
	ApproverID        string  `json:"approver_id,omitempty"`
	ApproverUsername  string  `json:"approver_username,omitempty"`
	ApproverNickname  string  `json:"approver_nickname,omitempty"`
	Points            float64 `json:"points"`
	Description       string  `json:"description,omitempty"`
	TaskID            *int64  `json:"task_id,omitempty"`
	Status            string  `json:"status" enum:"pending,ongoing,review,approved,completed,rejected"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

// Request types.
const (
	TypePointsAdd = "points_add"
	TypeTaskAdd   = "task_add"
	TypeTaskEdit  = "task_edit"
	TypeTaskDo    = "task_do"
)

// Request and task statuses.
const (
	StatusPending   = "pending"
	StatusOngoing   = "ongoing"
	StatusReview    = "review"
	StatusApproved  = "approved"
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
)

// Terminal reports whether no further transition is permitted from status.
func Terminal(status string) bool {
	switch status {
	case StatusApproved, StatusCompleted, StatusRejected:
		return true
	}
	return false
}
