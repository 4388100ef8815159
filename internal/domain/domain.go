package domain

// Workflow instance lifecycle statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusPostponed = "postponed"
	StatusFinished  = "finished"
)

type WorkflowInstance struct {
	ID           string  `json:"id"`
	WorkflowName string  `json:"workflow_name"`
	CurrentStep  string  `json:"current_step"`
	CurrentActor *string `json:"current_actor,omitempty"`
	Status       string  `json:"status" enum:"active,suspended,postponed,finished"`
	ResumeStart  *string `json:"resume_start,omitempty" format:"date-time"`
	ResumeFinish *string `json:"resume_finish,omitempty" format:"date-time"`
	StartDate    string  `json:"start_date" format:"date-time"`
	FinishDate   *string `json:"finish_date,omitempty" format:"date-time"`
}

// TaskInvitation offers a workflow step to the members of a role.
// Role starts as the abstract role id and is overwritten with the
// claiming principal id once a claim succeeds; OriginRole keeps the
// role the invitation was issued for. Invitations are never deleted.
type TaskInvitation struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	Role       string `json:"role"`
	OriginRole string `json:"origin_role"`
	Title      string `json:"title"`
	StepName   string `json:"step_name"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Superuser    bool   `json:"superuser"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Role struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

type Permission struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
