package server

import (
	"encoding/json"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/engine"
)

// Request payloads

type AssignToRoleRequest struct {
	RoleID      string `json:"role_id"`
	Explanation string `json:"explanation,omitempty"`
}

type PostponeRequest struct {
	StartDate  string `json:"start_date" example:"15.10.2026"`
	FinishDate string `json:"finish_date" example:"20.10.2026"`
}

type ResumeRequest struct {
	Operator bool `json:"operator,omitempty"`
}

type CreateUserRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Superuser bool   `json:"superuser,omitempty"`
}

type CreateRoleRequest struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

type RoleMemberRequest struct {
	UserID string `json:"user_id"`
}

type DevLoginRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

// Response payloads

type InstanceResponse struct {
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

type InvitationResponse struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	Role       string `json:"role"`
	OriginRole string `json:"origin_role"`
	Title      string `json:"title"`
	StepName   string `json:"step_name"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// MsgboxResponse wraps action outcomes the way clients expect them:
// a msgbox object whose title is Successful or Unsuccessful.
type MsgboxResponse struct {
	Msgbox engine.Outcome `json:"msgbox"`
}

type StartWorkflowResponse struct {
	Instance   InstanceResponse   `json:"instance"`
	Invitation InvitationResponse `json:"invitation"`
}

type UserResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Superuser bool   `json:"superuser"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WorkflowResponse struct {
	Name  string         `json:"name"`
	Title string         `json:"title"`
	Steps []StepResponse `json:"steps"`
}

type StepResponse struct {
	Name  string `json:"name"`
	Title string `json:"title,omitempty"`
	Role  string `json:"role"`
}

type WhoAmIResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedInvitations struct {
	Items []InvitationResponse `json:"items"`
}

type paginatedInstances struct {
	Items []InstanceResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func instanceResponse(w domain.WorkflowInstance) InstanceResponse {
	return InstanceResponse(w)
}

func invitationResponse(inv domain.TaskInvitation) InvitationResponse {
	return InvitationResponse(inv)
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		Superuser: u.Superuser,
		CreatedAt: u.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func workflowResponses(cfg *config.Config) []WorkflowResponse {
	res := make([]WorkflowResponse, 0, len(cfg.Workflows))
	for _, name := range cfg.WorkflowNames() {
		wf := cfg.Workflows[name]
		out := WorkflowResponse{Name: name, Title: wf.Title}
		for _, s := range wf.Steps {
			out.Steps = append(out.Steps, StepResponse{Name: s.Name, Title: s.Title, Role: s.Role})
		}
		res = append(res, out)
	}
	return res
}

func mapInvitations(items []domain.TaskInvitation) []InvitationResponse {
	res := make([]InvitationResponse, 0, len(items))
	for _, inv := range items {
		res = append(res, invitationResponse(inv))
	}
	return res
}

func mapInstances(items []domain.WorkflowInstance) []InstanceResponse {
	res := make([]InstanceResponse, 0, len(items))
	for _, w := range items {
		res = append(res, instanceResponse(w))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
