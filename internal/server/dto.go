package server

import (
	"missionline/internal/casefile"
	"missionline/internal/domain"
	"missionline/internal/tools"
)

type CreateCasefileRequest struct {
	Name        string         `json:"name" minLength:"1" example:"Mission A"`
	Description string         `json:"description,omitempty" example:"analyze X"`
	CasefileID  string         `json:"casefile_id,omitempty"`
	ParentID    string         `json:"parent_id,omitempty"`
	Campaign    map[string]any `json:"campaign,omitempty"`
	Dossier     map[string]any `json:"dossier,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

type CreateCasefileResponse struct {
	ID string `json:"id"`
}

type UpdateCasefileRequest struct {
	Updates map[string]any `json:"updates" doc:"Fields to merge. Sequence fields are extended, other fields overwritten."`
}

type CasefileListResponse struct {
	Items []casefile.Summary `json:"items"`
}

type GrantAccessRequest struct {
	UserID string `json:"user_id" minLength:"1"`
	Role   string `json:"role" example:"writer"`
}

type RevokeAccessRequest struct {
	UserID string `json:"user_id" minLength:"1"`
}

type ACLResponse struct {
	CasefileID string                 `json:"casefile_id"`
	ACL        map[string]domain.Role `json:"acl"`
}

type LogEventRequest struct {
	Source    string         `json:"source,omitempty" example:"USER"`
	EventType string         `json:"event_type,omitempty" example:"USER_MESSAGE"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type AdvanceResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status" enum:"queued,running,succeeded,failed"`
}

type TaskListResponse struct {
	Items []domain.Task `json:"items"`
}

type CommandRequest struct {
	CommandID   string         `json:"command_id,omitempty"`
	CommandType string         `json:"command_type" example:"GET_CASEFILE"`
	SourceAgent string         `json:"source_agent,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type AuditListResponse struct {
	Items []domain.AuditEntry `json:"items"`
}

type ToolListResponse struct {
	Items []tools.Tool `json:"items"`
}

type streamMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}
