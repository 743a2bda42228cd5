package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleWriter Role = "writer"
	RoleReader Role = "reader"
)

// ParseRole validates a role string against the known roles.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleWriter, RoleReader:
		return r, nil
	}
	return "", Validationf("invalid role %q; expected admin, writer or reader", s)
}

// CanWrite reports whether the role may mutate casefile content.
func (r Role) CanWrite() bool { return r == RoleAdmin || r == RoleWriter }

type Status string

const (
	StatusNew              Status = "NEW"
	StatusMissionDefined   Status = "MISSION_DEFINED"
	StatusPlanningComplete Status = "PLANNING_COMPLETE"
	StatusExecutionDone    Status = "EXECUTION_COMPLETE"
	StatusAnalysisComplete Status = "ANALYSIS_COMPLETE"
)

// Campaign describes the overarching mission a casefile belongs to.
type Campaign struct {
	Type        string   `json:"type"`
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Objective   string   `json:"objective,omitempty"`
	Created     string   `json:"created" format:"date-time"`
	Modified    string   `json:"modified" format:"date-time"`
	Labels      []string `json:"labels,omitempty"`
}

// Grouping is the dossier that collects object references for a casefile.
type Grouping struct {
	Type        string   `json:"type"`
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Context     string   `json:"context"`
	ObjectRefs  []string `json:"object_refs"`
	Created     string   `json:"created" format:"date-time"`
	Modified    string   `json:"modified" format:"date-time"`
}

func NewCampaign(name string, now time.Time) *Campaign {
	ts := Timestamp(now)
	return &Campaign{
		Type:     "campaign",
		ID:       "campaign--" + NewUUID(),
		Name:     name,
		Created:  ts,
		Modified: ts,
	}
}

func NewGrouping(name string, now time.Time) *Grouping {
	ts := Timestamp(now)
	return &Grouping{
		Type:       "grouping",
		ID:         "grouping--" + NewUUID(),
		Name:       name,
		Context:    "casefile-dossier",
		ObjectRefs: []string{},
		Created:    ts,
		Modified:   ts,
	}
}

// Casefile is the root document of a mission.
type Casefile struct {
	ID                  string                    `json:"id"`
	Name                string                    `json:"name"`
	Description         string                    `json:"description"`
	CasefileType        string                    `json:"casefile_type"`
	OwnerID             string                    `json:"owner_id"`
	ACL                 map[string]Role           `json:"acl"`
	Tags                []string                  `json:"tags"`
	Campaign            *Campaign                 `json:"campaign,omitempty"`
	Dossier             *Grouping                 `json:"dossier,omitempty"`
	ParentID            *string                   `json:"parent_id,omitempty"`
	SubCasefileIDs      []string                  `json:"sub_casefile_ids"`
	Workflows           []Workflow                `json:"workflows"`
	EngineeredWorkflows []EngineeredWorkflow      `json:"engineered_workflows"`
	ExecutionResults    []WorkflowExecutionResult `json:"execution_results"`
	EventLog            []Event                   `json:"event_log"`
	CreatedAt           string                    `json:"created_at" format:"date-time"`
	ModifiedAt          string                    `json:"modified_at" format:"date-time"`
}

// Status derives the pipeline stage from content; the most advanced stage wins.
func (c Casefile) Status() Status {
	switch {
	case len(c.EngineeredWorkflows) > 0:
		return StatusAnalysisComplete
	case len(c.ExecutionResults) > 0:
		return StatusExecutionDone
	case len(c.Workflows) > 0:
		return StatusPlanningComplete
	case strings.TrimSpace(c.Description) != "":
		return StatusMissionDefined
	default:
		return StatusNew
	}
}

// RoleOf returns the caller's role, or false when the caller has no entry.
func (c Casefile) RoleOf(userID string) (Role, bool) {
	r, ok := c.ACL[userID]
	return r, ok
}

func (c *Casefile) Touch(now time.Time) {
	c.ModifiedAt = Timestamp(now)
}

// Normalize replaces nil collections with empty ones so documents round-trip as [] not null.
func (c *Casefile) Normalize() {
	if c.ACL == nil {
		c.ACL = map[string]Role{}
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	if c.SubCasefileIDs == nil {
		c.SubCasefileIDs = []string{}
	}
	if c.Workflows == nil {
		c.Workflows = []Workflow{}
	}
	if c.EngineeredWorkflows == nil {
		c.EngineeredWorkflows = []EngineeredWorkflow{}
	}
	if c.ExecutionResults == nil {
		c.ExecutionResults = []WorkflowExecutionResult{}
	}
	if c.EventLog == nil {
		c.EventLog = []Event{}
	}
}

// Event sources.
const (
	SourceUser           = "USER"
	SourceChatAgent      = "CHAT_AGENT"
	SourceProcessorAgent = "PROCESSOR_AGENT"
	SourceExecutorAgent  = "EXECUTOR_AGENT"
	SourceEngineerAgent  = "ENGINEER_AGENT"
	SourceSystem         = "SYSTEM"
)

// Event types.
const (
	EventSystemLog        = "SYSTEM_LOG"
	EventUserMessage      = "USER_MESSAGE"
	EventAgentResponse    = "AGENT_RESPONSE"
	EventToolCall         = "TOOL_CALL"
	EventToolResult       = "TOOL_RESULT"
	EventWorkflowCreated  = "WORKFLOW_CREATED"
	EventExecutionDone    = "EXECUTION_COMPLETED"
	EventAnalysisComplete = "ANALYSIS_COMPLETED"
)

var knownSources = map[string]bool{
	SourceUser: true, SourceChatAgent: true, SourceProcessorAgent: true,
	SourceExecutorAgent: true, SourceEngineerAgent: true, SourceSystem: true,
}

// ValidateSource rejects sources outside the known set.
func ValidateSource(s string) error {
	if !knownSources[s] {
		return Validationf("invalid event source %q", s)
	}
	return nil
}

type Event struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp string         `json:"timestamp" format:"date-time"`
}

// Command statuses. Only received, completed and failed are produced by the bus.
const (
	CommandReceived        = "received"
	CommandValidated       = "validated"
	CommandDispatched      = "dispatched"
	CommandCompleted       = "completed"
	CommandFailed          = "failed"
	CommandPendingApproval = "pending_approval"
	CommandApproved        = "approved"
	CommandRejected        = "rejected"
)

type Command struct {
	CommandID   string         `json:"command_id"`
	CommandType string         `json:"command_type"`
	SourceAgent string         `json:"source_agent"`
	UserID      string         `json:"user_id"`
	Timestamp   string         `json:"timestamp" format:"date-time"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Task statuses.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
)

type Task struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload"`
	Status    string         `json:"status" enum:"queued,running,succeeded,failed"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Attempts  int            `json:"attempts"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

// Done reports whether the task reached a terminal status.
func (t Task) Done() bool { return t.Status == TaskSucceeded || t.Status == TaskFailed }

type AuditEntry struct {
	ID        int64          `json:"id"`
	Timestamp string         `json:"timestamp" format:"date-time"`
	Direction string         `json:"direction"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Timestamp formats t the way every stored document does.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func NewUUID() string { return uuid.NewString() }

// ShortID returns prefix followed by ten hex characters of a random UUID.
func ShortID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}
