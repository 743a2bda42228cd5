package missionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Missionline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// UserID is sent as X-User-ID when no credential is set. Servers only
	// honor it with allow_user_header enabled.
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Casefile represents the API casefile model (partial).
type Casefile struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	OwnerID        string            `json:"owner_id"`
	ACL            map[string]string `json:"acl"`
	Tags           []string          `json:"tags"`
	ParentID       *string           `json:"parent_id,omitempty"`
	SubCasefileIDs []string          `json:"sub_casefile_ids"`
	Workflows      []map[string]any  `json:"workflows"`
	Results        []map[string]any  `json:"execution_results"`
	Engineered     []map[string]any  `json:"engineered_workflows"`
	EventLog       []Event           `json:"event_log"`
	CreatedAt      string            `json:"created_at"`
	ModifiedAt     string            `json:"modified_at"`
}

// Summary is a casefile listing row.
type Summary struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	OwnerID        string   `json:"owner_id"`
	ParentID       string   `json:"parent_id,omitempty"`
	Status         string   `json:"status"`
	SubCasefileIDs []string `json:"sub_casefile_ids"`
	ModifiedAt     string   `json:"modified_at"`
}

// Event represents a casefile event log entry.
type Event struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp string         `json:"timestamp"`
}

// Task is a background task handle.
type Task struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Attempts  int            `json:"attempts"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// Done reports whether the task reached a terminal status.
func (t Task) Done() bool { return t.Status == "succeeded" || t.Status == "failed" }

// Command is a dispatched command envelope.
type Command struct {
	CommandID   string         `json:"command_id,omitempty"`
	CommandType string         `json:"command_type"`
	SourceAgent string         `json:"source_agent,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      string         `json:"status,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCasefile creates a casefile, under parentID when it is not empty.
func (c *Client) CreateCasefile(ctx context.Context, name, description, parentID string) (string, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
	}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "casefiles", body, &resp)
	return resp.ID, err
}

// Casefile fetches a casefile.
func (c *Client) Casefile(ctx context.Context, id string) (Casefile, error) {
	var resp Casefile
	err := c.do(ctx, http.MethodGet, "casefiles/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Casefiles lists visible top-level casefiles.
func (c *Client) Casefiles(ctx context.Context) ([]Summary, error) {
	var resp struct {
		Items []Summary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "casefiles", nil, &resp)
	return resp.Items, err
}

// UpdateCasefile merges updates and returns the stored document as a map,
// including ignored_fields when some keys were not applied.
func (c *Client) UpdateCasefile(ctx context.Context, id string, updates map[string]any) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPatch, "casefiles/"+url.PathEscape(id), map[string]any{"updates": updates}, &resp)
	return resp, err
}

// DeleteCasefile deletes a casefile.
func (c *Client) DeleteCasefile(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "casefiles/"+url.PathEscape(id), nil, nil)
}

// GrantAccess grants role to userID and returns the resulting ACL.
func (c *Client) GrantAccess(ctx context.Context, id, userID, role string) (map[string]string, error) {
	var resp struct {
		ACL map[string]string `json:"acl"`
	}
	err := c.do(ctx, http.MethodPost, "casefiles/"+url.PathEscape(id)+"/acl/grant", map[string]any{"user_id": userID, "role": role}, &resp)
	return resp.ACL, err
}

// RevokeAccess removes userID from the ACL.
func (c *Client) RevokeAccess(ctx context.Context, id, userID string) (map[string]string, error) {
	var resp struct {
		ACL map[string]string `json:"acl"`
	}
	err := c.do(ctx, http.MethodPost, "casefiles/"+url.PathEscape(id)+"/acl/revoke", map[string]any{"user_id": userID}, &resp)
	return resp.ACL, err
}

// LogEvent appends an event to a casefile.
func (c *Client) LogEvent(ctx context.Context, id, eventType, content string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, "casefiles/"+url.PathEscape(id)+"/events", map[string]any{"event_type": eventType, "content": content}, &resp)
	return resp, err
}

// Advance queues one orchestration step and returns the task id.
func (c *Client) Advance(ctx context.Context, id string) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	err := c.do(ctx, http.MethodPost, "casefiles/"+url.PathEscape(id)+"/advance", nil, &resp)
	return resp.TaskID, err
}

// Task fetches a background task.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// WaitTask polls a task until it finishes or ctx is done.
func (c *Client) WaitTask(ctx context.Context, id string, every time.Duration) (Task, error) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		t, err := c.Task(ctx, id)
		if err != nil || t.Done() {
			return t, err
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Dispatch sends a raw command envelope.
func (c *Client) Dispatch(ctx context.Context, commandType string, payload map[string]any) (Command, error) {
	var resp Command
	err := c.do(ctx, http.MethodPost, "commands", Command{CommandType: commandType, Payload: payload}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.UserID != "":
		req.Header.Set("X-User-ID", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
