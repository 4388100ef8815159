package flowlinesdk

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

// Client is a minimal Flowline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Instance represents the API workflow instance model.
type Instance struct {
	ID           string  `json:"id"`
	WorkflowName string  `json:"workflow_name"`
	CurrentStep  string  `json:"current_step"`
	CurrentActor *string `json:"current_actor,omitempty"`
	Status       string  `json:"status"`
	ResumeStart  *string `json:"resume_start,omitempty"`
	ResumeFinish *string `json:"resume_finish,omitempty"`
	StartDate    string  `json:"start_date"`
	FinishDate   *string `json:"finish_date,omitempty"`
}

// Invitation represents a task invitation.
type Invitation struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	Role       string `json:"role"`
	OriginRole string `json:"origin_role"`
	Title      string `json:"title"`
	StepName   string `json:"step_name"`
	CreatedAt  string `json:"created_at"`
}

// Msgbox is the outcome of a task action. Title is Successful or
// Unsuccessful regardless of HTTP status; inspect it before trusting
// that anything changed.
type Msgbox struct {
	Status  string `json:"status"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// MsgboxResult wraps the action response envelope.
type MsgboxResult struct {
	Msgbox Msgbox `json:"msgbox"`
}

// Successful reports whether the action took effect.
func (m MsgboxResult) Successful() bool {
	return m.Msgbox.Title == "Successful"
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ActorID    string         `json:"actor_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// StartResult is the response of starting a workflow.
type StartResult struct {
	Instance   Instance   `json:"instance"`
	Invitation Invitation `json:"invitation"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StartWorkflow starts an instance of the named workflow.
func (c *Client) StartWorkflow(ctx context.Context, workflowName string) (StartResult, error) {
	var resp StartResult
	endpoint := fmt.Sprintf("v0/workflows/%s/start", url.PathEscape(workflowName))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Invitations lists open task invitations, optionally filtered by role.
func (c *Client) Invitations(ctx context.Context, role string) ([]Invitation, error) {
	var resp struct {
		Items []Invitation `json:"items"`
	}
	endpoint := "v0/invitations"
	if role != "" {
		endpoint += "?role=" + url.QueryEscape(role)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Invitation fetches a task invitation by id.
func (c *Client) Invitation(ctx context.Context, id string) (Invitation, error) {
	var resp Invitation
	err := c.do(ctx, http.MethodGet, c.invitationPath(id, ""), nil, &resp)
	return resp, err
}

// Claim assigns the invitation's workflow to the caller.
func (c *Client) Claim(ctx context.Context, invitationID string) (MsgboxResult, error) {
	var resp MsgboxResult
	err := c.do(ctx, http.MethodPost, c.invitationPath(invitationID, "assign-yourself"), map[string]any{}, &resp)
	return resp, err
}

// AssignRole hands the invitation to another role in the same class.
func (c *Client) AssignRole(ctx context.Context, invitationID, roleID, explanation string) (MsgboxResult, error) {
	body := map[string]any{
		"role_id":     roleID,
		"explanation": explanation,
	}
	var resp MsgboxResult
	err := c.do(ctx, http.MethodPost, c.invitationPath(invitationID, "assign-role"), body, &resp)
	return resp, err
}

// Suspend pauses the invitation's workflow indefinitely.
func (c *Client) Suspend(ctx context.Context, invitationID string) (MsgboxResult, error) {
	var resp MsgboxResult
	err := c.do(ctx, http.MethodPost, c.invitationPath(invitationID, "suspend"), map[string]any{}, &resp)
	return resp, err
}

// Postpone pauses the workflow until a resume window; dates use DD.MM.YYYY.
func (c *Client) Postpone(ctx context.Context, invitationID, startDate, finishDate string) (MsgboxResult, error) {
	body := map[string]any{
		"start_date":  startDate,
		"finish_date": finishDate,
	}
	var resp MsgboxResult
	err := c.do(ctx, http.MethodPost, c.invitationPath(invitationID, "postpone"), body, &resp)
	return resp, err
}

// Release gives a claimed invitation back to its role pool.
func (c *Client) Release(ctx context.Context, invitationID string) (MsgboxResult, error) {
	var resp MsgboxResult
	err := c.do(ctx, http.MethodPost, c.invitationPath(invitationID, "release"), map[string]any{}, &resp)
	return resp, err
}

// Complete finishes the invitation's step and advances the workflow.
func (c *Client) Complete(ctx context.Context, invitationID string) (MsgboxResult, error) {
	var resp MsgboxResult
	err := c.do(ctx, http.MethodPost, c.invitationPath(invitationID, "complete"), map[string]any{}, &resp)
	return resp, err
}

// Instances lists workflow instances, optionally filtered by status.
func (c *Client) Instances(ctx context.Context, status string) ([]Instance, error) {
	var resp struct {
		Items []Instance `json:"items"`
	}
	endpoint := "v0/instances"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Instance fetches a workflow instance by id.
func (c *Client) Instance(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	endpoint := fmt.Sprintf("v0/instances/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Resume wakes a suspended or postponed instance. Operator forces the
// resume before the postpone window opens; it needs a superuser token.
func (c *Client) Resume(ctx context.Context, instanceID string, operator bool) (MsgboxResult, error) {
	body := map[string]any{"operator": operator}
	var resp MsgboxResult
	endpoint := fmt.Sprintf("v0/instances/%s/resume", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) invitationPath(id, action string) string {
	p := fmt.Sprintf("v0/invitations/%s", url.PathEscape(id))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
