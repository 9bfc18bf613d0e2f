package conveyorsdk

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

// Client is a minimal Conveyor HTTP API client.
type Client struct {
	BaseURL     string
	PipelineID  string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, pipelineID string) *Client {
	return &Client{
		BaseURL:    baseURL,
		PipelineID: pipelineID,
		Timeout:    10 * time.Second,
	}
}

// WorkItem represents the API work-item model (partial).
type WorkItem struct {
	ID             string   `json:"id"`
	PipelineID     string   `json:"pipeline_id"`
	Title          string   `json:"title"`
	Type           string   `json:"type"`
	Stage          string   `json:"stage"`
	Priority       int      `json:"priority"`
	AssignedAgent  *string  `json:"assigned_agent,omitempty"`
	RejectionCount int      `json:"rejection_count"`
	Outputs        []string `json:"outputs,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
}

// Claim is the exclusive item/agent binding.
type Claim struct {
	ItemID    string `json:"item_id"`
	AgentID   string `json:"agent_id"`
	ClaimedAt string `json:"claimed_at"`
}

// MoveResult is the outcome of a committed move.
type MoveResult struct {
	Item          WorkItem `json:"item"`
	PreviousStage string   `json:"previous_stage"`
}

// RejectResult is the outcome of a review rejection.
type RejectResult struct {
	Item           WorkItem `json:"item"`
	Escalated      bool     `json:"escalated"`
	RejectionCount int      `json:"rejection_count"`
}

// ReleaseResult reports whether a claim existed.
type ReleaseResult struct {
	Released bool    `json:"released"`
	Agent    *string `json:"agent,omitempty"`
}

// GraphCheck is the outcome of a proposed-edge dry run.
type GraphCheck struct {
	Valid  bool       `json:"valid"`
	Cycles [][]string `json:"cycles,omitempty"`
}

// ReadySet partitions waiting items.
type ReadySet struct {
	Ready   []WorkItem `json:"ready"`
	Blocked []struct {
		Item      WorkItem `json:"item"`
		BlockedBy []string `json:"blocked_by"`
	} `json:"blocked"`
}

// RecoveryAction is one canonical action for a stranded item.
type RecoveryAction struct {
	ItemID string `json:"item_id"`
	Stage  string `json:"stage"`
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
}

// LogEntry is one work-log row.
type LogEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	PipelineID string `json:"pipeline_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	AgentID    string `json:"agent_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// CreateItem creates a work item in intake.
func (c *Client) CreateItem(ctx context.Context, title, itemType string, outputs, dependsOn []string) (WorkItem, error) {
	body := map[string]any{
		"title": title,
		"type":  itemType,
	}
	if len(outputs) > 0 {
		body["outputs"] = outputs
	}
	if len(dependsOn) > 0 {
		body["depends_on"] = dependsOn
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.pipelinePath("items"), body, &resp)
	return resp, err
}

// GetItem fetches a work item with its dependencies.
func (c *Client) GetItem(ctx context.Context, itemID string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, c.itemPath(itemID, ""), nil, &resp)
	return resp, err
}

// ClaimItem takes an exclusive claim for agentID.
func (c *Client) ClaimItem(ctx context.Context, itemID, agentID string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "claim"), map[string]any{"agent_id": agentID}, &resp)
	return resp, err
}

// ReleaseItem drops the claim; releasing an unclaimed item is not an error.
func (c *Client) ReleaseItem(ctx context.Context, itemID, agentID string) (ReleaseResult, error) {
	var resp ReleaseResult
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "release"), map[string]any{"agent_id": agentID}, &resp)
	return resp, err
}

// MoveItem moves an item between stages with optimistic concurrency on from.
func (c *Client) MoveItem(ctx context.Context, itemID, from, to string, force bool) (MoveResult, error) {
	var resp MoveResult
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "move"), map[string]any{
		"from": from, "to": to, "force": force,
	}, &resp)
	return resp, err
}

// RejectItem records a review rejection.
func (c *Client) RejectItem(ctx context.Context, itemID, reason, sendBackTo string) (RejectResult, error) {
	body := map[string]any{"reason": reason}
	if sendBackTo != "" {
		body["send_back_to"] = sendBackTo
	}
	var resp RejectResult
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "reject"), body, &resp)
	return resp, err
}

// CheckGraph dry-runs proposed edges. Edges map item id to dependency id.
func (c *Client) CheckGraph(ctx context.Context, edges map[string]string) (GraphCheck, error) {
	var list []map[string]string
	for item, dep := range edges {
		list = append(list, map[string]string{"item_id": item, "depends_on": dep})
	}
	var resp GraphCheck
	err := c.do(ctx, http.MethodPost, c.pipelinePath("graph/check"), map[string]any{"edges": list}, &resp)
	return resp, err
}

// ReadySet returns items ready to start versus dependency-blocked.
func (c *Client) ReadySet(ctx context.Context) (ReadySet, error) {
	var resp ReadySet
	err := c.do(ctx, http.MethodGet, c.pipelinePath("ready-set"), nil, &resp)
	return resp, err
}

// RecoveryPlan previews crash recovery without mutating anything.
func (c *Client) RecoveryPlan(ctx context.Context) ([]RecoveryAction, error) {
	var resp []RecoveryAction
	err := c.do(ctx, http.MethodGet, c.pipelinePath("recovery/plan"), nil, &resp)
	return resp, err
}

// ApplyRecovery executes the recovery plan.
func (c *Client) ApplyRecovery(ctx context.Context) ([]RecoveryAction, error) {
	var resp []RecoveryAction
	err := c.do(ctx, http.MethodPost, c.pipelinePath("recovery/apply"), nil, &resp)
	return resp, err
}

// Log returns recent work-log entries, newest first.
func (c *Client) Log(ctx context.Context, limit int) ([]LogEntry, error) {
	endpoint := c.pipelinePath("log")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []LogEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		_ = json.Unmarshal(b, &envelope)
		return &APIError{StatusCode: resp.StatusCode, Code: envelope.Error.Code, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) pipelinePath(p string) string {
	pipeline := url.PathEscape(c.PipelineID)
	return fmt.Sprintf("v1/pipelines/%s/%s", pipeline, strings.TrimLeft(p, "/"))
}

func (c *Client) itemPath(itemID, action string) string {
	p := fmt.Sprintf("v1/items/%s", url.PathEscape(itemID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
