// Package missionlinesdk is a minimal typed client for the Missionline
// read-only HTTP API.
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

// Client talks to one Missionline server.
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

// Mission mirrors the API mission model.
type Mission struct {
	ID              string  `json:"id"`
	Status          string  `json:"status"`
	PreviousStatus  *string `json:"previous_status,omitempty"`
	MaxCostUSD      float64 `json:"max_cost_usd"`
	SpentCostUSD    float64 `json:"spent_cost_usd"`
	RepairBudgetUSD float64 `json:"repair_budget_usd"`
	FailureReason   *string `json:"failure_reason,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	FailedAt        *string `json:"failed_at,omitempty"`
}

// Task mirrors the API task model (partial).
type Task struct {
	ID            string  `json:"id"`
	MissionID     string  `json:"mission_id"`
	TaskOrder     int     `json:"task_order"`
	Description   string  `json:"description"`
	Status        string  `json:"status"`
	RepairAttempt int     `json:"repair_attempt"`
	LockedBy      *string `json:"locked_by,omitempty"`
	StartedAt     *string `json:"started_at,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

// TimelineEvent is one orchestration event.
type TimelineEvent struct {
	ID        string `json:"id"`
	MissionID string `json:"mission_id"`
	TaskID    string `json:"task_id,omitempty"`
	EventType string `json:"event_type"`
	Metadata  string `json:"metadata_json"`
	CreatedAt string `json:"created_at"`
}

// VerifyResult is the journal integrity report.
type VerifyResult struct {
	OK     bool     `json:"ok"`
	Breaks []string `json:"breaks,omitempty"`
}

// JournalBundle is the exported audit bundle.
type JournalBundle struct {
	MissionID  string            `json:"mission_id"`
	ChainRoot  string            `json:"chain_root"`
	Genesis    string            `json:"genesis"`
	Entries    []json.RawMessage `json:"entries"`
	Receipts   []json.RawMessage `json:"receipts"`
	ExportedAt string            `json:"exported_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Missions lists all missions.
func (c *Client) Missions(ctx context.Context) ([]Mission, error) {
	var resp []Mission
	err := c.do(ctx, http.MethodGet, "v0/missions", nil, &resp)
	return resp, err
}

// Mission fetches one mission by id.
func (c *Client) Mission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "v0/missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Tasks lists a mission's tasks.
func (c *Client) Tasks(ctx context.Context, missionID string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/missions/%s/tasks", url.PathEscape(missionID)), nil, &resp)
	return resp, err
}

// Timeline returns a mission's recent events, newest first.
func (c *Client) Timeline(ctx context.Context, missionID string, limit int) ([]TimelineEvent, error) {
	endpoint := fmt.Sprintf("v0/missions/%s/timeline", url.PathEscape(missionID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []TimelineEvent
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// VerifyJournal checks the mission's hash chain.
func (c *Client) VerifyJournal(ctx context.Context, missionID string) (VerifyResult, error) {
	var resp VerifyResult
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/missions/%s/journal/verify", url.PathEscape(missionID)), nil, &resp)
	return resp, err
}

// ExportJournal downloads the audit bundle.
func (c *Client) ExportJournal(ctx context.Context, missionID string) (JournalBundle, error) {
	var resp JournalBundle
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/missions/%s/journal/export", url.PathEscape(missionID)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	fullURL := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, &buf)
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
