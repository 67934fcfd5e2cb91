package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"context"

	"go.uber.org/zap"

	"github.com/pilotd/pilotd/internal/common/logger"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// Client is the HTTP implementation of Adapter, talking to the
// assistant runtime's control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates an HTTP adapter client
func NewClient(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithFields(zap.String("component", "profile_client")),
	}
}

var _ Adapter = (*Client)(nil)

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close response body", zap.Error(cerr))
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", path, err)
	}
	return nil
}

// Identity fetches the connected runtime's identity
func (c *Client) Identity(ctx context.Context) (*Identity, error) {
	var out Identity
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/identity", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartTurn opens a new turn on a thread
func (c *Client) StartTurn(ctx context.Context, req *StartTurnRequest) (*Turn, error) {
	var out Turn
	path := fmt.Sprintf("/api/v1/threads/%s/turns", url.PathEscape(req.ThreadID))
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadThread fetches a thread by id
func (c *Client) ReadThread(ctx context.Context, threadID string) (*Thread, error) {
	var out Thread
	path := fmt.Sprintf("/api/v1/threads/%s", url.PathEscape(threadID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadApproval fetches an approval record by id
func (c *Client) ReadApproval(ctx context.Context, approvalID string) (*Approval, error) {
	var out Approval
	path := fmt.Sprintf("/api/v1/approvals/%s", url.PathEscape(approvalID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InterruptTurn asks the runtime to halt an in-flight turn
func (c *Client) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	path := fmt.Sprintf("/api/v1/threads/%s/turns/%s/interrupt",
		url.PathEscape(threadID), url.PathEscape(turnID))
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

type outcomeResponse struct {
	Status  string                 `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (r *outcomeResponse) toOutcome() *Outcome {
	return &Outcome{Status: v1.ActionStatus(r.Status), Details: r.Details}
}

// UpsertTranscript writes a supplemental transcript entry
func (c *Client) UpsertTranscript(ctx context.Context, req *TranscriptUpsert) (*Outcome, error) {
	var out outcomeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/transcript/entries", req, &out); err != nil {
		return nil, err
	}
	return out.toOutcome(), nil
}

// DecideApproval resolves a pending approval
func (c *Client) DecideApproval(ctx context.Context, req *ApprovalDecision) (*Outcome, error) {
	var out outcomeResponse
	path := fmt.Sprintf("/api/v1/approvals/%s/decision", url.PathEscape(req.ApprovalID))
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return out.toOutcome(), nil
}

// SteerTurn injects steering input into an active turn
func (c *Client) SteerTurn(ctx context.Context, req *TurnSteer) (*Outcome, error) {
	var out outcomeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/turns/steer", req, &out); err != nil {
		return nil, err
	}
	return out.toOutcome(), nil
}
