// Package operator drives compute jobs on an external operator service.
package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrOperator = errors.New("operator service")

// Job describes one compute execution.
type Job struct {
	JobID       string `json:"jobId"`
	AgreementID string `json:"agreementId"`
	Owner       string `json:"owner"`
	Status      string `json:"status,omitempty"`
	StatusText  string `json:"statusText,omitempty"`
}

// StageInput is one dataset fed into a stage, already resolved to fetchable
// URLs on the provider side.
type StageInput struct {
	Index int      `json:"index"`
	ID    string   `json:"id,omitempty"`
	URLs  []string `json:"url"`
}

// Algorithm selects the code a stage runs, by reference or inline.
type Algorithm struct {
	ID      string `json:"id,omitempty"`
	URL     string `json:"url,omitempty"`
	RawCode string `json:"rawcode,omitempty"`
}

// Output tells the operator where results go and who owns them.
type Output struct {
	NodeURI       string `json:"nodeUri,omitempty"`
	Owner         string `json:"owner"`
	PublishOutput bool   `json:"publishOutput"`
}

// Stage is one unit of a workflow.
type Stage struct {
	Index     int          `json:"index"`
	Input     []StageInput `json:"input"`
	Algorithm Algorithm    `json:"algorithm"`
	Output    Output       `json:"output"`
}

// Workflow is the execution document submitted to the operator.
type Workflow struct {
	Stages []Stage `json:"stages"`
}

// StartRequest submits a workflow against an agreement's compute service.
type StartRequest struct {
	AgreementID string   `json:"agreementId"`
	Owner       string   `json:"owner"`
	Workflow    Workflow `json:"workflow"`
}

// Client calls the operator service. Every request carries a short-lived
// signed token so the operator can verify it came from this gateway.
type Client struct {
	BaseURL  string
	Secret   string
	HTTPDoer *http.Client
	Now      func() time.Time
}

func (c *Client) doer() *http.Client {
	if c.HTTPDoer != nil {
		return c.HTTPDoer
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// authToken mints an HS256 token scoped to a single request.
func (c *Client) authToken() (string, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"iss": "datagate",
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.Secret))
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+endpoint, body)
	if err != nil {
		return err
	}
	token, err := c.authToken()
	if err != nil {
		return fmt.Errorf("%w: sign request: %v", ErrOperator, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.doer().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOperator, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrOperator, res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrOperator, err)
		}
	}
	return nil
}

// Start submits a new job and returns its id.
func (c *Client) Start(ctx context.Context, req StartRequest) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodPost, "/compute", req, &job)
	return job, err
}

// Status reports the current state of a job.
func (c *Client) Status(ctx context.Context, agreementID, jobID string) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/compute/%s/%s", agreementID, jobID), nil, &job)
	return job, err
}

// Stop asks the operator to halt a running job.
func (c *Client) Stop(ctx context.Context, agreementID, jobID string) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/compute/%s/%s/stop", agreementID, jobID), nil, nil)
}

// Delete removes a stopped job and its outputs.
func (c *Client) Delete(ctx context.Context, agreementID, jobID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/compute/%s/%s", agreementID, jobID), nil, nil)
}
