// Package datagatesdk is a minimal Datagate HTTP API client.
package datagatesdk

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

// Client talks to one gateway instance.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: 30 * time.Second}
}

// File is one entry of an asset's location list. The index is assigned by
// the gateway and only appears in responses.
type File struct {
	URL           string `json:"url,omitempty"`
	Index         int    `json:"index,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
	ContentLength string `json:"contentLength,omitempty"`
}

// Asset represents the published document (partial).
type Asset struct {
	ID             string `json:"id"`
	Owner          string `json:"owner"`
	Name           string `json:"name"`
	ServiceType    string `json:"service_type"`
	Price          uint64 `json:"price"`
	Files          []File `json:"files,omitempty"`
	EncryptedFiles string `json:"encrypted_files"`
	CreatedAt      string `json:"created_at"`
}

// Agreement mirrors the ledger record.
type Agreement struct {
	ID           string   `json:"id"`
	AssetID      string   `json:"asset_id"`
	TemplateID   string   `json:"template_id"`
	ConditionIDs []string `json:"condition_ids"`
	Consumer     string   `json:"consumer"`
	Actors       []string `json:"actors"`
}

// Event represents one audit log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	AssetID     string `json:"asset_id"`
	AgreementID string `json:"agreement_id"`
	Actor       string `json:"actor"`
}

// Job represents a compute job.
type Job struct {
	JobID       string `json:"jobId"`
	AgreementID string `json:"agreementId"`
	Status      string `json:"status"`
	StatusText  string `json:"statusText"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Publish registers an asset with its plaintext location list. The gateway
// verifies the signature over the asset id against publisherAddress and
// encrypts the list before storing it. File indices are assigned server-side.
func (c *Client) Publish(ctx context.Context, id, name string, price uint64, files []File, publisherAddress, signature string) (Asset, error) {
	type publishFile struct {
		URL           string `json:"url"`
		Checksum      string `json:"checksum,omitempty"`
		ContentType   string `json:"contentType,omitempty"`
		ContentLength string `json:"contentLength,omitempty"`
	}
	outFiles := make([]publishFile, len(files))
	for i, f := range files {
		outFiles[i] = publishFile{URL: f.URL, Checksum: f.Checksum, ContentType: f.ContentType, ContentLength: f.ContentLength}
	}
	body := map[string]any{
		"id":               id,
		"name":             name,
		"price":            price,
		"publisherAddress": publisherAddress,
		"signature":        signature,
		"files":            outFiles,
	}
	var resp Asset
	err := c.do(ctx, http.MethodPost, "services/publish", body, &resp)
	return resp, err
}

// Asset fetches one published document.
func (c *Client) Asset(ctx context.Context, id string) (Asset, error) {
	var resp Asset
	err := c.do(ctx, http.MethodGet, "services/assets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Assets lists published documents.
func (c *Client) Assets(ctx context.Context) ([]Asset, error) {
	var resp []Asset
	err := c.do(ctx, http.MethodGet, "services/assets", nil, &resp)
	return resp, err
}

// Retire hides a published asset.
func (c *Client) Retire(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "services/assets/"+url.PathEscape(id), nil, nil)
}

// InitializeAccess asks the provider to watch the agreement and grant access
// once the reward is locked. Returns the grant outcome.
func (c *Client) InitializeAccess(ctx context.Context, agreementID string) (string, error) {
	var resp struct {
		Outcome string `json:"outcome"`
	}
	err := c.do(ctx, http.MethodPost, "services/access/initialize", map[string]any{"agreementId": agreementID}, &resp)
	return resp.Outcome, err
}

// Agreement fetches an agreement from the gateway's ledger view.
func (c *Client) Agreement(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodGet, "services/agreements/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Consume streams one file of the agreement's asset into w. credential is an
// access token or a signature over the agreement id.
func (c *Client) Consume(ctx context.Context, w io.Writer, agreementID, consumerAddress, credential string, index int) error {
	endpoint := fmt.Sprintf("%s/services/consume?serviceAgreementId=%s&consumerAddress=%s&signature=%s&index=%d",
		c.base(), url.QueryEscape(agreementID), url.QueryEscape(consumerAddress), url.QueryEscape(credential), index)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// ConsumeURL streams a file whose location the consumer already holds. No
// credential is sent; the gateway checks the on-chain permission only.
func (c *Client) ConsumeURL(ctx context.Context, w io.Writer, agreementID, consumerAddress, fileURL string) error {
	endpoint := fmt.Sprintf("%s/services/consume?serviceAgreementId=%s&consumerAddress=%s&url=%s",
		c.base(), url.QueryEscape(agreementID), url.QueryEscape(consumerAddress), url.QueryEscape(fileURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// Algorithm selects the code a compute job runs, by reference or inline.
type Algorithm struct {
	ID      string `json:"algorithmId,omitempty"`
	URL     string `json:"algorithmUrl,omitempty"`
	RawCode string `json:"algorithmRawCode,omitempty"`
}

// StartCompute submits a job under a compute agreement. The gateway builds
// the workflow document from the asset's locations and the given algorithm.
func (c *Client) StartCompute(ctx context.Context, agreementID, consumerAddress, credential string, alg Algorithm) (Job, error) {
	body := map[string]any{
		"agreementId":     agreementID,
		"consumerAddress": consumerAddress,
		"signature":       credential,
	}
	if alg.ID != "" {
		body["algorithmId"] = alg.ID
	}
	if alg.URL != "" {
		body["algorithmUrl"] = alg.URL
	}
	if alg.RawCode != "" {
		body["algorithmRawCode"] = alg.RawCode
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "services/compute", body, &resp)
	return resp, err
}

// ComputeStatus fetches a job's state.
func (c *Client) ComputeStatus(ctx context.Context, agreementID, jobID string) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("services/compute/%s/%s", url.PathEscape(agreementID), url.PathEscape(jobID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StopCompute halts a running job.
func (c *Client) StopCompute(ctx context.Context, agreementID, jobID string) error {
	endpoint := fmt.Sprintf("services/compute/%s/%s/stop", url.PathEscape(agreementID), url.PathEscape(jobID))
	return c.do(ctx, http.MethodPut, endpoint, nil, nil)
}

// DeleteCompute removes a job and its outputs.
func (c *Client) DeleteCompute(ctx context.Context, agreementID, jobID string) error {
	endpoint := fmt.Sprintf("services/compute/%s/%s", url.PathEscape(agreementID), url.PathEscape(jobID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Events returns the audit log tail after the given id.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("events?after=%d", after)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) client() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	endpointURL := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpointURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client().Do(req)
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

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if !strings.HasSuffix(base, "/api/v1") {
		base += "/api/v1"
	}
	return base
}
