// Package broadcast is a thin HTTP client for the broadcast gateway's
// preview and confirm API.
package broadcast

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout bounds calls made with the default http.Client. Confirm
// blocks while the gateway polls, so it must exceed the server's wait timeout.
const DefaultHTTPTimeout = 11 * time.Minute

// Client wraps the gateway REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Summary mirrors the caller supplied description of a staged transaction.
type Summary struct {
	Kind              string         `json:"kind,omitempty"`
	ApprovalStatus    string         `json:"approval_status,omitempty"`
	ExpectedAuthority string         `json:"expected_authority,omitempty"`
	ExpectedAssets    []string       `json:"expected_assets,omitempty"`
	ExpectedPrograms  []string       `json:"expected_programs,omitempty"`
	Description       string         `json:"description,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// PreviewRequest stages raw transaction bytes.
type PreviewRequest struct {
	Network    string
	Tx         []byte
	Summary    Summary
	SourceTool string
	TTL        time.Duration
}

// NextAction names the call that resolves the previous response.
type NextAction struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Preview is the staging receipt.
type Preview struct {
	PendingConfirmationID string          `json:"pending_confirmation_id"`
	ContentHash           string          `json:"content_hash"`
	Network               string          `json:"network"`
	ExpiresInMS           int64           `json:"expires_in_ms"`
	ExpiresAtMS           int64           `json:"expires_at_ms"`
	ConfirmToken          string          `json:"confirm_token,omitempty"`
	Summary               Summary         `json:"summary"`
	Decoded               json.RawMessage `json:"decoded,omitempty"`
	NextAction            *NextAction     `json:"next_action,omitempty"`
}

// ConfirmRequest releases a staged transaction.
type ConfirmRequest struct {
	ID           string
	ContentHash  string
	ConfirmToken string
	AdminPubkey  string
	Commitment   string
	Timeout      time.Duration
	// AllowPreflightFailure broadcasts even when the gateway's dry run fails.
	AllowPreflightFailure bool
}

// WaitDetail reports how the gateway waited for the commitment level.
type WaitDetail struct {
	Polls         int    `json:"polls"`
	ElapsedMS     int64  `json:"elapsed_ms"`
	LastState     string `json:"last_state,omitempty"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	Confirmations uint64 `json:"confirmations,omitempty"`
	LastPollError string `json:"last_poll_error,omitempty"`
}

// Outcome is the result of a confirm call. Status is confirmed, failed or
// timed_out; a timed_out outcome can be confirmed again.
type Outcome struct {
	Status                string          `json:"status"`
	PendingConfirmationID string          `json:"pending_confirmation_id"`
	Network               string          `json:"network"`
	TxHash                string          `json:"tx_hash"`
	Commitment            string          `json:"commitment"`
	Error                 string          `json:"error,omitempty"`
	RevertReason          string          `json:"revert_reason,omitempty"`
	Wait                  WaitDetail      `json:"wait_detail"`
	AdminOverride         bool            `json:"admin_override,omitempty"`
	PolicyWarnings        json.RawMessage `json:"policy_warnings,omitempty"`
	PreflightError        string          `json:"preflight_error,omitempty"`
	NextAction            *NextAction     `json:"next_action,omitempty"`
}

// TimedOut reports whether the transaction may still land.
func (o Outcome) TimedOut() bool { return o.Status == "timed_out" }

// Entry is a staged transaction without its bytes.
type Entry struct {
	ID          string  `json:"id"`
	Network     string  `json:"network"`
	ContentHash string  `json:"content_hash"`
	CreatedAtMS int64   `json:"created_at_ms"`
	UpdatedAtMS int64   `json:"updated_at_ms"`
	ExpiresAtMS int64   `json:"expires_at_ms"`
	SourceTool  string  `json:"source_tool,omitempty"`
	Summary     Summary `json:"summary"`
	Status      string  `json:"status"`
	TxHash      string  `json:"tx_hash,omitempty"`
	LastError   string  `json:"last_error,omitempty"`
	Attempts    int     `json:"attempts"`
}

// Record is a staged transaction including its bytes.
type Record struct {
	Entry
	TxBase64 string `json:"tx_base64"`
}

// ListOptions filters List.
type ListOptions struct {
	Limit      int
	Statuses   []string
	Network    string
	SourceTool string
}

// CleanupResult reports how many records were purged.
type CleanupResult struct {
	Removed int `json:"removed"`
	Kept    int `json:"kept"`
}

// APIError is returned for every non-2xx response. Refusals from the pipeline
// carry Tool, Hint and NextAction.
type APIError struct {
	StatusCode int            `json:"-"`
	Tool       string         `json:"tool,omitempty"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Hint       string         `json:"hint,omitempty"`
	NextAction *NextAction    `json:"next_action,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Retryable  bool           `json:"retryable,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("broadcast api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("broadcast api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient instantiates a client. When httpClient is nil a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Preview stages a transaction and returns the confirmation handle.
func (c *Client) Preview(ctx context.Context, req PreviewRequest) (Preview, error) {
	body := map[string]any{
		"network":   req.Network,
		"tx_base64": base64.StdEncoding.EncodeToString(req.Tx),
		"summary":   req.Summary,
	}
	if req.SourceTool != "" {
		body["source_tool"] = req.SourceTool
	}
	if req.TTL > 0 {
		body["ttl_ms"] = req.TTL.Milliseconds()
	}
	var out Preview
	err := c.send(ctx, http.MethodPost, "/api/v1/pending", nil, body, &out)
	return out, err
}

// Confirm releases a staged transaction and waits for the commitment level.
func (c *Client) Confirm(ctx context.Context, req ConfirmRequest) (Outcome, error) {
	if req.ID == "" {
		return Outcome{}, errors.New("broadcast: confirm requires an id")
	}
	body := map[string]any{"content_hash": req.ContentHash}
	if req.ConfirmToken != "" {
		body["confirm_token"] = req.ConfirmToken
	}
	if req.AdminPubkey != "" {
		body["admin_pubkey"] = req.AdminPubkey
	}
	if req.Commitment != "" {
		body["commitment"] = req.Commitment
	}
	if req.Timeout > 0 {
		body["timeout_ms"] = req.Timeout.Milliseconds()
	}
	if req.AllowPreflightFailure {
		body["allow_preflight_failure"] = true
	}
	var out Outcome
	err := c.send(ctx, http.MethodPost, "/api/v1/pending/"+req.ID+"/confirm", nil, body, &out)
	return out, err
}

// List returns staged transactions, newest first.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if len(opts.Statuses) > 0 {
		q.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Network != "" {
		q.Set("network", opts.Network)
	}
	if opts.SourceTool != "" {
		q.Set("source_tool", opts.SourceTool)
	}
	var out struct {
		Items []Entry `json:"items"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/pending", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Get fetches one staged transaction.
func (c *Client) Get(ctx context.Context, id string) (Record, error) {
	var out Record
	err := c.send(ctx, http.MethodGet, "/api/v1/pending/"+id, nil, nil, &out)
	return out, err
}

// Remove discards a staged transaction.
func (c *Client) Remove(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/pending/"+id, nil, nil, nil)
}

// Cleanup purges expired records and, when maxAge is positive, records older
// than maxAge.
func (c *Client) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	body := map[string]any{}
	if maxAge > 0 {
		body["max_age_ms"] = maxAge.Milliseconds()
	}
	var out CleanupResult
	err := c.send(ctx, http.MethodPost, "/api/v1/pending/cleanup", nil, body, &out)
	return out, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint)})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
