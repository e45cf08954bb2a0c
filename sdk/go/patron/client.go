// Package patron is the Go client for the relay REST API.
package patron

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the relay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials are exchanged for an access token when the relay runs with JWT
// authentication.
type Credentials struct {
	GrantType string `json:"grant_type"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// Token is an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Operation is the wire form of a delegated operation. Addresses and byte
// fields are 0x-prefixed hex strings, big integers decimal strings.
type Operation struct {
	Sender               string `json:"sender"`
	Target               string `json:"target"`
	Value                string `json:"value,omitempty"`
	Payload              string `json:"payload,omitempty"`
	Nonce                uint64 `json:"nonce"`
	GasLimit             uint64 `json:"gas_limit"`
	MaxFeePerGas         string `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas,omitempty"`
	Sponsor              string `json:"sponsor,omitempty"`
	SponsorData          string `json:"sponsor_data,omitempty"`
	Signature            string `json:"signature"`
}

// Receipt is the per-operation execution record.
type Receipt struct {
	OperationHash string `json:"operation_hash"`
	Success       bool   `json:"success"`
	GasUsed       uint64 `json:"gas_used"`
	SponsoredCost uint64 `json:"sponsored_cost"`
	ReturnData    string `json:"return_data,omitempty"`
	NewNonce      uint64 `json:"new_nonce"`
}

// Submission tracks a queued operation batch.
type Submission struct {
	ID         string    `json:"id"`
	Principal  string    `json:"principal"`
	Sponsored  bool      `json:"sponsored"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"`
	LastError  string    `json:"last_error,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Receipts   []Receipt `json:"receipts,omitempty"`
	CreatedAt  int64     `json:"created_at"`
	UpdatedAt  int64     `json:"updated_at"`
}

// Terminal reports whether the submission reached a final state.
func (s *Submission) Terminal() bool {
	return s.Status == "succeeded" || s.Status == "failed"
}

// Admission describes the sponsorship decision for a simulated operation.
type Admission struct {
	MaxGasPrice  *big.Int `json:"max_gas_price"`
	GasRemaining uint64   `json:"gas_remaining"`
	OpsRemaining uint64   `json:"ops_remaining"`
}

// SimulateResult pairs the dry-run receipt with the admission verdict.
type SimulateResult struct {
	Receipt   *Receipt   `json:"receipt"`
	Admission *Admission `json:"admission,omitempty"`
}

// Allowance is the remaining daily sponsorship budget of a principal.
type Allowance struct {
	Day          int64  `json:"day"`
	GasRemaining uint64 `json:"gas_remaining"`
	OpsRemaining uint64 `json:"ops_remaining"`
}

// Policy is the sponsorship configuration applied to a principal.
type Policy struct {
	DailyGasBudget        uint64 `json:"daily_gas_budget"`
	PerOperationGasBudget uint64 `json:"per_operation_gas_budget"`
	DailyOperationCount   uint64 `json:"daily_operation_count"`
	RequireWhitelist      bool   `json:"require_whitelist"`
	RequireVerification   bool   `json:"require_verification"`
	MinVerificationLevel  int    `json:"min_verification_level"`
	Active                bool   `json:"active"`
}

// Account is the relay's view of a delegated account.
type Account struct {
	Address   string     `json:"address"`
	Owner     string     `json:"owner"`
	Sponsor   string     `json:"sponsor,omitempty"`
	Schema    uint8      `json:"schema"`
	Nonce     uint64     `json:"nonce"`
	Allowance *Allowance `json:"allowance,omitempty"`
	Policy    *Policy    `json:"policy,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("patron api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("patron api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the relay API. When httpClient is nil,
// a default client with a sensible timeout is used.
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

// Authenticate exchanges credentials for an access token and stores it for
// subsequent calls. Relays running in static token mode skip this and call
// SetAccessToken directly.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	if creds.GrantType == "" {
		creds.GrantType = "password"
	}
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SubmitOperations enqueues a batch for execution. Operations are grouped
// by sender server-side; one pending submission is returned per sender.
func (c *Client) SubmitOperations(ctx context.Context, ops ...Operation) ([]Submission, error) {
	var accepted struct {
		Submissions []Submission `json:"submissions"`
	}
	payload := struct {
		Operations []Operation `json:"operations"`
	}{Operations: ops}
	if err := c.post(ctx, "/api/v1/operations", payload, &accepted); err != nil {
		return nil, err
	}
	return accepted.Submissions, nil
}

// Simulate dry-runs a single operation without consuming nonce or budget.
func (c *Client) Simulate(ctx context.Context, op Operation) (SimulateResult, error) {
	var result SimulateResult
	payload := struct {
		Operation Operation `json:"operation"`
	}{Operation: op}
	if err := c.post(ctx, "/api/v1/operations/simulate", payload, &result); err != nil {
		return SimulateResult{}, err
	}
	return result, nil
}

// GetSubmission fetches a submission by identifier.
func (c *Client) GetSubmission(ctx context.Context, id string) (Submission, error) {
	var submission Submission
	if err := c.get(ctx, "/api/v1/submissions/"+url.PathEscape(id), &submission); err != nil {
		return Submission{}, err
	}
	return submission, nil
}

// WaitForSubmission polls until the submission reaches a terminal state or
// the context expires.
func (c *Client) WaitForSubmission(ctx context.Context, id string, interval time.Duration) (Submission, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		submission, err := c.GetSubmission(ctx, id)
		if err != nil {
			return Submission{}, err
		}
		if submission.Terminal() {
			return submission, nil
		}
		select {
		case <-ctx.Done():
			return Submission{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Delegate registers a new delegated account for the owner. An empty sponsor
// defaults to the relay's own address.
func (c *Client) Delegate(ctx context.Context, owner, sponsor string) (Account, error) {
	var acct Account
	payload := struct {
		Owner   string `json:"owner"`
		Sponsor string `json:"sponsor,omitempty"`
	}{Owner: owner, Sponsor: sponsor}
	if err := c.post(ctx, "/api/v1/accounts", payload, &acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// GetAccount fetches the account state and remaining sponsorship allowance.
func (c *Client) GetAccount(ctx context.Context, address string) (Account, error) {
	var acct Account
	if err := c.get(ctx, "/api/v1/accounts/"+url.PathEscape(address), &acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// GlobalPolicy fetches the relay's default sponsorship policy as configured.
func (c *Client) GlobalPolicy(ctx context.Context) (Policy, error) {
	var policy Policy
	if err := c.get(ctx, "/api/v1/policies/global", &policy); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// AccountPolicy fetches the resolved policy for a principal: the account
// override when one is configured, else the global default.
func (c *Client) AccountPolicy(ctx context.Context, address string) (Policy, error) {
	var policy Policy
	if err := c.get(ctx, "/api/v1/policies/accounts/"+url.PathEscape(address), &policy); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
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
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
