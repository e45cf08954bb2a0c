package patron

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthenticateStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var creds Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if creds.GrantType != "password" {
			t.Fatalf("grant type = %q, want password", creds.GrantType)
		}
		_ = json.NewEncoder(w).Encode(Token{AccessToken: "abc123", ExpiresIn: 3600, TokenType: "Bearer"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Authenticate(context.Background(), Credentials{Username: "ops", Password: "secret"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
}

func TestSubmitOperationsAttachesToken(t *testing.T) {
	submitted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/operations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer static-token" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var req struct {
			Operations []Operation `json:"operations"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Operations) != 1 || req.Operations[0].Nonce != 7 {
			t.Fatalf("unexpected operations %+v", req.Operations)
		}
		submitted = true
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string][]Submission{
			"submissions": {{ID: "sub-1", Status: "pending"}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("static-token")

	submissions, err := client.SubmitOperations(context.Background(), Operation{
		Sender:       "0x00000000000000000000000000000000000000aa",
		Target:       "0x00000000000000000000000000000000000000bb",
		Nonce:        7,
		GasLimit:     100000,
		MaxFeePerGas: "1",
		Signature:    "0x00",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !submitted || len(submissions) != 1 || submissions[0].ID != "sub-1" {
		t.Fatalf("unexpected submissions %+v", submissions)
	}
}

func TestWaitForSubmissionPollsUntilTerminal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "pending"
		if calls >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Submission{ID: "sub-1", Status: status})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	submission, err := client.WaitForSubmission(context.Background(), "sub-1", time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if submission.Status != "succeeded" || calls < 3 {
		t.Fatalf("status = %s after %d calls", submission.Status, calls)
	}
}

func TestPolicyQueries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		switch r.URL.Path {
		case "/api/v1/policies/global":
			_ = json.NewEncoder(w).Encode(Policy{DailyGasBudget: 1_000_000, DailyOperationCount: 100, Active: true})
		case "/api/v1/policies/accounts/0x00000000000000000000000000000000000000aa":
			_ = json.NewEncoder(w).Encode(Policy{DailyGasBudget: 200, DailyOperationCount: 2, Active: true})
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	global, err := client.GlobalPolicy(context.Background())
	if err != nil {
		t.Fatalf("global policy: %v", err)
	}
	if global.DailyGasBudget != 1_000_000 || !global.Active {
		t.Fatalf("unexpected global policy %+v", global)
	}
	resolved, err := client.AccountPolicy(context.Background(), "0x00000000000000000000000000000000000000aa")
	if err != nil {
		t.Fatalf("account policy: %v", err)
	}
	if resolved.DailyGasBudget != 200 {
		t.Fatalf("unexpected account policy %+v", resolved)
	}
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "daily gas budget exhausted",
			"code":  "DAILY_GAS_LIMIT_EXCEEDED",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetSubmission(context.Background(), "sub-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Code != "DAILY_GAS_LIMIT_EXCEEDED" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}
