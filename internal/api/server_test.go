package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Patron-Relay/internal/account"
	"Patron-Relay/internal/auth"
	"Patron-Relay/internal/ledger"
	"Patron-Relay/internal/relay"
	"Patron-Relay/internal/sponsor"
)

var (
	testChainID  = big.NewInt(1337)
	relayAddress = common.HexToAddress("0x4e1a000000000000000000000000000000000001")
	testTarget   = common.HexToAddress("0x1000")
)

type apiFixture struct {
	server   *Server
	handler  http.Handler
	registry *account.Registry
	engine   *sponsor.Engine
	service  *relay.Service
	acct     *account.Account
	key      *ecdsa.PrivateKey
	cancel   context.CancelFunc
}

func newAPIFixture(t *testing.T, authSvc *auth.Service) *apiFixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)

	mem := ledger.NewMemory()
	mem.RegisterHandler(testTarget, func(msg ledger.CallMsg, state *ledger.KV) ([]byte, uint64, error) {
		return []byte("pong"), 40000, nil
	})

	registry := account.NewRegistry(testChainID, mem, account.NewMemoryStore())
	acct, err := registry.Delegate(context.Background(), owner, relayAddress)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}

	engine := sponsor.NewEngine(sponsor.NewMemoryStore())
	policy := &sponsor.Policy{
		DailyGasBudget:        1_000_000,
		PerOperationGasBudget: 200_000,
		DailyOperationCount:   100,
		Active:                true,
	}
	if err := engine.SetGlobalPolicy(context.Background(), policy); err != nil {
		t.Fatalf("seed policy: %v", err)
	}

	rel := relay.NewRelay(registry, engine, relayAddress)
	store := relay.NewMemoryStore()
	queue := relay.NewMemoryQueue(16)
	service := relay.NewService(store, queue, rel, 3)
	processor := relay.NewProcessor(rel, store, queue, queue)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = processor.Start(ctx) }()
	t.Cleanup(cancel)

	server := NewServer("127.0.0.1:0", service, rel, registry, engine, authSvc)
	return &apiFixture{
		server:   server,
		handler:  server.Handler(),
		registry: registry,
		engine:   engine,
		service:  service,
		acct:     acct,
		key:      key,
		cancel:   cancel,
	}
}

func (f *apiFixture) signedPayload(t *testing.T, nonce uint64, sponsored bool) operationPayload {
	t.Helper()
	op := &account.Operation{
		Sender:       f.acct.Address(),
		Target:       testTarget,
		Value:        big.NewInt(0),
		Payload:      []byte("ping"),
		Nonce:        nonce,
		GasLimit:     100000,
		MaxFeePerGas: big.NewInt(1),
	}
	if sponsored {
		op.Sponsor = relayAddress
	}
	if err := op.Sign(f.key, f.acct.Address(), testChainID); err != nil {
		t.Fatalf("sign op: %v", err)
	}
	payload := operationPayload{
		Sender:       op.Sender.Hex(),
		Target:       op.Target.Hex(),
		Value:        "0",
		Payload:      "0x" + hex.EncodeToString(op.Payload),
		Nonce:        op.Nonce,
		GasLimit:     op.GasLimit,
		MaxFeePerGas: "1",
		Signature:    "0x" + hex.EncodeToString(op.Signature),
	}
	if sponsored {
		payload.Sponsor = relayAddress.Hex()
	}
	return payload
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(recorder.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return out
}

func TestSubmitOperationRoundTrip(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/v1/operations", submitRequest{
		Operations: []operationPayload{f.signedPayload(t, 0, true)},
	}, "")
	if resp.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", resp.Code, resp.Body.String())
	}
	accepted := decodeBody[submitResponse](t, resp)
	if len(accepted.Submissions) != 1 {
		t.Fatalf("got %d submissions, want 1", len(accepted.Submissions))
	}
	submission := accepted.Submissions[0]
	if submission.ID == "" || submission.Status != relay.StatusPending {
		t.Fatalf("unexpected submission %+v", submission)
	}

	final, err := f.service.WaitUntilCompleted(context.Background(), submission.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != relay.StatusSucceeded {
		t.Fatalf("status = %s, last error %s", final.Status, final.LastError)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/submissions/"+submission.ID, nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("get status = %d", resp.Code)
	}
	fetched := decodeBody[relay.Submission](t, resp)
	if fetched.Status != relay.StatusSucceeded || len(fetched.Receipts) != 1 {
		t.Fatalf("unexpected fetched submission %+v", fetched)
	}
	if fetched.Receipts[0].GasUsed != 40000 {
		t.Fatalf("gas used = %d, want 40000", fetched.Receipts[0].GasUsed)
	}
}

func TestSubmitRejectsMalformedOperation(t *testing.T) {
	f := newAPIFixture(t, nil)

	payload := f.signedPayload(t, 0, true)
	payload.Sender = "not-an-address"
	resp := f.do(t, http.MethodPost, "/api/v1/operations", submitRequest{
		Operations: []operationPayload{payload},
	}, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}
	body := decodeBody[errorResponse](t, resp)
	if body.Code != "INVALID_ARGUMENT" {
		t.Fatalf("code = %s, want INVALID_ARGUMENT", body.Code)
	}
}

func TestSubmitRejectsOperationWithoutRelaySponsor(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/v1/operations", submitRequest{
		Operations: []operationPayload{f.signedPayload(t, 0, false)},
	}, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}
	body := decodeBody[errorResponse](t, resp)
	if body.Code != string(relay.CodeSponsorMismatch) {
		t.Fatalf("code = %s, want %s", body.Code, relay.CodeSponsorMismatch)
	}
}

func TestSubmitRejectsEmptyBatch(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/v1/operations", submitRequest{}, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}
}

func TestSimulateConsumesNothing(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/v1/operations/simulate", simulateRequest{
		Operation: f.signedPayload(t, 0, true),
	}, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("simulate status = %d, body %s", resp.Code, resp.Body.String())
	}
	sim := decodeBody[simulateResponse](t, resp)
	if sim.Receipt == nil || !sim.Receipt.Success {
		t.Fatalf("unexpected simulate response %+v", sim)
	}
	if sim.Admission == nil || sim.Admission.Reservation != nil {
		t.Fatalf("simulation must not hold a reservation: %+v", sim.Admission)
	}
	if f.acct.Nonce() != 0 {
		t.Fatalf("simulation advanced nonce to %d", f.acct.Nonce())
	}

	allowance, err := f.engine.RemainingAllowance(context.Background(), f.acct.Address())
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if allowance.GasRemaining != 1_000_000 || allowance.OpsRemaining != 100 {
		t.Fatalf("simulation consumed budget: %+v", allowance)
	}
}

func TestDelegateAndGetAccount(t *testing.T) {
	f := newAPIFixture(t, nil)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)

	resp := f.do(t, http.MethodPost, "/api/v1/accounts", delegateRequest{Owner: owner.Hex()}, "")
	if resp.Code != http.StatusCreated {
		t.Fatalf("delegate status = %d, body %s", resp.Code, resp.Body.String())
	}
	created := decodeBody[accountResponse](t, resp)
	if created.Owner != owner.Hex() || created.Nonce != 0 {
		t.Fatalf("unexpected account %+v", created)
	}
	if created.Sponsor != relayAddress.Hex() {
		t.Fatalf("sponsor = %s, want relay address", created.Sponsor)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/accounts/"+owner.Hex(), nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("get account status = %d", resp.Code)
	}
	fetched := decodeBody[accountResponse](t, resp)
	if fetched.Allowance == nil {
		t.Fatalf("expected allowance for principal under the global policy")
	}
	if fetched.Allowance.GasRemaining != 1_000_000 {
		t.Fatalf("gas remaining = %d", fetched.Allowance.GasRemaining)
	}
	if fetched.Policy == nil || fetched.Policy.DailyGasBudget != 1_000_000 {
		t.Fatalf("expected the resolved policy on the account view, got %+v", fetched.Policy)
	}

	// Delegating the same owner twice must conflict.
	resp = f.do(t, http.MethodPost, "/api/v1/accounts", delegateRequest{Owner: owner.Hex()}, "")
	if resp.Code != http.StatusConflict {
		t.Fatalf("duplicate delegate status = %d, want 409", resp.Code)
	}
}

func TestGetUnknownSubmissionReturnsNotFound(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/v1/submissions/missing", nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.Code)
	}
}

func TestAdminPolicyEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)

	policy := sponsor.Policy{
		DailyGasBudget:        500,
		PerOperationGasBudget: 100,
		DailyOperationCount:   5,
		RequireWhitelist:      true,
		Active:                true,
	}
	resp := f.do(t, http.MethodPut, "/api/v1/policies/global", policy, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("set policy status = %d, body %s", resp.Code, resp.Body.String())
	}

	principal := f.acct.Address()
	resp = f.do(t, http.MethodPut, "/api/v1/whitelist/"+principal.Hex(), whitelistRequest{Allowed: true}, "")
	if resp.Code != http.StatusNoContent {
		t.Fatalf("whitelist status = %d", resp.Code)
	}

	override := sponsor.Policy{
		DailyGasBudget:        200,
		PerOperationGasBudget: 50,
		DailyOperationCount:   2,
		Active:                true,
	}
	resp = f.do(t, http.MethodPut, "/api/v1/policies/accounts/"+principal.Hex(), override, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("set override status = %d", resp.Code)
	}

	// Reading back: the global route returns the default as configured,
	// the account route the resolved override.
	resp = f.do(t, http.MethodGet, "/api/v1/policies/global", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("get global policy status = %d, body %s", resp.Code, resp.Body.String())
	}
	global := decodeBody[sponsor.Policy](t, resp)
	if global.DailyGasBudget != 500 || !global.RequireWhitelist {
		t.Fatalf("unexpected global policy %+v", global)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/policies/accounts/"+principal.Hex(), nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("get account policy status = %d, body %s", resp.Code, resp.Body.String())
	}
	resolved := decodeBody[sponsor.Policy](t, resp)
	if resolved.DailyGasBudget != 200 {
		t.Fatalf("override not applied: %+v", resolved)
	}

	// A principal without an override resolves to the global default.
	other := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	resp = f.do(t, http.MethodGet, "/api/v1/policies/accounts/"+other.Hex(), nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("get fallthrough policy status = %d", resp.Code)
	}
	fallthru := decodeBody[sponsor.Policy](t, resp)
	if fallthru.DailyGasBudget != 500 {
		t.Fatalf("expected the global default, got %+v", fallthru)
	}

	// Invalid policies are rejected at the boundary.
	resp = f.do(t, http.MethodPut, "/api/v1/policies/global", sponsor.Policy{Active: true}, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("invalid policy status = %d, want 400", resp.Code)
	}
}

func TestStaticAuthGuardsRoutes(t *testing.T) {
	authSvc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeStatic,
		Tokens: []auth.StaticToken{
			{Token: "submit-token", Name: "submitter", Permissions: []string{auth.PermRelaySubmit, auth.PermRelayRead}},
			{Token: "admin-token", Name: "operator", Permissions: []string{auth.PermPolicyAdmin}},
		},
	}, nil)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	f := newAPIFixture(t, authSvc)

	// No token at all.
	resp := f.do(t, http.MethodPost, "/api/v1/operations", submitRequest{
		Operations: []operationPayload{f.signedPayload(t, 0, true)},
	}, "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous submit status = %d, want 401", resp.Code)
	}

	// Submitter may submit but not administer policies.
	resp = f.do(t, http.MethodPost, "/api/v1/operations", submitRequest{
		Operations: []operationPayload{f.signedPayload(t, 0, true)},
	}, "submit-token")
	if resp.Code != http.StatusAccepted {
		t.Fatalf("authorized submit status = %d, body %s", resp.Code, resp.Body.String())
	}
	resp = f.do(t, http.MethodPut, "/api/v1/policies/global", sponsor.Policy{
		DailyGasBudget:        100,
		PerOperationGasBudget: 10,
		DailyOperationCount:   1,
		Active:                true,
	}, "submit-token")
	if resp.Code != http.StatusForbidden {
		t.Fatalf("submitter policy write status = %d, want 403", resp.Code)
	}

	// Operator may administer policies.
	resp = f.do(t, http.MethodPut, "/api/v1/policies/global", sponsor.Policy{
		DailyGasBudget:        100,
		PerOperationGasBudget: 10,
		DailyOperationCount:   1,
		Active:                true,
	}, "admin-token")
	if resp.Code != http.StatusOK {
		t.Fatalf("operator policy write status = %d", resp.Code)
	}

	// Health and metrics stay open.
	resp = f.do(t, http.MethodGet, "/healthz", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.Code)
	}
	resp = f.do(t, http.MethodGet, "/metrics", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.Code)
	}
}
