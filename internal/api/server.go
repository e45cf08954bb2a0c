package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Patron-Relay/internal/account"
	"Patron-Relay/internal/auth"
	xerrors "Patron-Relay/internal/errors"
	"Patron-Relay/internal/observability/metrics"
	"Patron-Relay/internal/relay"
	"Patron-Relay/internal/sponsor"
)

// Server exposes the relay over REST.
type Server struct {
	addr     string
	service  *relay.Service
	relay    *relay.Relay
	registry *account.Registry
	engine   *sponsor.Engine
	auth     *auth.Service
}

// NewServer constructs the API server.
func NewServer(addr string, service *relay.Service, rel *relay.Relay, registry *account.Registry, engine *sponsor.Engine, authSvc *auth.Service) *Server {
	return &Server{
		addr:     addr,
		service:  service,
		relay:    rel,
		registry: registry,
		engine:   engine,
		auth:     authSvc,
	}
}

// Handler builds the route table. Exposed separately so tests can drive the
// server through httptest without binding a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	submitPerms := auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermRelaySubmit}},
		AuditEvent:          "relay_submit",
	}
	readPerms := auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermRelayRead}},
		AuditEvent:          "relay_read",
	}
	adminPerms := auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermPolicyAdmin}},
		AuditEvent:          "policy_admin",
	}
	// Reading a policy is a query, not an administrative change.
	policyPerms := auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet: {auth.PermRelayRead},
			"*":            {auth.PermPolicyAdmin},
		},
		AuditEvent: "policy_admin",
	}

	mux.Handle("/api/v1/operations", s.guard(submitPerms, s.handleSubmit))
	mux.Handle("/api/v1/operations/simulate", s.guard(submitPerms, s.handleSimulate))
	mux.Handle("/api/v1/submissions", s.guard(readPerms, s.handleListSubmissions))
	mux.Handle("/api/v1/submissions/", s.guard(readPerms, s.handleGetSubmission))
	mux.Handle("/api/v1/stats", s.guard(readPerms, s.handleStats))
	mux.Handle("/api/v1/accounts", s.guard(submitPerms, s.handleDelegate))
	mux.Handle("/api/v1/accounts/", s.guard(readPerms, s.handleGetAccount))
	mux.Handle("/api/v1/policies/global", s.guard(policyPerms, s.handleGlobalPolicy))
	mux.Handle("/api/v1/policies/accounts/", s.guard(policyPerms, s.handleAccountPolicy))
	mux.Handle("/api/v1/whitelist/", s.guard(adminPerms, s.handleWhitelist))
	mux.HandleFunc("/api/v1/auth/token", s.handleToken)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)

	return mux
}

// Start runs the HTTP server until the context is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// guard wraps a handler with authentication and request metrics.
func (s *Server) guard(cfg auth.MiddlewareConfig, handler http.HandlerFunc) http.Handler {
	instrumented := s.instrument(cfg.AuditEvent, handler)
	if s.auth == nil {
		return instrumented
	}
	return s.auth.Middleware(cfg)(instrumented)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"), http.StatusBadRequest)
		return
	}
	if len(req.Operations) == 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "operations must not be empty"), http.StatusBadRequest)
		return
	}
	ops := make([]*account.Operation, 0, len(req.Operations))
	for i := range req.Operations {
		op, err := req.Operations[i].toOperation()
		if err != nil {
			writeError(w, err, http.StatusBadRequest)
			return
		}
		ops = append(ops, op)
	}
	submissions, err := s.service.SubmitBatch(r.Context(), ops)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Submissions: submissions})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"), http.StatusBadRequest)
		return
	}
	op, err := req.Operation.toOperation()
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	receipt, admission, err := s.relay.Simulate(r.Context(), op)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, simulateResponse{Receipt: receipt, Admission: admission})
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/submissions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "submission id is required"), http.StatusBadRequest)
		return
	}
	submission, err := s.service.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submission)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	var opts []relay.ListOption
	query := r.URL.Query()
	if raw := query.Get("status"); raw != "" {
		statuses := make([]relay.Status, 0, 4)
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, relay.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, relay.WithStatuses(statuses...))
	}
	if raw := query.Get("principal"); raw != "" {
		principal, err := parseAddress("principal", raw)
		if err != nil {
			writeError(w, err, http.StatusBadRequest)
			return
		}
		opts = append(opts, relay.WithPrincipal(principal))
	}
	if raw := query.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			opts = append(opts, relay.WithLimit(limit))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil && offset > 0 {
			opts = append(opts, relay.WithOffset(offset))
		}
	}
	if query.Get("order") == "asc" {
		opts = append(opts, relay.WithSortOrder(relay.SortByUpdatedAsc))
	}
	submissions, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if submissions == nil {
		submissions = []*relay.Submission{}
	}
	writeJSON(w, http.StatusOK, submissions)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"), http.StatusBadRequest)
		return
	}
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	sponsorAddr := s.relay.Address()
	if req.Sponsor != "" {
		if sponsorAddr, err = parseAddress("sponsor", req.Sponsor); err != nil {
			writeError(w, err, http.StatusBadRequest)
			return
		}
	}
	acct, err := s.registry.Delegate(r.Context(), owner, sponsorAddr)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.accountView(r.Context(), acct))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/accounts/")
	addr, err := parseAddress("address", raw)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	acct, err := s.registry.Get(r.Context(), addr)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.accountView(r.Context(), acct))
}

func (s *Server) handleGlobalPolicy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		policy, err := s.engine.GlobalPolicy(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, policy)
		return
	case http.MethodPut:
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	var policy sponsor.Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"), http.StatusBadRequest)
		return
	}
	if err := s.engine.SetGlobalPolicy(r.Context(), &policy); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &policy)
}

func (s *Server) handleAccountPolicy(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/policies/accounts/")
	addr, err := parseAddress("address", raw)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		// The resolved view: the override when present, else the global
		// default, with the fail-closed inactivity rules applied.
		policy, err := s.engine.ResolvePolicy(r.Context(), addr)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, policy)
		return
	case http.MethodPut:
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	var policy sponsor.Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"), http.StatusBadRequest)
		return
	}
	if err := s.engine.SetAccountPolicy(r.Context(), addr, &policy); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &policy)
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/whitelist/")
	addr, err := parseAddress("address", raw)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"), http.StatusBadRequest)
		return
	}
	if err := s.engine.SetWhitelist(r.Context(), addr, req.Allowed); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "authentication is disabled"), http.StatusNotFound)
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"), http.StatusBadRequest)
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrUnsupportedGrant) {
			status = http.StatusBadRequest
		}
		writeError(w, err, status)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// accountView collects the account state and, when a sponsorship policy is
// configured for the principal, its remaining allowance.
func (s *Server) accountView(ctx context.Context, acct *account.Account) *accountResponse {
	state := acct.Snapshot()
	resp := &accountResponse{
		Address: state.Address.Hex(),
		Owner:   state.Owner.Hex(),
		Schema:  state.Schema,
		Nonce:   state.Nonce,
	}
	if state.Sponsor != (common.Address{}) {
		resp.Sponsor = state.Sponsor.Hex()
	}
	if s.engine != nil {
		if allowance, err := s.engine.RemainingAllowance(ctx, state.Address); err == nil {
			resp.Allowance = &allowance
		}
		if policy, err := s.engine.ResolvePolicy(ctx, state.Address); err == nil {
			resp.Policy = policy
		}
	}
	return resp
}

// statusForCode maps domain error codes to HTTP status codes.
func statusForCode(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, relay.CodeSponsorMismatch:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, relay.CodeSubmissionNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, relay.CodeSubmissionConflict, account.CodeInvalidNonce, account.CodeAlreadyInitialized:
		return http.StatusConflict
	case account.CodeUnauthorized, account.CodeInvalidSignature:
		return http.StatusUnauthorized
	case sponsor.CodePolicyInactive, sponsor.CodeWhitelistRequired, sponsor.CodeVerificationInsufficient:
		return http.StatusForbidden
	case sponsor.CodePerOperationLimit, sponsor.CodeDailyGasLimit, sponsor.CodeDailyCountLimit:
		return http.StatusTooManyRequests
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, err, statusForCode(xerrors.CodeOf(err)))
}

func writeError(w http.ResponseWriter, err error, status int) {
	writeJSON(w, status, errorResponse{
		Error: err.Error(),
		Code:  string(xerrors.CodeOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext rejects requests once the root context is cancelled.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
