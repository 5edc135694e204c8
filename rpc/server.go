package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chainflow/credit"
	"chainflow/custody"
	"chainflow/indexer"
	"chainflow/lending"
	"chainflow/observability/metrics"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeRateLimited    = -32020
)

// Server exposes the loan ledger, credit registry and custody accounts over
// JSON-RPC.
type Server struct {
	ledger   *lending.Ledger
	registry *credit.Registry
	index    *indexer.Indexer
	vault    *custody.Vault
	treasury *custody.Treasury
	auth     *Authenticator
	limiter  *RateLimiter
	log      *slog.Logger
	metrics  *metrics.LendingMetrics
}

// NewServer constructs a server over the supplied collaborators. The indexer,
// vault and treasury are optional; the methods backed by an absent
// collaborator answer an error.
func NewServer(ledger *lending.Ledger, registry *credit.Registry, index *indexer.Indexer, vault *custody.Vault, treasury *custody.Treasury, auth *Authenticator, limiter *RateLimiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		ledger:   ledger,
		registry: registry,
		index:    index,
		vault:    vault,
		treasury: treasury,
		auth:     auth,
		limiter:  limiter,
		log:      log,
		metrics:  metrics.Lending(),
	}
}

// Router assembles the HTTP surface: the JSON-RPC endpoint at the root plus
// health and Prometheus endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware())
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/", s.handle)
	return r
}

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError carries a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	handler, ok := s.routes()[req.Method]
	if !ok {
		s.metrics.ObserveRPCRequest(req.Method, "not_found")
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), nil)
		return
	}
	if handler.admin {
		claims, authErr := s.requireAdmin(r)
		if authErr != nil {
			s.metrics.ObserveRPCRequest(req.Method, "unauthorized")
			writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, authErr.Error(), nil)
			return
		}
		r = r.WithContext(withClaims(r.Context(), claims))
	}
	handler.fn(w, r, req)
}

type route struct {
	fn    func(http.ResponseWriter, *http.Request, *RPCRequest)
	admin bool
}

func (s *Server) routes() map[string]route {
	return map[string]route{
		"lending_openLoan":             {fn: s.handleOpenLoan},
		"lending_repay":                {fn: s.handleRepay},
		"lending_liquidate":            {fn: s.handleLiquidate},
		"lending_healthFactor":         {fn: s.handleHealthFactor},
		"lending_previewDebt":          {fn: s.handlePreviewDebt},
		"lending_getLoan":              {fn: s.handleGetLoan},
		"lending_listLoans":            {fn: s.handleListLoans},
		"lending_loanEvents":           {fn: s.handleLoanEvents},
		"lending_setTierParams":        {fn: s.handleSetTierParams, admin: true},
		"lending_setLiquidationParams": {fn: s.handleSetLiquidationParams, admin: true},
		"credit_setTier":               {fn: s.handleSetCreditTier, admin: true},
		"credit_commitScore":           {fn: s.handleCommitScore, admin: true},
		"credit_verifyScore":           {fn: s.handleVerifyScore},
		"custody_deposit":              {fn: s.handleCustodyDeposit, admin: true},
		"custody_withdraw":             {fn: s.handleCustodyWithdraw, admin: true},
		"custody_balances":             {fn: s.handleCustodyBalances},
		"treasury_fund":                {fn: s.handleTreasuryFund, admin: true},
		"treasury_credit":              {fn: s.handleTreasuryCredit, admin: true},
		"treasury_balance":             {fn: s.handleTreasuryBalance},
	}
}

func (s *Server) requireAdmin(r *http.Request) (Claims, error) {
	if s.auth == nil {
		return nil, errors.New("administrative interface disabled")
	}
	return s.auth.Authenticate(r, ScopeAdmin)
}
