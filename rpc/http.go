// Package rpc exposes the lottery engine and its admin plane over JSON-RPC
// 2.0. One POST endpoint carries every method; health and Prometheus
// endpoints ride the same router.
package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fortuna/engine"
	"fortuna/rollup"
	"fortuna/storage"
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

// Config wires the RPC server.
type Config struct {
	Pipeline   *engine.Pipeline
	Store      *storage.Store
	Rollup     *rollup.Service
	AdminToken string

	RatePerMinute float64
	RateBurst     int
	RateDisabled  bool
}

// Server dispatches JSON-RPC methods onto the engine, the storage admin
// plane, and the rollup exporter.
type Server struct {
	pipeline   *engine.Pipeline
	store      *storage.Store
	rollup     *rollup.Service
	adminToken string
	limiter    *clientLimiter
	log        *slog.Logger
}

// NewServer builds the RPC server.
func NewServer(cfg Config) *Server {
	var limiter *clientLimiter
	if !cfg.RateDisabled {
		limiter = newClientLimiter(cfg.RatePerMinute, cfg.RateBurst)
	}
	return &Server{
		pipeline:   cfg.Pipeline,
		store:      cfg.Store,
		rollup:     cfg.Rollup,
		adminToken: strings.TrimSpace(cfg.AdminToken),
		limiter:    limiter,
		log:        slog.Default().With("component", "rpc"),
	}
}

// Router assembles the HTTP surface: POST /rpc, GET /healthz, GET /metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Method(http.MethodPost, "/rpc", otelhttp.NewHandler(http.HandlerFunc(s.handle), "rpc"))
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// RPCRequest is the JSON-RPC 2.0 request envelope. Params carry exactly one
// object per method.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

// RPCResponse is the JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError carries the numeric JSON-RPC code plus the taxonomy code and
// retry contract in Data.
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
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handle parses the envelope and routes to the method handlers.
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
	if s.limiter != nil && !s.limiter.allow(r) {
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	switch req.Method {
	case "lottery_draw":
		s.handleDraw(w, r, req)
	case "lottery_getDraw":
		s.handleGetDraw(w, r, req)
	case "pricing_createVersion":
		s.authed(w, r, req, s.handlePricingCreateVersion)
	case "pricing_activateVersion":
		s.authed(w, r, req, s.handlePricingActivateVersion)
	case "pricing_scheduleActivation":
		s.authed(w, r, req, s.handlePricingScheduleActivation)
	case "pricing_rollbackToVersion":
		s.authed(w, r, req, s.handlePricingRollback)
	case "pricing_getActive":
		s.authed(w, r, req, s.handlePricingGetActive)
	case "pricing_listVersions":
		s.authed(w, r, req, s.handlePricingListVersions)
	case "campaign_create":
		s.authed(w, r, req, s.handleCampaignCreate)
	case "campaign_get":
		s.authed(w, r, req, s.handleCampaignGet)
	case "campaign_setStatus":
		s.authed(w, r, req, s.handleCampaignSetStatus)
	case "campaign_updateBudget":
		s.authed(w, r, req, s.handleCampaignUpdateBudget)
	case "prize_upsert":
		s.authed(w, r, req, s.handlePrizeUpsert)
	case "prize_list":
		s.authed(w, r, req, s.handlePrizeList)
	case "quota_upsert":
		s.authed(w, r, req, s.handleQuotaUpsert)
	case "quota_list":
		s.authed(w, r, req, s.handleQuotaList)
	case "metrics_hourly":
		s.authed(w, r, req, s.handleMetricsHourly)
	case "metrics_export":
		s.authed(w, r, req, s.handleMetricsExport)
	case "admin_forceOutcome":
		s.authed(w, r, req, s.handleForceOutcome)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, req *RPCRequest)

func (s *Server) authed(w http.ResponseWriter, r *http.Request, req *RPCRequest, next handlerFunc) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	next(w, r, req)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.adminToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "admin token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid admin credentials"}
	}
	return nil
}

// decodeParams unmarshals the single positional parameter object.
func decodeParams(params []json.RawMessage, out interface{}) error {
	if len(params) != 1 {
		return fmt.Errorf("expected exactly one parameter object")
	}
	if err := json.Unmarshal(params[0], out); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}
