package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"

	"htlcbridge/core"
	"htlcbridge/journal"
	"htlcbridge/native/htlc"
	"htlcbridge/observability"
	"htlcbridge/storage/idempotency"
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
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// Backend is the escrow surface served over RPC. *core.Ledger implements it.
type Backend interface {
	Announce(ctx context.Context, call core.Call, params htlc.AnnounceParams) (*core.Receipt, error)
	Claim(ctx context.Context, call core.Call, id uint64, secret []byte) (*core.Receipt, error)
	Cancel(ctx context.Context, call core.Call, id uint64) (*core.Receipt, error)
	Order(id uint64) (*htlc.Order, error)
	HasOrder(id uint64) (bool, error)
	OrderCounter() (uint64, error)
	Owner() ([20]byte, bool, error)
	Balance(addr [20]byte) (*big.Int, error)
	Nonce(addr [20]byte) (uint64, error)
	Solvency() (locked *big.Int, held *big.Int, err error)
	VaultAddress() [20]byte
	Height() (uint64, bool)
}

// EventSource lists journaled events. *journal.Journal implements it.
type EventSource interface {
	List(ctx context.Context, after int64, limit int) ([]journal.Entry, error)
	ListByOrder(ctx context.Context, orderID uint64) ([]journal.Entry, error)
}

// ResultCache remembers the responses of committed signed calls.
// *idempotency.Store implements it.
type ResultCache interface {
	Get(key string) (idempotency.Record, bool, error)
	Put(key string, status int, body []byte) error
}

// ServerConfig controls authentication and throttling of mutating calls.
type ServerConfig struct {
	AuthToken          string
	JWTSecret          []byte
	JWTIssuer          string
	RateLimitPerSecond float64
	RateLimitBurst     int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	// MaxConnections caps concurrently accepted connections. Zero disables the cap.
	MaxConnections int
	// Results replays responses to retried calls. Nil disables replay.
	Results ResultCache
}

type Server struct {
	backend Backend
	events  EventSource
	cfg     ServerConfig
	logger  *slog.Logger
	limiter *sourceLimiter
	results ResultCache

	serverMu   sync.Mutex
	httpServer *http.Server
}

func NewServer(backend Backend, events EventSource, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	return &Server{
		backend: backend,
		events:  events,
		cfg:     cfg,
		logger:  logger.With("component", "rpc"),
		limiter: newSourceLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		results: cfg.Results,
	}
}

// Handler returns the HTTP routes: JSON-RPC on POST /, health and metrics.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Post("/", s.handle)
	router.Get("/healthz", s.handleHealth)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return otelhttp.NewHandler(router, "htlc.rpc")
}

// Serve accepts connections on listener until Shutdown is called.
func (s *Server) Serve(listener net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.cfg.MaxConnections)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()

	s.logger.Info("json-rpc server listening", "address", listener.Addr().String())
	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	srv := s.httpServer
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

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

// statusRecorder captures the status written by a handler for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	method := ""
	start := time.Now()
	defer func() {
		observability.RPC().Observe(method, rec.status, time.Since(start))
	}()

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(rec, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(rec, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(rec, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(rec, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(rec, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	method = req.Method

	switch req.Method {
	case "htlc_announce", "htlc_claim", "htlc_cancel":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(rec, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		source := clientSource(r)
		if !s.limiter.allow(source) {
			observability.RPC().RecordThrottle(req.Method)
			writeError(rec, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", source)
			return
		}
		switch req.Method {
		case "htlc_announce":
			s.handleHTLCAnnounce(rec, r, req)
		case "htlc_claim":
			s.handleHTLCClaim(rec, r, req)
		default:
			s.handleHTLCCancel(rec, r, req)
		}
	case "htlc_getOrder":
		s.handleHTLCGetOrder(rec, r, req)
	case "htlc_hasOrder":
		s.handleHTLCHasOrder(rec, r, req)
	case "htlc_orderCounter":
		s.handleHTLCOrderCounter(rec, r, req)
	case "htlc_owner":
		s.handleHTLCOwner(rec, r, req)
	case "htlc_getNonce":
		s.handleHTLCGetNonce(rec, r, req)
	case "htlc_getBalance":
		s.handleHTLCGetBalance(rec, r, req)
	case "htlc_solvency":
		s.handleHTLCSolvency(rec, r, req)
	case "htlc_events":
		s.handleHTLCEvents(rec, r, req)
	default:
		writeError(rec, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

type healthResult struct {
	Status  string `json:"status"`
	Height  uint64 `json:"height"`
	HasHead bool   `json:"hasHead"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.backend == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(healthResult{Status: "unavailable"})
		return
	}
	height, ok := s.backend.Height()
	_ = json.NewEncoder(w).Encode(healthResult{Status: "ok", Height: height, HasHead: ok})
}

func clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
