// Package rpc provides the HTTP API for request processing and health.
package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/dispatch"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/storage"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/tokenstore"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/pkg/logging"
)

// Server is the HTTP API server. It is a thin shim over the dispatcher;
// caller authentication lives outside this service.
type Server struct {
	dispatcher *dispatch.Dispatcher
	store      *storage.Storage
	tokens     *tokenstore.Client
	log        *logging.Logger

	// systemUserID is stamped on audit rows for API-triggered dispatches.
	systemUserID int64

	server   *http.Server
	listener net.Listener
}

// NewServer creates a new API server.
func NewServer(d *dispatch.Dispatcher, store *storage.Storage, tokens *tokenstore.Client, systemUserID int64) *Server {
	s := &Server{
		dispatcher:   d,
		store:        store,
		tokens:       tokens,
		log:          logging.GetDefault().Component("rpc"),
		systemUserID: systemUserID,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /processar/requisicao", s.handleProcess)
	mux.HandleFunc("GET /processar/status/{id}", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Start begins listening on the given address.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server failed", "error", err)
		}
	}()

	s.log.Info("API listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleProcess runs one dispatch.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &dispatch.ErrorResult{
			Message:   "invalid request body",
			ErrorCode: dispatch.CodeValidation,
		})
		return
	}

	actor := dispatch.Actor{SystemUserID: s.systemUserID, Role: "system"}
	result, errResult := s.dispatcher.Process(r.Context(), &req, actor)
	if errResult != nil {
		writeJSON(w, statusForCode(errResult.ErrorCode), errResult)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// statusResponse is the request status probe body.
type statusResponse struct {
	ID      int64   `json:"id"`
	Status  string  `json:"status"`
	Elapsed float64 `json:"tempo_processamento"`
}

// handleStatus reports whether a request row exists.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &dispatch.ErrorResult{
			Message:   "invalid request id",
			ErrorCode: dispatch.CodeValidation,
		})
		return
	}

	exists, err := s.store.RequestExists(id)
	if err != nil {
		s.log.Error("Status check failed", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, &dispatch.ErrorResult{
			Message:   "status check failed",
			ErrorCode: dispatch.CodeInternalError,
			Elapsed:   time.Since(start).Seconds(),
		})
		return
	}
	if !exists {
		writeJSON(w, http.StatusNotFound, &dispatch.ErrorResult{
			Message:   "request not found",
			ErrorCode: "NOT_FOUND",
			Elapsed:   time.Since(start).Seconds(),
		})
		return
	}

	writeJSON(w, http.StatusOK, &statusResponse{
		ID:      id,
		Status:  "processed",
		Elapsed: time.Since(start).Seconds(),
	})
}

// healthResponse reports per-dependency health.
type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Tokens   string `json:"token_store"`
}

// handleHealth pings the relational store and the token store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok", Tokens: "ok"}
	code := http.StatusOK

	if err := s.store.Ping(); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
		code = http.StatusServiceUnavailable
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.tokens.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Tokens = err.Error()
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, &resp)
}

// statusForCode maps outcome codes to HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case dispatch.CodeValidation:
		return http.StatusBadRequest
	case dispatch.CodeNoAccountsFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
