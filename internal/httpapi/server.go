// Package httpapi serves the context service over plain HTTP and provides
// the matching request/response client used when the duplex channel is down.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/converge/internal/service"
	"github.com/user/converge/internal/types"
)

// Server is an http.Handler for the context API.
type Server struct {
	svc      *service.Service
	token    string
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	mux      *http.ServeMux
}

type Option func(*Server)

// WithAuthToken requires "Authorization: Bearer <token>" on /api routes.
func WithAuthToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithGatherer exposes g on GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(svc *service.Service, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("POST /api/contexts/{id}/entries", s.auth(s.handleAppend))
	s.mux.HandleFunc("GET /api/contexts/{id}/entries", s.auth(s.handleGet))
	s.mux.HandleFunc("GET /api/contexts/{id}/snapshot", s.auth(s.handleSnapshot))
	s.mux.HandleFunc("POST /api/contexts/{id}/load", s.auth(s.handleLoad))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeError(w, fmt.Errorf("%w: invalid token", types.ErrUnauthenticated))
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var entry types.ContextEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON: %v", types.ErrInvalidArgument, err))
		return
	}
	stored, err := s.svc.Append(r.Context(), types.ContextID(r.PathValue("id")), &entry)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := types.GetOptions{CorrelationID: types.CorrelationID(q.Get("correlation_id"))}
	var err error
	if v := q.Get("after"); v != "" {
		if opts.AfterSequence, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, fmt.Errorf("%w: after: %v", types.ErrInvalidArgument, err))
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, fmt.Errorf("%w: limit: %v", types.ErrInvalidArgument, err))
			return
		}
	}

	entries, err := s.svc.Get(r.Context(), types.ContextID(r.PathValue("id")), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []*types.ContextEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Snapshot(r.Context(), types.ContextID(r.PathValue("id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type loadResponse struct {
	Sequence int64 `json:"sequence"`
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req types.LoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON: %v", types.ErrInvalidArgument, err))
		return
	}
	seq, err := s.svc.Load(r.Context(), types.ContextID(r.PathValue("id")), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loadResponse{Sequence: seq})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if types.CodeOf(err) == types.CodeInternal {
		s.logger.Error("api request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, err)
}

type errorBody struct {
	Error string          `json:"error"`
	Code  types.ErrorCode `json:"code"`
}

var codeStatus = map[types.ErrorCode]int{
	types.CodeNotFound:        http.StatusNotFound,
	types.CodeAlreadyExists:   http.StatusConflict,
	types.CodeInvalidArgument: http.StatusBadRequest,
	types.CodeUnauthenticated: http.StatusUnauthorized,
	types.CodeUnavailable:     http.StatusServiceUnavailable,
	types.CodeStreamReset:     http.StatusGone,
	types.CodeInternal:        http.StatusInternalServerError,
}

func writeError(w http.ResponseWriter, err error) {
	code := types.CodeOf(err)
	msg := err.Error()
	if code == types.CodeInternal {
		msg = "internal server error"
	}
	var re *types.RemoteError
	if errors.As(err, &re) {
		msg = re.Message
	}
	writeJSON(w, codeStatus[code], errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
