package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/amonks/workcell/broadcast"
	"github.com/amonks/workcell/container"
	"github.com/amonks/workcell/internal/ids"
	"github.com/amonks/workcell/internal/state"
	"github.com/amonks/workcell/internal/validation"
	"github.com/amonks/workcell/session"
)

// DefaultShutdownTimeout bounds graceful shutdown when none is configured.
const DefaultShutdownTimeout = 30 * time.Second

// Sessions is the session service the server exposes.
type Sessions interface {
	Start(ctx context.Context, req session.CreateRequest) (session.Session, error)
	Cancel(ctx context.Context, id string) (session.Session, error)
	Get(ctx context.Context, id string) (session.Session, error)
	List(ctx context.Context, filter session.ListFilter) ([]session.Session, error)
	Events(ctx context.Context, id string, after int64) ([]session.Event, error)
	Subscribe(ctx context.Context, id string, after int64) (*broadcast.Observer, error)
	Sweep(ctx context.Context) (container.SweepResult, error)
	Usage(ctx context.Context, userID string) (session.Usage, error)
	SetTier(ctx context.Context, userID string, tier state.Tier) error
	Shutdown(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Sessions Sessions
	Logger   *slog.Logger
	// SweepInterval is how often expired containers are swept. Zero
	// disables the background sweep.
	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
}

// Server handles session RPCs over HTTP.
type Server struct {
	sessions        Sessions
	logger          *slog.Logger
	sweepInterval   time.Duration
	shutdownTimeout time.Duration
}

var errAmbiguousSessionIDPrefix = errors.New("ambiguous session id prefix")

// New creates a server.
func New(opts Options) (*Server, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("session service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Server{
		sessions:        opts.Sessions,
		logger:          logger,
		sweepInterval:   opts.SweepInterval,
		shutdownTimeout: shutdownTimeout,
	}, nil
}

// Handler returns the HTTP handler for session RPCs.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/create", s.handleCreate)
	mux.HandleFunc("/sessions/cancel", s.handleCancel)
	mux.HandleFunc("/sessions/show", s.handleShow)
	mux.HandleFunc("/sessions/list", s.handleList)
	mux.HandleFunc("/sessions/events", s.handleEvents)
	mux.HandleFunc("/sessions/tail", s.handleTail)
	mux.HandleFunc("/sweep", s.handleSweep)
	mux.HandleFunc("/usage", s.handleUsage)
	mux.HandleFunc("/usage/tier", s.handleSetTier)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, emptyResponse{})
	})
	return s.recoverHandler(mux)
}

// Serve listens on addr until ctx ends or the process is interrupted.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on listener until ctx ends or the process is
// interrupted, then stops accepting sessions, waits for running drivers,
// and drains open requests.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:  s.Handler(),
		ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	}
	s.logger.Info("server listening", "addr", listener.Addr().String())

	listenErrs := make(chan error, 1)
	go func() {
		listenErrs <- server.Serve(listener)
	}()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		s.sweepLoop(sweepCtx)
	}()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	select {
	case err := <-listenErrs:
		stopSweep()
		<-sweepDone
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", "error", err)
			return err
		}
		return nil
	case <-interrupts:
		s.logger.Info("interrupt received, shutting down")
	case <-ctx.Done():
		s.logger.Info("context done, shutting down")
	}

	stopSweep()
	<-sweepDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	sessionErr := s.sessions.Shutdown(shutdownCtx)
	shutdownErr := server.Shutdown(shutdownCtx)
	listenErr := <-listenErrs
	if errors.Is(listenErr, http.ErrServerClosed) {
		listenErr = nil
	}
	if errors.Is(shutdownErr, http.ErrServerClosed) {
		shutdownErr = nil
	}
	return errors.Join(sessionErr, shutdownErr, listenErr)
}

func (s *Server) sweepLoop(ctx context.Context) {
	if s.sweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.sessions.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("container sweep failed", "error", err)
			}
		}
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var payload createRequest
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	sess, err := s.sessions.Start(r.Context(), session.CreateRequest{
		UserID:       payload.UserID,
		RepositoryID: payload.RepositoryID,
		Task:         payload.Task,
		Branch:       payload.Branch,
		Mode:         session.Mode(payload.Mode),
	})
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeSessionID(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeSessionID(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var payload listRequest
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	filter := session.ListFilter{UserID: strings.TrimSpace(payload.UserID), IncludeAll: payload.All}
	if status := strings.TrimSpace(payload.Status); status != "" {
		parsed := session.Status(status)
		if !parsed.IsValid() {
			s.writeError(w, r, http.StatusBadRequest, validation.FormatInvalidValueError(session.ErrInvalidStatus, parsed, session.ValidStatuses()))
			return
		}
		filter.Status = &parsed
	}
	sessions, err := s.sessions.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, listResponse{Sessions: sessions})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var payload eventsRequest
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	id, err := s.resolveSessionID(r.Context(), payload.SessionID)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	events, err := s.sessions.Events(r.Context(), id, payload.after())
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	if events == nil {
		events = []session.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var payload eventsRequest
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	id, err := s.resolveSessionID(r.Context(), payload.SessionID)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, fmt.Errorf("response does not support streaming"))
		return
	}
	observer, err := s.sessions.Subscribe(r.Context(), id, payload.after())
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)
	for event := range observer.Events() {
		if err := encoder.Encode(event); err != nil {
			s.logger.Debug("tail client went away", "session", id, "error", err)
			return
		}
		flusher.Flush()
	}
	if err := observer.Err(); err != nil && r.Context().Err() == nil {
		s.logger.Warn("tail ended early", "session", id, "error", err)
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var payload emptyResponse
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	result, err := s.sessions.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	response := SweepResult{
		Scanned:   result.Scanned,
		Destroyed: result.Destroyed,
		Failures:  make([]SweepFailure, 0, len(result.Failures)),
	}
	for _, failure := range result.Failures {
		response.Failures = append(response.Failures, SweepFailure{
			ContainerID: failure.ContainerID,
			Error:       failure.Err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var payload usageRequest
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		s.writeError(w, r, http.StatusBadRequest, session.ErrUserRequired)
		return
	}
	usage, err := s.sessions.Usage(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newUsageResponse(usage))
}

func (s *Server) handleSetTier(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var payload setTierRequest
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		s.writeError(w, r, http.StatusBadRequest, session.ErrUserRequired)
		return
	}
	if err := s.sessions.SetTier(r.Context(), userID, state.Tier(strings.TrimSpace(payload.Tier))); err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	usage, err := s.sessions.Usage(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newUsageResponse(usage))
}

// decodeSessionID reads a sessionRequest and resolves its ID prefix.
func (s *Server) decodeSessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return "", false
	}
	var payload sessionRequest
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return "", false
	}
	id, err := s.resolveSessionID(r.Context(), payload.SessionID)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return "", false
	}
	return id, true
}

// resolveSessionID accepts a full session ID or a unique prefix of one.
func (s *Server) resolveSessionID(ctx context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errSessionIDRequired
	}
	sess, err := s.sessions.Get(ctx, input)
	if err == nil {
		return sess.ID, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return "", err
	}
	sessions, err := s.sessions.List(ctx, session.ListFilter{IncludeAll: true})
	if err != nil {
		return "", err
	}
	known := make([]string, 0, len(sessions))
	for _, item := range sessions {
		known = append(known, item.ID)
	}
	match, matched, ambiguous := ids.MatchPrefix(known, input)
	if ambiguous {
		return "", fmt.Errorf("%w: %s", errAmbiguousSessionIDPrefix, input)
	}
	if !matched {
		return "", fmt.Errorf("%w: %s", session.ErrSessionNotFound, input)
	}
	return match, nil
}

func (s *Server) recoverHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writer := &responseTracker{ResponseWriter: w}
		defer func() {
			if recovered := recover(); recovered != nil {
				s.logger.Error("panic handling request",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", recovered,
					"stack", string(debug.Stack()),
				)
				if writer.wroteHeader {
					return
				}
				writeJSON(writer, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
			}
		}()
		next.ServeHTTP(writer, r)
	})
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	s.writeError(w, r, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	return false
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	if decoder.More() {
		return fmt.Errorf("unexpected extra JSON data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type responseTracker struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *responseTracker) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseTracker) Write(data []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(data)
}

func (w *responseTracker) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
