// Package web exposes the HTTP front: command execution, health and
// status endpoints.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/nanopk/nanogate/dispatch"
	"github.com/nanopk/nanogate/logger"
	"github.com/nanopk/nanogate/telnet"
)

// Submitter executes an alias command and returns the device response.
type Submitter interface {
	Submit(ctx context.Context, alias string) (string, error)
	Stats() dispatch.Stats
}

// Session exposes the device session state for the status endpoint.
type Session interface {
	State() telnet.ConnState
	Metrics() *telnet.ConnectionMetrics
	LastActivity() time.Time
}

// Server is the HTTP gateway front.
type Server struct {
	httpServer *http.Server
	dispatcher Submitter
	session    Session
	logger     logger.Logger
}

// NewServer creates the HTTP front listening on addr.
func NewServer(addr string, dispatcher Submitter, session Session, l logger.Logger) *Server {
	s := &Server{
		dispatcher: dispatcher,
		session:    session,
		logger:     l,
	}

	router := httprouter.New()
	router.POST("/api/command/:alias", s.handleCommand)
	router.GET("/api/status", s.handleStatus)
	router.GET("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Start begins serving in the background. Errors other than a clean
// shutdown are reported on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	return errCh
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// commandResponse is the JSON body returned by the command endpoint.
type commandResponse struct {
	Alias    string `json:"alias"`
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("alias")

	s.logger.Info("command received", "alias", name, "source", "http")

	response, err := s.dispatcher.Submit(r.Context(), name)
	body := commandResponse{Alias: name, Response: response}

	switch {
	case err == nil:
		body.Status = "ok"
		writeJSON(w, http.StatusOK, body)
	case errors.Is(err, dispatch.ErrUnknownAlias):
		body.Status = "unknown_alias"
		body.Error = err.Error()
		writeJSON(w, http.StatusNotFound, body)
	case errors.Is(err, dispatch.ErrCommandTimeout):
		// The command was written but no reply arrived. The device may or
		// may not have executed it.
		body.Status = "timeout"
		body.Outcome = "unknown"
		body.Error = err.Error()
		writeJSON(w, http.StatusGatewayTimeout, body)
	case errors.Is(err, telnet.ErrRetriesExhausted):
		body.Status = "unavailable"
		body.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, body)
	default:
		body.Status = "error"
		body.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, body)
	}
}

// statusResponse is the JSON body returned by the status endpoint.
type statusResponse struct {
	Session    sessionStatus  `json:"session"`
	Dispatcher dispatch.Stats `json:"dispatcher"`
}

type sessionStatus struct {
	State         string `json:"state"`
	LastActivity  string `json:"last_activity,omitempty"`
	LinesSent     uint64 `json:"lines_sent"`
	LinesReceived uint64 `json:"lines_received"`
	Telemetry     uint64 `json:"telemetry_received"`
	Discarded     uint64 `json:"discarded_lines"`
	Connects      uint64 `json:"connect_count"`
	RetryAttempts uint32 `json:"retry_attempts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	metrics := s.session.Metrics()

	status := statusResponse{
		Session: sessionStatus{
			State:         s.session.State().String(),
			LinesSent:     metrics.LinesSentCount.Load(),
			LinesReceived: metrics.LinesRecvCount.Load(),
			Telemetry:     metrics.TelemetryRecvCount.Load(),
			Discarded:     metrics.DiscardedLineCount.Load(),
			Connects:      metrics.ConnectCount.Load(),
			RetryAttempts: metrics.ConnRetryGauge.Load(),
		},
		Dispatcher: s.dispatcher.Stats(),
	}

	if last := s.session.LastActivity(); !last.IsZero() {
		status.Session.LastActivity = last.UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, status)
}

// handleHealth reports process liveness only. Device connectivity is
// reported by the status endpoint, a reconnecting gateway is still healthy.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
