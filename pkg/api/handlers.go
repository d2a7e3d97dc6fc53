package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sandboxrunner/browserd/pkg/daemon"
	"github.com/sandboxrunner/browserd/pkg/types"
)

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	body, err := readBody(r, startRequestSchema)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req StartRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	res, err := s.ctrl.Start(ctx, sessionID, daemon.StartOptions{URL: req.URL, CallbackURL: req.CallbackURL})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.ctrl.Stop(ctx, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, navigateRequestSchema)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req NavigateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.ctrl.Navigate(ctx, mux.Vars(r)["id"], req.URL); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.ctrl.Launch(ctx, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if err := types.ValidateSessionID(sessionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, ok := s.ctrl.GetStatus(sessionID)
	if !ok {
		s.writeJSONResponse(w, http.StatusNotFound, AbsentResponse{SessionID: sessionID, Status: types.StatusAbsent})
		return
	}
	s.writeJSONResponse(w, http.StatusOK, status)
}

func (s *Server) handleGetURL(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if err := types.ValidateSessionID(sessionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	url, ok := s.ctrl.GetCurrentURL(r.Context(), sessionID)
	if !ok {
		s.writeErrorResponse(w, r, http.StatusNotFound, "", "No URL known for session", nil)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, URLResponse{SessionID: sessionID, URL: url})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Heartbeat(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	statuses := s.ctrl.ListStatuses()
	if filter := r.URL.Query().Get("status"); filter != "" {
		filtered := statuses[:0]
		for _, st := range statuses {
			if string(st.Status) == filter {
				filtered = append(filtered, st)
			}
		}
		statuses = filtered
	}
	s.writeJSONResponse(w, http.StatusOK, ListResponse{Data: statuses, Total: len(statuses), Timestamp: time.Now()})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	entries := s.routes.Entries()
	s.writeJSONResponse(w, http.StatusOK, ListResponse{Data: entries, Total: len(entries), Timestamp: time.Now()})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	resp := PoolResponse{Slots: []types.PoolSlot{}}
	if s.pool != nil {
		resp.Stats = s.pool.Stats()
		resp.Slots = s.pool.Slots()
	}
	s.writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "ok",
		Sessions:  len(s.ctrl.ListStatuses()),
		Routes:    len(s.routes.Entries()),
		Version:   s.config.Version,
		Timestamp: time.Now(),
	}
	code := http.StatusOK
	if !s.ctrl.IsHealthy(ctx) {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSONResponse(w, code, resp)
}

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeErrorResponse(w, r, http.StatusNotFound, "", "Event bus not configured", nil)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeErrorResponse(w, r, http.StatusBadRequest, types.KindInvalidRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	history := s.events.GetEventHistory(limit)
	s.writeJSONResponse(w, http.StatusOK, ListResponse{Data: history, Total: len(history), Timestamp: time.Now()})
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.config.RequestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.config.RequestTimeout)
}

// statusFor maps an error kind to its HTTP status
func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindInvalidRequest:
		return http.StatusBadRequest
	case types.KindSessionNotRunning:
		return http.StatusConflict
	case types.KindSessionFailed:
		return http.StatusGone
	case types.KindStartFailed, types.KindNavigationFailed:
		return http.StatusBadGateway
	case types.KindPortExhausted, types.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. The cause of a typed error is logged, never sent.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validationError
	if errors.As(err, &verr) {
		resp := ErrorResponse{Error: Error{
			Code:      http.StatusBadRequest,
			Kind:      types.KindInvalidRequest,
			Message:   "Validation failed",
			Details:   verr.problems,
			Timestamp: time.Now(),
			RequestID: requestID(r),
		}}
		s.writeJSONResponse(w, http.StatusBadRequest, resp)
		return
	}

	var terr *types.Error
	if errors.As(err, &terr) {
		code := statusFor(terr.Kind)
		s.logger.Warn().Err(err).Str("kind", string(terr.Kind)).Str("session_id", terr.SessionID).Str("request_id", requestID(r)).Msg("Request failed")
		message := terr.Message
		if message == "" {
			message = string(terr.Kind)
		}
		resp := ErrorResponse{Error: Error{
			Code:      code,
			Kind:      terr.Kind,
			Message:   message,
			SessionID: terr.SessionID,
			Timestamp: time.Now(),
			RequestID: requestID(r),
		}}
		s.writeJSONResponse(w, code, resp)
		return
	}

	s.writeErrorResponse(w, r, http.StatusInternalServerError, "", "Internal server error", err)
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, kind types.ErrorKind, message string, err error) {
	if err != nil {
		s.logger.Error().Err(err).Str("message", message).Str("request_id", requestID(r)).Msg("API error")
	}
	s.writeJSONResponse(w, status, ErrorResponse{Error: Error{
		Code:      status,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
		RequestID: requestID(r),
	}})
}
