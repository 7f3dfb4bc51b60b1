package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dmelnik/ada/internal/chat"
	"github.com/dmelnik/ada/internal/config"
	"github.com/dmelnik/ada/internal/jobs"
	"github.com/dmelnik/ada/internal/observability"
	"github.com/dmelnik/ada/internal/proposals"
	"github.com/dmelnik/ada/internal/store"
	"github.com/dmelnik/ada/internal/stream"
)

var errEmptyBody = errors.New("empty request body")

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type Server struct {
	cfg       config.Config
	chat      *chat.Service
	proposals *proposals.Controller
	registry  *jobs.Registry
	streamer  *stream.Adapter
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, chatSvc *chat.Service, ctrl *proposals.Controller, registry *jobs.Registry, streamer *stream.Adapter, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		chat:      chatSvc,
		proposals: ctrl,
		registry:  registry,
		streamer:  streamer,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers only ever stream their own session events, but a
				// foreign origin should still not be able to attach.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions/{id}/messages", s.handleSendMessage)
	r.Get("/v1/sessions/{id}/history", s.handleHistory)
	r.Post("/v1/sessions/{id}/suggestions", s.handleRequestSuggestions)
	r.Post("/v1/sessions/{id}/proposals/{proposalID}/accept", s.handleAcceptProposal)
	r.Post("/v1/sessions/{id}/proposals/reject", s.handleRejectProposals)
	r.Get("/v1/sessions/{id}/stream", s.handleStream)
	r.Get("/v1/jobs/{id}", s.handleGetJob)
	r.Post("/v1/jobs/{id}/cancel", s.handleCancelJob)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type sendMessageRequest struct {
	Content   string `json:"content"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}

	result, err := s.chat.SendMessage(r.Context(), sessionID, req.Content, strings.TrimSpace(req.RequestID))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "send_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	msgs, err := s.chat.History(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type suggestionsRequest struct {
	Count int `json:"count,omitempty"`
}

func (s *Server) handleRequestSuggestions(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	var req suggestionsRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	status, err := s.proposals.RequestSuggestions(r.Context(), sessionID, req.Count)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "suggestions_failed", err.Error())
		return
	}

	code := http.StatusOK
	if status == proposals.StatusQueued {
		code = http.StatusAccepted
	}
	respondJSON(w, code, map[string]any{"status": status})
}

func (s *Server) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	proposalID := strings.TrimSpace(chi.URLParam(r, "proposalID"))
	if sessionID == "" || proposalID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session id and proposal id are required")
		return
	}

	result, err := s.proposals.Accept(r.Context(), sessionID, proposalID)
	switch {
	case errors.Is(err, proposals.ErrProposalNotFound):
		respondError(w, http.StatusNotFound, "proposal_not_found", err.Error())
	case errors.Is(err, proposals.ErrBusy):
		respondError(w, http.StatusConflict, "session_busy", err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "accept_failed", err.Error())
	default:
		respondJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleRejectProposals(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	err := s.proposals.Reject(r.Context(), sessionID)
	switch {
	case errors.Is(err, proposals.ErrBusy):
		respondError(w, http.StatusConflict, "session_busy", err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "reject_failed", err.Error())
	default:
		respondJSON(w, http.StatusOK, map[string]any{"status": "rejected"})
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "id"))
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "invalid_job_id", "missing job id")
		return
	}
	job, ok := s.registry.Get(jobID)
	if !ok {
		respondError(w, http.StatusNotFound, "job_not_found", "no such job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "id"))
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "invalid_job_id", "missing job id")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"canceled": s.registry.Cancel(jobID)})
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
