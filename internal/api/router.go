// Package api exposes the ops surface: health, metrics, job lookup and the
// event stream, plus the message intake endpoint the chat connector posts to.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/clipferry/backend/internal/errors"
	"github.com/clipferry/backend/internal/health"
	"github.com/clipferry/backend/internal/history"
	"github.com/clipferry/backend/internal/pipeline"
	ws "github.com/clipferry/backend/internal/websocket"
)

// Router bundles the handlers' collaborators. History may be nil when no
// Redis is configured; job lookups then cover in-flight jobs only.
type Router struct {
	service *pipeline.Service
	history *history.Store
	checker *health.Checker
	hub     *ws.Hub
}

// NewRouter creates the ops router.
func NewRouter(service *pipeline.Service, hist *history.Store, checker *health.Checker, hub *ws.Hub) *Router {
	return &Router{
		service: service,
		history: hist,
		checker: checker,
		hub:     hub,
	}
}

// Handler assembles the full route table with middleware applied.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", rt.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /intake/message", rt.handleIntake)
	mux.HandleFunc("GET /jobs", rt.handleRecent)
	mux.HandleFunc("GET /jobs/{id}", rt.handleJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", rt.handleCancel)
	mux.Handle("GET /ws/events", ws.Handler(rt.hub))

	return requestID(accessLog(mux))
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	results, healthy := rt.checker.Status(r.Context())

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), status, map[string]any{
		"status": state,
		"checks": results,
		"queue":  rt.service.QueueDepth(),
	})
}

// intakeRequest is what the chat connector posts for each message.
type intakeRequest struct {
	Body   string `json:"body"`
	Room   string `json:"room"`
	Event  string `json:"event"`
	Sender string `json:"sender"`
}

type intakeJob struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Coalesced bool   `json:"coalesced,omitempty"`
}

type intakeRejection struct {
	Input   string `json:"input"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (rt *Router) handleIntake(w http.ResponseWriter, r *http.Request) {
	reqID := apperrors.GetRequestID(r.Context())

	var in intakeRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		apperrors.WriteError(w, reqID, apperrors.BadRequest("invalid JSON body"))
		return
	}
	if in.Body == "" {
		apperrors.WriteError(w, reqID, apperrors.BadRequest("body is required"))
		return
	}

	requester := pipeline.Requester{Room: in.Room, Event: in.Event, Sender: in.Sender}
	result, err := rt.service.HandleMessage(r.Context(), in.Body, requester)
	if err != nil {
		apperrors.WriteError(w, reqID, err)
		return
	}

	out := struct {
		Jobs       []intakeJob       `json:"jobs"`
		Rejections []intakeRejection `json:"rejections,omitempty"`
		Reply      string            `json:"reply,omitempty"`
	}{Reply: result.Reply}

	seen := make(map[string]bool)
	for _, job := range result.Jobs {
		out.Jobs = append(out.Jobs, intakeJob{
			ID:        job.ID,
			State:     string(job.State()),
			Coalesced: seen[job.ID],
		})
		seen[job.ID] = true
	}
	for _, rej := range result.Rejections {
		out.Rejections = append(out.Rejections, intakeRejection{
			Input:   rej.Candidate.URLOrQuery,
			Code:    rej.Err.Code,
			Message: rej.Err.UserMessage(),
		})
	}
	apperrors.WriteJSON(w, reqID, http.StatusAccepted, out)
}

// jobView is the lookup response for an in-flight job.
type jobView struct {
	ID        string              `json:"id"`
	State     string              `json:"state"`
	Platform  string              `json:"platform"`
	Mode      string              `json:"mode"`
	SourceURL string              `json:"source_url,omitempty"`
	Title     string              `json:"title,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	Artifacts []pipeline.Artifact `json:"artifacts,omitempty"`
	ErrorCode string              `json:"error_code,omitempty"`
	ErrorMsg  string              `json:"error_message,omitempty"`
}

func (rt *Router) handleJob(w http.ResponseWriter, r *http.Request) {
	reqID := apperrors.GetRequestID(r.Context())
	id := r.PathValue("id")

	if job, ok := rt.service.Job(id); ok {
		view := jobView{
			ID:        job.ID,
			State:     string(job.State()),
			Platform:  job.Platform,
			Mode:      string(job.Mode),
			SourceURL: job.SourceURL,
			Title:     job.Title,
			CreatedAt: job.CreatedAt,
			Artifacts: job.Artifacts(),
		}
		if f := job.Failure(); f != nil {
			view.ErrorCode = f.Code
			view.ErrorMsg = f.UserMessage()
		}
		apperrors.WriteJSON(w, reqID, http.StatusOK, view)
		return
	}

	// Finished jobs leave the queue; the history store remembers them.
	if rt.history != nil {
		rec, err := rt.history.Get(r.Context(), id)
		if err == nil {
			apperrors.WriteJSON(w, reqID, http.StatusOK, rec)
			return
		}
		if apperrors.Code(err) != apperrors.CodeJobNotFound {
			apperrors.WriteError(w, reqID, err)
			return
		}
	}
	apperrors.WriteError(w, reqID, apperrors.JobNotFound())
}

// handleRecent lists the most recently finished jobs. Without a history store
// the list is empty; only in-flight jobs are known then.
func (rt *Router) handleRecent(w http.ResponseWriter, r *http.Request) {
	reqID := apperrors.GetRequestID(r.Context())

	out := struct {
		Jobs []*history.Record `json:"jobs"`
	}{Jobs: []*history.Record{}}

	if rt.history == nil {
		apperrors.WriteJSON(w, reqID, http.StatusOK, out)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	ids, err := rt.history.Recent(r.Context(), limit)
	if err != nil {
		apperrors.WriteError(w, reqID, err)
		return
	}
	for _, id := range ids {
		rec, err := rt.history.Get(r.Context(), id)
		if err != nil {
			// Records expire on their own TTL, independent of the list.
			continue
		}
		out.Jobs = append(out.Jobs, rec)
	}
	apperrors.WriteJSON(w, reqID, http.StatusOK, out)
}

func (rt *Router) handleCancel(w http.ResponseWriter, r *http.Request) {
	reqID := apperrors.GetRequestID(r.Context())

	if err := rt.service.Cancel(r.PathValue("id")); err != nil {
		apperrors.WriteError(w, reqID, err)
		return
	}
	apperrors.WriteJSON(w, reqID, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
