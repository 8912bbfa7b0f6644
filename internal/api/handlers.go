package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hearthline/hearth-core/internal/bus"
	"github.com/hearthline/hearth-core/internal/event"
	"github.com/hearthline/hearth-core/internal/service"
	"github.com/hearthline/hearth-core/internal/state"
)

// requestContext mints a fresh causal context carrying the caller identity.
func requestContext(r *http.Request) *event.Context {
	ctx := event.NewContext()
	ctx.UserID = userID(r)
	return ctx
}

// handleListStates returns all states, optionally filtered by domain.
//
// GET /api/v1/states?domain=light
func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")

	states := s.core.States.All(domain)
	out := make([]map[string]any, 0, len(states))
	for _, st := range states {
		out = append(out, st.Map())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"states": out,
		"count":  len(out),
	})
}

// handleGetState returns a single entity state.
//
// GET /api/v1/states/{entityID}
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	st := s.core.States.Get(entityID)
	if st == nil {
		writeNotFound(w, "entity not found: "+entityID)
		return
	}
	writeJSON(w, http.StatusOK, st.Map())
}

// setStateRequest is the body for POST /states/{entityID}.
type setStateRequest struct {
	Status     string         `json:"status"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Force      bool           `json:"force,omitempty"`
}

// handleSetState creates or updates an entity state. The write is
// marshalled onto the runtime loop.
//
// POST /api/v1/states/{entityID}
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	var req setStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Status == "" {
		writeBadRequest(w, "status is required")
		return
	}

	opts := []state.SetOption{
		state.WithAttributes(req.Attributes),
		state.WithContext(requestContext(r)),
	}
	if req.Force {
		opts = append(opts, state.WithForce())
	}

	var st *state.State
	err := s.core.RunSync(r.Context(), "api:set_state", func() error {
		var setErr error
		st, setErr = s.core.States.Set(entityID, req.Status, opts...)
		return setErr
	})
	if err != nil {
		switch {
		case errors.Is(err, state.ErrInvalidEntityID),
			errors.Is(err, state.ErrStatusEmpty),
			errors.Is(err, state.ErrStatusTooLong):
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		default:
			writeInternalError(w, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, st.Map())
}

// handleRemoveState deletes an entity state.
//
// DELETE /api/v1/states/{entityID}
func (s *Server) handleRemoveState(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	var removed bool
	err := s.core.RunSync(r.Context(), "api:remove_state", func() error {
		removed = s.core.States.Remove(entityID, requestContext(r))
		return nil
	})
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	if !removed {
		writeNotFound(w, "entity not found: "+entityID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": entityID})
}

// handleListServices returns all registered services grouped by domain.
//
// GET /api/v1/services
func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"services": s.core.Services.Services(),
	})
}

// handleCallService invokes a registered service. With ?blocking=true the
// response waits for the handler to finish (or time out).
//
// POST /api/v1/services/{domain}/{service}?blocking=true
func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	name := chi.URLParam(r, "service")

	var data map[string]any
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	opts := []service.CallOption{
		service.WithContext(requestContext(r)),
	}
	blocking := r.URL.Query().Get("blocking") == "true"
	if blocking {
		opts = append(opts, service.Blocking())
	}

	completed, err := s.core.Services.Call(r.Context(), domain, name, data, opts...)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			writeNotFound(w, err.Error())
		case errors.Is(err, service.ErrInvalidData):
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		case errors.Is(err, service.ErrUnauthorized):
			writeUnauthorized(w, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusRequestTimeout, ErrCodeTimeout, err.Error())
		default:
			writeInternalError(w, err.Error())
		}
		return
	}

	status := http.StatusOK
	if !completed {
		// Accepted but still running (non-blocking call or detached handler).
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{
		"domain":    domain,
		"service":   name,
		"completed": completed,
	})
}

// handlePublishEvent publishes an arbitrary event to the bus.
//
// POST /api/v1/events/{topic}
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")

	var data map[string]any
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	var ev *event.Event
	err := s.core.RunSync(r.Context(), "api:publish_event", func() error {
		var pubErr error
		ev, pubErr = s.core.Bus.Publish(topic, data,
			bus.WithContext(requestContext(r)))
		return pubErr
	})
	if err != nil {
		switch {
		case errors.Is(err, event.ErrTopicEmpty),
			errors.Is(err, event.ErrTopicTooLong),
			errors.Is(err, event.ErrTopicReserved):
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		default:
			writeInternalError(w, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"topic":      ev.Topic,
		"context_id": ev.Context.ID,
		"time_fired": ev.TimeFired,
	})
}

// handleHistory returns recorded state changes for an entity, newest first.
//
// GET /api/v1/history/{entityID}?limit=50
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeNotFound(w, "history recording is disabled")
		return
	}

	entityID := chi.URLParam(r, "entityID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.history.History(r.Context(), entityID, limit)
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": entityID,
		"entries":   entries,
		"count":     len(entries),
	})
}
