// Package api is the HTTP command surface: starting and cancelling
// campaign runs, run status, and per-tenant throttle settings. Handlers
// only write rows and return; the workers pull the queue on their own
// schedule.
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/pkg/httputil"
	"github.com/cadencehq/engage/internal/runs"
	"github.com/cadencehq/engage/internal/store"
)

// Handlers serves the /api routes.
type Handlers struct {
	Store   *store.Store
	Tracker *runs.Tracker
}

// Routes mounts the command surface under /api.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/campaigns/{campaignID}/run", h.startRun)
		r.Post("/runs/{runID}/cancel", h.cancelRun)
		r.Get("/runs/{runID}", h.getRun)
		r.Put("/companies/{companyID}/throttle/{channel}", h.putThrottle)
		r.Get("/companies/{companyID}/throttle/{channel}", h.getThrottle)
		r.Post("/companies/{companyID}/do-not-contact", h.addDoNotContact)
	})
}

func (h *Handlers) startRun(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		httputil.BadRequest(w, "invalid campaign id")
		return
	}

	run, err := h.Tracker.Start(r.Context(), campaignID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		httputil.NotFound(w, "campaign not found")
	case errors.Is(err, runs.ErrCampaignDeleted), errors.Is(err, runs.ErrCompanyDeleted):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, runs.ErrNoEligibleLeads):
		httputil.Conflict(w, err.Error())
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.Created(w, run)
	}
}

func (h *Handlers) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		httputil.BadRequest(w, "invalid run id")
		return
	}
	if err := h.Tracker.Cancel(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "run not found")
			return
		}
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.OK(w, map[string]string{"status": "cancelled"})
}

func (h *Handlers) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		httputil.BadRequest(w, "invalid run id")
		return
	}
	run, counts, err := h.Tracker.Summary(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "run not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"run":    run,
		"counts": counts,
	})
}

type throttleRequest struct {
	Enabled     bool    `json:"enabled"`
	MaxPerHour  int     `json:"max_per_hour"`
	MaxPerDay   int     `json:"max_per_day"`
	WorkStart   *string `json:"start_time"`
	WorkEnd     *string `json:"end_time"`
	StrictHours bool    `json:"strict_hours"`
}

func (h *Handlers) putThrottle(w http.ResponseWriter, r *http.Request) {
	companyID, channel, ok := throttleParams(w, r)
	if !ok {
		return
	}
	var req throttleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Enabled && (req.MaxPerHour <= 0 || req.MaxPerDay <= 0) {
		httputil.BadRequest(w, "max_per_hour and max_per_day must be positive")
		return
	}
	if (req.WorkStart == nil) != (req.WorkEnd == nil) {
		httputil.BadRequest(w, "start_time and end_time must be set together")
		return
	}

	settings := domain.ThrottleSettings{
		CompanyID:   companyID,
		Channel:     channel,
		Enabled:     req.Enabled,
		MaxPerHour:  req.MaxPerHour,
		MaxPerDay:   req.MaxPerDay,
		WorkStart:   req.WorkStart,
		WorkEnd:     req.WorkEnd,
		StrictHours: req.StrictHours,
	}
	if err := h.Store.UpsertThrottleSettings(r.Context(), settings); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, settings)
}

func (h *Handlers) getThrottle(w http.ResponseWriter, r *http.Request) {
	companyID, channel, ok := throttleParams(w, r)
	if !ok {
		return
	}
	settings, err := h.Store.GetThrottleSettings(r.Context(), companyID, channel)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, settings)
}

type doNotContactRequest struct {
	Contacts []string `json:"contacts"`
	Reason   string   `json:"reason"`
}

// addDoNotContact puts contact keys (emails, phone numbers, LinkedIn ids)
// on the tenant's suppression list. Pending queue items for these contacts
// still settle at dispatch time, where the list is consulted.
func (h *Handlers) addDoNotContact(w http.ResponseWriter, r *http.Request) {
	companyID, err := uuid.Parse(chi.URLParam(r, "companyID"))
	if err != nil {
		httputil.BadRequest(w, "invalid company id")
		return
	}
	var req doNotContactRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Contacts) == 0 {
		httputil.BadRequest(w, "contacts must not be empty")
		return
	}
	if err := h.Store.AddDoNotContact(r.Context(), companyID, req.Reason, req.Contacts); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"added": len(req.Contacts)})
}

func throttleParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, domain.Channel, bool) {
	companyID, err := uuid.Parse(chi.URLParam(r, "companyID"))
	if err != nil {
		httputil.BadRequest(w, "invalid company id")
		return uuid.Nil, "", false
	}
	channel := domain.Channel(chi.URLParam(r, "channel"))
	if !channel.Valid() {
		httputil.BadRequest(w, "invalid channel")
		return uuid.Nil, "", false
	}
	return companyID, channel, true
}
