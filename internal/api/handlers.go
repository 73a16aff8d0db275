package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/provider"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

type handlers struct {
	svc AppointmentService
	loc *time.Location
	log *zap.SugaredLogger
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}
	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
		return
	}

	actor := appointment.Actor{ID: patientID, Role: appointment.RolePatient}
	if req.ActorID != "" || req.ActorRole != "" {
		actor, err = parseActor(req.ActorID, req.ActorRole)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_actor", err.Error())
			return
		}
	}

	appt, err := h.svc.RequestAppointment(r.Context(), appointment.NewAppointment{
		PatientID:  patientID,
		ProviderID: providerID,
		Start:      req.Start,
		End:        req.End,
		Concern:    req.Concern,
		Actor:      actor,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f appointment.ListFilter

	if v := q.Get("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		f.PatientID = &id
	}
	if v := q.Get("provider_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}
		f.ProviderID = &id
	}
	if v := q.Get("status"); v != "" {
		st, err := appointment.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
			return
		}
		f.Status = &st
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_active", "active must be true or false")
			return
		}
		f.ActiveOnly = active
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	list, err := h.svc.ListAppointments(r.Context(), f)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	out := make([]AppointmentResponse, 0, len(list))
	for i := range list {
		out = append(out, toAppointmentResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) applyTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	target, err := appointment.ParseStatus(req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_target", err.Error())
		return
	}
	actor, err := parseActor(req.ActorID, req.ActorRole)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_actor", err.Error())
		return
	}

	var counter *schedule.Interval
	if req.Start != nil || req.End != nil {
		if req.Start == nil || req.End == nil {
			writeError(w, http.StatusBadRequest, "invalid_interval", "start and end must be given together")
			return
		}
		counter = &schedule.Interval{Start: *req.Start, End: *req.End}
	}

	appt, err := h.svc.ApplyTransition(r.Context(), appointment.TransitionRequest{
		AppointmentID: id,
		Target:        target,
		Actor:         actor,
		Interval:      counter,
		Feedback:      req.Feedback,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) dismiss(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	actor, err := parseActor(req.ActorID, req.ActorRole)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_actor", err.Error())
		return
	}

	appt, err := h.svc.Dismiss(r.Context(), id, actor)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	order := appointment.SortAscending
	switch r.URL.Query().Get("order") {
	case "", "asc":
	case "desc":
		order = appointment.SortDescending
	default:
		writeError(w, http.StatusBadRequest, "invalid_order", "order must be asc or desc")
		return
	}

	entries, err := h.svc.ListHistory(r.Context(), id, order)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []appointment.HistoryEntry{}
	}

	chronological := entries
	if order == appointment.SortDescending {
		chronological = make([]appointment.HistoryEntry, len(entries))
		for i, e := range entries {
			chronological[len(entries)-1-i] = e
		}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		AppointmentID: id,
		Consistent:    appointment.VerifyWalk(chronological) == nil,
		Entries:       entries,
	})
}

func (h *handlers) availability(w http.ResponseWriter, r *http.Request) {
	providerID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	raw := r.URL.Query().Get("date")
	date, err := time.ParseInLocation(time.DateOnly, raw, h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}

	free, err := h.svc.AvailableIntervals(r.Context(), providerID, date)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	resp := AvailabilityResponse{ProviderID: providerID, Date: raw, Free: make([]IntervalResponse, 0, len(free))}
	for _, iv := range free {
		resp.Free = append(resp.Free, toInterval(iv))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) slotCheck(w http.ResponseWriter, r *http.Request) {
	providerID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req SlotCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	exclude := uuid.Nil
	if req.ExcludeAppointmentID != "" {
		id, err := uuid.Parse(req.ExcludeAppointmentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "exclude_appointment_id must be a valid UUID")
			return
		}
		exclude = id
	}

	err := h.svc.CheckSlot(r.Context(), providerID, schedule.Interval{Start: req.Start, End: req.End}, exclude)
	var rej *schedule.Rejection
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, SlotCheckResponse{Bookable: true})
	case errors.As(err, &rej):
		writeJSON(w, http.StatusOK, SlotCheckResponse{Bookable: false, Rejection: rej})
	default:
		h.handleServiceError(w, r, err)
	}
}

func (h *handlers) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *schedule.Rejection
	switch {
	case errors.As(err, &rej):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "slot_rejected", Details: rej.Message, Rejection: rej})
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, provider.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, appointment.ErrIllegalTransition):
		writeError(w, http.StatusUnprocessableEntity, "illegal_transition", err.Error())
	case errors.Is(err, appointment.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "the appointment changed concurrently, re-fetch and retry")
	case errors.Is(err, appointment.ErrNotTerminal):
		writeError(w, http.StatusConflict, "not_terminal", err.Error())
	case errors.Is(err, appointment.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, appointment.ErrPersistence):
		h.log.Errorw("storage failure", "path", r.URL.Path, "request_id", GetRequestID(r.Context()), "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage is temporarily unavailable")
	default:
		h.log.Errorw("unhandled error", "path", r.URL.Path, "request_id", GetRequestID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseActor(rawID, rawRole string) (appointment.Actor, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return appointment.Actor{}, errors.New("actor_id must be a valid UUID")
	}
	role, err := appointment.ParseRole(rawRole)
	if err != nil {
		return appointment.Actor{}, err
	}
	return appointment.Actor{ID: id, Role: role}, nil
}
