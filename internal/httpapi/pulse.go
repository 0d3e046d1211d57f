package httpapi

import (
	"net/http"

	"github.com/nextlevelbuilder/goclaw-core/internal/pulse"
)

func (s *Server) registerPulseRoutes() {
	s.mux.HandleFunc("POST /api/pulse/schedules", s.handlePulseCreateSchedule)
	s.mux.HandleFunc("GET /api/pulse/schedules", s.handlePulseListSchedules)
	s.mux.HandleFunc("GET /api/pulse/schedules/{id}", s.handlePulseGetSchedule)
	s.mux.HandleFunc("PATCH /api/pulse/schedules/{id}", s.handlePulseUpdateSchedule)
	s.mux.HandleFunc("DELETE /api/pulse/schedules/{id}", s.handlePulseDeleteSchedule)
	s.mux.HandleFunc("POST /api/pulse/schedules/{id}/trigger", s.handlePulseTriggerRun)
	s.mux.HandleFunc("POST /api/pulse/runs/{id}/cancel", s.handlePulseCancelRun)
	s.mux.HandleFunc("GET /api/pulse/runs", s.handlePulseListRuns)
}

func (s *Server) handlePulseCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var input pulse.CreateScheduleInput
	if err := decodeJSON(r, &input); err != nil || input.Name == "" || input.Cron == "" {
		writeError(w, http.StatusBadRequest, "Validation failed", "")
		return
	}
	sched, err := s.pulse.CreateSchedule(r.Context(), input)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if sched.Status == pulse.ScheduleActive {
		s.sched.RegisterSchedule(sched)
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handlePulseListSchedules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	scheds, err := s.pulse.ListSchedules(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, scheds)
}

func (s *Server) handlePulseGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok, err := s.pulse.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "schedule not found", "")
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handlePulseUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var patch pulse.UpdateScheduleInput
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", "")
		return
	}
	id := r.PathValue("id")
	sched, ok, err := s.pulse.UpdateSchedule(r.Context(), id, patch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "schedule not found", "")
		return
	}

	s.sched.UnregisterSchedule(id)
	if sched.Status == pulse.ScheduleActive {
		s.sched.RegisterSchedule(sched)
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handlePulseDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.pulse.DeleteSchedule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "schedule not found", "")
		return
	}
	s.sched.UnregisterSchedule(id)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePulseTriggerRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.sched.TriggerManualRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handlePulseCancelRun(w http.ResponseWriter, r *http.Request) {
	if !s.sched.CancelRun(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "run not found or not active", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePulseListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := pulse.ListRunsFilter{ScheduleID: q.Get("scheduleId"), Status: pulse.RunStatus(q.Get("status"))}
	runs, err := s.pulse.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
