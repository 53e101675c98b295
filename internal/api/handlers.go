package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	redisclient "github.com/clinicore/schedule-expansion/internal/redis"
	"github.com/clinicore/schedule-expansion/internal/schedule"
)

// expandDoctorHandler triggers an on-demand expansion for one doctor,
// typically right after a rule or exception edit.
func expandDoctorHandler(exp *schedule.Expander) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idStr := chi.URLParam(r, "id")
		doctorID, err := uuid.Parse(idStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "id must be a valid UUID")
			return
		}

		result, err := exp.ExpandDoctor(r.Context(), doctorID)
		if err != nil {
			handleExpandError(w, err)
			return
		}

		resp := ExpandDoctorResponse{
			DoctorID:     doctorID.String(),
			SlotsCreated: result.SlotsCreated,
			SlotsUpdated: result.SlotsUpdated,
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// expandAllHandler runs the global pass over every doctor with active rules.
// Per-doctor failures come back inside the result, not as an HTTP error.
func expandAllHandler(exp *schedule.Expander) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := exp.ExpandAll(r.Context())
		writeJSON(w, http.StatusOK, result)
	}
}

func handleExpandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrExpansionInProgress),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "expansion_in_progress", "an expansion pass for this doctor is already running, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
