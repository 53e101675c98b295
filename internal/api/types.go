package api

import (
	"encoding/json"
	"net/http"
)

type ExpandDoctorResponse struct {
	DoctorID     string `json:"doctor_id"`
	SlotsCreated int    `json:"slots_created"`
	SlotsUpdated int    `json:"slots_updated"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
