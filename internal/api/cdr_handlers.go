package api

import (
	"net/http"
	"time"

	"github.com/capgw/capgw/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// cdrResponse is the JSON response for a single call detail record.
type cdrResponse struct {
	ID            int64   `json:"id"`
	CallID        string  `json:"call_id"`
	ServiceKey    int     `json:"service_key"`
	CallingNumber string  `json:"calling_number"`
	CalledNumber  string  `json:"called_number"`
	ASName        string  `json:"as_name,omitempty"`
	StartTime     string  `json:"start_time"`
	EndTime       *string `json:"end_time"`
	Outcome       string  `json:"outcome"`
	ReleaseCause  *int    `json:"release_cause"`
}

// toCDRResponse converts a models.CDR to the API response.
func toCDRResponse(c *models.CDR) cdrResponse {
	resp := cdrResponse{
		ID:            c.ID,
		CallID:        c.CallID,
		ServiceKey:    c.ServiceKey,
		CallingNumber: c.CallingNumber,
		CalledNumber:  c.CalledNumber,
		ASName:        c.ASName,
		StartTime:     c.StartTime.Format(time.RFC3339),
		Outcome:       c.Outcome,
		ReleaseCause:  c.ReleaseCause,
	}
	if c.EndTime != nil {
		s := c.EndTime.Format(time.RFC3339)
		resp.EndTime = &s
	}
	return resp
}

// handleListCDRs returns call records, newest first, with pagination.
func (s *Server) handleListCDRs(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	cdrs, err := s.repos.CDRs.List(r.Context(), pg.Limit, pg.Offset)
	if err != nil {
		s.logger.Error("listing cdrs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list call records")
		return
	}

	items := make([]cdrResponse, len(cdrs))
	for i := range cdrs {
		items[i] = toCDRResponse(&cdrs[i])
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  len(items),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCDR returns one call record by call ID.
func (s *Server) handleGetCDR(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	callID := chi.URLParam(r, "callID")
	if callID == "" {
		writeError(w, http.StatusBadRequest, "call id is required")
		return
	}

	cdr, err := s.repos.CDRs.GetByCallID(r.Context(), callID)
	if err != nil {
		s.logger.Error("loading cdr", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "failed to load call record")
		return
	}
	if cdr == nil {
		writeError(w, http.StatusNotFound, "call record not found")
		return
	}
	writeJSON(w, http.StatusOK, toCDRResponse(cdr))
}
