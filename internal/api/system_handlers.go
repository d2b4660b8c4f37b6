package api

import (
	"net/http"
	"time"
)

// statusResponse is the aggregate gateway status.
type statusResponse struct {
	ActiveCalls       int               `json:"active_calls"`
	ActiveDialogs     int               `json:"active_dialogs"`
	CallsTotal        uint64            `json:"calls_total"`
	CallsByOutcome    map[string]uint64 `json:"calls_by_outcome"`
	KeepaliveFailures uint64            `json:"keepalive_failures"`
	ASFailovers       uint64            `json:"as_failovers"`
	GapRejected       uint64            `json:"gap_rejected"`
	UptimeSec         int64             `json:"uptime_sec"`
	UptimeText        string            `json:"uptime_text"`
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns live call and dialog counters plus uptime.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{CallsByOutcome: map[string]uint64{}}

	if s.gw != nil {
		uptime := s.gw.Uptime()
		resp.ActiveCalls = s.gw.ActiveCalls()
		resp.CallsTotal = s.gw.CallsTotal()
		resp.CallsByOutcome = s.gw.CallsByOutcome()
		resp.KeepaliveFailures = s.gw.KeepaliveFailures()
		resp.ASFailovers = s.gw.Failovers()
		resp.GapRejected = s.gw.GapRejected()
		resp.UptimeSec = int64(uptime.Seconds())
		resp.UptimeText = uptime.Round(time.Second).String()
	}
	if s.dialogs != nil {
		resp.ActiveDialogs = s.dialogs.ActiveDialogs()
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleListCalls returns the IDs of calls currently in progress.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	ids := []string{}
	if s.gw != nil {
		if got := s.gw.CallIDs(); got != nil {
			ids = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"call_ids": ids,
		"count":    len(ids),
	})
}

// handleReloadRouting re-reads the routing tables from the database and
// swaps them into the gateway.
func (s *Server) handleReloadRouting(w http.ResponseWriter, r *http.Request) {
	if s.gw == nil {
		writeError(w, http.StatusServiceUnavailable, "gateway is not running")
		return
	}
	if err := s.gw.ReloadRouting(r.Context()); err != nil {
		s.logger.Error("routing reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "routing reload failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
