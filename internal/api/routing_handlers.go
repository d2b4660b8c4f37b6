package api

import (
	"net/http"
	"strconv"

	"github.com/capgw/capgw/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// ruleRequest is the create/update payload for a routing rule.
type ruleRequest struct {
	Name          string `json:"name"`
	ServiceKeyMin *int   `json:"service_key_min"`
	ServiceKeyMax *int   `json:"service_key_max"`
	Chain         string `json:"chain"`
	Priority      int    `json:"priority"`
	Enabled       bool   `json:"enabled"`
}

func (req *ruleRequest) validate() string {
	if msg := validateRequiredStringLen("name", req.Name, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateRequiredStringLen("chain", req.Chain, maxNameLen); msg != "" {
		return msg
	}
	return validateServiceKeyRange(req.ServiceKeyMin, req.ServiceKeyMax)
}

// ruleResponse is the JSON shape for a routing rule.
type ruleResponse struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	ServiceKeyMin *int   `json:"service_key_min"`
	ServiceKeyMax *int   `json:"service_key_max"`
	Chain         string `json:"chain"`
	Priority      int    `json:"priority"`
	Enabled       bool   `json:"enabled"`
}

func toRuleResponse(r *models.RoutingRule) ruleResponse {
	return ruleResponse{
		ID:            r.ID,
		Name:          r.Name,
		ServiceKeyMin: r.ServiceKeyMin,
		ServiceKeyMax: r.ServiceKeyMax,
		Chain:         r.Chain,
		Priority:      r.Priority,
		Enabled:       r.Enabled,
	}
}

// parseIDParam reads the {id} URL parameter as a positive integer.
func parseIDParam(r *http.Request) (int64, string) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		return 0, "id must be a positive integer"
	}
	return id, ""
}

func (s *Server) requireRepos(w http.ResponseWriter) bool {
	if s.repos == nil {
		writeError(w, http.StatusServiceUnavailable, "configuration store is not available")
		return false
	}
	return true
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	rules, err := s.repos.RoutingRules.List(r.Context())
	if err != nil {
		s.logger.Error("listing routing rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list routing rules")
		return
	}
	out := make([]ruleResponse, len(rules))
	for i := range rules {
		out[i] = toRuleResponse(&rules[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	var req ruleRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := req.validate(); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	rule := &models.RoutingRule{
		Name:          req.Name,
		ServiceKeyMin: req.ServiceKeyMin,
		ServiceKeyMax: req.ServiceKeyMax,
		Chain:         req.Chain,
		Priority:      req.Priority,
		Enabled:       req.Enabled,
	}
	if err := s.repos.RoutingRules.Create(r.Context(), rule); err != nil {
		s.logger.Error("creating routing rule", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create routing rule")
		return
	}

	s.reloadRouting(r.Context())
	writeJSON(w, http.StatusCreated, toRuleResponse(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	id, errMsg := parseIDParam(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	var req ruleRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := req.validate(); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	existing, err := s.repos.RoutingRules.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading routing rule", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to load routing rule")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "routing rule not found")
		return
	}

	existing.Name = req.Name
	existing.ServiceKeyMin = req.ServiceKeyMin
	existing.ServiceKeyMax = req.ServiceKeyMax
	existing.Chain = req.Chain
	existing.Priority = req.Priority
	existing.Enabled = req.Enabled
	if err := s.repos.RoutingRules.Update(r.Context(), existing); err != nil {
		s.logger.Error("updating routing rule", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to update routing rule")
		return
	}

	s.reloadRouting(r.Context())
	writeJSON(w, http.StatusOK, toRuleResponse(existing))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	id, errMsg := parseIDParam(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.repos.RoutingRules.Delete(r.Context(), id); err != nil {
		s.logger.Error("deleting routing rule", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to delete routing rule")
		return
	}

	s.reloadRouting(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// instanceRequest is the create/update payload for an AS instance.
type instanceRequest struct {
	Name      string `json:"name"`
	Chain     string `json:"chain"`
	Position  int    `json:"position"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`
	Enabled   bool   `json:"enabled"`
}

func (req *instanceRequest) validate() string {
	if msg := validateRequiredStringLen("name", req.Name, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateRequiredStringLen("chain", req.Chain, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateHost("host", req.Host); msg != "" {
		return msg
	}
	if msg := validatePort("port", req.Port); msg != "" {
		return msg
	}
	if req.Position < 0 {
		return "position must be non-negative"
	}
	return validateTransport("transport", req.Transport)
}

// instanceResponse is the JSON shape for an AS instance.
type instanceResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Chain     string `json:"chain"`
	Position  int    `json:"position"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`
	Enabled   bool   `json:"enabled"`
}

func toInstanceResponse(inst *models.ASInstance) instanceResponse {
	return instanceResponse{
		ID:        inst.ID,
		Name:      inst.Name,
		Chain:     inst.Chain,
		Position:  inst.Position,
		Host:      inst.Host,
		Port:      inst.Port,
		Transport: inst.Transport,
		Enabled:   inst.Enabled,
	}
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	insts, err := s.repos.ASInstances.List(r.Context())
	if err != nil {
		s.logger.Error("listing as instances", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list application servers")
		return
	}
	out := make([]instanceResponse, len(insts))
	for i := range insts {
		out[i] = toInstanceResponse(&insts[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	var req instanceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := req.validate(); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	inst := &models.ASInstance{
		Name:      req.Name,
		Chain:     req.Chain,
		Position:  req.Position,
		Host:      req.Host,
		Port:      req.Port,
		Transport: req.Transport,
		Enabled:   req.Enabled,
	}
	if err := s.repos.ASInstances.Create(r.Context(), inst); err != nil {
		s.logger.Error("creating as instance", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create application server")
		return
	}

	s.reloadRouting(r.Context())
	writeJSON(w, http.StatusCreated, toInstanceResponse(inst))
}

func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	id, errMsg := parseIDParam(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	var req instanceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := req.validate(); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	existing, err := s.repos.ASInstances.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading as instance", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to load application server")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "application server not found")
		return
	}

	existing.Name = req.Name
	existing.Chain = req.Chain
	existing.Position = req.Position
	existing.Host = req.Host
	existing.Port = req.Port
	existing.Transport = req.Transport
	existing.Enabled = req.Enabled
	if err := s.repos.ASInstances.Update(r.Context(), existing); err != nil {
		s.logger.Error("updating as instance", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to update application server")
		return
	}

	s.reloadRouting(r.Context())
	writeJSON(w, http.StatusOK, toInstanceResponse(existing))
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	id, errMsg := parseIDParam(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.repos.ASInstances.Delete(r.Context(), id); err != nil {
		s.logger.Error("deleting as instance", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to delete application server")
		return
	}

	s.reloadRouting(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// inviteErrorRequest is the create payload for an invite-error rule.
type inviteErrorRequest struct {
	Position      int    `json:"position"`
	StatusMin     *int   `json:"status_min"`
	StatusMax     *int   `json:"status_max"`
	ServiceKeyMin *int   `json:"service_key_min"`
	ServiceKeyMax *int   `json:"service_key_max"`
	Action        string `json:"action"`
	Cause         *int   `json:"cause"`
	Enabled       bool   `json:"enabled"`
}

func (req *inviteErrorRequest) validate() string {
	switch req.Action {
	case "continue", "release", "failover":
	default:
		return "action must be \"continue\", \"release\", or \"failover\""
	}
	for _, b := range []struct {
		field string
		v     *int
	}{
		{"status_min", req.StatusMin},
		{"status_max", req.StatusMax},
	} {
		if b.v != nil && (*b.v < 300 || *b.v > 699) {
			return b.field + " must be a SIP failure status"
		}
	}
	if req.StatusMin != nil && req.StatusMax != nil && *req.StatusMin > *req.StatusMax {
		return "status_min must not exceed status_max"
	}
	if msg := validateServiceKeyRange(req.ServiceKeyMin, req.ServiceKeyMax); msg != "" {
		return msg
	}
	return validateCause("cause", req.Cause)
}

// inviteErrorResponse is the JSON shape for an invite-error rule.
type inviteErrorResponse struct {
	ID            int64  `json:"id"`
	Position      int    `json:"position"`
	StatusMin     *int   `json:"status_min"`
	StatusMax     *int   `json:"status_max"`
	ServiceKeyMin *int   `json:"service_key_min"`
	ServiceKeyMax *int   `json:"service_key_max"`
	Action        string `json:"action"`
	Cause         *int   `json:"cause"`
	Enabled       bool   `json:"enabled"`
}

func toInviteErrorResponse(r *models.InviteErrorRule) inviteErrorResponse {
	return inviteErrorResponse{
		ID:            r.ID,
		Position:      r.Position,
		StatusMin:     r.StatusMin,
		StatusMax:     r.StatusMax,
		ServiceKeyMin: r.ServiceKeyMin,
		ServiceKeyMax: r.ServiceKeyMax,
		Action:        r.Action,
		Cause:         r.Cause,
		Enabled:       r.Enabled,
	}
}

func (s *Server) handleListInviteErrorRules(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	rules, err := s.repos.InviteErrorRules.ListEnabled(r.Context())
	if err != nil {
		s.logger.Error("listing invite-error rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list invite-error rules")
		return
	}
	out := make([]inviteErrorResponse, len(rules))
	for i := range rules {
		out[i] = toInviteErrorResponse(&rules[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateInviteErrorRule(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	var req inviteErrorRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := req.validate(); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	rule := &models.InviteErrorRule{
		Position:      req.Position,
		StatusMin:     req.StatusMin,
		StatusMax:     req.StatusMax,
		ServiceKeyMin: req.ServiceKeyMin,
		ServiceKeyMax: req.ServiceKeyMax,
		Action:        req.Action,
		Cause:         req.Cause,
		Enabled:       req.Enabled,
	}
	if err := s.repos.InviteErrorRules.Create(r.Context(), rule); err != nil {
		s.logger.Error("creating invite-error rule", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create invite-error rule")
		return
	}

	s.reloadRouting(r.Context())
	writeJSON(w, http.StatusCreated, toInviteErrorResponse(rule))
}

func (s *Server) handleDeleteInviteErrorRule(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	id, errMsg := parseIDParam(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.repos.InviteErrorRules.Delete(r.Context(), id); err != nil {
		s.logger.Error("deleting invite-error rule", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to delete invite-error rule")
		return
	}

	s.reloadRouting(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
