// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package governance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"intellipm/platform/governance/approval"
	"intellipm/platform/governance/audit"
	"intellipm/platform/governance/decision"
	"intellipm/platform/governance/quota"
)

// apiResponse is the envelope every endpoint writes.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func sendJSONResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

// statusForError maps engine sentinel errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, decision.ErrNotFound),
		errors.Is(err, quota.ErrReservationNotFound),
		errors.Is(err, quota.ErrQuotaNotFound),
		errors.Is(err, quota.ErrTemplateNotFound),
		errors.Is(err, quota.ErrOverrideNotFound),
		errors.Is(err, approval.ErrPolicyNotFound):
		return http.StatusNotFound
	case errors.Is(err, quota.ErrNoQuotaConfigured):
		return http.StatusNotFound
	case errors.Is(err, decision.ErrUnauthorizedApprover):
		return http.StatusForbidden
	case errors.Is(err, decision.ErrAlreadyResolved),
		errors.Is(err, decision.ErrExpired),
		errors.Is(err, decision.ErrNotRetryable),
		errors.Is(err, quota.ErrReservationFinalized),
		errors.Is(err, quota.ErrTransientConflict),
		errors.Is(err, quota.ErrTemplateExists),
		errors.Is(err, quota.ErrQuotaExists),
		errors.Is(err, quota.ErrOverrideExists):
		return http.StatusConflict
	case errors.Is(err, decision.ErrExecutionTriggerFailed):
		return http.StatusBadGateway
	case errors.Is(err, approval.ErrNonOverridable):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// sendEngineError maps validation sentinels to 400 and everything else
// through statusForError. Unrecognized errors surface as opaque 500s.
func (s *Server) sendEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		if isValidationError(err) {
			status = http.StatusBadRequest
		} else {
			s.log.ErrorWithErr("", "", "request failed", err, map[string]interface{}{
				"path": r.URL.Path,
			})
			message = "internal error"
		}
	}
	sendErrorResponse(w, message, status)
}

func isValidationError(err error) bool {
	validation := []error{
		quota.ErrInvalidInput, quota.ErrInvalidOrgID,
		quota.ErrInvalidTierName, quota.ErrInvalidLimit,
		quota.ErrInvalidOverageRate, quota.ErrInvalidAlertThreshold,
		quota.ErrInvalidUserID, quota.ErrInvalidPeriodStart,
		quota.ErrInvalidTemplateID, quota.ErrInvalidQuotaID,
		quota.ErrInvalidOverrideID,
		decision.ErrInvalidOrgID, decision.ErrInvalidDecisionType,
		decision.ErrInvalidAgentID, decision.ErrInvalidConfidence,
		decision.ErrInvalidCost, decision.ErrInvalidActorID,
		decision.ErrInvalidActorRole, decision.ErrInvalidDecisionID,
		approval.ErrInvalidOrgID, approval.ErrInvalidDecisionType,
		approval.ErrInvalidRole, approval.ErrInvalidPolicyID,
		approval.ErrInvalidConfidence, approval.ErrInvalidCostThreshold,
		approval.ErrInvalidApprovalWindow,
	}
	for _, v := range validation {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		sendErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// --- Health ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]bool{
		"database": s.quotaRepo.Ping(ctx) == nil,
	}

	status := "healthy"
	code := http.StatusOK
	for _, ok := range components {
		if !ok {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     status,
		"service":    "intellipm-governance",
		"timestamp":  time.Now().UTC(),
		"components": components,
	})
}

// --- Quota enforcement ---

func (s *Server) quotaCheckHandler(w http.ResponseWriter, r *http.Request) {
	var req quota.CheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	verdict, err := s.enforcer.CheckAndReserve(r.Context(), req)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	code := http.StatusOK
	if verdict.Kind == quota.VerdictBlocked {
		code = http.StatusTooManyRequests
	}
	sendJSONResponse(w, verdict, code)
}

type finalizeRequest struct {
	ReservationID string  `json:"reservation_id"`
	ActualTokens  int64   `json:"actual_tokens"`
	ActualCost    float64 `json:"actual_cost"`
}

func (s *Server) quotaFinalizeHandler(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.enforcer.Finalize(r.Context(), req.ReservationID, req.ActualTokens, req.ActualCost); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, map[string]string{"reservation_id": req.ReservationID}, http.StatusOK)
}

func (s *Server) quotaUsageHandler(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	userID := r.URL.Query().Get("user_id")

	counter, limits, err := s.enforcer.Usage(r.Context(), orgID, userID)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	sendJSONResponse(w, map[string]interface{}{
		"usage":  counter,
		"limits": limits,
	}, http.StatusOK)
}

// --- Tier template administration ---

func (s *Server) createTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var tpl quota.TierTemplate
	if !decodeJSON(w, r, &tpl) {
		return
	}
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	if err := tpl.Validate(); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	if err := s.quotaRepo.CreateTemplate(r.Context(), &tpl); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, tpl, http.StatusCreated)
}

func (s *Server) listTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	templates, err := s.quotaRepo.ListTemplates(r.Context())
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, templates, http.StatusOK)
}

func (s *Server) getTemplateHandler(w http.ResponseWriter, r *http.Request) {
	tierName := mux.Vars(r)["tier_name"]
	tpl, err := s.quotaRepo.GetTemplate(r.Context(), tierName)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, tpl, http.StatusOK)
}

func (s *Server) updateTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var tpl quota.TierTemplate
	if !decodeJSON(w, r, &tpl) {
		return
	}
	tpl.ID = mux.Vars(r)["id"]
	tpl.UpdatedAt = time.Now().UTC()

	if err := tpl.Validate(); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	if err := s.quotaRepo.UpdateTemplate(r.Context(), &tpl); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, tpl, http.StatusOK)
}

func (s *Server) deleteTemplateHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.quotaRepo.DeleteTemplate(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, nil, http.StatusOK)
}

// --- Organization quota administration ---

func (s *Server) createOrgQuotaHandler(w http.ResponseWriter, r *http.Request) {
	var q quota.OrgQuota
	if !decodeJSON(w, r, &q) {
		return
	}
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	q.Active = true
	now := time.Now().UTC()
	q.CreatedAt = now
	q.UpdatedAt = now

	if err := q.Validate(); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	if err := s.quotaRepo.CreateOrgQuota(r.Context(), &q); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, q, http.StatusCreated)
}

func (s *Server) getOrgQuotaHandler(w http.ResponseWriter, r *http.Request) {
	q, err := s.quotaRepo.GetActiveOrgQuota(r.Context(), mux.Vars(r)["org_id"])
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, q, http.StatusOK)
}

func (s *Server) updateOrgQuotaHandler(w http.ResponseWriter, r *http.Request) {
	var q quota.OrgQuota
	if !decodeJSON(w, r, &q) {
		return
	}
	q.ID = mux.Vars(r)["id"]
	q.UpdatedAt = time.Now().UTC()

	if err := q.Validate(); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	if err := s.quotaRepo.UpdateOrgQuota(r.Context(), &q); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, q, http.StatusOK)
}

func (s *Server) deactivateOrgQuotaHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.quotaRepo.DeactivateOrgQuota(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, nil, http.StatusOK)
}

// --- User override administration ---

func (s *Server) createOverrideHandler(w http.ResponseWriter, r *http.Request) {
	var o quota.UserOverride
	if !decodeJSON(w, r, &o) {
		return
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	if err := o.Validate(); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	if err := s.quotaRepo.CreateOverride(r.Context(), &o); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, o, http.StatusCreated)
}

func (s *Server) deleteOverrideHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.quotaRepo.DeleteOverride(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, nil, http.StatusOK)
}

// --- Decisions ---

func (s *Server) createDecisionHandler(w http.ResponseWriter, r *http.Request) {
	var req decision.CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rec, err := s.lifecycle.Create(r.Context(), req)
	if err != nil && !errors.Is(err, decision.ErrExecutionTriggerFailed) {
		s.sendEngineError(w, r, err)
		return
	}

	s.metrics.DecisionTransitions.WithLabelValues(string(rec.Status)).Inc()

	// A failed execution trigger still created the decision; the caller
	// gets the approved record plus the failure.
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Data: rec, Error: err.Error()})
		return
	}
	sendJSONResponse(w, rec, http.StatusCreated)
}

func (s *Server) getDecisionHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lifecycle.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, rec, http.StatusOK)
}

func (s *Server) listDecisionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := decision.ListOptions{
		OrgID:        q.Get("org_id"),
		Status:       decision.Status(q.Get("status")),
		DecisionType: approval.DecisionType(q.Get("type")),
	}
	if v := q.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		opts.Offset, _ = strconv.Atoi(v)
	}

	records, total, err := s.lifecycle.List(r.Context(), opts)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, map[string]interface{}{
		"decisions": records,
		"total":     total,
	}, http.StatusOK)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) approveDecisionHandler(w http.ResponseWriter, r *http.Request) {
	s.resolveDecision(w, r, s.lifecycle.Approve)
}

func (s *Server) rejectDecisionHandler(w http.ResponseWriter, r *http.Request) {
	s.resolveDecision(w, r, s.lifecycle.Reject)
}

func (s *Server) resolveDecision(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string, actor decision.Actor, notes string) (*decision.Record, error)) {
	actor := actorFrom(r.Context())
	if actor == nil {
		sendErrorResponse(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req resolveRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	rec, err := action(r.Context(), mux.Vars(r)["id"], *actor, req.Notes)
	if err != nil && !errors.Is(err, decision.ErrExecutionTriggerFailed) {
		s.sendEngineError(w, r, err)
		return
	}

	s.metrics.DecisionTransitions.WithLabelValues(string(rec.Status)).Inc()

	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Data: rec, Error: err.Error()})
		return
	}
	sendJSONResponse(w, rec, http.StatusOK)
}

func (s *Server) retryDecisionHandler(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor == nil {
		sendErrorResponse(w, "authentication required", http.StatusUnauthorized)
		return
	}

	rec, err := s.lifecycle.RetryExecution(r.Context(), mux.Vars(r)["id"], *actor)
	if err != nil && !errors.Is(err, decision.ErrExecutionTriggerFailed) {
		s.sendEngineError(w, r, err)
		return
	}
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Data: rec, Error: err.Error()})
		return
	}
	sendJSONResponse(w, rec, http.StatusOK)
}

// --- Approval policy administration ---

type createPolicyRequest struct {
	OrgID        string `json:"org_id"`
	DecisionType string `json:"decision_type"`
	RequiredRole string `json:"required_role"`
	Blocking     bool   `json:"blocking"`
}

func (s *Server) createPolicyHandler(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	policy, err := s.policies.CreatePolicy(r.Context(), req.OrgID,
		approval.DecisionType(req.DecisionType), approval.Role(req.RequiredRole), req.Blocking)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, policy, http.StatusCreated)
}

func (s *Server) listPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	policies, err := s.policies.ListPolicies(r.Context(), r.URL.Query().Get("org_id"))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, policies, http.StatusOK)
}

func (s *Server) updatePolicyHandler(w http.ResponseWriter, r *http.Request) {
	var p approval.Policy
	if !decodeJSON(w, r, &p) {
		return
	}
	p.ID = mux.Vars(r)["id"]

	if err := s.policies.UpdatePolicy(r.Context(), &p); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, p, http.StatusOK)
}

func (s *Server) deactivatePolicyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.DeactivatePolicy(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, nil, http.StatusOK)
}

type orgSettingsRequest struct {
	ConfidenceThreshold   float64 `json:"confidence_threshold"`
	CostThreshold         float64 `json:"cost_threshold"`
	ApprovalWindowSeconds int64   `json:"approval_window_seconds"`
}

func (s *Server) getOrgSettingsHandler(w http.ResponseWriter, r *http.Request) {
	settings, err := s.approvalResolver.Settings(r.Context(), mux.Vars(r)["org_id"])
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, settings, http.StatusOK)
}

func (s *Server) putOrgSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req orgSettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	settings := &approval.OrgSettings{
		OrgID:               mux.Vars(r)["org_id"],
		ConfidenceThreshold: req.ConfidenceThreshold,
		CostThreshold:       req.CostThreshold,
		ApprovalWindow:      time.Duration(req.ApprovalWindowSeconds) * time.Second,
		UpdatedAt:           time.Now().UTC(),
	}
	if err := s.policies.SaveOrgSettings(r.Context(), settings); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, settings, http.StatusOK)
}

// --- Audit ---

func (s *Server) auditQueryHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := audit.QueryOptions{
		OrgID:      q.Get("org_id"),
		Category:   audit.Category(q.Get("category")),
		DecisionID: q.Get("decision_id"),
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Until = t
		}
	}
	if v := q.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}

	entries, err := s.auditLog.Query(r.Context(), opts)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	sendJSONResponse(w, entries, http.StatusOK)
}
