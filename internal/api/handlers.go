package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/promptgate/promptgate/internal/auth"
	"github.com/promptgate/promptgate/internal/ingest"
	"github.com/promptgate/promptgate/internal/integrity"
	"github.com/promptgate/promptgate/internal/models"
	"github.com/promptgate/promptgate/internal/store"
)

// The extension consumes ingest responses directly, so this endpoint speaks
// a flat shape instead of the dashboard envelope.
func writeIngestJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeIngestError(w http.ResponseWriter, status int, message string) {
	writeIngestJSON(w, status, map[string]string{"error": message})
}

func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var evt ingest.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeIngestError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.pipeline.Process(r.Context(), r.Header.Get(auth.APIKeyHeader), evt)
	if err != nil {
		var blocked *ingest.BlockedError
		var validation *ingest.ValidationError

		switch {
		case errors.As(err, &blocked):
			writeIngestJSON(w, http.StatusForbidden, struct {
				*ingest.Result
				Error string `json:"error"`
			}{blocked.Result, blocked.Reason})
		case errors.As(err, &validation):
			writeIngestError(w, http.StatusBadRequest, validation.Error())
		case auth.IsAuthError(err):
			// Missing and invalid credentials share one body so callers
			// cannot probe which failure occurred.
			writeIngestError(w, http.StatusUnauthorized, "invalid credential")
		default:
			s.logger.Error("event ingestion failed", "error", err)
			writeIngestError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeIngestJSON(w, http.StatusOK, result)
}

// listPolicies serves both the extension (X-API-Key) and the dashboard
// (session token), reading through the policy cache.
func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	identity, err := s.resolver.Resolve(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing credentials")
		return
	}

	policies, err := s.policyCache.GetPolicies(r.Context(), identity.OrgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, policies)
}

type policyRequest struct {
	Tool        string              `json:"tool"`
	Action      models.PolicyAction `json:"action"`
	BlockReason *string             `json:"block_reason,omitempty"`
	CustomRules models.CustomRules  `json:"custom_rules,omitempty"`
	Enabled     *bool               `json:"enabled,omitempty"`
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.sessionOrg(w, r)
	if !ok {
		return
	}

	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Tool == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "tool is required")
		return
	}
	if !req.Action.Valid() {
		respondError(w, http.StatusBadRequest, "validation_error", "action must be allow, block or review")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	policy := &models.Policy{
		OrgID:       orgID,
		Tool:        req.Tool,
		Action:      req.Action,
		BlockReason: req.BlockReason,
		CustomRules: req.CustomRules,
		Enabled:     enabled,
	}

	if err := s.store.CreatePolicy(r.Context(), policy); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	// Invalidate before acknowledging so a decision made after this write
	// never sees the old policy set past the cache TTL. A failed delete
	// leaves a live stale entry, so it fails the request.
	if err := s.policyCache.Invalidate(r.Context(), orgID); err != nil {
		respondError(w, http.StatusInternalServerError, "cache_error", "Policy saved but the cache could not be invalidated; retry the write")
		return
	}

	respondJSON(w, http.StatusCreated, policy)
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.sessionOrg(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "policyID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid policy ID")
		return
	}

	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Tool == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "tool is required")
		return
	}
	if !req.Action.Valid() {
		respondError(w, http.StatusBadRequest, "validation_error", "action must be allow, block or review")
		return
	}

	policy, err := s.store.GetPolicy(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if policy == nil || policy.OrgID != orgID {
		respondError(w, http.StatusNotFound, "not_found", "Policy not found")
		return
	}

	policy.Tool = req.Tool
	policy.Action = req.Action
	policy.BlockReason = req.BlockReason
	policy.CustomRules = req.CustomRules
	if req.Enabled != nil {
		policy.Enabled = *req.Enabled
	}

	if err := s.store.UpdatePolicy(r.Context(), policy); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	if err := s.policyCache.Invalidate(r.Context(), orgID); err != nil {
		respondError(w, http.StatusInternalServerError, "cache_error", "Policy saved but the cache could not be invalidated; retry the write")
		return
	}

	respondJSON(w, http.StatusOK, policy)
}

func (s *Server) deletePolicy(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.sessionOrg(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "policyID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid policy ID")
		return
	}

	if err := s.store.DeletePolicy(r.Context(), orgID, id); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	if err := s.policyCache.Invalidate(r.Context(), orgID); err != nil {
		respondError(w, http.StatusInternalServerError, "cache_error", "Policy deleted but the cache could not be invalidated; retry the write")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type issueCredentialRequest struct {
	Name string `json:"name"`
}

type issueCredentialResponse struct {
	Credential *models.Credential `json:"credential"`
	// Secret is returned exactly once; only its digest is stored.
	Secret string `json:"secret"`
}

func (s *Server) issueCredential(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.sessionOrg(w, r)
	if !ok {
		return
	}

	var req issueCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name is required")
		return
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to generate credential")
		return
	}

	cred := &models.Credential{
		OrgID:      orgID,
		SecretHash: integrity.CredentialDigest(secret),
		Prefix:     auth.Prefix(secret),
		Name:       req.Name,
	}

	if err := s.store.CreateCredential(r.Context(), cred); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, issueCredentialResponse{
		Credential: cred,
		Secret:     secret,
	})
}

func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.sessionOrg(w, r)
	if !ok {
		return
	}

	creds, err := s.store.ListCredentials(r.Context(), orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, creds)
}

func (s *Server) revokeCredential(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.sessionOrg(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "credentialID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid credential ID")
		return
	}

	cred, err := s.store.GetCredential(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if cred == nil || cred.OrgID != orgID {
		respondError(w, http.StatusNotFound, "not_found", "Credential not found")
		return
	}

	if err := s.store.RevokeCredential(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.sessionOrg(w, r)
	if !ok {
		return
	}

	filters := store.ListEventFilters{
		Limit:  50,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil && limit > 0 && limit <= 500 {
			filters.Limit = limit
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err := strconv.Atoi(o); err == nil && offset >= 0 {
			filters.Offset = offset
		}
	}
	if tool := r.URL.Query().Get("tool"); tool != "" {
		filters.Tool = &tool
	}
	if d := r.URL.Query().Get("decision"); d != "" {
		decision := models.Decision(d)
		filters.Decision = &decision
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filters.Since = &t
		}
	}
	if until := r.URL.Query().Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filters.Until = &t
		}
	}

	events, total, err := s.store.ListAuditEvents(r.Context(), orgID, filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, events, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.sessionOrg(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid event ID")
		return
	}

	event, err := s.store.GetAuditEvent(r.Context(), orgID, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if event == nil {
		respondError(w, http.StatusNotFound, "not_found", "Event not found")
		return
	}

	respondJSON(w, http.StatusOK, event)
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.sessionOrg(w, r)
	if !ok {
		return
	}

	var status *models.IncidentStatus
	if st := r.URL.Query().Get("status"); st != "" {
		incStatus := models.IncidentStatus(st)
		status = &incStatus
	}

	incidents, err := s.store.ListIncidents(r.Context(), orgID, status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, incidents)
}

type updateIncidentStatusRequest struct {
	Status models.IncidentStatus `json:"status"`
}

func (s *Server) updateIncidentStatus(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.sessionOrg(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "incidentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid incident ID")
		return
	}

	var req updateIncidentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	switch req.Status {
	case models.IncidentStatusOpen, models.IncidentStatusInvestigating, models.IncidentStatusResolved:
	default:
		respondError(w, http.StatusBadRequest, "validation_error", "status must be open, investigating or resolved")
		return
	}

	if err := s.store.UpdateIncidentStatus(r.Context(), orgID, id, req.Status); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}

type exportReportRequest struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

func (s *Server) exportReport(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}
	orgID, err := claims.OrgUUID()
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Invalid organization claim")
		return
	}

	var req exportReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() || !req.PeriodEnd.After(req.PeriodStart) {
		respondError(w, http.StatusBadRequest, "validation_error", "period_start must precede period_end")
		return
	}

	org, err := s.store.GetOrganization(r.Context(), orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if org == nil {
		respondError(w, http.StatusNotFound, "not_found", "Organization not found")
		return
	}

	artifact, err := s.reportGenerator.GenerateCompliancePDF(r.Context(), org.Name, orgID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		s.logger.Error("report generation failed", "org_id", orgID, "error", err)
		respondError(w, http.StatusInternalServerError, "report_error", "Failed to generate report")
		return
	}

	export := &models.ReportExport{
		OrgID:        orgID,
		PeriodStart:  req.PeriodStart,
		PeriodEnd:    req.PeriodEnd,
		EventCount:   artifact.EventCount,
		ArtifactHash: artifact.Digest,
		GeneratedBy:  claims.UserID,
	}
	if err := s.store.CreateReportExport(r.Context(), export); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="compliance-report.pdf"`)
	w.Header().Set("X-Artifact-Digest", artifact.Digest)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Bytes)
}

func (s *Server) listReportExports(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.sessionOrg(w, r)
	if !ok {
		return
	}

	exports, err := s.store.ListReportExports(r.Context(), orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, exports)
}

// sessionOrg extracts the caller's organization from the session claims.
// Writes the error response itself when the claims are unusable.
func (s *Server) sessionOrg(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return uuid.Nil, false
	}
	orgID, err := claims.OrgUUID()
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Invalid organization claim")
		return uuid.Nil, false
	}
	return orgID, true
}
