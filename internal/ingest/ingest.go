// Package ingest is the decision pipeline: it turns one raw tool-usage
// observation from the extension into a policy decision and an append-only,
// integrity-hashed audit record.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promptgate/promptgate/internal/detect"
	"github.com/promptgate/promptgate/internal/integrity"
	"github.com/promptgate/promptgate/internal/models"
)

// Risk thresholds. Scores at or above flagThreshold are flagged, scores in
// [reviewThreshold, flagThreshold) go to review, everything below is allowed.
const (
	flagThreshold   = 70
	reviewThreshold = 30
)

const defaultBlockReason = "Usage of this tool is blocked by organization policy"

// Event is one observation reported by the browser extension.
type Event struct {
	Domain     string       `json:"domain"`
	URL        string       `json:"url,omitempty"`
	Tool       string       `json:"tool"`
	UserEmail  string       `json:"userEmail,omitempty"`
	UserID     string       `json:"userId,omitempty"`
	PromptText string       `json:"promptText,omitempty"`
	Metadata   models.JSONB `json:"metadata,omitempty"`
}

// Result is returned to the extension. Review and flagged decisions are
// still allowed at the transport layer; only a blocking policy refuses.
type Result struct {
	Allowed    bool               `json:"allowed"`
	Action     models.Decision    `json:"action"`
	RiskScore  int                `json:"riskScore"`
	Violations []detect.Violation `json:"violations"`
	Message    string             `json:"message,omitempty"`
	EventID    uuid.UUID          `json:"eventId"`
}

// ValidationError lists the missing required fields of a bad request.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Missing, ", "))
}

// BlockedError carries the policy refusal after the audit record was
// written. The transport layer maps it to 403 with the reason.
type BlockedError struct {
	Reason string
	Result *Result
}

func (e *BlockedError) Error() string {
	return "blocked by policy: " + e.Reason
}

// CredentialChecker resolves a presented extension secret to an org.
type CredentialChecker interface {
	Validate(ctx context.Context, presented string) (uuid.UUID, error)
}

// PolicySource returns an org's enabled policies, usually via the cache.
type PolicySource interface {
	GetPolicies(ctx context.Context, orgID uuid.UUID) ([]models.Policy, error)
}

// Scorer runs the risk scoring engine. An interface so tests can verify it
// is never invoked on the block path.
type Scorer interface {
	Score(text string, custom []detect.Detector) (int, []detect.Violation)
}

// AuditWriter persists the final record. Insert-only.
type AuditWriter interface {
	InsertAuditEvent(ctx context.Context, event *models.AuditEvent) error
}

type Service struct {
	credentials CredentialChecker
	policies    PolicySource
	scorer      Scorer
	audit       AuditWriter
	logger      *slog.Logger
}

func NewService(credentials CredentialChecker, policies PolicySource, scorer Scorer, audit AuditWriter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		credentials: credentials,
		policies:    policies,
		scorer:      scorer,
		audit:       audit,
		logger:      logger,
	}
}

// Process runs the full state machine for one incoming event. The
// credential check runs first so unauthenticated requests are rejected
// before any policy or scoring work.
func (s *Service) Process(ctx context.Context, presentedSecret string, evt Event) (*Result, error) {
	orgID, err := s.credentials.Validate(ctx, presentedSecret)
	if err != nil {
		return nil, err
	}

	var missing []string
	if strings.TrimSpace(evt.Tool) == "" {
		missing = append(missing, "tool")
	}
	if strings.TrimSpace(evt.Domain) == "" {
		missing = append(missing, "domain")
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}

	policies, err := s.policies.GetPolicies(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("loading policies: %w", err)
	}

	matching := matchingPolicies(policies, evt.Tool)

	// A block policy always wins; the scoring engine is never consulted.
	for _, p := range matching {
		if p.Action == models.ActionBlock {
			reason := defaultBlockReason
			if p.BlockReason != nil && *p.BlockReason != "" {
				reason = *p.BlockReason
			}

			result := &Result{
				Allowed:   false,
				Action:    models.DecisionBlocked,
				RiskScore: 100,
				Message:   reason,
			}
			event, err := s.persist(ctx, orgID, evt, models.DecisionBlocked, 100, []string{reason})
			if err != nil {
				return nil, err
			}
			result.EventID = event.ID

			return nil, &BlockedError{Reason: reason, Result: result}
		}
	}

	score := 0
	var violations []detect.Violation
	if evt.PromptText != "" {
		score, violations = s.scorer.Score(evt.PromptText, customDetectors(matching))
	}

	decision := classify(score)

	reasons := make([]string, len(violations))
	for i, v := range violations {
		reasons[i] = v.Detector + ": " + v.Message
	}

	event, err := s.persist(ctx, orgID, evt, decision, score, reasons)
	if err != nil {
		return nil, err
	}

	return &Result{
		Allowed:    true,
		Action:     decision,
		RiskScore:  score,
		Violations: violations,
		Message:    message(decision),
		EventID:    event.ID,
	}, nil
}

// matchingPolicies filters to enabled policies targeting the tool.
func matchingPolicies(policies []models.Policy, tool string) []models.Policy {
	var matching []models.Policy
	for _, p := range policies {
		if p.Enabled && strings.EqualFold(p.Tool, tool) {
			matching = append(matching, p)
		}
	}
	return matching
}

// customDetectors compiles the custom rules of every matching policy,
// dropping malformed ones.
func customDetectors(policies []models.Policy) []detect.Detector {
	var rules []models.CustomRule
	for _, p := range policies {
		rules = append(rules, p.CustomRules...)
	}
	return detect.CompileCustomRules(rules)
}

func classify(score int) models.Decision {
	switch {
	case score >= flagThreshold:
		return models.DecisionFlagged
	case score >= reviewThreshold:
		return models.DecisionReview
	default:
		return models.DecisionAllowed
	}
}

func message(decision models.Decision) string {
	switch decision {
	case models.DecisionFlagged:
		return "Submission flagged for sensitive data"
	case models.DecisionReview:
		return "Submission queued for review"
	default:
		return ""
	}
}

// persist is the pipeline's single write: it computes the integrity digest
// over the decision-relevant fields and inserts the full record atomically.
func (s *Service) persist(ctx context.Context, orgID uuid.UUID, evt Event, decision models.Decision, score int, reasons []string) (*models.AuditEvent, error) {
	// Truncated to the resolution of timestamptz so the stored row
	// reproduces the digest.
	now := time.Now().UTC().Truncate(time.Microsecond)

	var userID *string
	if evt.UserID != "" {
		userID = &evt.UserID
	}

	event := &models.AuditEvent{
		ID:            uuid.New(),
		OrgID:         orgID,
		Tool:          evt.Tool,
		Domain:        evt.Domain,
		URL:           optional(evt.URL),
		UserEmail:     optional(evt.UserEmail),
		UserID:        userID,
		PromptText:    optional(evt.PromptText),
		Decision:      decision,
		RiskScore:     score,
		Violations:    models.StringArray(reasons),
		Metadata:      evt.Metadata,
		IntegrityHash: integrity.AuditDigest(orgID, userID, evt.Tool, evt.Domain, string(decision), now),
		CreatedAt:     now,
	}

	if err := s.audit.InsertAuditEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("persisting audit event: %w", err)
	}
	eventsTotal.WithLabelValues(string(decision)).Inc()
	return event, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
