package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/promptgate/promptgate/internal/auth"
	"github.com/promptgate/promptgate/internal/detect"
	"github.com/promptgate/promptgate/internal/integrity"
	"github.com/promptgate/promptgate/internal/models"
)

type fakeCredentials struct {
	orgID uuid.UUID
	err   error
}

func (f *fakeCredentials) Validate(_ context.Context, presented string) (uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	if presented == "" {
		return uuid.Nil, auth.ErrMissingCredential
	}
	return f.orgID, nil
}

type fakePolicies struct {
	policies []models.Policy
	err      error
}

func (f *fakePolicies) GetPolicies(_ context.Context, _ uuid.UUID) ([]models.Policy, error) {
	return f.policies, f.err
}

// spyScorer counts invocations so tests can prove the block path never
// consults the scoring engine.
type spyScorer struct {
	mu     sync.Mutex
	calls  int
	engine *detect.Engine
}

func (s *spyScorer) Score(text string, custom []detect.Detector) (int, []detect.Violation) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.engine.Score(text, custom)
}

func (s *spyScorer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeAudit struct {
	mu     sync.Mutex
	events []*models.AuditEvent
	err    error
}

func (f *fakeAudit) InsertAuditEvent(_ context.Context, event *models.AuditEvent) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	return nil
}

func (f *fakeAudit) last(t *testing.T) *models.AuditEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		t.Fatal("expected an audit event to be persisted")
	}
	return f.events[len(f.events)-1]
}

func newTestService(orgID uuid.UUID, policies []models.Policy) (*Service, *spyScorer, *fakeAudit) {
	scorer := &spyScorer{engine: detect.NewEngine()}
	audit := &fakeAudit{}
	svc := NewService(
		&fakeCredentials{orgID: orgID},
		&fakePolicies{policies: policies},
		scorer,
		audit,
		nil,
	)
	return svc, scorer, audit
}

func blockPolicy(orgID uuid.UUID, tool, reason string) models.Policy {
	p := models.Policy{
		ID:      uuid.New(),
		OrgID:   orgID,
		Tool:    tool,
		Action:  models.ActionBlock,
		Enabled: true,
	}
	if reason != "" {
		p.BlockReason = &reason
	}
	return p
}

func TestProcess_BlockPrecedence(t *testing.T) {
	orgID := uuid.New()
	svc, scorer, audit := newTestService(orgID, []models.Policy{
		blockPolicy(orgID, "chatgpt", "ChatGPT is not approved"),
	})

	// Even harmless text never reaches the scorer when a block policy
	// applies.
	_, err := svc.Process(context.Background(), "pg_secret", Event{
		Tool:       "chatgpt",
		Domain:     "chat.openai.com",
		PromptText: "what is the weather today",
	})

	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if blocked.Reason != "ChatGPT is not approved" {
		t.Errorf("unexpected reason: %s", blocked.Reason)
	}
	if blocked.Result == nil || blocked.Result.Allowed || blocked.Result.Action != models.DecisionBlocked {
		t.Errorf("unexpected result: %+v", blocked.Result)
	}
	if blocked.Result.RiskScore != 100 {
		t.Errorf("expected risk score 100, got %d", blocked.Result.RiskScore)
	}

	if scorer.callCount() != 0 {
		t.Errorf("scoring engine must not run on the block path, ran %d times", scorer.callCount())
	}

	event := audit.last(t)
	if event.Decision != models.DecisionBlocked || event.RiskScore != 100 {
		t.Errorf("unexpected audit event: %+v", event)
	}
	if len(event.Violations) != 1 || event.Violations[0] != "ChatGPT is not approved" {
		t.Errorf("unexpected violations: %v", event.Violations)
	}
}

func TestProcess_BlockDefaultReason(t *testing.T) {
	orgID := uuid.New()
	svc, _, _ := newTestService(orgID, []models.Policy{
		blockPolicy(orgID, "gemini", ""),
	})

	_, err := svc.Process(context.Background(), "pg_secret", Event{Tool: "gemini", Domain: "gemini.google.com"})

	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if blocked.Reason != defaultBlockReason {
		t.Errorf("expected default reason, got %q", blocked.Reason)
	}
}

func TestProcess_ThresholdBoundaries(t *testing.T) {
	tests := []struct {
		severity int
		want     models.Decision
	}{
		{29, models.DecisionAllowed},
		{30, models.DecisionReview},
		{69, models.DecisionReview},
		{70, models.DecisionFlagged},
	}

	for _, tt := range tests {
		orgID := uuid.New()
		policy := models.Policy{
			ID:      uuid.New(),
			OrgID:   orgID,
			Tool:    "chatgpt",
			Action:  models.ActionAllow,
			Enabled: true,
			CustomRules: models.CustomRules{
				{Name: "MARKER", Pattern: `xyzzy`, Severity: tt.severity},
			},
		}
		svc, _, _ := newTestService(orgID, []models.Policy{policy})

		result, err := svc.Process(context.Background(), "pg_secret", Event{
			Tool:       "chatgpt",
			Domain:     "chat.openai.com",
			PromptText: "xyzzy",
		})
		if err != nil {
			t.Fatalf("severity %d: unexpected error %v", tt.severity, err)
		}
		if result.RiskScore != tt.severity {
			t.Errorf("severity %d: expected score %d, got %d", tt.severity, tt.severity, result.RiskScore)
		}
		if result.Action != tt.want {
			t.Errorf("score %d: expected decision %s, got %s", tt.severity, tt.want, result.Action)
		}
		if !result.Allowed {
			t.Errorf("score %d: review/flagged must remain allowed at the transport layer", tt.severity)
		}
	}
}

func TestProcess_NoTextSkipsScoring(t *testing.T) {
	orgID := uuid.New()
	svc, scorer, audit := newTestService(orgID, nil)

	result, err := svc.Process(context.Background(), "pg_secret", Event{
		Tool:   "copilot",
		Domain: "github.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Action != models.DecisionAllowed || result.RiskScore != 0 {
		t.Errorf("expected allowed with score 0, got %+v", result)
	}
	if scorer.callCount() != 0 {
		t.Errorf("scorer must not run without prompt text")
	}
	if event := audit.last(t); event.PromptText != nil {
		t.Errorf("expected nil prompt text, got %v", *event.PromptText)
	}
}

func TestProcess_TenantIsolation(t *testing.T) {
	orgID := uuid.New()
	svc, _, audit := newTestService(orgID, nil)

	if _, err := svc.Process(context.Background(), "pg_secret", Event{Tool: "chatgpt", Domain: "chat.openai.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if event := audit.last(t); event.OrgID != orgID {
		t.Errorf("audit event org %s does not match credential org %s", event.OrgID, orgID)
	}
}

func TestProcess_DigestMatchesStoredFields(t *testing.T) {
	orgID := uuid.New()
	svc, _, audit := newTestService(orgID, nil)

	if _, err := svc.Process(context.Background(), "pg_secret", Event{
		Tool:   "chatgpt",
		Domain: "chat.openai.com",
		UserID: "user-9",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := audit.last(t)
	recomputed := integrity.AuditDigest(
		event.OrgID, event.UserID, event.Tool, event.Domain, string(event.Decision), event.CreatedAt,
	)
	if recomputed != event.IntegrityHash {
		t.Errorf("recomputed digest %s does not match stored %s", recomputed, event.IntegrityHash)
	}
}

func TestProcess_MissingFields(t *testing.T) {
	svc, _, audit := newTestService(uuid.New(), nil)

	_, err := svc.Process(context.Background(), "pg_secret", Event{})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Missing) != 2 {
		t.Errorf("expected both tool and domain reported, got %v", verr.Missing)
	}

	audit.mu.Lock()
	persisted := len(audit.events)
	audit.mu.Unlock()
	if persisted != 0 {
		t.Error("bad requests must not persist audit events")
	}
}

func TestProcess_AuthFailure(t *testing.T) {
	scorer := &spyScorer{engine: detect.NewEngine()}
	audit := &fakeAudit{}
	svc := NewService(&fakeCredentials{err: auth.ErrInvalidCredential}, &fakePolicies{}, scorer, audit, nil)

	_, err := svc.Process(context.Background(), "pg_bogus", Event{Tool: "chatgpt", Domain: "chat.openai.com"})
	if !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("expected credential error, got %v", err)
	}
	if scorer.callCount() != 0 {
		t.Error("unauthenticated requests must be rejected before scoring")
	}
}

func TestProcess_PolicyLoadFailure(t *testing.T) {
	scorer := &spyScorer{engine: detect.NewEngine()}
	audit := &fakeAudit{}
	svc := NewService(
		&fakeCredentials{orgID: uuid.New()},
		&fakePolicies{err: errors.New("store down")},
		scorer, audit, nil,
	)

	if _, err := svc.Process(context.Background(), "pg_secret", Event{Tool: "chatgpt", Domain: "chat.openai.com"}); err == nil {
		t.Fatal("expected error when policy load fails")
	}

	audit.mu.Lock()
	persisted := len(audit.events)
	audit.mu.Unlock()
	if persisted != 0 {
		t.Error("no audit event may be persisted when the pipeline fails")
	}
}

func TestProcess_MalformedCustomRuleIgnored(t *testing.T) {
	orgID := uuid.New()
	policy := models.Policy{
		ID:      uuid.New(),
		OrgID:   orgID,
		Tool:    "chatgpt",
		Action:  models.ActionAllow,
		Enabled: true,
		CustomRules: models.CustomRules{
			{Name: "BROKEN", Pattern: `(unclosed`, Severity: 90},
			{Name: "PROJECT", Pattern: `PRJ-\d{4}`, Severity: 45},
		},
	}
	svc, _, _ := newTestService(orgID, []models.Policy{policy})

	result, err := svc.Process(context.Background(), "pg_secret", Event{
		Tool:       "chatgpt",
		Domain:     "chat.openai.com",
		PromptText: "see PRJ-7788 for details",
	})
	if err != nil {
		t.Fatalf("malformed rule must not fail the request: %v", err)
	}
	if result.RiskScore != 45 {
		t.Errorf("expected valid rule to contribute 45, got %d", result.RiskScore)
	}
	if result.Action != models.DecisionReview {
		t.Errorf("expected review, got %s", result.Action)
	}
}

func TestProcess_DisabledPolicyIgnored(t *testing.T) {
	orgID := uuid.New()
	p := blockPolicy(orgID, "chatgpt", "off")
	p.Enabled = false
	svc, _, _ := newTestService(orgID, []models.Policy{p})

	result, err := svc.Process(context.Background(), "pg_secret", Event{Tool: "chatgpt", Domain: "chat.openai.com"})
	if err != nil {
		t.Fatalf("disabled block policy must not apply: %v", err)
	}
	if result.Action != models.DecisionAllowed {
		t.Errorf("expected allowed, got %s", result.Action)
	}
}
