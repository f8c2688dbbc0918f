package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

// Decision is the outcome of running one usage event through the pipeline.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionFlagged Decision = "flagged"
	DecisionReview  Decision = "review"
	DecisionBlocked Decision = "blocked"
)

// PolicyAction is the organization-configured action for a tool.
type PolicyAction string

const (
	ActionAllow  PolicyAction = "allow"
	ActionBlock  PolicyAction = "block"
	ActionReview PolicyAction = "review"
)

func (a PolicyAction) Valid() bool {
	switch a {
	case ActionAllow, ActionBlock, ActionReview:
		return true
	}
	return false
}

type IncidentSeverity string

const (
	SeverityCritical IncidentSeverity = "CRITICAL"
	SeverityHigh     IncidentSeverity = "HIGH"
	SeverityMedium   IncidentSeverity = "MEDIUM"
	SeverityLow      IncidentSeverity = "LOW"
)

type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusResolved      IncidentStatus = "resolved"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Organization is the tenant-isolation unit. Every credential, policy and
// audit event belongs to exactly one organization.
type Organization struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Tier      string    `json:"tier" db:"tier"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Credential is an opaque secret issued to the browser extension. Only the
// SHA-256 digest of the secret and a short display prefix are ever stored.
type Credential struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	OrgID      uuid.UUID  `json:"org_id" db:"org_id"`
	SecretHash string     `json:"-" db:"secret_hash"`
	Prefix     string     `json:"prefix" db:"prefix"`
	Name       string     `json:"name" db:"name"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// Revoked reports whether the credential has been revoked. A credential is
// valid iff it has no revocation time.
func (c *Credential) Revoked() bool {
	return c.RevokedAt != nil
}

// CustomRule is an organization-supplied detector definition carried on a
// policy. Stored as JSON; validated and compiled on read, never trusted.
type CustomRule struct {
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	Severity    int    `json:"severity"`
	Description string `json:"description,omitempty"`
}

// CustomRules is the JSONB column holding a policy's custom detectors.
type CustomRules []CustomRule

func (r CustomRules) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func (r *CustomRules) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, r)
}

// Policy is an organization-defined rule targeting a tool by name.
type Policy struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	OrgID       uuid.UUID    `json:"org_id" db:"org_id"`
	Tool        string       `json:"tool" db:"tool"`
	Action      PolicyAction `json:"action" db:"action"`
	BlockReason *string      `json:"block_reason,omitempty" db:"block_reason"`
	CustomRules CustomRules  `json:"custom_rules,omitempty" db:"custom_rules"`
	Enabled     bool         `json:"enabled" db:"enabled"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// AuditEvent is one observed tool-usage event and its decision. Rows are
// append-only: the core never updates or deletes them.
type AuditEvent struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	OrgID         uuid.UUID   `json:"org_id" db:"org_id"`
	Tool          string      `json:"tool" db:"tool"`
	Domain        string      `json:"domain" db:"domain"`
	URL           *string     `json:"url,omitempty" db:"url"`
	UserEmail     *string     `json:"user_email,omitempty" db:"user_email"`
	UserID        *string     `json:"user_id,omitempty" db:"user_id"`
	PromptText    *string     `json:"prompt_text,omitempty" db:"prompt_text"`
	Decision      Decision    `json:"decision" db:"decision"`
	RiskScore     int         `json:"risk_score" db:"risk_score"`
	Violations    StringArray `json:"violations" db:"violations"`
	Metadata      JSONB       `json:"metadata,omitempty" db:"metadata"`
	IntegrityHash string      `json:"integrity_hash" db:"integrity_hash"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
}

// Incident references exactly one audit event and carries a resolution
// workflow. Opened by the integrity sweep or by an operator.
type Incident struct {
	ID         uuid.UUID        `json:"id" db:"id"`
	OrgID      uuid.UUID        `json:"org_id" db:"org_id"`
	EventID    uuid.UUID        `json:"event_id" db:"event_id"`
	Severity   IncidentSeverity `json:"severity" db:"severity"`
	Status     IncidentStatus   `json:"status" db:"status"`
	Title      string           `json:"title" db:"title"`
	Details    string           `json:"details" db:"details"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ReportExport records one generated compliance artifact and the digest of
// its bytes, so a stored copy can later be checked for tampering.
type ReportExport struct {
	ID           uuid.UUID `json:"id" db:"id"`
	OrgID        uuid.UUID `json:"org_id" db:"org_id"`
	PeriodStart  time.Time `json:"period_start" db:"period_start"`
	PeriodEnd    time.Time `json:"period_end" db:"period_end"`
	EventCount   int       `json:"event_count" db:"event_count"`
	ArtifactHash string    `json:"artifact_hash" db:"artifact_hash"`
	GeneratedBy  string    `json:"generated_by" db:"generated_by"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
