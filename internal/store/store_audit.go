package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/promptgate/promptgate/internal/models"
)

// InsertAuditEvent appends one audit record. Records are never updated or
// deleted here; the single INSERT is the pipeline's only persistence step.
func (s *Store) InsertAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO audit_events (
			id, org_id, tool, domain, url, user_email, user_id, prompt_text,
			decision, risk_score, violations, metadata, integrity_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.OrgID, event.Tool, event.Domain, event.URL,
		event.UserEmail, event.UserID, event.PromptText,
		event.Decision, event.RiskScore, event.Violations, event.Metadata,
		event.IntegrityHash, event.CreatedAt,
	)
	return err
}

func (s *Store) GetAuditEvent(ctx context.Context, orgID, id uuid.UUID) (*models.AuditEvent, error) {
	var event models.AuditEvent
	query := `SELECT * FROM audit_events WHERE id = $1 AND org_id = $2`
	err := s.db.GetContext(ctx, &event, query, id, orgID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &event, err
}

type ListEventFilters struct {
	Tool     *string
	Decision *models.Decision
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

func (s *Store) ListAuditEvents(ctx context.Context, orgID uuid.UUID, filters ListEventFilters) ([]models.AuditEvent, int, error) {
	baseQuery := `FROM audit_events WHERE org_id = $1`
	args := []interface{}{orgID}
	argIdx := 2

	if filters.Tool != nil {
		baseQuery += fmt.Sprintf(" AND tool = $%d", argIdx)
		args = append(args, *filters.Tool)
		argIdx++
	}
	if filters.Decision != nil {
		baseQuery += fmt.Sprintf(" AND decision = $%d", argIdx)
		args = append(args, *filters.Decision)
		argIdx++
	}
	if filters.Since != nil {
		baseQuery += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filters.Since)
		argIdx++
	}
	if filters.Until != nil {
		baseQuery += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *filters.Until)
		argIdx++
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT * " + baseQuery + " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var events []models.AuditEvent
	if err := s.db.SelectContext(ctx, &events, selectQuery, args...); err != nil {
		return nil, 0, err
	}

	return events, total, nil
}

// ListAuditEventsSince pages through recent events for the integrity sweep.
func (s *Store) ListAuditEventsSince(ctx context.Context, since time.Time, limit, offset int) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	query := `
		SELECT * FROM audit_events
		WHERE created_at >= $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`
	err := s.db.SelectContext(ctx, &events, query, since, limit, offset)
	return events, err
}

// ListNotableEvents returns the period's non-allowed events, most recent
// first, for inclusion in compliance reports.
func (s *Store) ListNotableEvents(ctx context.Context, orgID uuid.UUID, since, until time.Time, limit int) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	query := `
		SELECT * FROM audit_events
		WHERE org_id = $1 AND created_at >= $2 AND created_at < $3 AND decision != 'allowed'
		ORDER BY created_at DESC
		LIMIT $4
	`
	err := s.db.SelectContext(ctx, &events, query, orgID, since, until, limit)
	return events, err
}

type DecisionCounts struct {
	Allowed int `db:"allowed"`
	Flagged int `db:"flagged"`
	Review  int `db:"review"`
	Blocked int `db:"blocked"`
}

func (s *Store) GetDecisionCounts(ctx context.Context, orgID uuid.UUID, since, until time.Time) (*DecisionCounts, error) {
	counts := &DecisionCounts{}
	query := `
		SELECT
			COUNT(*) FILTER (WHERE decision = 'allowed') AS allowed,
			COUNT(*) FILTER (WHERE decision = 'flagged') AS flagged,
			COUNT(*) FILTER (WHERE decision = 'review') AS review,
			COUNT(*) FILTER (WHERE decision = 'blocked') AS blocked
		FROM audit_events
		WHERE org_id = $1 AND created_at >= $2 AND created_at < $3
	`
	err := s.db.GetContext(ctx, counts, query, orgID, since, until)
	if err != nil {
		return nil, fmt.Errorf("getting decision counts: %w", err)
	}
	return counts, nil
}

func (s *Store) CreateIncident(ctx context.Context, incident *models.Incident) error {
	query := `
		INSERT INTO incidents (id, org_id, event_id, severity, status, title, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if incident.ID == uuid.Nil {
		incident.ID = uuid.New()
	}
	if incident.Status == "" {
		incident.Status = models.IncidentStatusOpen
	}
	incident.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, query,
		incident.ID, incident.OrgID, incident.EventID, incident.Severity,
		incident.Status, incident.Title, incident.Details, incident.CreatedAt,
	)
	return err
}

func (s *Store) GetIncidentByEvent(ctx context.Context, eventID uuid.UUID) (*models.Incident, error) {
	var incident models.Incident
	query := `SELECT * FROM incidents WHERE event_id = $1`
	err := s.db.GetContext(ctx, &incident, query, eventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &incident, err
}

func (s *Store) ListIncidents(ctx context.Context, orgID uuid.UUID, status *models.IncidentStatus) ([]models.Incident, error) {
	query := `SELECT * FROM incidents WHERE org_id = $1`
	args := []interface{}{orgID}

	if status != nil {
		query += " AND status = $2"
		args = append(args, *status)
	}
	query += " ORDER BY created_at DESC"

	var incidents []models.Incident
	err := s.db.SelectContext(ctx, &incidents, query, args...)
	return incidents, err
}

func (s *Store) UpdateIncidentStatus(ctx context.Context, orgID, id uuid.UUID, status models.IncidentStatus) error {
	query := `UPDATE incidents SET status = $1`
	args := []interface{}{status}

	if status == models.IncidentStatusResolved {
		query += ", resolved_at = $2 WHERE id = $3 AND org_id = $4"
		args = append(args, time.Now(), id, orgID)
	} else {
		query += " WHERE id = $2 AND org_id = $3"
		args = append(args, id, orgID)
	}

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) CreateReportExport(ctx context.Context, export *models.ReportExport) error {
	query := `
		INSERT INTO report_exports (id, org_id, period_start, period_end, event_count, artifact_hash, generated_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if export.ID == uuid.Nil {
		export.ID = uuid.New()
	}
	export.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, query,
		export.ID, export.OrgID, export.PeriodStart, export.PeriodEnd,
		export.EventCount, export.ArtifactHash, export.GeneratedBy, export.CreatedAt,
	)
	return err
}

func (s *Store) ListReportExports(ctx context.Context, orgID uuid.UUID) ([]models.ReportExport, error) {
	var exports []models.ReportExport
	query := `SELECT * FROM report_exports WHERE org_id = $1 ORDER BY created_at DESC`
	err := s.db.SelectContext(ctx, &exports, query, orgID)
	return exports, err
}
