package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/promptgate/promptgate/internal/models"
)

func (s *Store) CreatePolicy(ctx context.Context, policy *models.Policy) error {
	query := `
		INSERT INTO policies (id, org_id, tool, action, block_reason, custom_rules, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if policy.ID == uuid.Nil {
		policy.ID = uuid.New()
	}
	now := time.Now()
	policy.CreatedAt = now
	policy.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		policy.ID, policy.OrgID, policy.Tool, policy.Action, policy.BlockReason,
		policy.CustomRules, policy.Enabled, policy.CreatedAt, policy.UpdatedAt,
	)
	return err
}

func (s *Store) GetPolicy(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	var policy models.Policy
	query := `SELECT * FROM policies WHERE id = $1`
	err := s.db.GetContext(ctx, &policy, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &policy, err
}

func (s *Store) ListPolicies(ctx context.Context, orgID uuid.UUID) ([]models.Policy, error) {
	var policies []models.Policy
	query := `SELECT * FROM policies WHERE org_id = $1 ORDER BY created_at DESC`
	err := s.db.SelectContext(ctx, &policies, query, orgID)
	return policies, err
}

func (s *Store) UpdatePolicy(ctx context.Context, policy *models.Policy) error {
	policy.UpdatedAt = time.Now()
	query := `
		UPDATE policies
		SET tool = $2, action = $3, block_reason = $4, custom_rules = $5, enabled = $6, updated_at = $7
		WHERE id = $1 AND org_id = $8
	`
	_, err := s.db.ExecContext(ctx, query,
		policy.ID, policy.Tool, policy.Action, policy.BlockReason,
		policy.CustomRules, policy.Enabled, policy.UpdatedAt, policy.OrgID,
	)
	return err
}

func (s *Store) DeletePolicy(ctx context.Context, orgID, id uuid.UUID) error {
	query := `DELETE FROM policies WHERE id = $1 AND org_id = $2`
	_, err := s.db.ExecContext(ctx, query, id, orgID)
	return err
}
