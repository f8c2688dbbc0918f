package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/promptgate/promptgate/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests with sqlmock.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) CreateOrganization(ctx context.Context, org *models.Organization) error {
	query := `
		INSERT INTO organizations (id, name, tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	now := time.Now()
	org.CreatedAt = now
	org.UpdatedAt = now
	if org.Tier == "" {
		org.Tier = "standard"
	}

	_, err := s.db.ExecContext(ctx, query, org.ID, org.Name, org.Tier, org.CreatedAt, org.UpdatedAt)
	return err
}

func (s *Store) GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	query := `SELECT * FROM organizations WHERE id = $1`
	err := s.db.GetContext(ctx, &org, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &org, err
}

func (s *Store) CreateCredential(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO credentials (id, org_id, secret_hash, prefix, name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if cred.ID == uuid.Nil {
		cred.ID = uuid.New()
	}
	cred.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, query,
		cred.ID, cred.OrgID, cred.SecretHash, cred.Prefix, cred.Name, cred.CreatedAt,
	)
	return err
}

func (s *Store) GetCredentialByHash(ctx context.Context, hash string) (*models.Credential, error) {
	var cred models.Credential
	query := `SELECT * FROM credentials WHERE secret_hash = $1`
	err := s.db.GetContext(ctx, &cred, query, hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &cred, err
}

func (s *Store) GetCredential(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	var cred models.Credential
	query := `SELECT * FROM credentials WHERE id = $1`
	err := s.db.GetContext(ctx, &cred, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &cred, err
}

func (s *Store) ListCredentials(ctx context.Context, orgID uuid.UUID) ([]models.Credential, error) {
	var creds []models.Credential
	query := `SELECT * FROM credentials WHERE org_id = $1 ORDER BY created_at DESC`
	err := s.db.SelectContext(ctx, &creds, query, orgID)
	return creds, err
}

// TouchCredential records credential use. Best-effort; callers ignore slow
// or failed updates.
func (s *Store) TouchCredential(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE credentials SET last_used_at = $1 WHERE id = $2`
	_, err := s.db.ExecContext(ctx, query, time.Now(), id)
	return err
}

func (s *Store) RevokeCredential(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE credentials SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`
	_, err := s.db.ExecContext(ctx, query, time.Now(), id)
	return err
}
