// Package verify runs the scheduled tamper-evidence sweep: it recomputes
// the integrity digest of recent audit events from their stored fields and
// opens a critical incident for any record whose digest no longer matches.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/promptgate/promptgate/internal/integrity"
	"github.com/promptgate/promptgate/internal/models"
)

// Store is the persistence surface the sweep needs.
type Store interface {
	ListAuditEventsSince(ctx context.Context, since time.Time, limit, offset int) ([]models.AuditEvent, error)
	GetIncidentByEvent(ctx context.Context, eventID uuid.UUID) (*models.Incident, error)
	CreateIncident(ctx context.Context, incident *models.Incident) error
}

type Config struct {
	Schedule  string
	BatchSize int
	Lookback  time.Duration
}

type Sweeper struct {
	store  Store
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger
}

func NewSweeper(store Store, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:  store,
		cfg:    cfg,
		cron:   cron.New(),
		logger: logger,
	}
}

func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		checked, mismatched, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("integrity sweep failed", "error", err)
			return
		}
		s.logger.Info("integrity sweep completed", "checked", checked, "mismatched", mismatched)
	})
	if err != nil {
		return fmt.Errorf("scheduling integrity sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	s.cron.Stop()
}

// Sweep checks every audit event inside the lookback window and opens one
// incident per tampered record. Re-running over the same window does not
// duplicate incidents.
func (s *Sweeper) Sweep(ctx context.Context) (checked, mismatched int, err error) {
	since := time.Now().Add(-s.cfg.Lookback)

	for offset := 0; ; offset += s.cfg.BatchSize {
		events, err := s.store.ListAuditEventsSince(ctx, since, s.cfg.BatchSize, offset)
		if err != nil {
			return checked, mismatched, fmt.Errorf("listing audit events: %w", err)
		}
		if len(events) == 0 {
			return checked, mismatched, nil
		}

		for _, event := range events {
			checked++

			expected := integrity.AuditDigest(
				event.OrgID, event.UserID, event.Tool, event.Domain,
				string(event.Decision), event.CreatedAt,
			)
			if expected == event.IntegrityHash {
				continue
			}

			mismatched++
			if err := s.openIncident(ctx, event); err != nil {
				s.logger.Error("opening tamper incident failed", "event_id", event.ID, "error", err)
			}
		}

		if len(events) < s.cfg.BatchSize {
			return checked, mismatched, nil
		}
	}
}

func (s *Sweeper) openIncident(ctx context.Context, event models.AuditEvent) error {
	existing, err := s.store.GetIncidentByEvent(ctx, event.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	s.logger.Warn("audit record integrity mismatch",
		"event_id", event.ID, "org_id", event.OrgID, "tool", event.Tool)

	return s.store.CreateIncident(ctx, &models.Incident{
		OrgID:    event.OrgID,
		EventID:  event.ID,
		Severity: models.SeverityCritical,
		Status:   models.IncidentStatusOpen,
		Title:    "Audit record integrity mismatch",
		Details: fmt.Sprintf(
			"Stored integrity hash of audit event %s does not match the digest recomputed from its fields. The record may have been altered in place.",
			event.ID,
		),
	})
}
