package verify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/promptgate/promptgate/internal/integrity"
	"github.com/promptgate/promptgate/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	events    []models.AuditEvent
	incidents []models.Incident
}

func (f *fakeStore) ListAuditEventsSince(_ context.Context, since time.Time, limit, offset int) ([]models.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var recent []models.AuditEvent
	for _, e := range f.events {
		if !e.CreatedAt.Before(since) {
			recent = append(recent, e)
		}
	}
	if offset >= len(recent) {
		return nil, nil
	}
	end := offset + limit
	if end > len(recent) {
		end = len(recent)
	}
	return recent[offset:end], nil
}

func (f *fakeStore) GetIncidentByEvent(_ context.Context, eventID uuid.UUID) (*models.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.incidents {
		if f.incidents[i].EventID == eventID {
			return &f.incidents[i], nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CreateIncident(_ context.Context, incident *models.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	incident.ID = uuid.New()
	f.incidents = append(f.incidents, *incident)
	return nil
}

func intactEvent(orgID uuid.UUID, tool string) models.AuditEvent {
	now := time.Now().UTC()
	return models.AuditEvent{
		ID:            uuid.New(),
		OrgID:         orgID,
		Tool:          tool,
		Domain:        tool + ".example.com",
		Decision:      models.DecisionAllowed,
		IntegrityHash: integrity.AuditDigest(orgID, nil, tool, tool+".example.com", "allowed", now),
		CreatedAt:     now,
	}
}

func TestSweep_AllIntact(t *testing.T) {
	orgID := uuid.New()
	store := &fakeStore{
		events: []models.AuditEvent{
			intactEvent(orgID, "chatgpt"),
			intactEvent(orgID, "claude"),
		},
	}
	sweeper := NewSweeper(store, Config{}, nil)

	checked, mismatched, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if checked != 2 || mismatched != 0 {
		t.Errorf("expected 2 checked, 0 mismatched; got %d, %d", checked, mismatched)
	}
	if len(store.incidents) != 0 {
		t.Errorf("no incidents expected, got %d", len(store.incidents))
	}
}

func TestSweep_SurvivesTimestampStorageRoundTrip(t *testing.T) {
	orgID := uuid.New()

	// Digest computed at creation from a nanosecond-precision clock; the
	// stored row comes back with timestamptz microsecond precision.
	created := time.Date(2026, 4, 2, 15, 4, 5, 123456789, time.UTC)
	event := models.AuditEvent{
		ID:            uuid.New(),
		OrgID:         orgID,
		Tool:          "chatgpt",
		Domain:        "chat.openai.com",
		Decision:      models.DecisionAllowed,
		IntegrityHash: integrity.AuditDigest(orgID, nil, "chatgpt", "chat.openai.com", "allowed", created),
		CreatedAt:     created.Truncate(time.Microsecond),
	}

	store := &fakeStore{events: []models.AuditEvent{event}}
	sweeper := NewSweeper(store, Config{Lookback: 365 * 24 * time.Hour}, nil)

	checked, mismatched, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if checked != 1 || mismatched != 0 {
		t.Errorf("intact record must not mismatch after storage round-trip; got checked=%d mismatched=%d", checked, mismatched)
	}
	if len(store.incidents) != 0 {
		t.Errorf("no incident expected for an intact record, got %d", len(store.incidents))
	}
}

func TestSweep_TamperedRecordOpensIncident(t *testing.T) {
	orgID := uuid.New()
	tampered := intactEvent(orgID, "chatgpt")
	tampered.Decision = models.DecisionBlocked // altered after the fact

	store := &fakeStore{
		events: []models.AuditEvent{intactEvent(orgID, "claude"), tampered},
	}
	sweeper := NewSweeper(store, Config{}, nil)

	checked, mismatched, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if checked != 2 || mismatched != 1 {
		t.Errorf("expected 2 checked, 1 mismatched; got %d, %d", checked, mismatched)
	}

	if len(store.incidents) != 1 {
		t.Fatalf("expected exactly one incident, got %d", len(store.incidents))
	}
	incident := store.incidents[0]
	if incident.EventID != tampered.ID {
		t.Errorf("incident references wrong event: %s", incident.EventID)
	}
	if incident.Severity != models.SeverityCritical || incident.Status != models.IncidentStatusOpen {
		t.Errorf("unexpected incident: %+v", incident)
	}
	if incident.OrgID != orgID {
		t.Errorf("incident must belong to the event's org")
	}
}

func TestSweep_NoDuplicateIncidents(t *testing.T) {
	orgID := uuid.New()
	tampered := intactEvent(orgID, "chatgpt")
	tampered.RiskScore = 0
	tampered.Tool = "gemini" // digest no longer matches

	store := &fakeStore{events: []models.AuditEvent{tampered}}
	sweeper := NewSweeper(store, Config{}, nil)

	for i := 0; i < 3; i++ {
		if _, _, err := sweeper.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep failed: %v", err)
		}
	}

	if len(store.incidents) != 1 {
		t.Errorf("expected one incident across repeated sweeps, got %d", len(store.incidents))
	}
}

func TestSweep_Pagination(t *testing.T) {
	orgID := uuid.New()
	store := &fakeStore{}
	for i := 0; i < 7; i++ {
		store.events = append(store.events, intactEvent(orgID, "chatgpt"))
	}
	sweeper := NewSweeper(store, Config{BatchSize: 3}, nil)

	checked, _, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if checked != 7 {
		t.Errorf("expected all 7 events checked, got %d", checked)
	}
}
