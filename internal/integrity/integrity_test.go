package integrity

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAuditDigest_Stable(t *testing.T) {
	orgID := uuid.MustParse("6dd743a2-5050-4b3b-8f2a-51b0c0a35b11")
	userID := "user-42"
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)

	first := AuditDigest(orgID, &userID, "chatgpt", "chat.openai.com", "flagged", ts)
	for i := 0; i < 10; i++ {
		if got := AuditDigest(orgID, &userID, "chatgpt", "chat.openai.com", "flagged", ts); got != first {
			t.Fatalf("digest not stable: %s vs %s", got, first)
		}
	}

	if len(first) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(first))
	}
}

func TestAuditDigest_NilUser(t *testing.T) {
	orgID := uuid.New()
	ts := time.Now()

	withNil := AuditDigest(orgID, nil, "claude", "claude.ai", "allowed", ts)
	empty := ""
	withEmpty := AuditDigest(orgID, &empty, "claude", "claude.ai", "allowed", ts)

	if withNil != withEmpty {
		t.Errorf("nil and empty user should canonicalize identically")
	}
}

func TestAuditDigest_FieldSensitivity(t *testing.T) {
	orgID := uuid.New()
	ts := time.Now()

	base := AuditDigest(orgID, nil, "chatgpt", "chat.openai.com", "allowed", ts)

	if AuditDigest(orgID, nil, "chatgpt", "chat.openai.com", "blocked", ts) == base {
		t.Error("changing action should change digest")
	}
	if AuditDigest(orgID, nil, "gemini", "chat.openai.com", "allowed", ts) == base {
		t.Error("changing tool should change digest")
	}
	if AuditDigest(uuid.New(), nil, "chatgpt", "chat.openai.com", "allowed", ts) == base {
		t.Error("changing org should change digest")
	}
	if AuditDigest(orgID, nil, "chatgpt", "chat.openai.com", "allowed", ts.Add(time.Microsecond)) == base {
		t.Error("changing timestamp should change digest")
	}
}

func TestAuditDigest_SurvivesTimestampStorageRoundTrip(t *testing.T) {
	orgID := uuid.New()
	// Nanosecond tail beyond what a timestamptz column keeps.
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)

	atCreation := AuditDigest(orgID, nil, "chatgpt", "chat.openai.com", "allowed", ts)
	fromStorage := AuditDigest(orgID, nil, "chatgpt", "chat.openai.com", "allowed", ts.Truncate(time.Microsecond))

	if atCreation != fromStorage {
		t.Errorf("digest must be recomputable from the microsecond-precision stored timestamp: %s vs %s", atCreation, fromStorage)
	}
}

func TestArtifactDigest_TamperDetection(t *testing.T) {
	artifact := []byte("compliance report for Q1, 142 events, 3 flagged")
	original := ArtifactDigest(artifact)

	for i := range artifact {
		tampered := make([]byte, len(artifact))
		copy(tampered, artifact)
		tampered[i] ^= 0x01

		if ArtifactDigest(tampered) == original {
			t.Fatalf("flipping byte %d did not change digest", i)
		}
	}

	if ArtifactDigest(artifact) != original {
		t.Error("recomputing over unchanged bytes must reproduce the digest")
	}
}

func TestCredentialDigest(t *testing.T) {
	secret := "pg_3vbXoP0kTqCmm1dYBkZsXg"

	if CredentialDigest(secret) != CredentialDigest(secret) {
		t.Error("credential digest must be deterministic")
	}
	if CredentialDigest(secret) == CredentialDigest(secret+"x") {
		t.Error("different secrets must not collide")
	}
	if CredentialDigest(secret) == secret {
		t.Error("digest must not be the secret itself")
	}
}
