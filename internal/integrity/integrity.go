// Package integrity computes the tamper-evidence digests attached to audit
// events, export artifacts and issued credentials. Every digest is a plain
// SHA-256 over a canonical byte string: no salts, no randomness, so the same
// input always reproduces the same output across processes and restarts.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Digest returns the lowercase hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// AuditDigest binds the decision-relevant fields of an audit event into one
// digest. Field order and timestamp serialization are fixed; changing any
// stored field changes the recomputed digest. The timestamp is canonicalized
// at microsecond precision, the resolution of a Postgres timestamptz, so a
// digest recomputed from the stored row matches the one computed at creation.
func AuditDigest(orgID uuid.UUID, userID *string, tool, domain, action string, ts time.Time) string {
	uid := ""
	if userID != nil {
		uid = *userID
	}
	canonical := strings.Join([]string{
		orgID.String(),
		uid,
		tool,
		domain,
		action,
		ts.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
	}, "|")
	return Digest([]byte(canonical))
}

// ArtifactDigest digests the raw bytes of a generated export artifact.
func ArtifactDigest(b []byte) string {
	return Digest(b)
}

// CredentialDigest is the one-way digest stored in place of an issued
// credential secret. The secret itself is never persisted.
func CredentialDigest(secret string) string {
	return Digest([]byte(secret))
}
