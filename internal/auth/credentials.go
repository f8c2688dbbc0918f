package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promptgate/promptgate/internal/integrity"
	"github.com/promptgate/promptgate/internal/models"
)

const secretPrefix = "pg_"

// prefixLen is how much of a secret is kept for display after issuance.
const prefixLen = 12

// GenerateSecret returns a new extension credential. The plaintext is shown
// to the caller exactly once at issuance and only its digest is stored.
func GenerateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return secretPrefix + base64.RawURLEncoding.EncodeToString(bytes), nil
}

// Prefix returns the display prefix of a secret.
func Prefix(secret string) string {
	if len(secret) <= prefixLen {
		return secret
	}
	return secret[:prefixLen]
}

// CredentialStore is the persistence surface the validator needs.
type CredentialStore interface {
	GetCredentialByHash(ctx context.Context, hash string) (*models.Credential, error)
	TouchCredential(ctx context.Context, id uuid.UUID) error
}

// CredentialValidator maps a presented extension secret to the owning
// organization. It runs before any policy or scoring work.
type CredentialValidator struct {
	store  CredentialStore
	logger *slog.Logger
}

func NewCredentialValidator(store CredentialStore, logger *slog.Logger) *CredentialValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialValidator{store: store, logger: logger}
}

// Validate resolves the organization behind a presented secret. Missing and
// invalid credentials are distinct errors internally but must collapse into
// one generic 401 body at the transport layer.
func (v *CredentialValidator) Validate(ctx context.Context, presented string) (uuid.UUID, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return uuid.Nil, ErrMissingCredential
	}

	cred, err := v.store.GetCredentialByHash(ctx, integrity.CredentialDigest(presented))
	if err != nil {
		return uuid.Nil, err
	}
	if cred == nil || cred.Revoked() {
		return uuid.Nil, ErrInvalidCredential
	}

	// Last-used tracking is best-effort and must not block the request.
	go func(id uuid.UUID) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := v.store.TouchCredential(ctx, id); err != nil {
			v.logger.Debug("touch credential failed", "credential_id", id, "error", err)
		}
	}(cred.ID)

	return cred.OrgID, nil
}

// IsAuthError reports whether err is a credential-level rejection rather
// than an infrastructure failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingCredential) ||
		errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrUnauthorized)
}
