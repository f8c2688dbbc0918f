package auth

import (
	"net/http"

	"github.com/google/uuid"
)

// Source identifies which authentication path resolved the caller.
type Source string

const (
	SourceCredential Source = "credential"
	SourceSession    Source = "session"
)

// Identity is the resolved organization identity of a request.
type Identity struct {
	OrgID  uuid.UUID
	UserID string
	Source Source
}

// Resolver answers "which organization is calling" for endpoints that accept
// both the extension credential and a delegated dashboard session. The
// credential header is tried first, then the session token.
type Resolver struct {
	credentials *CredentialValidator
	sessions    *Service
}

func NewResolver(credentials *CredentialValidator, sessions *Service) *Resolver {
	return &Resolver{credentials: credentials, sessions: sessions}
}

func (r *Resolver) Resolve(req *http.Request) (*Identity, error) {
	if key := req.Header.Get(APIKeyHeader); key != "" {
		orgID, err := r.credentials.Validate(req.Context(), key)
		if err != nil {
			return nil, err
		}
		return &Identity{OrgID: orgID, Source: SourceCredential}, nil
	}

	claims, err := r.sessions.claimsFromRequest(req)
	if err != nil {
		return nil, err
	}
	orgID, err := claims.OrgUUID()
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &Identity{OrgID: orgID, UserID: claims.UserID, Source: SourceSession}, nil
}
