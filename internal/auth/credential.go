package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pscheid92/consultq/internal/domain"
)

type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth secret must not be empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the credential a client presents for identity and role.
func (s *Signer) Sign(identity uuid.UUID, role domain.Role) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(identity.String() + "|" + string(role)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate validates the triple and returns the caller it identifies.
// Every failure wraps domain.ErrUnauthenticated.
func (s *Signer) Authenticate(identity, role, credential string) (domain.Caller, error) {
	id, err := uuid.Parse(strings.TrimSpace(identity))
	if err != nil || id == uuid.Nil {
		return domain.Caller{}, fmt.Errorf("%w: invalid identity", domain.ErrUnauthenticated)
	}

	r, err := domain.ParseRole(strings.TrimSpace(role))
	if err != nil {
		return domain.Caller{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}

	given, err := hex.DecodeString(strings.TrimSpace(credential))
	if err != nil {
		return domain.Caller{}, fmt.Errorf("%w: malformed credential", domain.ErrUnauthenticated)
	}

	expected, _ := hex.DecodeString(s.Sign(id, r))
	if !hmac.Equal(given, expected) {
		return domain.Caller{}, fmt.Errorf("%w: credential mismatch", domain.ErrUnauthenticated)
	}

	return domain.Caller{ID: id, Role: r}, nil
}
