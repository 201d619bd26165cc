package auth

import (
	"errors"
	"strings"

	"modelgate/internal/gateway/entity"
)

var (
	// ErrUnauthenticated is returned when no usable credential was supplied.
	ErrUnauthenticated = errors.New("missing bearer token")

	// ErrEmailRequired is returned in identifier-only mode when neither a
	// token nor a bare identifier was supplied.
	ErrEmailRequired = errors.New("email_required")
)

// Mode names how an identity was established. Identifier-only access is a
// deliberate policy for trusted low-stakes use, not a missing check; keep it
// as an explicit mode rather than a silent fallback.
type Mode string

const (
	ModeSigned         Mode = "signed"
	ModeIdentifierOnly Mode = "identifier-only"
)

// Credential is the raw inbound material: an Authorization header and/or a
// bare identifier from the request body.
type Credential struct {
	Authorization string
	FallbackEmail string
}

// Identity is a resolved caller. Claims is non-nil only in signed mode, and
// even then its embedded limits are informational.
type Identity struct {
	Email  entity.UserID
	Mode   Mode
	Claims *Claims
}

// Resolver turns credentials into identities.
type Resolver struct {
	Secret string

	// AllowIdentifierOnly enables the bare-identifier mode. When false, a
	// signed token is the only way in.
	AllowIdentifierOnly bool
}

// Resolve authenticates the credential. A present Authorization header is
// always verified, even when identifier-only mode is enabled.
func (r Resolver) Resolve(cred Credential) (Identity, error) {
	if header := strings.TrimSpace(cred.Authorization); header != "" {
		claims, err := r.verifyHeader(header)
		if err != nil {
			return Identity{}, err
		}
		return Identity{
			Email:  entity.NormalizeUserID(claims.Email),
			Mode:   ModeSigned,
			Claims: claims,
		}, nil
	}
	if r.AllowIdentifierOnly {
		if email := entity.NormalizeUserID(cred.FallbackEmail); !email.IsZero() {
			return Identity{Email: email, Mode: ModeIdentifierOnly}, nil
		}
		return Identity{}, ErrEmailRequired
	}
	return Identity{}, ErrUnauthenticated
}

func (r Resolver) verifyHeader(header string) (*Claims, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrUnauthenticated
	}
	return VerifyToken(strings.TrimSpace(parts[1]), r.Secret)
}
