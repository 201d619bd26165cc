package auth

import (
	"testing"
	"time"

	"modelgate/internal/gateway/entity"
	"modelgate/internal/tester"
)

func TestResolve_SignedMode(t *testing.T) {
	issuer := Issuer{Secret: "s3cret", TTL: time.Hour}
	token, _, err := issuer.Issue(entity.UserRecord{Email: "Someone@Example.COM", RequestLimit: 5}, time.Now())
	tester.NoErr(t, err)

	r := Resolver{Secret: "s3cret", AllowIdentifierOnly: true}
	id, err := r.Resolve(Credential{Authorization: "Bearer " + token})
	tester.NoErr(t, err)
	tester.Eq(t, id.Mode, ModeSigned)
	tester.Eq(t, id.Email, entity.UserID("someone@example.com"))
	tester.True(t, id.Claims != nil)
}

func TestResolve_IdentifierOnlyFallback(t *testing.T) {
	r := Resolver{Secret: "s3cret", AllowIdentifierOnly: true}
	id, err := r.Resolve(Credential{FallbackEmail: "  Plain@Example.com "})
	tester.NoErr(t, err)
	tester.Eq(t, id.Mode, ModeIdentifierOnly)
	tester.Eq(t, id.Email, entity.UserID("plain@example.com"))
	tester.True(t, id.Claims == nil)
}

func TestResolve_EmailRequired(t *testing.T) {
	r := Resolver{Secret: "s3cret", AllowIdentifierOnly: true}
	_, err := r.Resolve(Credential{})
	tester.ErrIs(t, err, ErrEmailRequired)
}

func TestResolve_IdentifierOnlyDisabled(t *testing.T) {
	r := Resolver{Secret: "s3cret", AllowIdentifierOnly: false}
	_, err := r.Resolve(Credential{FallbackEmail: "plain@example.com"})
	tester.ErrIs(t, err, ErrUnauthenticated)
}

func TestResolve_TokenBeatsFallback(t *testing.T) {
	// A present header is always verified; a bad token is not silently
	// downgraded to identifier-only access.
	r := Resolver{Secret: "s3cret", AllowIdentifierOnly: true}
	_, err := r.Resolve(Credential{Authorization: "Bearer junk", FallbackEmail: "plain@example.com"})
	tester.ErrIs(t, err, ErrInvalidToken)
}

func TestResolve_MalformedHeader(t *testing.T) {
	r := Resolver{Secret: "s3cret", AllowIdentifierOnly: true}
	_, err := r.Resolve(Credential{Authorization: "Basic abc"})
	tester.ErrIs(t, err, ErrUnauthenticated)
}
