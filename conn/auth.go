package conn

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/inc-run/inc/cmn/cos"
)

// AuthConfig carries the optional auth token used to sign and verify
// bearer credentials. A nil Secret skips the AUTH step entirely.
type AuthConfig struct {
	Secret []byte
}

type claims struct {
	jwt.RegisteredClaims
}

// IssueToken mints a short-lived bearer token for a client's AUTH
// message; servers validate it with VerifyToken using the same
// secret.
func IssueToken(secret []byte, subject string, ttl time.Duration) ([]byte, error) {
	now := time.Now()
	c := claims{jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	s, err := tok.SignedString(secret)
	if err != nil {
		return nil, cos.WrapINC(cos.InvalidArgs, err)
	}
	return []byte(s), nil
}

// VerifyToken validates a bearer token produced by IssueToken and
// returns its subject.
func VerifyToken(secret, token []byte) (string, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(string(token), &c, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", cos.NewErrINC(cos.InvalidArgs, "auth: invalid token")
	}
	return c.Subject, nil
}

// HashPassphrase and VerifyPassphrase wrap bcrypt for auth backends
// that store a passphrase rather than issue bearer tokens (e.g. an
// incctl-side credentials file).
func HashPassphrase(pw []byte) ([]byte, error) {
	h, err := bcrypt.GenerateFromPassword(pw, bcrypt.DefaultCost)
	if err != nil {
		return nil, cos.WrapINC(cos.InvalidArgs, err)
	}
	return h, nil
}

func VerifyPassphrase(hash, pw []byte) bool {
	return bcrypt.CompareHashAndPassword(hash, pw) == nil
}
