package token

import (
	"errors"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLen is the shortest accepted signing secret.
const MinSecretLen = 16

// SignedCodec issues HS256 JWTs carrying sub and iat. Validity is still
// judged from iat; no exp claim is written or trusted.
type SignedCodec struct {
	secret []byte
	opts   options
}

// NewSignedCodec constructs a SignedCodec.
func NewSignedCodec(secret []byte, opts ...Option) (*SignedCodec, error) {
	if len(secret) < MinSecretLen {
		return nil, errors.New("token: signing secret must be at least 16 bytes")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &SignedCodec{secret: key, opts: buildOptions(opts)}, nil
}

// Issue implements Codec.
func (c *SignedCodec) Issue(subjectID int64) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  strconv.FormatInt(subjectID, 10),
		IssuedAt: jwt.NewNumericDate(c.opts.now()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Refresh implements Codec.
func (c *SignedCodec) Refresh(subjectID int64) (string, error) {
	return c.Issue(subjectID)
}

// Decode implements Codec.
func (c *SignedCodec) Decode(raw string) (Claims, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, false
	}
	var parsed jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, false
	}
	if parsed.IssuedAt == nil {
		return Claims{}, false
	}
	subject, err := strconv.ParseInt(parsed.Subject, 10, 64)
	if err != nil {
		return Claims{}, false
	}
	issuedAt := parsed.IssuedAt.Time
	if c.opts.expired(issuedAt) {
		return Claims{}, false
	}
	return Claims{SubjectID: subject, IssuedAt: issuedAt}, true
}

var _ Codec = (*SignedCodec)(nil)
