// Package token encodes and decodes the opaque session tokens handed out at
// login. Tokens carry a subject and an issuance time; expiry is always judged
// at decode time against the current clock.
package token

import (
	"fmt"
	"strings"
	"time"
)

// DefaultMaxAge is the lifetime of a session token.
const DefaultMaxAge = 24 * time.Hour

// Format names a wire format.
type Format string

// Supported wire formats.
const (
	FormatPlain  Format = "plain"
	FormatSigned Format = "signed"
)

// Claims is the decoded content of a session token.
type Claims struct {
	SubjectID int64
	IssuedAt  time.Time
}

// Codec issues and decodes session tokens.
type Codec interface {
	// Issue binds subjectID and the current time into a token.
	Issue(subjectID int64) (string, error)
	// Decode returns the claims of a valid, unexpired token. It never panics
	// and reports false for any malformed or expired input.
	Decode(raw string) (Claims, bool)
	// Refresh re-issues a token for an authenticated subject. The previous
	// token stays valid until it expires.
	Refresh(subjectID int64) (string, error)
}

// Option customises a codec.
type Option func(*options)

type options struct {
	maxAge time.Duration
	now    func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxAge = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{maxAge: DefaultMaxAge, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// expired reports whether a token issued at issuedAt is older than maxAge.
// Tokens from the future are accepted.
func (o options) expired(issuedAt time.Time) bool {
	return o.now().Sub(issuedAt) > o.maxAge
}

// New builds the codec for the configured format.
func New(format Format, secret string, opts ...Option) (Codec, error) {
	switch Format(strings.ToLower(strings.TrimSpace(string(format)))) {
	case "", FormatPlain:
		return NewPlainCodec(opts...), nil
	case FormatSigned:
		return NewSignedCodec([]byte(secret), opts...)
	default:
		return nil, fmt.Errorf("token: unsupported format %q", format)
	}
}
