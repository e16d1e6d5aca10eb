package token

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// PlainCodec writes base64("<subject>:<unix seconds>"). It is unsigned: anyone
// can mint a token for any subject. Use SignedCodec where that matters.
type PlainCodec struct {
	opts options
}

// NewPlainCodec constructs a PlainCodec.
func NewPlainCodec(opts ...Option) *PlainCodec {
	return &PlainCodec{opts: buildOptions(opts)}
}

// Issue implements Codec.
func (c *PlainCodec) Issue(subjectID int64) (string, error) {
	payload := strconv.FormatInt(subjectID, 10) + ":" + strconv.FormatInt(c.opts.now().Unix(), 10)
	return base64.StdEncoding.EncodeToString([]byte(payload)), nil
}

// Refresh implements Codec.
func (c *PlainCodec) Refresh(subjectID int64) (string, error) {
	return c.Issue(subjectID)
}

// Decode implements Codec.
func (c *PlainCodec) Decode(raw string) (Claims, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, false
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return Claims{}, false
	}
	parts := strings.Split(string(decoded), ":")
	if len(parts) != 2 {
		return Claims{}, false
	}
	subject, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return Claims{}, false
	}
	issued, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return Claims{}, false
	}
	issuedAt := time.Unix(issued, 0)
	if c.opts.expired(issuedAt) {
		return Claims{}, false
	}
	return Claims{SubjectID: subject, IssuedAt: issuedAt}, true
}

var _ Codec = (*PlainCodec)(nil)
