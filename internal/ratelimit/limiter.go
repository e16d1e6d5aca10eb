// Package ratelimit implements per-client sliding-window request limits.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Limiter decides whether one more request from a client fits its window.
// The check is count-then-admit: a rejected attempt is not recorded.
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

// Rule is the limit attached to one protected operation. Rules are keyed by
// name so that two operations never share a budget.
type Rule struct {
	Name   string
	Max    int
	Window time.Duration
}

// Key scopes a client identifier to the rule.
func (r Rule) Key(clientID string) string {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		name = "default"
	}
	return name + ":" + clientID
}

// Check applies the rule for clientID.
func (r Rule) Check(ctx context.Context, l Limiter, clientID string) (bool, error) {
	return l.Allow(ctx, r.Key(clientID), r.Max, r.Window)
}
