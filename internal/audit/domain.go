// Package audit records the activity trail of back-office principals.
package audit

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ankader/backoffice/internal/shared"
)

// Action enumerates audited actions.
type Action string

const (
	ActionLogin            Action = "login"
	ActionLogout           Action = "logout"
	ActionLoginFailed      Action = "login_failed"
	ActionPasswordChange   Action = "password_change"
	ActionProfileUpdate    Action = "profile_update"
	ActionUserActivity     Action = "user_activity"
	ActionMemberCreate     Action = "member_create"
	ActionMemberUpdate     Action = "member_update"
	ActionMemberDelete     Action = "member_delete"
	ActionEventCreate      Action = "event_create"
	ActionEventUpdate      Action = "event_update"
	ActionEventDelete      Action = "event_delete"
	ActionBudgetCreate     Action = "budget_create"
	ActionBudgetUpdate     Action = "budget_update"
	ActionBudgetDelete     Action = "budget_delete"
	ActionAdmin            Action = "admin_action"
	ActionAdminUserCreate  Action = "admin_user_create"
	ActionAdminUserUpdate  Action = "admin_user_update"
	ActionAdminUserDelete  Action = "admin_user_delete"
	ActionAdminLogsCleanup Action = "admin_logs_cleanup"
)

var validActions = map[Action]struct{}{
	ActionLogin: {}, ActionLogout: {}, ActionLoginFailed: {}, ActionPasswordChange: {},
	ActionProfileUpdate: {}, ActionUserActivity: {},
	ActionMemberCreate: {}, ActionMemberUpdate: {}, ActionMemberDelete: {},
	ActionEventCreate: {}, ActionEventUpdate: {}, ActionEventDelete: {},
	ActionBudgetCreate: {}, ActionBudgetUpdate: {}, ActionBudgetDelete: {},
	ActionAdmin: {}, ActionAdminUserCreate: {}, ActionAdminUserUpdate: {},
	ActionAdminUserDelete: {}, ActionAdminLogsCleanup: {},
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	_, ok := validActions[a]
	return ok
}

// TargetType names the kind of entity an entry refers to.
type TargetType string

const (
	TargetUser   TargetType = "User"
	TargetMember TargetType = "Member"
	TargetEvent  TargetType = "Event"
	TargetBudget TargetType = "Budget"
)

// Valid reports whether t is empty or a known target type.
func (t TargetType) Valid() bool {
	switch t {
	case "", TargetUser, TargetMember, TargetEvent, TargetBudget:
		return true
	}
	return false
}

// MaxDescriptionLen bounds Entry.Description in characters.
const MaxDescriptionLen = 500

// DefaultRetention is how long entries are kept before purge.
const DefaultRetention = 180 * 24 * time.Hour

// Entry is one immutable audit record.
type Entry struct {
	ID          uuid.UUID      `json:"id"`
	ActorID     int64          `json:"user_id"`
	Action      Action         `json:"action"`
	Description string         `json:"description"`
	TargetID    *int64         `json:"target_id,omitempty"`
	TargetType  TargetType     `json:"target_type,omitempty"`
	Details     map[string]any `json:"details"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Validate checks the entry before it is stored.
func (e Entry) Validate() error {
	if !e.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", shared.ErrAuditFailure, e.Action)
	}
	if e.ActorID <= 0 && e.Action != ActionLoginFailed {
		return fmt.Errorf("%w: actor required for %s", shared.ErrAuditFailure, e.Action)
	}
	if utf8.RuneCountInString(e.Description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", shared.ErrAuditFailure, MaxDescriptionLen)
	}
	if !e.TargetType.Valid() {
		return fmt.Errorf("%w: unknown target type %q", shared.ErrAuditFailure, e.TargetType)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at missing", shared.ErrAuditFailure)
	}
	return nil
}

// Expired reports whether the entry is older than retention at now.
func (e Entry) Expired(now time.Time, retention time.Duration) bool {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return now.After(e.CreatedAt.Add(retention))
}

// Filter narrows listings. Zero fields are ignored.
type Filter struct {
	ActorID int64
	Action  Action
	From    time.Time
	To      time.Time
	Limit   int
}

// DefaultLimit and MaxLimit bound listing sizes.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
