package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/ankader/backoffice/internal/audit"
	"github.com/ankader/backoffice/internal/rbac"
	"github.com/ankader/backoffice/internal/shared"
	"github.com/ankader/backoffice/internal/token"
)

// Directory is the write side of the user store used by account flows.
type Directory interface {
	FindByCredentials(ctx context.Context, name, phone, password string) (*rbac.Principal, error)
	ChangePassword(ctx context.Context, id int64, current, next string) error
	UpdateProfile(ctx context.Context, id int64, name, phone string) (*rbac.Principal, error)
}

// ActivityReader lists audit entries.
type ActivityReader interface {
	List(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)
}

// Profile is the caller's account together with recent activity.
type Profile struct {
	User             *rbac.Principal
	RecentActivities []audit.Entry
	LoginCount       int
}

// Service wraps authentication business rules.
type Service struct {
	directory Directory
	codec     token.Codec
	auditor   *audit.Interceptor
	activity  ActivityReader
}

// NewService constructs a new Service.
func NewService(directory Directory, codec token.Codec, auditor *audit.Interceptor, activity ActivityReader) *Service {
	return &Service{directory: directory, codec: codec, auditor: auditor, activity: activity}
}

// Login checks credentials and issues a token. Both outcomes are audited;
// a failed attempt is recorded without an actor.
func (s *Service) Login(ctx context.Context, name, phone, password string) (string, *rbac.Principal, error) {
	principal, err := s.directory.FindByCredentials(ctx, name, phone, password)
	if err != nil {
		if errors.Is(err, shared.ErrInvalidCredentials) {
			s.auditor.Log(ctx, 0, audit.Spec{
				Action:      audit.ActionLoginFailed,
				Description: fmt.Sprintf("failed login attempt: %s - %s", name, phone),
				Details:     map[string]any{"name": name, "phone": phone},
			}, false)
		}
		return "", nil, err
	}
	issued, err := s.codec.Issue(principal.ID)
	if err != nil {
		return "", nil, fmt.Errorf("auth: issue token: %w", err)
	}
	s.auditor.Log(ctx, principal.ID, audit.Spec{
		Action:      audit.ActionLogin,
		Description: "user signed in",
		TargetID:    &principal.ID,
		TargetType:  audit.TargetUser,
	}, true)
	return issued, principal, nil
}

// Refresh issues a fresh token for p. The old token is not revoked.
func (s *Service) Refresh(p *rbac.Principal) (string, error) {
	if p == nil {
		return "", shared.ErrUnauthorized
	}
	issued, err := s.codec.Refresh(p.ID)
	if err != nil {
		return "", fmt.Errorf("auth: refresh token: %w", err)
	}
	return issued, nil
}

// ChangePassword replaces the caller's password.
func (s *Service) ChangePassword(ctx context.Context, p *rbac.Principal, current, next string) error {
	if p == nil {
		return shared.ErrUnauthorized
	}
	return s.directory.ChangePassword(ctx, p.ID, current, next)
}

// UpdateProfile changes the caller's name and phone.
func (s *Service) UpdateProfile(ctx context.Context, p *rbac.Principal, name, phone string) (*rbac.Principal, error) {
	if p == nil {
		return nil, shared.ErrUnauthorized
	}
	return s.directory.UpdateProfile(ctx, p.ID, name, phone)
}

// LogActivity records a client-reported activity for p.
func (s *Service) LogActivity(ctx context.Context, p *rbac.Principal, activity string, details map[string]any) {
	if p == nil {
		return
	}
	s.auditor.Log(ctx, p.ID, audit.Spec{
		Action:      audit.ActionUserActivity,
		Description: activity,
		Details:     details,
	}, true)
}

// Profile returns p with its ten latest entries and its login count among
// the last hundred.
func (s *Service) Profile(ctx context.Context, p *rbac.Principal) (Profile, error) {
	if p == nil {
		return Profile{}, shared.ErrUnauthorized
	}
	recent, err := s.activity.List(ctx, audit.Filter{ActorID: p.ID, Limit: 10})
	if err != nil {
		return Profile{}, fmt.Errorf("auth: recent activity: %w", err)
	}
	logins, err := s.activity.List(ctx, audit.Filter{ActorID: p.ID, Action: audit.ActionLogin, Limit: 100})
	if err != nil {
		return Profile{}, fmt.Errorf("auth: login history: %w", err)
	}
	return Profile{User: p, RecentActivities: recent, LoginCount: len(logins)}, nil
}
