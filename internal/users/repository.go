package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/ankader/backoffice/internal/rbac"
	"github.com/ankader/backoffice/internal/shared"
)

// DBTX is the subset of pgxpool.Pool the repository uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// MinPasswordLen is the shortest accepted password.
const MinPasswordLen = 6

var phonePattern = regexp.MustCompile(`^(\+90|0)?5\d{9}$`)

// ValidPhone reports whether phone is a Turkish mobile number.
func ValidPhone(phone string) bool {
	return phonePattern.MatchString(strings.TrimSpace(phone))
}

const accountColumns = `id, name, phone, role, is_active, permissions, last_login, password_hash, created_at, updated_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	db   DBTX
	now  func() time.Time
	cost int
}

// NewRepository constructs a repository.
func NewRepository(db DBTX) *Repository {
	return &Repository{
		db:   db,
		now:  time.Now,
		cost: bcrypt.DefaultCost,
	}
}

// WithClock overrides the time source, for tests.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	if now != nil {
		r.now = now
	}
	return r
}

// WithHashCost overrides the bcrypt cost, for tests.
func (r *Repository) WithHashCost(cost int) *Repository {
	r.cost = cost
	return r
}

// FindByID returns the user with id, active or not.
func (r *Repository) FindByID(ctx context.Context, id int64) (*rbac.Principal, error) {
	acct, err := r.findAccount(ctx, `SELECT `+accountColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &acct.Principal, nil
}

// FindByCredentials matches name, phone and password against an active
// account and stamps its last login. Names compare case-insensitively under
// Turkish casing rules. Any mismatch is shared.ErrInvalidCredentials.
func (r *Repository) FindByCredentials(ctx context.Context, name, phone, password string) (*rbac.Principal, error) {
	acct, err := r.findAccount(ctx, `SELECT `+accountColumns+` FROM users WHERE phone = $1`, strings.TrimSpace(phone))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if !acct.IsActive || !r.sameName(acct.Name, name) {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	now := r.now().UTC()
	if _, err := r.db.Exec(ctx, `UPDATE users SET last_login = $2, updated_at = $2 WHERE id = $1`, acct.ID, now); err != nil {
		return nil, fmt.Errorf("users: stamp last login: %w", err)
	}
	acct.LastLogin = &now
	return &acct.Principal, nil
}

// ChangePassword replaces the password of id after verifying current.
func (r *Repository) ChangePassword(ctx context.Context, id int64, current, next string) error {
	if len(next) < MinPasswordLen {
		return fmt.Errorf("%w: new password must be at least %d characters", shared.ErrValidation, MinPasswordLen)
	}
	acct, err := r.findAccount(ctx, `SELECT `+accountColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(current)); err != nil {
		return fmt.Errorf("%w: current password is incorrect", shared.ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), r.cost)
	if err != nil {
		return fmt.Errorf("users: hash password: %w", err)
	}
	tag, err := r.db.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`, id, string(hash), r.now().UTC())
	if err != nil {
		return fmt.Errorf("users: update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// UpdateProfile changes the name and phone of id. Empty values keep the
// stored ones.
func (r *Repository) UpdateProfile(ctx context.Context, id int64, name, phone string) (*rbac.Principal, error) {
	name, phone = strings.TrimSpace(name), strings.TrimSpace(phone)
	if name == "" && phone == "" {
		return nil, fmt.Errorf("%w: nothing to update", shared.ErrValidation)
	}
	if len([]rune(name)) > 100 {
		return nil, fmt.Errorf("%w: name exceeds 100 characters", shared.ErrValidation)
	}
	if phone != "" && !ValidPhone(phone) {
		return nil, fmt.Errorf("%w: invalid phone number", shared.ErrValidation)
	}
	acct, err := r.findAccount(ctx, `UPDATE users
SET name = COALESCE(NULLIF($2, ''), name),
    phone = COALESCE(NULLIF($3, ''), phone),
    updated_at = $4
WHERE id = $1
RETURNING `+accountColumns, id, name, phone, r.now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: phone already registered", shared.ErrValidation)
		}
		return nil, err
	}
	return &acct.Principal, nil
}

// Stats counts all and active users.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.db.QueryRow(ctx, `SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active) FROM users`).Scan(&s.Total, &s.Active)
	if err != nil {
		return Stats{}, fmt.Errorf("users: stats: %w", err)
	}
	return s, nil
}

func (r *Repository) findAccount(ctx context.Context, query string, args ...any) (*Account, error) {
	var (
		acct        Account
		role        string
		permissions []byte
		lastLogin   pgtype.Timestamptz
		createdAt   pgtype.Timestamptz
		updatedAt   pgtype.Timestamptz
	)
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&acct.ID, &acct.Name, &acct.Phone, &role, &acct.IsActive, &permissions,
		&lastLogin, &acct.PasswordHash, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	parsed, ok := rbac.ParseRole(role)
	if !ok {
		return nil, fmt.Errorf("users: user %d has unknown role %q", acct.ID, role)
	}
	acct.Role = parsed
	if len(permissions) > 0 {
		if err := json.Unmarshal(permissions, &acct.Permissions); err != nil {
			return nil, fmt.Errorf("users: decode permissions of %d: %w", acct.ID, err)
		}
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		acct.LastLogin = &t
	}
	acct.CreatedAt = createdAt.Time
	acct.UpdatedAt = updatedAt.Time
	return &acct, nil
}

// sameName builds its own Caser; Casers are not safe for concurrent use.
func (r *Repository) sameName(stored, given string) bool {
	fold := cases.Lower(language.Turkish)
	return fold.String(strings.TrimSpace(stored)) == fold.String(strings.TrimSpace(given))
}
