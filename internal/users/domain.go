package users

import (
	"time"

	"github.com/ankader/backoffice/internal/rbac"
)

// Account is a back-office user as stored, including the password hash.
type Account struct {
	rbac.Principal
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Stats summarises the user table for the system-info endpoint.
type Stats struct {
	Total  int64 `json:"total_users"`
	Active int64 `json:"active_users"`
}
