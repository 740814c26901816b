// Package users manages workspace member accounts. Accounts are soft
// lifecycle entities: deactivation and deletion are markers, and every
// authorization path resolves through FindActive so a deactivated or deleted
// account loses access without destroying its edit history.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrAccountNotFound indicates the user id does not resolve to an active
// account. Deactivated and deleted accounts fail the same way as unknown
// ones so callers cannot distinguish them.
var ErrAccountNotFound = errors.New("users: account not found")

// Account captures one workspace member.
type Account struct {
	ID            string     `gorm:"column:id;primaryKey;size:190;not null"`
	WorkspaceID   string     `gorm:"column:workspace_id;size:190;not null;index"`
	Email         string     `gorm:"column:email;size:320;not null"`
	DisplayName   string     `gorm:"column:display_name;size:320"`
	AvatarURL     string     `gorm:"column:avatar_url;size:512"`
	DeactivatedAt *time.Time `gorm:"column:deactivated_at"`
	DeletedAt     *time.Time `gorm:"column:deleted_at"`
	LastSeenAt    time.Time  `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "user_accounts"
}

// Active reports whether the account may authenticate.
func (a Account) Active() bool {
	return a.DeactivatedAt == nil && a.DeletedAt == nil
}

// RepositoryConfig describes the dependencies of the account repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Repository provides account lookups and lifecycle transitions.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepository constructs the account repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Repository{db: cfg.Database, now: clock}, nil
}

// Create persists a new account.
func (r *Repository) Create(ctx context.Context, account Account) (Account, error) {
	account.ID = strings.TrimSpace(account.ID)
	if account.ID == "" {
		return Account{}, fmt.Errorf("users: account id required")
	}
	if err := r.db.WithContext(ctx).Create(&account).Error; err != nil {
		return Account{}, err
	}
	return account, nil
}

// FindActive resolves a user id to an active account.
func (r *Repository) FindActive(ctx context.Context, userID string) (Account, error) {
	var account Account
	err := r.db.WithContext(ctx).
		Where("id = ?", strings.TrimSpace(userID)).
		First(&account).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	if !account.Active() {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

// Deactivate marks an account as suspended. Idempotent.
func (r *Repository) Deactivate(ctx context.Context, userID string) error {
	now := r.now().UTC()
	return r.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ? AND deactivated_at IS NULL", strings.TrimSpace(userID)).
		Update("deactivated_at", now).
		Error
}

// MarkDeleted marks an account as deleted. Idempotent.
func (r *Repository) MarkDeleted(ctx context.Context, userID string) error {
	now := r.now().UTC()
	return r.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ? AND deleted_at IS NULL", strings.TrimSpace(userID)).
		Update("deleted_at", now).
		Error
}

// TouchLastSeen refreshes the account's last seen timestamp. Failures are
// not fatal to the caller's request.
func (r *Repository) TouchLastSeen(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", strings.TrimSpace(userID)).
		Update("last_seen_at", r.now().UTC()).
		Error
}
