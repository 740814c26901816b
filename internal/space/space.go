// Package space models the authorization boundary around documents. Every
// database lives on a page inside a space; a user's space role decides
// whether a collaboration session is writable, read-only or rejected.
package space

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Role orders space access levels from weakest to strongest.
type Role int

const (
	RoleNone Role = iota
	RoleReader
	RoleWriter
	RoleAdmin
)

const (
	roleNameReader = "reader"
	roleNameWriter = "writer"
	roleNameAdmin  = "admin"
)

// String returns the persisted role name.
func (r Role) String() string {
	switch r {
	case RoleReader:
		return roleNameReader
	case RoleWriter:
		return roleNameWriter
	case RoleAdmin:
		return roleNameAdmin
	default:
		return "none"
	}
}

// ParseRole maps a persisted role name to a Role. Unknown names map to
// RoleNone rather than failing, so a row written by a newer version degrades
// to no access instead of blocking resolution.
func ParseRole(value string) Role {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case roleNameReader:
		return RoleReader
	case roleNameWriter:
		return RoleWriter
	case roleNameAdmin:
		return RoleAdmin
	default:
		return RoleNone
	}
}

// CanRead reports whether the role grants read access.
func (r Role) CanRead() bool {
	return r >= RoleReader
}

// CanWrite reports whether the role grants edit access.
func (r Role) CanWrite() bool {
	return r >= RoleWriter
}

// Member records one user's role in one space. A user can hold several
// membership rows for the same space, for example one direct and one
// inherited from a group; resolution takes the strongest.
type Member struct {
	SpaceID   string    `gorm:"column:space_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Source    string    `gorm:"column:source;primaryKey;size:64;not null;default:'direct'"`
	RoleName  string    `gorm:"column:role;size:32;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing space memberships.
func (Member) TableName() string {
	return "space_members"
}

// MemberRepository resolves space roles.
type MemberRepository struct {
	db *gorm.DB
}

// NewMemberRepository constructs the membership repository.
func NewMemberRepository(db *gorm.DB) (*MemberRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("space: database connection required")
	}
	return &MemberRepository{db: db}, nil
}

// Grant upserts one membership row.
func (r *MemberRepository) Grant(ctx context.Context, spaceID, userID, source string, role Role) error {
	if source == "" {
		source = "direct"
	}
	member := Member{
		SpaceID:  strings.TrimSpace(spaceID),
		UserID:   strings.TrimSpace(userID),
		Source:   source,
		RoleName: role.String(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "space_id"}, {Name: "user_id"}, {Name: "source"}},
			DoUpdates: clause.AssignmentColumns([]string{"role"}),
		}).
		Create(&member).
		Error
}

// Revoke removes every membership row a user holds in a space.
func (r *MemberRepository) Revoke(ctx context.Context, spaceID, userID string) error {
	return r.db.WithContext(ctx).
		Where("space_id = ? AND user_id = ?", strings.TrimSpace(spaceID), strings.TrimSpace(userID)).
		Delete(&Member{}).
		Error
}

// ResolveRole returns the strongest role the user holds in the space, or
// RoleNone when no membership exists.
func (r *MemberRepository) ResolveRole(ctx context.Context, spaceID, userID string) (Role, error) {
	var members []Member
	err := r.db.WithContext(ctx).
		Where("space_id = ? AND user_id = ?", strings.TrimSpace(spaceID), strings.TrimSpace(userID)).
		Find(&members).
		Error
	if err != nil {
		return RoleNone, err
	}

	resolved := RoleNone
	for _, member := range members {
		if role := ParseRole(member.RoleName); role > resolved {
			resolved = role
		}
	}
	return resolved, nil
}
