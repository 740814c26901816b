// Package resource stores the metadata side of collaborative documents:
// pages, the database grids embedded in them, and the named views over a
// database. The replicated grid content itself lives in the crdt store; this
// package only answers which space a document belongs to and what it is
// called.
package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Kind distinguishes the two collaborative document flavors.
type Kind string

const (
	KindTable Kind = "table"
	KindPage  Kind = "page"
)

const defaultViewName = "Table"

var (
	// ErrResourceNotFound indicates the referenced page or database does not
	// exist or has been deleted.
	ErrResourceNotFound = errors.New("resource: not found")
	// ErrViewNotFound indicates the referenced view does not exist.
	ErrViewNotFound = errors.New("resource: view not found")
)

// Page is a rich-text document inside a space. Only the fields the
// collaboration surface needs are modeled here.
type Page struct {
	ID        string     `gorm:"column:id;primaryKey;size:190;not null"`
	SpaceID   string     `gorm:"column:space_id;size:190;not null;index"`
	Title     string     `gorm:"column:title;size:512"`
	DeletedAt *time.Time `gorm:"column:deleted_at;index"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing pages.
func (Page) TableName() string {
	return "pages"
}

// Database is one tabular block embedded in a page.
type Database struct {
	ID        string     `gorm:"column:id;primaryKey;size:190;not null"`
	PageID    string     `gorm:"column:page_id;size:190;not null;index"`
	SpaceID   string     `gorm:"column:space_id;size:190;not null;index"`
	Title     string     `gorm:"column:title;size:512"`
	CreatedBy string     `gorm:"column:created_by;size:190;not null"`
	DeletedAt *time.Time `gorm:"column:deleted_at;index"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing databases.
func (Database) TableName() string {
	return "doc_databases"
}

// View is a named rendering of a database. The filter and sort configuration
// is stored opaquely; the backend never evaluates it.
type View struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null"`
	DatabaseID string    `gorm:"column:database_id;size:190;not null;index"`
	Name       string    `gorm:"column:name;size:512;not null"`
	Type       string    `gorm:"column:type;size:32;not null;default:'table'"`
	IsDefault  bool      `gorm:"column:is_default;not null;default:false"`
	ConfigJSON string    `gorm:"column:config_json;type:text;not null;default:'{}'"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing database views.
func (View) TableName() string {
	return "doc_database_views"
}

// Resolved names the space a collaborative document belongs to.
type Resolved struct {
	Kind    Kind
	ID      string
	SpaceID string
}

// IDProvider issues identifiers for databases and views.
type IDProvider interface {
	NewID() (string, error)
}

// RepositoryConfig describes the dependencies of the resource repository.
type RepositoryConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
}

// Repository provides page, database and view persistence.
type Repository struct {
	db  *gorm.DB
	ids IDProvider
}

// NewRepository constructs the resource repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("resource: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("resource: id provider required")
	}
	return &Repository{db: cfg.Database, ids: cfg.IDProvider}, nil
}

// CreatePage persists a page.
func (r *Repository) CreatePage(ctx context.Context, page Page) (Page, error) {
	if strings.TrimSpace(page.ID) == "" {
		id, err := r.ids.NewID()
		if err != nil {
			return Page{}, err
		}
		page.ID = id
	}
	if err := r.db.WithContext(ctx).Create(&page).Error; err != nil {
		return Page{}, err
	}
	return page, nil
}

// CreateDatabaseParams describes a database creation request.
type CreateDatabaseParams struct {
	PageID    string
	Title     string
	CreatedBy string
}

// CreateDatabase creates a database on an existing page together with its
// default table view, atomically. The database inherits the page's space.
func (r *Repository) CreateDatabase(ctx context.Context, params CreateDatabaseParams) (Database, View, error) {
	page, err := r.findPage(ctx, params.PageID)
	if err != nil {
		return Database{}, View{}, err
	}

	databaseID, err := r.ids.NewID()
	if err != nil {
		return Database{}, View{}, err
	}
	viewID, err := r.ids.NewID()
	if err != nil {
		return Database{}, View{}, err
	}

	database := Database{
		ID:        databaseID,
		PageID:    page.ID,
		SpaceID:   page.SpaceID,
		Title:     strings.TrimSpace(params.Title),
		CreatedBy: params.CreatedBy,
	}
	view := View{
		ID:         viewID,
		DatabaseID: databaseID,
		Name:       defaultViewName,
		Type:       "table",
		IsDefault:  true,
		ConfigJSON: "{}",
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&database).Error; err != nil {
			return err
		}
		return tx.Create(&view).Error
	})
	if err != nil {
		return Database{}, View{}, err
	}
	return database, view, nil
}

// FindDatabase loads a live database by id.
func (r *Repository) FindDatabase(ctx context.Context, databaseID string) (Database, error) {
	var database Database
	err := r.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", strings.TrimSpace(databaseID)).
		First(&database).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Database{}, ErrResourceNotFound
	}
	if err != nil {
		return Database{}, err
	}
	return database, nil
}

// UpdateTitle renames a database.
func (r *Repository) UpdateTitle(ctx context.Context, databaseID, title string) (Database, error) {
	database, err := r.FindDatabase(ctx, databaseID)
	if err != nil {
		return Database{}, err
	}
	database.Title = strings.TrimSpace(title)
	if err := r.db.WithContext(ctx).
		Model(&Database{}).
		Where("id = ?", database.ID).
		Update("title", database.Title).
		Error; err != nil {
		return Database{}, err
	}
	return database, nil
}

// CreateViewParams describes a view creation request.
type CreateViewParams struct {
	DatabaseID string
	Name       string
	IsDefault  bool
}

// CreateView adds a named view to a live database. When the view is marked
// default, the flag is cleared on its siblings in the same transaction.
func (r *Repository) CreateView(ctx context.Context, params CreateViewParams) (View, error) {
	database, err := r.FindDatabase(ctx, params.DatabaseID)
	if err != nil {
		return View{}, err
	}

	viewID, err := r.ids.NewID()
	if err != nil {
		return View{}, err
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		name = defaultViewName
	}
	view := View{
		ID:         viewID,
		DatabaseID: database.ID,
		Name:       name,
		Type:       "table",
		IsDefault:  params.IsDefault,
		ConfigJSON: "{}",
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if view.IsDefault {
			if err := tx.Model(&View{}).
				Where("database_id = ?", view.DatabaseID).
				Update("is_default", false).
				Error; err != nil {
				return err
			}
		}
		return tx.Create(&view).Error
	})
	if err != nil {
		return View{}, err
	}
	return view, nil
}

// ListViews returns a database's views, default view first.
func (r *Repository) ListViews(ctx context.Context, databaseID string) ([]View, error) {
	var views []View
	err := r.db.WithContext(ctx).
		Where("database_id = ?", strings.TrimSpace(databaseID)).
		Order("is_default DESC, created_at ASC").
		Find(&views).
		Error
	if err != nil {
		return nil, err
	}
	return views, nil
}

// SetDefaultView makes one view the default and clears the flag on its
// siblings, atomically.
func (r *Repository) SetDefaultView(ctx context.Context, databaseID, viewID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var view View
		err := tx.Where("id = ? AND database_id = ?", strings.TrimSpace(viewID), strings.TrimSpace(databaseID)).
			First(&view).
			Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrViewNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&View{}).
			Where("database_id = ? AND id <> ?", view.DatabaseID, view.ID).
			Update("is_default", false).
			Error; err != nil {
			return err
		}
		return tx.Model(&View{}).
			Where("id = ?", view.ID).
			Update("is_default", true).
			Error
	})
}

// Resolve maps a document reference to the space that owns it.
func (r *Repository) Resolve(ctx context.Context, kind Kind, id string) (Resolved, error) {
	switch kind {
	case KindTable:
		database, err := r.FindDatabase(ctx, id)
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Kind: KindTable, ID: database.ID, SpaceID: database.SpaceID}, nil
	case KindPage:
		page, err := r.findPage(ctx, id)
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Kind: KindPage, ID: page.ID, SpaceID: page.SpaceID}, nil
	default:
		return Resolved{}, ErrResourceNotFound
	}
}

func (r *Repository) findPage(ctx context.Context, pageID string) (Page, error) {
	var page Page
	err := r.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", strings.TrimSpace(pageID)).
		First(&page).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Page{}, ErrResourceNotFound
	}
	if err != nil {
		return Page{}, err
	}
	return page, nil
}
