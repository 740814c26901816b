package resource

import (
	"context"
	"errors"
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("id-%03d", s.next), nil
}

func mustResourceRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Page{}, &Database{}, &View{}); err != nil {
		t.Fatalf("failed to migrate resource schema: %v", err)
	}
	repository, err := NewRepository(RepositoryConfig{Database: db, IDProvider: &sequentialIDs{}})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	return repository
}

func mustPage(t *testing.T, repository *Repository, spaceID string) Page {
	t.Helper()
	page, err := repository.CreatePage(context.Background(), Page{SpaceID: spaceID, Title: "Notes"})
	if err != nil {
		t.Fatalf("create page failed: %v", err)
	}
	return page
}

func TestCreateDatabaseProvisionsDefaultView(testContext *testing.T) {
	repository := mustResourceRepository(testContext)
	page := mustPage(testContext, repository, "space-1")

	database, view, err := repository.CreateDatabase(context.Background(), CreateDatabaseParams{
		PageID:    page.ID,
		Title:     "Tasks",
		CreatedBy: "user-1",
	})
	if err != nil {
		testContext.Fatalf("create database failed: %v", err)
	}
	if database.SpaceID != "space-1" {
		testContext.Fatalf("expected database to inherit the page's space, got %q", database.SpaceID)
	}
	if !view.IsDefault || view.Type != "table" || view.DatabaseID != database.ID {
		testContext.Fatalf("unexpected default view %+v", view)
	}

	views, err := repository.ListViews(context.Background(), database.ID)
	if err != nil {
		testContext.Fatalf("list views failed: %v", err)
	}
	if len(views) != 1 || views[0].ID != view.ID {
		testContext.Fatalf("expected exactly the default view, got %+v", views)
	}
}

func TestCreateDatabaseRequiresLivePage(testContext *testing.T) {
	repository := mustResourceRepository(testContext)
	_, _, err := repository.CreateDatabase(context.Background(), CreateDatabaseParams{
		PageID:    "missing",
		Title:     "Tasks",
		CreatedBy: "user-1",
	})
	if !errors.Is(err, ErrResourceNotFound) {
		testContext.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestUpdateTitleRenamesDatabase(testContext *testing.T) {
	repository := mustResourceRepository(testContext)
	page := mustPage(testContext, repository, "space-1")
	database, _, err := repository.CreateDatabase(context.Background(), CreateDatabaseParams{
		PageID: page.ID, Title: "Tasks", CreatedBy: "user-1",
	})
	if err != nil {
		testContext.Fatalf("create database failed: %v", err)
	}

	renamed, err := repository.UpdateTitle(context.Background(), database.ID, "  Sprint board ")
	if err != nil {
		testContext.Fatalf("rename failed: %v", err)
	}
	if renamed.Title != "Sprint board" {
		testContext.Fatalf("expected trimmed title, got %q", renamed.Title)
	}

	if _, err := repository.UpdateTitle(context.Background(), "missing", "x"); !errors.Is(err, ErrResourceNotFound) {
		testContext.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestSetDefaultViewSwitchesExclusively(testContext *testing.T) {
	repository := mustResourceRepository(testContext)
	page := mustPage(testContext, repository, "space-1")
	database, defaultView, err := repository.CreateDatabase(context.Background(), CreateDatabaseParams{
		PageID: page.ID, Title: "Tasks", CreatedBy: "user-1",
	})
	if err != nil {
		testContext.Fatalf("create database failed: %v", err)
	}

	second := View{ID: "view-extra", DatabaseID: database.ID, Name: "Mine", Type: "table", ConfigJSON: "{}"}
	if err := repository.db.Create(&second).Error; err != nil {
		testContext.Fatalf("seed view failed: %v", err)
	}

	if err := repository.SetDefaultView(context.Background(), database.ID, second.ID); err != nil {
		testContext.Fatalf("set default failed: %v", err)
	}
	views, err := repository.ListViews(context.Background(), database.ID)
	if err != nil {
		testContext.Fatalf("list views failed: %v", err)
	}
	if views[0].ID != second.ID || !views[0].IsDefault {
		testContext.Fatalf("expected the new default first, got %+v", views)
	}
	for _, view := range views[1:] {
		if view.IsDefault {
			testContext.Fatalf("expected a single default view, got %+v", views)
		}
	}
	if views[1].ID != defaultView.ID {
		testContext.Fatalf("expected the original view to remain, got %+v", views)
	}

	if err := repository.SetDefaultView(context.Background(), database.ID, "missing"); !errors.Is(err, ErrViewNotFound) {
		testContext.Fatalf("expected ErrViewNotFound, got %v", err)
	}
}

func TestResolveMapsDocumentsToSpaces(testContext *testing.T) {
	repository := mustResourceRepository(testContext)
	page := mustPage(testContext, repository, "space-9")
	database, _, err := repository.CreateDatabase(context.Background(), CreateDatabaseParams{
		PageID: page.ID, Title: "Tasks", CreatedBy: "user-1",
	})
	if err != nil {
		testContext.Fatalf("create database failed: %v", err)
	}

	resolved, err := repository.Resolve(context.Background(), KindTable, database.ID)
	if err != nil {
		testContext.Fatalf("resolve table failed: %v", err)
	}
	if resolved.SpaceID != "space-9" || resolved.Kind != KindTable {
		testContext.Fatalf("unexpected resolution %+v", resolved)
	}

	resolved, err = repository.Resolve(context.Background(), KindPage, page.ID)
	if err != nil {
		testContext.Fatalf("resolve page failed: %v", err)
	}
	if resolved.SpaceID != "space-9" || resolved.Kind != KindPage {
		testContext.Fatalf("unexpected resolution %+v", resolved)
	}

	if _, err := repository.Resolve(context.Background(), KindTable, "missing"); !errors.Is(err, ErrResourceNotFound) {
		testContext.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
	if _, err := repository.Resolve(context.Background(), Kind("blob"), "x"); !errors.Is(err, ErrResourceNotFound) {
		testContext.Fatalf("expected unknown kind to be not found, got %v", err)
	}
}

func TestCreateViewAppendsNamedView(testContext *testing.T) {
	repository := mustResourceRepository(testContext)
	page := mustPage(testContext, repository, "space-1")
	database, defaultView, err := repository.CreateDatabase(context.Background(), CreateDatabaseParams{
		PageID:    page.ID,
		Title:     "Tasks",
		CreatedBy: "user-1",
	})
	if err != nil {
		testContext.Fatalf("create database failed: %v", err)
	}

	created, err := repository.CreateView(context.Background(), CreateViewParams{
		DatabaseID: database.ID,
		Name:       "Archive",
	})
	if err != nil {
		testContext.Fatalf("create view failed: %v", err)
	}
	if created.IsDefault || created.Name != "Archive" || created.Type != "table" {
		testContext.Fatalf("unexpected view %+v", created)
	}

	views, err := repository.ListViews(context.Background(), database.ID)
	if err != nil {
		testContext.Fatalf("list views failed: %v", err)
	}
	if len(views) != 2 || views[0].ID != defaultView.ID {
		testContext.Fatalf("expected default view first, got %+v", views)
	}
}

func TestCreateViewAsDefaultDemotesSiblings(testContext *testing.T) {
	repository := mustResourceRepository(testContext)
	page := mustPage(testContext, repository, "space-1")
	database, defaultView, err := repository.CreateDatabase(context.Background(), CreateDatabaseParams{
		PageID:    page.ID,
		Title:     "Tasks",
		CreatedBy: "user-1",
	})
	if err != nil {
		testContext.Fatalf("create database failed: %v", err)
	}

	promoted, err := repository.CreateView(context.Background(), CreateViewParams{
		DatabaseID: database.ID,
		Name:       "Board",
		IsDefault:  true,
	})
	if err != nil {
		testContext.Fatalf("create view failed: %v", err)
	}

	views, err := repository.ListViews(context.Background(), database.ID)
	if err != nil {
		testContext.Fatalf("list views failed: %v", err)
	}
	defaults := 0
	for _, view := range views {
		if view.IsDefault {
			defaults++
			if view.ID != promoted.ID {
				testContext.Fatalf("expected %q to be default, got %+v", promoted.ID, view)
			}
		}
		if view.ID == defaultView.ID && view.IsDefault {
			testContext.Fatalf("previous default must be demoted")
		}
	}
	if defaults != 1 {
		testContext.Fatalf("expected exactly one default view, got %d", defaults)
	}
}

func TestCreateViewBlankNameFallsBackToDefault(testContext *testing.T) {
	repository := mustResourceRepository(testContext)
	page := mustPage(testContext, repository, "space-1")
	database, _, err := repository.CreateDatabase(context.Background(), CreateDatabaseParams{
		PageID:    page.ID,
		Title:     "Tasks",
		CreatedBy: "user-1",
	})
	if err != nil {
		testContext.Fatalf("create database failed: %v", err)
	}

	created, err := repository.CreateView(context.Background(), CreateViewParams{DatabaseID: database.ID})
	if err != nil {
		testContext.Fatalf("create view failed: %v", err)
	}
	if created.Name != "Table" {
		testContext.Fatalf("expected fallback view name, got %q", created.Name)
	}
}

func TestCreateViewRequiresLiveDatabase(testContext *testing.T) {
	repository := mustResourceRepository(testContext)
	_, err := repository.CreateView(context.Background(), CreateViewParams{DatabaseID: "missing"})
	if !errors.Is(err, ErrResourceNotFound) {
		testContext.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}
