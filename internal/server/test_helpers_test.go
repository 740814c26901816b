package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Allenskoo856/mydocmost/internal/auth"
	"github.com/Allenskoo856/mydocmost/internal/resource"
	"github.com/Allenskoo856/mydocmost/internal/space"
	"github.com/gin-gonic/gin"
)

const (
	testPageID     = "page-1"
	testDatabaseID = "db-1"
	testSpaceID    = "space-main"
	testWriterID   = "user-writer"
	testReaderID   = "user-reader"
)

// stubTokenAuthority validates any token found in the subjects map.
type stubTokenAuthority struct {
	subjects    map[string]auth.Claims
	validateErr error
	issueErr    error
}

func (s *stubTokenAuthority) ValidateAPIToken(token string) (auth.Claims, error) {
	if s.validateErr != nil {
		return auth.Claims{}, s.validateErr
	}
	claims, ok := s.subjects[token]
	if !ok {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return claims, nil
}

func (s *stubTokenAuthority) IssueCollabToken(_ context.Context, claims auth.Claims) (string, int64, error) {
	if s.issueErr != nil {
		return "", 0, s.issueErr
	}
	return "collab-for-" + claims.UserID, 3600, nil
}

// stubResourceService keeps databases and views in memory.
type stubResourceService struct {
	pages     map[string]resource.Resolved
	databases map[string]resource.Database
	views     map[string][]resource.View
	nextID    int
}

func newStubResourceService() *stubResourceService {
	return &stubResourceService{
		pages: map[string]resource.Resolved{
			testPageID: {Kind: resource.KindPage, ID: testPageID, SpaceID: testSpaceID},
		},
		databases: map[string]resource.Database{
			testDatabaseID: {ID: testDatabaseID, PageID: testPageID, SpaceID: testSpaceID, Title: "Tasks"},
		},
		views: map[string][]resource.View{
			testDatabaseID: {
				{ID: "view-1", DatabaseID: testDatabaseID, Name: "Table", Type: "table", IsDefault: true},
				{ID: "view-2", DatabaseID: testDatabaseID, Name: "Archive", Type: "table"},
			},
		},
	}
}

func (s *stubResourceService) newID() string {
	s.nextID++
	return fmt.Sprintf("stub-%03d", s.nextID)
}

func (s *stubResourceService) CreateDatabase(_ context.Context, params resource.CreateDatabaseParams) (resource.Database, resource.View, error) {
	page, ok := s.pages[params.PageID]
	if !ok {
		return resource.Database{}, resource.View{}, resource.ErrResourceNotFound
	}
	database := resource.Database{
		ID:        s.newID(),
		PageID:    params.PageID,
		SpaceID:   page.SpaceID,
		Title:     params.Title,
		CreatedBy: params.CreatedBy,
	}
	view := resource.View{ID: s.newID(), DatabaseID: database.ID, Name: "Table", Type: "table", IsDefault: true}
	s.databases[database.ID] = database
	s.views[database.ID] = []resource.View{view}
	return database, view, nil
}

func (s *stubResourceService) CreateView(_ context.Context, params resource.CreateViewParams) (resource.View, error) {
	if _, ok := s.databases[params.DatabaseID]; !ok {
		return resource.View{}, resource.ErrResourceNotFound
	}
	name := params.Name
	if name == "" {
		name = "Table"
	}
	view := resource.View{
		ID:         s.newID(),
		DatabaseID: params.DatabaseID,
		Name:       name,
		Type:       "table",
		IsDefault:  params.IsDefault,
	}
	views := s.views[params.DatabaseID]
	if view.IsDefault {
		for index := range views {
			views[index].IsDefault = false
		}
	}
	s.views[params.DatabaseID] = append(views, view)
	return view, nil
}

func (s *stubResourceService) FindDatabase(_ context.Context, databaseID string) (resource.Database, error) {
	database, ok := s.databases[databaseID]
	if !ok {
		return resource.Database{}, resource.ErrResourceNotFound
	}
	return database, nil
}

func (s *stubResourceService) UpdateTitle(_ context.Context, databaseID, title string) (resource.Database, error) {
	database, ok := s.databases[databaseID]
	if !ok {
		return resource.Database{}, resource.ErrResourceNotFound
	}
	database.Title = title
	s.databases[databaseID] = database
	return database, nil
}

func (s *stubResourceService) ListViews(_ context.Context, databaseID string) ([]resource.View, error) {
	return s.views[databaseID], nil
}

func (s *stubResourceService) SetDefaultView(_ context.Context, databaseID, viewID string) error {
	views := s.views[databaseID]
	found := false
	for _, view := range views {
		if view.ID == viewID {
			found = true
		}
	}
	if !found {
		return resource.ErrViewNotFound
	}
	for index := range views {
		views[index].IsDefault = views[index].ID == viewID
	}
	return nil
}

func (s *stubResourceService) Resolve(_ context.Context, kind resource.Kind, id string) (resource.Resolved, error) {
	switch kind {
	case resource.KindPage:
		resolved, ok := s.pages[id]
		if !ok {
			return resource.Resolved{}, resource.ErrResourceNotFound
		}
		return resolved, nil
	case resource.KindTable:
		database, ok := s.databases[id]
		if !ok {
			return resource.Resolved{}, resource.ErrResourceNotFound
		}
		return resource.Resolved{Kind: kind, ID: id, SpaceID: database.SpaceID}, nil
	default:
		return resource.Resolved{}, resource.ErrResourceNotFound
	}
}

// stubRoleDirectory assigns one fixed role per user.
type stubRoleDirectory struct {
	roles map[string]space.Role
	err   error
}

func (s *stubRoleDirectory) ResolveRole(_ context.Context, _, userID string) (space.Role, error) {
	if s.err != nil {
		return space.RoleNone, s.err
	}
	return s.roles[userID], nil
}

func mustHandler(t *testing.T, resources *stubResourceService) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		TokenAuthority: &stubTokenAuthority{subjects: map[string]auth.Claims{
			"writer-token": {UserID: testWriterID, WorkspaceID: "workspace-1"},
			"reader-token": {UserID: testReaderID, WorkspaceID: "workspace-1"},
		}},
		ResourceService: resources,
		RoleDirectory: &stubRoleDirectory{roles: map[string]space.Role{
			testWriterID: space.RoleWriter,
			testReaderID: space.RoleReader,
		}},
		CollabHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusSwitchingProtocols)
		}),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

var errStubFailure = errors.New("stub failure")
