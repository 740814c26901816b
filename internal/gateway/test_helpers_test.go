package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Allenskoo856/mydocmost/internal/auth"
	"github.com/Allenskoo856/mydocmost/internal/persistence"
	"github.com/Allenskoo856/mydocmost/internal/resource"
	"github.com/Allenskoo856/mydocmost/internal/space"
	"github.com/Allenskoo856/mydocmost/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testTableID  = "018f9aaa-0000-7000-8000-000000000001"
	testSpaceID  = "space-main"
	testUserID   = "user-writer"
	testReaderID = "user-reader"
)

func testDocument(t *testing.T) DocumentName {
	t.Helper()
	name, err := ParseDocumentName("table." + testTableID)
	if err != nil {
		t.Fatalf("failed to parse test document: %v", err)
	}
	return name
}

// fakeTokens maps raw token strings to claims.
type fakeTokens struct {
	claims map[string]auth.Claims
}

func (f *fakeTokens) ValidateCollabToken(token string) (auth.Claims, error) {
	claims, ok := f.claims[token]
	if !ok {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return claims, nil
}

// fakeAccounts serves a fixed set of active accounts.
type fakeAccounts struct {
	active map[string]users.Account
	err    error
}

func (f *fakeAccounts) FindActive(_ context.Context, userID string) (users.Account, error) {
	if f.err != nil {
		return users.Account{}, f.err
	}
	account, ok := f.active[userID]
	if !ok {
		return users.Account{}, users.ErrAccountNotFound
	}
	return account, nil
}

// fakeResources resolves every known id into one space.
type fakeResources struct {
	known map[string]resource.Resolved
}

func (f *fakeResources) Resolve(_ context.Context, kind resource.Kind, id string) (resource.Resolved, error) {
	resolved, ok := f.known[id]
	if !ok {
		return resource.Resolved{}, resource.ErrResourceNotFound
	}
	resolved.Kind = kind
	return resolved, nil
}

// fakeMembers assigns a fixed role per user.
type fakeMembers struct {
	roles map[string]space.Role
	err   error
}

func (f *fakeMembers) ResolveRole(_ context.Context, _, userID string) (space.Role, error) {
	if f.err != nil {
		return space.RoleNone, f.err
	}
	return f.roles[userID], nil
}

// mustAdmitter builds an admitter over fakes with one writer, one reader
// and one known table document.
func mustAdmitter(t *testing.T) *Admitter {
	t.Helper()
	admitter, err := NewAdmitter(AdmitterConfig{
		Tokens: &fakeTokens{claims: map[string]auth.Claims{
			"writer-token": {UserID: testUserID, WorkspaceID: "workspace-1"},
			"reader-token": {UserID: testReaderID, WorkspaceID: "workspace-1"},
			"ghost-token":  {UserID: "user-ghost", WorkspaceID: "workspace-1"},
		}},
		Accounts: &fakeAccounts{active: map[string]users.Account{
			testUserID:   {ID: testUserID, Email: "writer@example.com"},
			testReaderID: {ID: testReaderID, Email: "reader@example.com"},
		}},
		Resources: &fakeResources{known: map[string]resource.Resolved{
			testTableID: {ID: testTableID, SpaceID: testSpaceID},
		}},
		Members: &fakeMembers{roles: map[string]space.Role{
			testUserID:   space.RoleWriter,
			testReaderID: space.RoleReader,
		}},
	})
	if err != nil {
		t.Fatalf("failed to create admitter: %v", err)
	}
	return admitter
}

func mustStore(t *testing.T) *persistence.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&persistence.DocumentSnapshot{}, &persistence.DocumentUpdate{}); err != nil {
		t.Fatalf("failed to migrate persistence schema: %v", err)
	}
	store, err := persistence.NewStore(persistence.StoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

// sequentialIDs hands out deterministic element ids.
type sequentialIDs struct {
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("elem-%03d", s.next), nil
}

var errDatabaseDown = errors.New("database down")
