package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/Allenskoo856/mydocmost/internal/auth"
	"github.com/Allenskoo856/mydocmost/internal/resource"
	"github.com/Allenskoo856/mydocmost/internal/space"
	"github.com/Allenskoo856/mydocmost/internal/users"
)

func assertRejection(t *testing.T, err error, reason string) {
	t.Helper()
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if rejection.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, rejection.Reason)
	}
}

func TestAdmitWriterGetsReadWriteSession(testContext *testing.T) {
	admitter := mustAdmitter(testContext)

	admission, err := admitter.Admit(context.Background(), "table."+testTableID, "writer-token")
	if err != nil {
		testContext.Fatalf("unexpected admission error: %v", err)
	}
	if admission.UserID != testUserID || admission.SpaceID != testSpaceID {
		testContext.Fatalf("unexpected admission %+v", admission)
	}
	if admission.ReadOnly {
		testContext.Fatalf("writer should not be read-only")
	}
}

func TestAdmitReaderGetsReadOnlySession(testContext *testing.T) {
	admitter := mustAdmitter(testContext)

	admission, err := admitter.Admit(context.Background(), "table."+testTableID, "reader-token")
	if err != nil {
		testContext.Fatalf("unexpected admission error: %v", err)
	}
	if !admission.ReadOnly {
		testContext.Fatalf("reader should be read-only")
	}
}

func TestAdmitRejectsUnknownToken(testContext *testing.T) {
	admitter := mustAdmitter(testContext)

	_, err := admitter.Admit(context.Background(), "table."+testTableID, "forged-token")
	assertRejection(testContext, err, RejectReasonInvalidToken)
}

func TestAdmitRejectsMalformedDocumentAsNotFound(testContext *testing.T) {
	admitter := mustAdmitter(testContext)

	_, err := admitter.Admit(context.Background(), "widget.12345", "writer-token")
	assertRejection(testContext, err, RejectReasonResourceNotFound)
}

func TestAdmitRejectsUnknownResource(testContext *testing.T) {
	admitter := mustAdmitter(testContext)

	_, err := admitter.Admit(context.Background(), "table.018f9aaa-0000-7000-8000-0000000000ff", "writer-token")
	assertRejection(testContext, err, RejectReasonResourceNotFound)
}

func TestAdmitRejectsDeactivatedAccount(testContext *testing.T) {
	admitter := mustAdmitter(testContext)

	// The token is valid but no active account backs it.
	_, err := admitter.Admit(context.Background(), "table."+testTableID, "ghost-token")
	assertRejection(testContext, err, RejectReasonUnauthorized)
}

func TestAdmitRejectsMemberWithoutReadAccess(testContext *testing.T) {
	admitter, err := NewAdmitter(AdmitterConfig{
		Tokens: &fakeTokens{claims: map[string]auth.Claims{
			"writer-token": {UserID: testUserID},
		}},
		Accounts: &fakeAccounts{active: map[string]users.Account{
			testUserID: {ID: testUserID},
		}},
		Resources: &fakeResources{known: map[string]resource.Resolved{
			testTableID: {ID: testTableID, SpaceID: testSpaceID},
		}},
		Members: &fakeMembers{roles: map[string]space.Role{}},
	})
	if err != nil {
		testContext.Fatalf("failed to create admitter: %v", err)
	}

	_, err = admitter.Admit(context.Background(), "table."+testTableID, "writer-token")
	assertRejection(testContext, err, RejectReasonUnauthorized)
}

func TestAdmitInfrastructureFailureIsNotARejection(testContext *testing.T) {
	admitter, err := NewAdmitter(AdmitterConfig{
		Tokens: &fakeTokens{claims: map[string]auth.Claims{
			"writer-token": {UserID: testUserID},
		}},
		Accounts:  &fakeAccounts{err: errDatabaseDown},
		Resources: &fakeResources{},
		Members:   &fakeMembers{},
	})
	if err != nil {
		testContext.Fatalf("failed to create admitter: %v", err)
	}

	_, err = admitter.Admit(context.Background(), "table."+testTableID, "writer-token")
	if err == nil {
		testContext.Fatalf("expected an error")
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		testContext.Fatalf("infrastructure failure must not carry a verdict, got %v", err)
	}
	if !errors.Is(err, errDatabaseDown) {
		testContext.Fatalf("expected wrapped cause, got %v", err)
	}
}
