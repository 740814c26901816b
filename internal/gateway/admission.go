package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/Allenskoo856/mydocmost/internal/auth"
	"github.com/Allenskoo856/mydocmost/internal/resource"
	"github.com/Allenskoo856/mydocmost/internal/space"
	"github.com/Allenskoo856/mydocmost/internal/users"
	"go.uber.org/zap"
)

// Machine-readable rejection reasons sent to the client before the
// connection is closed.
const (
	RejectReasonInvalidToken     = "invalid_token"
	RejectReasonResourceNotFound = "resource_not_found"
	RejectReasonUnauthorized     = "unauthorized"
)

// RejectionError reports why a connection was refused. Infrastructure
// failures are deliberately not rejections: they carry no reason and close
// the connection without a verdict the client could cache.
type RejectionError struct {
	Reason string
	cause  error
}

func (e *RejectionError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("gateway: rejected (%s)", e.Reason)
	}
	return fmt.Sprintf("gateway: rejected (%s): %v", e.Reason, e.cause)
}

func (e *RejectionError) Unwrap() error {
	return e.cause
}

func newRejection(reason string, cause error) *RejectionError {
	return &RejectionError{Reason: reason, cause: cause}
}

// TokenValidator validates collaboration tokens.
type TokenValidator interface {
	ValidateCollabToken(token string) (auth.Claims, error)
}

// AccountDirectory resolves user ids to active accounts.
type AccountDirectory interface {
	FindActive(ctx context.Context, userID string) (users.Account, error)
}

// ResourceResolver maps a document reference to its owning space.
type ResourceResolver interface {
	Resolve(ctx context.Context, kind resource.Kind, id string) (resource.Resolved, error)
}

// RoleResolver resolves a user's role within a space.
type RoleResolver interface {
	ResolveRole(ctx context.Context, spaceID, userID string) (space.Role, error)
}

// Admission is the verdict for an accepted connection.
type Admission struct {
	UserID   string
	Document DocumentName
	SpaceID  string
	ReadOnly bool
}

// AdmitterConfig describes the dependencies of connection admission.
type AdmitterConfig struct {
	Tokens    TokenValidator
	Accounts  AccountDirectory
	Resources ResourceResolver
	Members   RoleResolver
	Logger    *zap.Logger
}

// Admitter authenticates and authorizes incoming collaboration connections:
// collab token, active account, document resolution, space role. Reader
// roles are admitted read-only; everything weaker is rejected.
type Admitter struct {
	tokens    TokenValidator
	accounts  AccountDirectory
	resources ResourceResolver
	members   RoleResolver
	logger    *zap.Logger
}

// NewAdmitter constructs an Admitter.
func NewAdmitter(cfg AdmitterConfig) (*Admitter, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("gateway: token validator required")
	}
	if cfg.Accounts == nil {
		return nil, errors.New("gateway: account directory required")
	}
	if cfg.Resources == nil {
		return nil, errors.New("gateway: resource resolver required")
	}
	if cfg.Members == nil {
		return nil, errors.New("gateway: role resolver required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Admitter{
		tokens:    cfg.Tokens,
		accounts:  cfg.Accounts,
		resources: cfg.Resources,
		members:   cfg.Members,
		logger:    logger,
	}, nil
}

// Admit runs the full admission chain for one handshake. It returns a
// RejectionError for verdicts the client should see, and a plain error for
// infrastructure failures.
func (a *Admitter) Admit(ctx context.Context, rawDocument, token string) (Admission, error) {
	document, err := ParseDocumentName(rawDocument)
	if err != nil {
		return Admission{}, newRejection(RejectReasonResourceNotFound, err)
	}

	claims, err := a.tokens.ValidateCollabToken(token)
	if err != nil {
		a.logger.Warn("collab token validation failed",
			zap.String("document", document.String()),
			zap.Error(err))
		return Admission{}, newRejection(RejectReasonInvalidToken, err)
	}

	account, err := a.accounts.FindActive(ctx, claims.UserID)
	if errors.Is(err, users.ErrAccountNotFound) {
		return Admission{}, newRejection(RejectReasonUnauthorized, err)
	}
	if err != nil {
		return Admission{}, fmt.Errorf("gateway: account lookup: %w", err)
	}

	resolved, err := a.resources.Resolve(ctx, document.Kind, document.ID)
	if errors.Is(err, resource.ErrResourceNotFound) {
		return Admission{}, newRejection(RejectReasonResourceNotFound, err)
	}
	if err != nil {
		return Admission{}, fmt.Errorf("gateway: resource resolution: %w", err)
	}

	role, err := a.members.ResolveRole(ctx, resolved.SpaceID, account.ID)
	if err != nil {
		return Admission{}, fmt.Errorf("gateway: role resolution: %w", err)
	}
	if !role.CanRead() {
		return Admission{}, newRejection(RejectReasonUnauthorized, nil)
	}

	return Admission{
		UserID:   account.ID,
		Document: document,
		SpaceID:  resolved.SpaceID,
		ReadOnly: !role.CanWrite(),
	}, nil
}
