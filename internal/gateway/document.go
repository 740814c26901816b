// Package gateway multiplexes websocket collaboration sessions onto
// in-memory document rooms. Every named document gets at most one room; the
// room's single goroutine owns the replicated state, serializes all
// mutations, relays updates between sessions and drives debounced
// persistence. The gateway itself only admits connections and routes frames.
package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Allenskoo856/mydocmost/internal/resource"
	"github.com/google/uuid"
)

// ErrInvalidDocumentName indicates a document reference that does not follow
// the <kind>.<uuid> format.
var ErrInvalidDocumentName = errors.New("gateway: invalid document name")

// DocumentName references one collaborative document.
type DocumentName struct {
	Kind resource.Kind
	ID   string
}

// String renders the canonical <kind>.<uuid> form.
func (n DocumentName) String() string {
	return string(n.Kind) + "." + n.ID
}

// ParseDocumentName parses a raw document reference. Supported kinds are
// "table" and "page"; the identifier must be a valid UUID.
func ParseDocumentName(raw string) (DocumentName, error) {
	kindPart, idPart, found := strings.Cut(strings.TrimSpace(raw), ".")
	if !found {
		return DocumentName{}, fmt.Errorf("%w: missing separator", ErrInvalidDocumentName)
	}

	kind := resource.Kind(kindPart)
	if kind != resource.KindTable && kind != resource.KindPage {
		return DocumentName{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidDocumentName, kindPart)
	}
	parsed, err := uuid.Parse(idPart)
	if err != nil {
		return DocumentName{}, fmt.Errorf("%w: malformed identifier", ErrInvalidDocumentName)
	}
	return DocumentName{Kind: kind, ID: parsed.String()}, nil
}
