package table

import (
	"encoding/json"
	"sync"

	"github.com/Allenskoo856/mydocmost/internal/crdt"
)

// Column is the read-model view of one column.
type Column struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Type    FieldType      `json:"type"`
	Width   int            `json:"width"`
	Hidden  bool           `json:"hidden"`
	Options []SelectOption `json:"options,omitempty"`
}

// Row is the read-model view of one row. Cells maps column id to the raw
// JSON cell value; unset cells are absent from the map.
type Row struct {
	ID        string                     `json:"id"`
	Cells     map[string]json.RawMessage `json:"cells"`
	CreatedAt int64                      `json:"createdAt"`
	UpdatedAt int64                      `json:"updatedAt"`
}

// Projection is an immutable snapshot of the grid. Columns carries only
// visible columns in document order; hidden columns are filtered out but
// their ids are listed so clients can offer to restore them. Version
// increases by one for every document change, so two projections with the
// same version are interchangeable.
type Projection struct {
	Version   uint64   `json:"version"`
	Columns   []Column `json:"columns"`
	Rows      []Row    `json:"rows"`
	HiddenIDs []string `json:"hiddenColumnIds,omitempty"`
}

// Projector derives Projections from a live document. Recomputation is
// lazy: document changes only bump the version and mark the cached
// projection stale, and the next Snapshot call pays for the rebuild. A
// burst of updates therefore costs one rebuild, not one per update.
type Projector struct {
	doc *crdt.Doc

	mu      sync.Mutex
	version uint64
	dirty   bool
	cached  *Projection

	unsubscribe func()
}

// NewProjector attaches a projector to the document. Close releases the
// subscription.
func NewProjector(doc *crdt.Doc) *Projector {
	p := &Projector{doc: doc, dirty: true}
	p.unsubscribe = doc.Subscribe(p.invalidate)
	return p
}

func (p *Projector) invalidate() {
	p.mu.Lock()
	p.version++
	p.dirty = true
	p.mu.Unlock()
}

// Close detaches the projector from the document. The last snapshot stays
// readable but no longer tracks changes.
func (p *Projector) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
}

// Snapshot returns the current projection. The returned value is never
// mutated afterwards and is safe to share across goroutines.
func (p *Projector) Snapshot() *Projection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty && p.cached != nil {
		return p.cached
	}
	p.cached = p.project()
	p.dirty = false
	return p.cached
}

// Version reports the current document version without forcing a rebuild.
func (p *Projector) Version() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

func (p *Projector) project() *Projection {
	projection := &Projection{
		Version: p.version,
		Columns: []Column{},
		Rows:    []Row{},
	}

	for _, elem := range p.doc.Elements(listColumns) {
		column := decodeColumn(elem)
		if column.Hidden {
			projection.HiddenIDs = append(projection.HiddenIDs, column.ID)
			continue
		}
		projection.Columns = append(projection.Columns, column)
	}

	for _, elem := range p.doc.Elements(listRows) {
		projection.Rows = append(projection.Rows, decodeRow(elem))
	}
	return projection
}

func decodeColumn(elem crdt.Element) Column {
	column := Column{
		ID:    elem.ID,
		Type:  FieldText,
		Width: DefaultColumnWidth,
	}
	if raw, ok := elem.Attrs[attrName]; ok {
		_ = json.Unmarshal(raw, &column.Name)
	}
	if raw, ok := elem.Attrs[attrType]; ok {
		var fieldType string
		if err := json.Unmarshal(raw, &fieldType); err == nil && FieldType(fieldType).IsValid() {
			column.Type = FieldType(fieldType)
		}
	}
	if raw, ok := elem.Attrs[attrWidth]; ok {
		var width int
		if err := json.Unmarshal(raw, &width); err == nil {
			column.Width = ClampWidth(width)
		}
	}
	if raw, ok := elem.Attrs[attrHidden]; ok {
		_ = json.Unmarshal(raw, &column.Hidden)
	}
	if raw, ok := elem.Attrs[attrOptions]; ok {
		_ = json.Unmarshal(raw, &column.Options)
	}
	return column
}

func decodeRow(elem crdt.Element) Row {
	row := Row{
		ID:    elem.ID,
		Cells: make(map[string]json.RawMessage, len(elem.Cells)),
	}
	for columnID, value := range elem.Cells {
		if string(value) == "null" {
			continue
		}
		row.Cells[columnID] = json.RawMessage(append([]byte(nil), value...))
	}
	if raw, ok := elem.Attrs[attrCreatedAt]; ok {
		_ = json.Unmarshal(raw, &row.CreatedAt)
	}
	if raw, ok := elem.Attrs[attrUpdatedAt]; ok {
		_ = json.Unmarshal(raw, &row.UpdatedAt)
	}
	return row
}
