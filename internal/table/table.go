package table

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Allenskoo856/mydocmost/internal/crdt"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	listColumns = "columns"
	listRows    = "rows"

	attrName    = "name"
	attrType    = "type"
	attrWidth   = "width"
	attrHidden  = "hidden"
	attrOptions = "options"

	attrCreatedAt = "createdAt"
	attrUpdatedAt = "updatedAt"
)

var (
	errMissingDoc        = errors.New("table: document is required")
	errMissingIDProvider = errors.New("table: id provider is required")

	jsonNull = []byte("null")
)

// IDProvider issues unique, time-ordered identifiers for rows, columns and
// select options.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Config describes the dependencies of a Table.
type Config struct {
	Doc        *crdt.Doc
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Table is the only sanctioned way to change grid content. Every operation
// runs as one crdt transaction and returns the encoded update for relaying
// to peers, or nil when the operation found nothing to do. Operations never
// fail: an edit aimed at a row or column a peer concurrently deleted is a
// legitimate outcome of collaborative editing and is silently ignored.
type Table struct {
	doc    *crdt.Doc
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs a Table over the provided document.
func New(cfg Config) (*Table, error) {
	if cfg.Doc == nil {
		return nil, errMissingDoc
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{doc: cfg.Doc, ids: cfg.IDProvider, clock: clock, logger: logger}, nil
}

// Doc exposes the underlying document for gateway wiring.
func (t *Table) Doc() *crdt.Doc {
	return t.doc
}

func (t *Table) nowMillis() int64 {
	return t.clock().UTC().UnixMilli()
}

func (t *Table) newID() (string, bool) {
	id, err := t.ids.NewID()
	if err != nil {
		t.logger.Error("table id generation failed", zap.Error(err))
		return "", false
	}
	return id, true
}

// EnsureInitialized materializes the default grid shape exactly once: one
// text column and one empty row. It is a no-op on a grid that already has
// columns, so rehydrating an existing document never re-runs it.
func (t *Table) EnsureInitialized() []byte {
	columnID, ok := t.newID()
	if !ok {
		return nil
	}
	rowID, ok := t.newID()
	if !ok {
		return nil
	}
	return t.doc.Transact(func(txn *crdt.Txn) {
		if txn.Len(listColumns) > 0 {
			return
		}
		txn.InsertAt(listColumns, columnID, -1)
		txn.SetAttr(listColumns, columnID, attrName, jsonString(DefaultColumnName))
		txn.SetAttr(listColumns, columnID, attrType, jsonString(string(FieldText)))
		txn.SetAttr(listColumns, columnID, attrWidth, jsonInt(DefaultColumnWidth))
		t.insertRowAt(txn, rowID, -1)
	})
}

// BackfillTimestamps stamps any row missing createdAt or updatedAt with the
// current time. The whole pass is one transaction, so peers receive a single
// update rather than one per repaired row.
func (t *Table) BackfillTimestamps() []byte {
	now := t.nowMillis()
	return t.doc.Transact(func(txn *crdt.Txn) {
		for _, row := range txn.Elements(listRows) {
			if _, ok := row.Attrs[attrCreatedAt]; !ok {
				txn.SetAttr(listRows, row.ID, attrCreatedAt, jsonInt(now))
			}
			if _, ok := row.Attrs[attrUpdatedAt]; !ok {
				txn.SetAttr(listRows, row.ID, attrUpdatedAt, jsonInt(now))
			}
		}
	})
}

func (t *Table) insertRowAt(txn *crdt.Txn, rowID string, index int) {
	now := t.nowMillis()
	txn.InsertAt(listRows, rowID, index)
	txn.SetAttr(listRows, rowID, attrCreatedAt, jsonInt(now))
	txn.SetAttr(listRows, rowID, attrUpdatedAt, jsonInt(now))
}

// AddRow appends an empty row, or inserts it at the given index when the
// index is in range. It returns the new row id and the encoded update.
func (t *Table) AddRow(atIndex int) (string, []byte) {
	rowID, ok := t.newID()
	if !ok {
		return "", nil
	}
	update := t.doc.Transact(func(txn *crdt.Txn) {
		t.insertRowAt(txn, rowID, atIndex)
	})
	return rowID, update
}

// InsertRowAbove inserts an empty row directly above the referenced row.
func (t *Table) InsertRowAbove(rowID string) (string, []byte) {
	return t.insertRowNeighbor(rowID, 0)
}

// InsertRowBelow inserts an empty row directly below the referenced row.
func (t *Table) InsertRowBelow(rowID string) (string, []byte) {
	return t.insertRowNeighbor(rowID, 1)
}

func (t *Table) insertRowNeighbor(rowID string, offset int) (string, []byte) {
	newID, ok := t.newID()
	if !ok {
		return "", nil
	}
	inserted := false
	update := t.doc.Transact(func(txn *crdt.Txn) {
		index := txn.IndexOf(listRows, rowID)
		if index < 0 {
			return
		}
		t.insertRowAt(txn, newID, index+offset)
		inserted = true
	})
	if !inserted {
		return "", nil
	}
	return newID, update
}

// DeleteRow removes a row and its cell data permanently.
func (t *Table) DeleteRow(rowID string) []byte {
	return t.doc.Transact(func(txn *crdt.Txn) {
		txn.Delete(listRows, rowID)
	})
}

// DuplicateRow appends a copy of the referenced row: every populated cell is
// copied, the copy gets a fresh id and fresh timestamps.
func (t *Table) DuplicateRow(rowID string) (string, []byte) {
	newID, ok := t.newID()
	if !ok {
		return "", nil
	}
	duplicated := false
	update := t.doc.Transact(func(txn *crdt.Txn) {
		source, ok := txn.Element(listRows, rowID)
		if !ok {
			return
		}
		t.insertRowAt(txn, newID, -1)
		for columnID, value := range source.Cells {
			txn.SetCell(listRows, newID, columnID, value)
		}
		duplicated = true
	})
	if !duplicated {
		return "", nil
	}
	return newID, update
}

// AddColumn appends a new text column with the default width.
func (t *Table) AddColumn() (string, []byte) {
	columnID, ok := t.newID()
	if !ok {
		return "", nil
	}
	update := t.doc.Transact(func(txn *crdt.Txn) {
		t.insertColumnAt(txn, columnID, -1, NewColumnName, FieldText, DefaultColumnWidth)
	})
	return columnID, update
}

// InsertColumnLeft inserts a new text column directly left of the referenced
// column.
func (t *Table) InsertColumnLeft(columnID string) (string, []byte) {
	return t.insertColumnNeighbor(columnID, 0)
}

// InsertColumnRight inserts a new text column directly right of the
// referenced column.
func (t *Table) InsertColumnRight(columnID string) (string, []byte) {
	return t.insertColumnNeighbor(columnID, 1)
}

func (t *Table) insertColumnNeighbor(columnID string, offset int) (string, []byte) {
	newID, ok := t.newID()
	if !ok {
		return "", nil
	}
	inserted := false
	update := t.doc.Transact(func(txn *crdt.Txn) {
		index := txn.IndexOf(listColumns, columnID)
		if index < 0 {
			return
		}
		t.insertColumnAt(txn, newID, index+offset, NewColumnName, FieldText, DefaultColumnWidth)
		inserted = true
	})
	if !inserted {
		return "", nil
	}
	return newID, update
}

func (t *Table) insertColumnAt(txn *crdt.Txn, columnID string, index int, name string, fieldType FieldType, width int) {
	txn.InsertAt(listColumns, columnID, index)
	txn.SetAttr(listColumns, columnID, attrName, jsonString(name))
	txn.SetAttr(listColumns, columnID, attrType, jsonString(string(fieldType)))
	txn.SetAttr(listColumns, columnID, attrWidth, jsonInt(int64(width)))
}

// DeleteColumn removes a column permanently. Cell values stored under the
// column id remain in their rows but become unreachable; use HideColumn for
// a reversible removal.
func (t *Table) DeleteColumn(columnID string) []byte {
	return t.doc.Transact(func(txn *crdt.Txn) {
		txn.Delete(listColumns, columnID)
	})
}

// DuplicateColumn inserts a copy right of the source column. The copy keeps
// name (suffixed), type, width and a deep copy of the option vocabulary, and
// every row's cell value for the source column is copied under the new id.
func (t *Table) DuplicateColumn(columnID string) (string, []byte) {
	newID, ok := t.newID()
	if !ok {
		return "", nil
	}
	duplicated := false
	update := t.doc.Transact(func(txn *crdt.Txn) {
		index := txn.IndexOf(listColumns, columnID)
		if index < 0 {
			return
		}
		source, ok := txn.Element(listColumns, columnID)
		if !ok {
			return
		}
		column := decodeColumn(source)

		txn.InsertAt(listColumns, newID, index+1)
		txn.SetAttr(listColumns, newID, attrName, jsonString(column.Name+duplicateNameSuffix))
		txn.SetAttr(listColumns, newID, attrType, jsonString(string(column.Type)))
		txn.SetAttr(listColumns, newID, attrWidth, jsonInt(int64(column.Width)))
		if column.Options != nil {
			txn.SetAttr(listColumns, newID, attrOptions, jsonOptions(cloneOptions(column.Options)))
		}

		for _, row := range txn.Elements(listRows) {
			if value, ok := row.Cells[columnID]; ok {
				txn.SetCell(listRows, row.ID, newID, value)
			}
		}
		duplicated = true
	})
	if !duplicated {
		return "", nil
	}
	return newID, update
}

// HideColumn soft-deletes a column: its cell data is untouched and the
// column reappears unchanged after UnhideColumn.
func (t *Table) HideColumn(columnID string) []byte {
	return t.setColumnAttr(columnID, attrHidden, jsonBool(true))
}

// UnhideColumn restores a hidden column to the projected view.
func (t *Table) UnhideColumn(columnID string) []byte {
	return t.setColumnAttr(columnID, attrHidden, jsonBool(false))
}

// RenameColumn updates a column's display name.
func (t *Table) RenameColumn(columnID, name string) []byte {
	return t.setColumnAttr(columnID, attrName, jsonString(name))
}

// ResizeColumn updates a column's width, clamped to the minimum.
func (t *Table) ResizeColumn(columnID string, width int) []byte {
	return t.setColumnAttr(columnID, attrWidth, jsonInt(int64(ClampWidth(width))))
}

// RetypeColumn changes a column's field type. Existing cell values are not
// converted; a value that is incompatible with the new type is treated as
// unset by renderers, not deleted. Unknown field types are ignored.
func (t *Table) RetypeColumn(columnID string, fieldType FieldType) []byte {
	if !fieldType.IsValid() {
		return nil
	}
	return t.setColumnAttr(columnID, attrType, jsonString(string(fieldType)))
}

func (t *Table) setColumnAttr(columnID, key string, value []byte) []byte {
	return t.doc.Transact(func(txn *crdt.Txn) {
		if !txn.Has(listColumns, columnID) {
			return
		}
		txn.SetAttr(listColumns, columnID, key, value)
	})
}

// SetCell writes a cell value and refreshes the row's updatedAt timestamp.
// Unknown row or column identifiers are a silent no-op: the target may have
// been deleted by a concurrent peer.
func (t *Table) SetCell(rowID, columnID string, value json.RawMessage) []byte {
	return t.doc.Transact(func(txn *crdt.Txn) {
		if !txn.Has(listRows, rowID) || !txn.Has(listColumns, columnID) {
			return
		}
		txn.SetCell(listRows, rowID, columnID, value)
		txn.SetAttr(listRows, rowID, attrUpdatedAt, jsonInt(t.nowMillis()))
	})
}

// SetColumnOptions replaces a column's entire option vocabulary. Callers
// keep the ids of options they intend to preserve and drop the ids of
// options they intend to delete.
func (t *Table) SetColumnOptions(columnID string, options []SelectOption) []byte {
	return t.setColumnAttr(columnID, attrOptions, jsonOptions(options))
}

// AddOption appends a new option with a palette color picked pseudo-randomly.
func (t *Table) AddOption(columnID, label string) (string, []byte) {
	optionID, ok := t.newID()
	if !ok {
		return "", nil
	}
	added := false
	update := t.doc.Transact(func(txn *crdt.Txn) {
		source, ok := txn.Element(listColumns, columnID)
		if !ok {
			return
		}
		options := decodeColumn(source).Options
		options = append(options, SelectOption{
			ID:    optionID,
			Label: normalizeLabel(label),
			Color: RandomOptionColor(),
		})
		txn.SetAttr(listColumns, columnID, attrOptions, jsonOptions(options))
		added = true
	})
	if !added {
		return "", nil
	}
	return optionID, update
}

// RenameOption updates one option's label in place, preserving its id.
func (t *Table) RenameOption(columnID, optionID, label string) []byte {
	return t.rewriteOption(columnID, optionID, func(option *SelectOption) {
		option.Label = normalizeLabel(label)
	})
}

// RecolorOption reassigns one option's color.
func (t *Table) RecolorOption(columnID, optionID, color string) []byte {
	if color == "" {
		return nil
	}
	return t.rewriteOption(columnID, optionID, func(option *SelectOption) {
		option.Color = color
	})
}

func (t *Table) rewriteOption(columnID, optionID string, mutate func(*SelectOption)) []byte {
	return t.doc.Transact(func(txn *crdt.Txn) {
		source, ok := txn.Element(listColumns, columnID)
		if !ok {
			return
		}
		options := decodeColumn(source).Options
		found := false
		for i := range options {
			if options[i].ID == optionID {
				mutate(&options[i])
				found = true
				break
			}
		}
		if !found {
			return
		}
		txn.SetAttr(listColumns, columnID, attrOptions, jsonOptions(options))
	})
}

// DeleteOption removes an option from the vocabulary and strips its id from
// every row's select or multi-select cell that references it. Re-adding an
// option with the same label later creates a distinct id that is not
// re-associated with prior rows. The cascade is a schema change, so affected
// rows keep their updatedAt untouched.
func (t *Table) DeleteOption(columnID, optionID string) []byte {
	return t.doc.Transact(func(txn *crdt.Txn) {
		source, ok := txn.Element(listColumns, columnID)
		if !ok {
			return
		}
		options := decodeColumn(source).Options
		remaining := make([]SelectOption, 0, len(options))
		found := false
		for _, option := range options {
			if option.ID == optionID {
				found = true
				continue
			}
			remaining = append(remaining, option)
		}
		if !found {
			return
		}
		txn.SetAttr(listColumns, columnID, attrOptions, jsonOptions(remaining))

		for _, row := range txn.Elements(listRows) {
			value, ok := row.Cells[columnID]
			if !ok {
				continue
			}
			if stripped, changed := stripOptionReference(value, optionID); changed {
				txn.SetCell(listRows, row.ID, columnID, stripped)
			}
		}
	})
}

// stripOptionReference removes an option id from a select (string) or
// multi-select (string array) cell value. It reports whether the value
// changed.
func stripOptionReference(value []byte, optionID string) ([]byte, bool) {
	var single string
	if err := json.Unmarshal(value, &single); err == nil {
		if single == optionID {
			return jsonNull, true
		}
		return nil, false
	}

	var many []string
	if err := json.Unmarshal(value, &many); err != nil {
		return nil, false
	}
	remaining := make([]string, 0, len(many))
	for _, id := range many {
		if id != optionID {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == len(many) {
		return nil, false
	}
	if len(remaining) == 0 {
		return jsonNull, true
	}
	encoded, err := json.Marshal(remaining)
	if err != nil {
		return nil, false
	}
	return encoded, true
}

func jsonString(value string) []byte {
	encoded, _ := json.Marshal(value)
	return encoded
}

func jsonInt(value int64) []byte {
	encoded, _ := json.Marshal(value)
	return encoded
}

func jsonBool(value bool) []byte {
	encoded, _ := json.Marshal(value)
	return encoded
}

func jsonOptions(options []SelectOption) []byte {
	if options == nil {
		options = []SelectOption{}
	}
	encoded, _ := json.Marshal(options)
	return encoded
}
