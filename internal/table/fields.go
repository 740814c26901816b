// Package table models one collaborative database grid on top of the crdt
// document tree: the column and row entities, the sanctioned mutation
// surface, and the read-model projector that turns the replicated tree into
// immutable snapshots for consumers.
package table

import (
	"math/rand/v2"
	"strings"
)

// FieldType enumerates the closed set of column types.
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldNumber      FieldType = "number"
	FieldDate        FieldType = "date"
	FieldCheckbox    FieldType = "checkbox"
	FieldSelect      FieldType = "select"
	FieldMultiSelect FieldType = "multiSelect"
	FieldURL         FieldType = "url"
	FieldFile        FieldType = "file"
	FieldPage        FieldType = "page"
	FieldCreatedTime FieldType = "createdTime"
	FieldUpdatedTime FieldType = "updatedTime"
)

var fieldTypes = map[FieldType]bool{
	FieldText:        true,
	FieldNumber:      true,
	FieldDate:        true,
	FieldCheckbox:    true,
	FieldSelect:      true,
	FieldMultiSelect: true,
	FieldURL:         true,
	FieldFile:        true,
	FieldPage:        true,
	FieldCreatedTime: true,
	FieldUpdatedTime: true,
}

// IsValid reports whether the value is a known field type.
func (f FieldType) IsValid() bool {
	return fieldTypes[f]
}

// HasOptions reports whether columns of this type carry an option vocabulary.
func (f FieldType) HasOptions() bool {
	return f == FieldSelect || f == FieldMultiSelect
}

// Derived reports whether cells of this type are computed from row
// timestamps and never stored.
func (f FieldType) Derived() bool {
	return f == FieldCreatedTime || f == FieldUpdatedTime
}

const (
	// MinColumnWidth is the lower clamp for column widths in pixels.
	MinColumnWidth = 80
	// DefaultColumnWidth is assigned to newly created columns.
	DefaultColumnWidth = 150
	// DefaultColumnName labels the single column synthesized on first
	// materialization of an empty grid.
	DefaultColumnName = "Name"
	// NewColumnName labels columns created through AddColumn.
	NewColumnName = "New column"
	// duplicateNameSuffix is appended to a duplicated column's name.
	duplicateNameSuffix = " copy"
)

// ClampWidth bounds a requested column width to the permitted range.
func ClampWidth(width int) int {
	if width < MinColumnWidth {
		return MinColumnWidth
	}
	return width
}

// SelectOption is one entry of a select or multi-select column's vocabulary.
// Options are column-scoped; identifiers are never shared across columns.
type SelectOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Color string `json:"color"`
}

// OptionColors is the fixed palette options are colored from.
var OptionColors = [8]string{
	"#FF6B6B",
	"#FFA94D",
	"#FFD43B",
	"#69DB7C",
	"#4DABF7",
	"#9775FA",
	"#F783AC",
	"#868E96",
}

// RandomOptionColor picks a palette color for a freshly created option.
func RandomOptionColor() string {
	return OptionColors[rand.IntN(len(OptionColors))]
}

// cloneOptions deep-copies an option vocabulary so a duplicated column never
// aliases the original's options.
func cloneOptions(options []SelectOption) []SelectOption {
	if options == nil {
		return nil
	}
	cloned := make([]SelectOption, len(options))
	copy(cloned, options)
	return cloned
}

func normalizeLabel(label string) string {
	return strings.TrimSpace(label)
}
