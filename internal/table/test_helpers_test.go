package table

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Allenskoo856/mydocmost/internal/crdt"
)

type sequentialIDs struct {
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("id-%03d", s.next), nil
}

func mustTable(t *testing.T) *Table {
	t.Helper()
	grid, err := New(Config{
		Doc:        crdt.NewDocWithReplica(1),
		IDProvider: &sequentialIDs{},
		Clock:      func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("unexpected table error: %v", err)
	}
	return grid
}

func mustTableWithReplica(t *testing.T, replica uint64) *Table {
	t.Helper()
	grid, err := New(Config{
		Doc:        crdt.NewDocWithReplica(replica),
		IDProvider: &sequentialIDs{next: int(replica) * 100},
		Clock:      func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("unexpected table error: %v", err)
	}
	return grid
}

func mustColumn(t *testing.T, projection *Projection, columnID string) Column {
	t.Helper()
	for _, column := range projection.Columns {
		if column.ID == columnID {
			return column
		}
	}
	t.Fatalf("column %s not in projection", columnID)
	return Column{}
}

func mustRow(t *testing.T, projection *Projection, rowID string) Row {
	t.Helper()
	for _, row := range projection.Rows {
		if row.ID == rowID {
			return row
		}
	}
	t.Fatalf("row %s not in projection", rowID)
	return Row{}
}

func cellString(t *testing.T, row Row, columnID string) string {
	t.Helper()
	raw, ok := row.Cells[columnID]
	if !ok {
		t.Fatalf("row %s has no cell for column %s", row.ID, columnID)
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		t.Fatalf("cell for column %s is not a string: %v", columnID, err)
	}
	return value
}
