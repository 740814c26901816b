package crdt

import (
	"reflect"
	"testing"
)

func mustApply(t *testing.T, doc *Doc, update []byte) {
	t.Helper()
	if update == nil {
		t.Fatalf("expected a non-nil update to apply")
	}
	if err := doc.ApplyUpdate(update); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
}

func insertRow(doc *Doc, listName, elemID string, attrs map[string]string) []byte {
	return doc.Transact(func(txn *Txn) {
		txn.InsertAt(listName, elemID, -1)
		for key, value := range attrs {
			txn.SetAttr(listName, elemID, key, []byte(value))
		}
	})
}

func liveIDs(doc *Doc, listName string) []string {
	elements := doc.Elements(listName)
	ids := make([]string, 0, len(elements))
	for _, el := range elements {
		ids = append(ids, el.ID)
	}
	return ids
}

func assertSameState(t *testing.T, listName string, left, right *Doc) {
	t.Helper()
	leftElements := left.Elements(listName)
	rightElements := right.Elements(listName)
	if !reflect.DeepEqual(leftElements, rightElements) {
		t.Fatalf("replicas diverged on %q:\n%v\n%v", listName, leftElements, rightElements)
	}
}
