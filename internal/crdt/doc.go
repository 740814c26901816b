// Package crdt implements the replicated document tree backing collaborative
// table editing. A document holds named lists of nodes; every node carries a
// map of last-write-wins attribute registers and, for row nodes, a second
// register map of cells. Concurrent edits from independent replicas converge
// to the same state on every replica regardless of delivery order: list order
// is decided by dense position identifiers and register conflicts by Lamport
// stamps. All mutations flow through Transact and all remote state arrives
// through ApplyUpdate; the tree is never mutated directly from outside.
package crdt

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
)

var (
	// ErrMalformedUpdate indicates an update frame that could not be decoded.
	// The document state is untouched when it is returned.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
)

// register is a last-write-wins cell holding a JSON-encoded value.
type register struct {
	stamp Stamp
	value []byte
}

// element is one node of a replicated list. A tombstoned element stays known
// forever so that replayed or late-arriving operations can never resurrect
// it, but it is removed from the visible order.
type element struct {
	id          string
	pos         Position
	insertStamp Stamp
	deleteStamp Stamp
	tombstone   bool
	attrs       map[string]register
	cells       map[string]register
}

// list keeps elements in position order plus an identity index that also
// tracks tombstones.
type list struct {
	order []*element
	byID  map[string]*element
}

func newList() *list {
	return &list{byID: make(map[string]*element)}
}

func (l *list) insertOrdered(el *element) {
	index := sort.Search(len(l.order), func(i int) bool {
		return l.order[i].pos.Compare(el.pos) > 0
	})
	l.order = append(l.order, nil)
	copy(l.order[index+1:], l.order[index:])
	l.order[index] = el
}

func (l *list) removeOrdered(el *element) {
	for i, candidate := range l.order {
		if candidate == el {
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}

type pendingKey struct {
	list string
	elem string
}

// Element is a detached, read-only copy of a live list node. Values are the
// raw JSON encodings stored in the registers; holding an Element cannot pin
// or corrupt live document state.
type Element struct {
	ID    string
	Attrs map[string][]byte
	Cells map[string][]byte
}

// Doc is one replicated document tree. All exported methods are safe for
// concurrent use; in the gateway each room additionally serializes mutations
// through a single goroutine.
type Doc struct {
	mu      sync.Mutex
	replica uint64
	clock   uint64
	lists   map[string]*list
	seen    StateVector
	applied map[Stamp]struct{}
	log     []op
	pending map[pendingKey][]op

	subsMu sync.Mutex
	subs   map[int64]func()
	nextID int64
}

// NewDoc constructs an empty document with a random replica identifier.
func NewDoc() *Doc {
	replica := rand.Uint64()
	for replica == 0 {
		replica = rand.Uint64()
	}
	return NewDocWithReplica(replica)
}

// NewDocWithReplica constructs an empty document with an explicit replica
// identifier. Replica identifiers must be unique among live replicas of the
// same document; zero is reserved for the unset stamp.
func NewDocWithReplica(replica uint64) *Doc {
	return &Doc{
		replica: replica,
		lists:   make(map[string]*list),
		seen:    make(StateVector),
		applied: make(map[Stamp]struct{}),
		pending: make(map[pendingKey][]op),
		subs:    make(map[int64]func()),
	}
}

// ReplicaID returns the document's replica identifier.
func (d *Doc) ReplicaID() uint64 {
	return d.replica
}

// Subscribe registers a callback invoked once per applied transaction or
// merged remote update. The callback carries no payload; consumers diff the
// tree themselves. The returned function cancels the subscription.
func (d *Doc) Subscribe(fn func()) func() {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	return func() {
		d.subsMu.Lock()
		defer d.subsMu.Unlock()
		delete(d.subs, id)
	}
}

func (d *Doc) notify() {
	d.subsMu.Lock()
	callbacks := make([]func(), 0, len(d.subs))
	for _, fn := range d.subs {
		callbacks = append(callbacks, fn)
	}
	d.subsMu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// Txn records the mutations of one transaction. All writes issued through a
// Txn are applied to the local tree immediately and coalesced into exactly
// one outgoing update, so remote peers observe the batch atomically.
type Txn struct {
	doc *Doc
	ops []op
}

// Transact runs fn against the document and returns the binary update
// representing every write fn issued, or nil when fn wrote nothing.
func (d *Doc) Transact(fn func(*Txn)) []byte {
	txn := &Txn{doc: d}

	d.mu.Lock()
	func() {
		defer d.mu.Unlock()
		fn(txn)
	}()

	if len(txn.ops) == 0 {
		return nil
	}
	payload := encodeUpdate(txn.ops)
	d.notify()
	return payload
}

func (d *Doc) nextStamp() Stamp {
	d.clock++
	return Stamp{Replica: d.replica, Clock: d.clock}
}

// record registers a locally created op and applies it. Callers hold d.mu.
func (t *Txn) record(o op) {
	d := t.doc
	d.applied[o.stamp] = struct{}{}
	d.seen.observe(o.stamp)
	d.log = append(d.log, o)
	d.applyOp(o)
	t.ops = append(t.ops, o)
}

// InsertAt inserts a new element into the named list at the given index among
// live elements. A negative or out-of-range index appends. Inserting an
// identifier the document already knows is a no-op.
func (t *Txn) InsertAt(listName, elemID string, index int) {
	d := t.doc
	l := d.getList(listName)
	if _, known := l.byID[elemID]; known {
		return
	}
	if index < 0 || index > len(l.order) {
		index = len(l.order)
	}
	var left, right Position
	if index > 0 {
		left = l.order[index-1].pos
	}
	if index < len(l.order) {
		right = l.order[index].pos
	}
	pos := positionBetween(left, right, d.replica)
	t.record(op{
		kind:  opInsert,
		stamp: d.nextStamp(),
		list:  listName,
		elem:  elemID,
		pos:   pos,
	})
}

// Delete tombstones an element. Unknown identifiers are ignored.
func (t *Txn) Delete(listName, elemID string) {
	d := t.doc
	l := d.getList(listName)
	el, known := l.byID[elemID]
	if !known || el.tombstone {
		return
	}
	t.record(op{
		kind:  opDelete,
		stamp: d.nextStamp(),
		list:  listName,
		elem:  elemID,
	})
}

// SetAttr writes an attribute register of a live element. The value must be
// valid JSON; JSON null clears the attribute explicitly. Writes against
// unknown or tombstoned elements are ignored.
func (t *Txn) SetAttr(listName, elemID, key string, value []byte) {
	t.setRegister(opSetAttr, listName, elemID, key, value)
}

// SetCell writes a cell register of a live element, keyed by column
// identifier. Semantics match SetAttr.
func (t *Txn) SetCell(listName, elemID, key string, value []byte) {
	t.setRegister(opSetCell, listName, elemID, key, value)
}

func (t *Txn) setRegister(kind opKind, listName, elemID, key string, value []byte) {
	d := t.doc
	el, known := d.getList(listName).byID[elemID]
	if !known || el.tombstone {
		return
	}
	t.record(op{
		kind:  kind,
		stamp: d.nextStamp(),
		list:  listName,
		elem:  elemID,
		key:   key,
		value: append([]byte(nil), value...),
	})
}

// Has reports whether the named list currently holds a live element with the
// given identifier.
func (t *Txn) Has(listName, elemID string) bool {
	el, known := t.doc.getList(listName).byID[elemID]
	return known && !el.tombstone
}

// Len returns the number of live elements in the named list.
func (t *Txn) Len(listName string) int {
	return len(t.doc.getList(listName).order)
}

// IndexOf returns the index of a live element in the named list, or -1.
func (t *Txn) IndexOf(listName, elemID string) int {
	l := t.doc.getList(listName)
	for i, el := range l.order {
		if el.id == elemID {
			return i
		}
	}
	return -1
}

// Element returns a detached copy of a live element.
func (t *Txn) Element(listName, elemID string) (Element, bool) {
	el, known := t.doc.getList(listName).byID[elemID]
	if !known || el.tombstone {
		return Element{}, false
	}
	return copyElement(el), true
}

// Elements returns detached copies of the live elements of the named list in
// replicated order, as observed inside the transaction.
func (t *Txn) Elements(listName string) []Element {
	return t.doc.elementsLocked(listName)
}

// ApplyUpdate merges a binary update or snapshot into the document. It is
// idempotent: operations the document has already observed are skipped. A
// decode failure leaves the document untouched.
func (d *Doc) ApplyUpdate(data []byte) error {
	payload, err := decodePayload(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	merged := 0
	for replica, clock := range payload.vector {
		d.seen.observe(Stamp{Replica: replica, Clock: clock})
		if clock > d.clock {
			d.clock = clock
		}
	}
	for _, o := range payload.ops {
		if _, duplicate := d.applied[o.stamp]; duplicate {
			continue
		}
		d.applied[o.stamp] = struct{}{}
		d.seen.observe(o.stamp)
		if o.stamp.Clock > d.clock {
			d.clock = o.stamp.Clock
		}
		d.log = append(d.log, o)
		d.applyOp(o)
		merged++
	}
	d.mu.Unlock()

	if merged > 0 {
		d.notify()
	}
	return nil
}

// applyOp integrates one op into the tree. Callers hold d.mu.
func (d *Doc) applyOp(o op) {
	l := d.getList(o.list)
	switch o.kind {
	case opInsert:
		if _, known := l.byID[o.elem]; known {
			return
		}
		el := &element{
			id:          o.elem,
			pos:         o.pos,
			insertStamp: o.stamp,
			attrs:       make(map[string]register),
			cells:       make(map[string]register),
		}
		l.byID[o.elem] = el
		l.insertOrdered(el)
		d.drainPending(o.list, o.elem)
	case opDelete:
		el, known := l.byID[o.elem]
		if !known {
			// Delete observed before the insert: remember the tombstone so a
			// late insert cannot bring the element back.
			l.byID[o.elem] = &element{id: o.elem, tombstone: true, deleteStamp: o.stamp}
			delete(d.pending, pendingKey{list: o.list, elem: o.elem})
			return
		}
		if el.tombstone {
			return
		}
		el.tombstone = true
		el.deleteStamp = o.stamp
		l.removeOrdered(el)
	case opSetAttr, opSetCell:
		el, known := l.byID[o.elem]
		if !known {
			key := pendingKey{list: o.list, elem: o.elem}
			d.pending[key] = append(d.pending[key], o)
			return
		}
		if el.tombstone {
			return
		}
		registers := el.attrs
		if o.kind == opSetCell {
			registers = el.cells
		}
		if current, exists := registers[o.key]; !exists || o.stamp.After(current.stamp) {
			registers[o.key] = register{stamp: o.stamp, value: o.value}
		}
	}
}

func (d *Doc) drainPending(listName, elemID string) {
	key := pendingKey{list: listName, elem: elemID}
	parked := d.pending[key]
	if len(parked) == 0 {
		return
	}
	delete(d.pending, key)
	for _, o := range parked {
		d.applyOp(o)
	}
}

func (d *Doc) getList(name string) *list {
	l, ok := d.lists[name]
	if !ok {
		l = newList()
		d.lists[name] = l
	}
	return l
}

// Elements returns detached copies of the live elements of the named list in
// replicated order.
func (d *Doc) Elements(listName string) []Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.elementsLocked(listName)
}

func (d *Doc) elementsLocked(listName string) []Element {
	l := d.getList(listName)
	elements := make([]Element, 0, len(l.order))
	for _, el := range l.order {
		elements = append(elements, copyElement(el))
	}
	return elements
}

func copyElement(el *element) Element {
	copied := Element{
		ID:    el.id,
		Attrs: make(map[string][]byte, len(el.attrs)),
		Cells: make(map[string][]byte, len(el.cells)),
	}
	for key, reg := range el.attrs {
		copied.Attrs[key] = append([]byte(nil), reg.value...)
	}
	for key, reg := range el.cells {
		copied.Cells[key] = append([]byte(nil), reg.value...)
	}
	return copied
}

// StateVector returns a copy of the highest clock observed per replica.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.Clone()
}

// EncodeUpdateSince encodes every operation the document knows that the
// provided state vector does not cover. With an empty vector this is the full
// operation history.
func (d *Doc) EncodeUpdateSince(vector StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	missing := make([]op, 0)
	for _, o := range d.log {
		if !vector.Covers(o.stamp) {
			missing = append(missing, o)
		}
	}
	return encodeUpdate(missing)
}

// EncodeStateAsUpdate encodes the full operation history as one update.
func (d *Doc) EncodeStateAsUpdate() []byte {
	return d.EncodeUpdateSince(StateVector{})
}

// EncodeSnapshot produces a compacted point-in-time encoding suitable for
// cold persistence: live inserts in order, the winning register write per
// key, tombstones, and the document's state vector. Applying a snapshot to an
// empty document reproduces the visible state and keeps future last-write-
// wins races consistent because the original stamps are preserved.
func (d *Doc) EncodeSnapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.lists))
	for name := range d.lists {
		names = append(names, name)
	}
	sort.Strings(names)

	ops := make([]op, 0)
	for _, name := range names {
		l := d.lists[name]
		for _, el := range l.order {
			ops = append(ops, op{kind: opInsert, stamp: el.insertStamp, list: name, elem: el.id, pos: el.pos})
			ops = append(ops, compactRegisters(opSetAttr, name, el.id, el.attrs)...)
			ops = append(ops, compactRegisters(opSetCell, name, el.id, el.cells)...)
		}
		tombstoned := make([]string, 0)
		for id, el := range l.byID {
			if el.tombstone {
				tombstoned = append(tombstoned, id)
			}
		}
		sort.Strings(tombstoned)
		for _, id := range tombstoned {
			ops = append(ops, op{kind: opDelete, stamp: l.byID[id].deleteStamp, list: name, elem: id})
		}
	}
	return encodeSnapshot(d.seen, ops)
}

func compactRegisters(kind opKind, listName, elemID string, registers map[string]register) []op {
	keys := make([]string, 0, len(registers))
	for key := range registers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ops := make([]op, 0, len(keys))
	for _, key := range keys {
		reg := registers[key]
		ops = append(ops, op{
			kind:  kind,
			stamp: reg.stamp,
			list:  listName,
			elem:  elemID,
			key:   key,
			value: reg.value,
		})
	}
	return ops
}

// errMalformed wraps a decode failure detail under ErrMalformedUpdate.
func errMalformed(detail string) error {
	return fmt.Errorf("%w: %s", ErrMalformedUpdate, detail)
}
