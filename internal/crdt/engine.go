// Package crdt implements the sequence CRDT backing document
// synchronization. The document is a causal tree of character operations:
// every insert names the operation it follows, deletes are tombstones, and
// siblings are ordered by descending operation ID. Integration is
// commutative and idempotent, so updates may be applied in any order and
// any number of times.
//
// This is the only package that interprets update or state bytes; every
// other component treats them as opaque blobs.
package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ID identifies a single operation. The zero ID addresses the document root.
type ID struct {
	// Site is the identifier of the replica or client that authored the operation.
	Site uint32
	// Seq is the Lamport sequence number of the operation at that site.
	Seq uint32
}

// isRoot reports whether the ID addresses the synthetic root.
func (a ID) isRoot() bool {
	return a.Site == 0 && a.Seq == 0
}

// before reports whether a orders before b (by Seq, then Site).
func (a ID) before(b ID) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.Site < b.Site
}

// node is one character in the causal tree.
type node struct {
	id       ID
	parent   ID
	ch       rune
	deleted  bool
	children []*node
}

// Engine wraps one in-memory CRDT document. An Engine is not safe for
// concurrent use; the persistence coordinator creates a fresh instance per
// fold and sessions never share one.
type Engine struct {
	// site is the local site identifier used for locally authored operations.
	site uint32
	// nextSeq is the next Lamport sequence number for the local site.
	nextSeq uint32
	// root is the synthetic root node of the causal tree.
	root *node
	// index maps operation IDs to integrated nodes.
	index map[ID]*node
	// pending holds operations whose parent or target has not arrived yet.
	pending []op
}

// New creates an Engine, optionally initialized by replaying a serialized
// state. A nil or empty state yields an empty document.
func New(state []byte) (*Engine, error) {
	u := uuid.New()
	e := &Engine{
		site:    binary.BigEndian.Uint32(u[:4]),
		nextSeq: 1,
		root:    &node{},
		index:   make(map[ID]*node),
	}
	if len(state) > 0 {
		if err := e.ApplyUpdate(state); err != nil {
			return nil, fmt.Errorf("failed to replay state: %w", err)
		}
	}
	return e, nil
}

// FromText creates an Engine seeded with the given plain text.
func FromText(text string) (*Engine, error) {
	e, err := New(nil)
	if err != nil {
		return nil, err
	}
	if text != "" {
		if _, err := e.InsertText(0, text); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ApplyUpdate folds an encoded update into the document. Re-applying the
// same bytes leaves the state unchanged, and updates commute.
func (e *Engine) ApplyUpdate(data []byte) error {
	ops, err := decodeOps(data)
	if err != nil {
		return fmt.Errorf("malformed update: %w", err)
	}
	for _, o := range ops {
		e.integrate(o)
	}
	e.drainPending()
	return nil
}

// EncodeState returns a full-state snapshot suitable as the state argument
// of New. The snapshot is itself a valid update.
func (e *Engine) EncodeState() []byte {
	var ops []op
	var walk func(n *node)
	walk = func(n *node) {
		for _, c := range n.children {
			ops = append(ops, op{kind: opInsert, id: c.id, parent: c.parent, ch: c.ch})
			walk(c)
		}
	}
	walk(e.root)
	var again func(n *node)
	again = func(n *node) {
		for _, c := range n.children {
			if c.deleted {
				ops = append(ops, op{kind: opDelete, id: c.id})
			}
			again(c)
		}
	}
	again(e.root)
	// Operations still waiting on dependencies travel with the state so they
	// are not lost across a save/load cycle.
	ops = append(ops, e.pending...)
	return encodeOps(ops)
}

// Plaintext returns the linearized text of the document. Derived, never
// authoritative.
func (e *Engine) Plaintext() string {
	var b strings.Builder
	var walk func(n *node)
	walk = func(n *node) {
		for _, c := range n.children {
			if !c.deleted {
				b.WriteRune(c.ch)
			}
			walk(c)
		}
	}
	walk(e.root)
	return b.String()
}

// Len returns the number of visible characters.
func (e *Engine) Len() int {
	count := 0
	var walk func(n *node)
	walk = func(n *node) {
		for _, c := range n.children {
			if !c.deleted {
				count++
			}
			walk(c)
		}
	}
	walk(e.root)
	return count
}

// InsertText inserts text at the given visible position and returns the
// encoded update carrying the insertion.
func (e *Engine) InsertText(pos int, text string) ([]byte, error) {
	if pos < 0 || pos > e.Len() {
		return nil, fmt.Errorf("insert position %d out of range [0,%d]", pos, e.Len())
	}
	parent := ID{}
	if pos > 0 {
		n, err := e.visibleNode(pos - 1)
		if err != nil {
			return nil, err
		}
		parent = n.id
	}
	ops := make([]op, 0, len(text))
	prev := parent
	for _, ch := range text {
		id := ID{Site: e.site, Seq: e.nextSeq}
		e.nextSeq++
		o := op{kind: opInsert, id: id, parent: prev, ch: ch}
		e.integrate(o)
		ops = append(ops, o)
		prev = id
	}
	return encodeOps(ops), nil
}

// DeleteText tombstones n visible characters starting at pos and returns
// the encoded update carrying the deletions.
func (e *Engine) DeleteText(pos, n int) ([]byte, error) {
	if pos < 0 || n < 0 || pos+n > e.Len() {
		return nil, fmt.Errorf("delete range [%d,%d) out of range [0,%d]", pos, pos+n, e.Len())
	}
	targets := make([]*node, 0, n)
	for i := 0; i < n; i++ {
		// Position is re-evaluated against the same snapshot: targets are
		// collected before any tombstone is set.
		t, err := e.visibleNode(pos + i)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	ops := make([]op, 0, n)
	for _, t := range targets {
		t.deleted = true
		ops = append(ops, op{kind: opDelete, id: t.id})
	}
	return encodeOps(ops), nil
}

// integrate applies a single operation, buffering it when its dependency
// has not been integrated yet.
func (e *Engine) integrate(o op) {
	switch o.kind {
	case opInsert:
		if _, ok := e.index[o.id]; ok {
			return
		}
		parent := e.root
		if !o.parent.isRoot() {
			p, ok := e.index[o.parent]
			if !ok {
				e.pending = append(e.pending, o)
				return
			}
			parent = p
		}
		n := &node{id: o.id, parent: o.parent, ch: o.ch}
		e.index[o.id] = n
		e.attach(parent, n)
		if o.id.Seq >= e.nextSeq {
			e.nextSeq = o.id.Seq + 1
		}
	case opDelete:
		n, ok := e.index[o.id]
		if !ok {
			e.pending = append(e.pending, o)
			return
		}
		n.deleted = true
	}
}

// attach inserts n among parent's children, keeping siblings ordered by
// descending ID so that integration order cannot affect the result.
func (e *Engine) attach(parent, n *node) {
	i := sort.Search(len(parent.children), func(i int) bool {
		return parent.children[i].id.before(n.id)
	})
	parent.children = append(parent.children, nil)
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = n
}

// drainPending retries buffered operations until no further progress is made.
func (e *Engine) drainPending() {
	for {
		if len(e.pending) == 0 {
			return
		}
		stash := e.pending
		e.pending = nil
		progressed := false
		for _, o := range stash {
			before := len(e.pending)
			e.integrate(o)
			if len(e.pending) == before {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// visibleNode returns the node at visible position i.
func (e *Engine) visibleNode(i int) (*node, error) {
	count := 0
	var found *node
	var walk func(n *node) bool
	walk = func(n *node) bool {
		for _, c := range n.children {
			if !c.deleted {
				if count == i {
					found = c
					return true
				}
				count++
			}
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(e.root)
	if found == nil {
		return nil, fmt.Errorf("visible position %d out of range", i)
	}
	return found, nil
}
