// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flatmap

import (
	"iter"
	"unsafe"
)

// Cursor is a position in a Map's slot array. A valid Cursor is positioned
// at an occupied slot; the End Cursor is positioned one past the last slot.
// Cursors visit entries in ascending slot order.
//
// A Cursor borrows the slot array it was created from. It is invalidated by
// any operation that rebuilds the array (Emplace or Put causing growth,
// Reserve, Rehash, Swap, Close) and by removals other than through the
// Cursor itself. Using an invalidated Cursor is a programming error.
// Dereferencing End or a Cursor positioned at a slot that has since been
// emptied panics; other misuse is not detected, except by Extract and Erase
// which check that the Cursor refers to the map's current slot array.
type Cursor[K comparable, V any] struct {
	slots    []Slot[K, V]
	emptyKey K
	equal    func(a, b K) bool
	i        int
}

func (m *Map[K, V]) cursorAt(i int) Cursor[K, V] {
	return Cursor[K, V]{slots: m.slots, emptyKey: m.emptyKey, equal: m.equal, i: i}
}

// Begin returns a Cursor positioned at the first entry in the map, or End()
// if the map is empty.
func (m *Map[K, V]) Begin() Cursor[K, V] {
	return m.seek(0)
}

// End returns the Cursor positioned one past the map's last slot.
func (m *Map[K, V]) End() Cursor[K, V] {
	return m.cursorAt(len(m.slots))
}

// Last returns a Cursor positioned at the last entry in the map, or End() if
// the map is empty.
func (m *Map[K, V]) Last() Cursor[K, V] {
	return m.End().Prev()
}

// seek returns a Cursor at the first entry at index >= i.
func (m *Map[K, V]) seek(i int) Cursor[K, V] {
	return m.cursorAt(i).skipForward()
}

// checkCursor panics unless c is positioned at an occupied slot of m's
// current slot array, returning c's index.
func (m *Map[K, V]) checkCursor(op string, c Cursor[K, V]) uintptr {
	if !c.sameSlots(m.slots) {
		panic(cursorError(op, "cursor does not reference the map's current slots"))
	}
	if !c.Valid() {
		panic(cursorError(op, "cursor is at end"))
	}
	if m.isEmpty(&m.slots[c.i]) {
		panic(cursorError(op, "cursor references empty slot %d", c.i))
	}
	return uintptr(c.i)
}

// Valid returns true if c is positioned at a slot rather than at End.
func (c Cursor[K, V]) Valid() bool {
	return c.i >= 0 && c.i < len(c.slots)
}

// Next returns a Cursor positioned at the next entry, or End if there is
// none. Next of End is End.
func (c Cursor[K, V]) Next() Cursor[K, V] {
	if !c.Valid() {
		return c
	}
	c.i++
	return c.skipForward()
}

// Prev returns a Cursor positioned at the previous entry. Prev of the first
// entry is End, and Prev of End is the last entry (or End if the map is
// empty), so that backward iteration mirrors forward iteration:
//
//	for c := m.Last(); c.Valid(); c = c.Prev() {
//	  ...
//	}
func (c Cursor[K, V]) Prev() Cursor[K, V] {
	if c.i > len(c.slots) {
		c.i = len(c.slots)
	}
	c.i--
	return c.skipBackward()
}

// Equal returns true if c and o are positioned at the same slot of the same
// slot array.
func (c Cursor[K, V]) Equal(o Cursor[K, V]) bool {
	return c.i == o.i && c.sameSlots(o.slots)
}

// Key returns the key of the entry at c.
func (c Cursor[K, V]) Key() K {
	return c.slot("key").key
}

// Value returns the value of the entry at c.
func (c Cursor[K, V]) Value() V {
	return c.slot("value").value
}

// ValuePtr returns a pointer to the value of the entry at c which may be used
// to modify the value in place. The pointer is invalidated along with c.
func (c Cursor[K, V]) ValuePtr() *V {
	return &c.slot("value").value
}

// SetValue replaces the value of the entry at c.
func (c Cursor[K, V]) SetValue(value V) {
	c.slot("set-value").value = value
}

func (c Cursor[K, V]) slot(op string) *Slot[K, V] {
	if !c.Valid() {
		panic(cursorError(op, "cursor is at end"))
	}
	if !c.occupied(c.i) {
		panic(cursorError(op, "cursor references empty slot %d", c.i))
	}
	return &c.slots[c.i]
}

func (c Cursor[K, V]) occupied(i int) bool {
	return !c.equal(c.slots[i].key, c.emptyKey)
}

func (c Cursor[K, V]) skipForward() Cursor[K, V] {
	for c.i < len(c.slots) && !c.occupied(c.i) {
		c.i++
	}
	return c
}

func (c Cursor[K, V]) skipBackward() Cursor[K, V] {
	for c.i >= 0 && !c.occupied(c.i) {
		c.i--
	}
	if c.i < 0 {
		c.i = len(c.slots)
	}
	return c
}

func (c Cursor[K, V]) sameSlots(slots []Slot[K, V]) bool {
	return len(c.slots) == len(slots) && unsafe.SliceData(c.slots) == unsafe.SliceData(slots)
}

// All returns an iterator over the entries in m. The map must not be
// mutated during iteration other than by modifying values.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for c := m.Begin(); c.Valid(); c = c.Next() {
			s := &c.slots[c.i]
			if !yield(s.key, s.value) {
				return
			}
		}
	}
}

// Keys returns an iterator over the keys in m.
func (m *Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for c := m.Begin(); c.Valid(); c = c.Next() {
			if !yield(c.slots[c.i].key) {
				return
			}
		}
	}
}

// Values returns an iterator over the values in m.
func (m *Map[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		for c := m.Begin(); c.Valid(); c = c.Next() {
			if !yield(c.slots[c.i].value) {
				return
			}
		}
	}
}
