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

// package flatmap is a Go implementation of a flat, open-addressing hash
// table using linear probing and backward-shift deletion. See also:
// https://en.wikipedia.org/wiki/Linear_probing.
//
// # Layout
//
// A Map stores its entries directly in a single array of N slots where N is
// a power of 2. There is no separate metadata array: a slot is empty iff its
// key equals the empty key supplied to New. The caller guarantees that the
// empty key is never used as a real key; attempting to insert it fails with
// ErrInvalidKey.
//
// The load factor is fixed at 1/2: a Map holding n entries always has at
// least 2n slots. Cap reports N/2, the number of entries the Map can hold
// before it must grow. The low load factor trades memory for short probe
// sequences and guarantees that every probe sequence terminates at an empty
// slot.
//
// # Probing
//
// The home slot of a key is hash(key)&(N-1). Lookup starts at the home slot
// and walks forward one slot at a time, wrapping at N, until it finds the
// key or an empty slot. The table maintains the probe invariant: for every
// entry, the slots between its home slot and the slot it occupies (walking
// forward with wraparound) are all occupied. An empty slot on the way to a
// key therefore proves the key is absent.
//
// # Deletion
//
// Deletion does not use tombstones. Naively emptying a slot would break the
// probe invariant for entries that probed past it when they were inserted.
// Instead, after removing an entry, the slots following the resulting gap
// are scanned up to the next empty slot. Any entry whose probe path covers
// the gap is moved back into it, which creates a new gap at the entry's old
// position, and the scan continues from there. Whether an entry at j with
// home h may fill a gap at g is decided by modular distance:
//
//	(j-g)&(N-1) <= (j-h)&(N-1)
//
// i.e. the gap is no further from j than the entry's home is. Comparing raw
// indexes would be wrong once the probe sequence wraps around the end of
// the array.
//
// # Growth
//
// The slot array is never resized in place. Growing allocates a new array
// (doubling the slot count), moves every entry out of the old array into the
// new one and returns the old array to the Allocator. Growth invalidates all
// Cursors.
package flatmap

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	debug = false

	// minGrowCapacity is the capacity an empty Map grows to on its first
	// insertion.
	minGrowCapacity = 4

	// maxCapacity is the largest capacity whose slot count fits in an int.
	maxCapacity = 1 << (bits.UintSize - 3)
)

// Slot holds a key and value.
type Slot[K comparable, V any] struct {
	key   K
	value V
}

// Map is an unordered map from keys to values with Emplace, Find, Erase, and
// All operations. Keys are hashed and compared with the functions supplied
// via WithHash and WithEqual, defaulting to the hashing and == of Go's
// builtin map[K]V.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	hash  func(key K) uint64
	equal func(a, b K) bool
	// The allocator to use for the slots slice.
	allocator Allocator[K, V]
	logger    *zap.Logger
	// emptyKey marks unoccupied slots.
	emptyKey K
	// slots is 0 or a power of 2 in length.
	slots []Slot[K, V]
	// mask is len(slots)-1, used to compute i%len(slots) with a bitwise &.
	mask uintptr
	// The number of occupied slots (i.e. the number of elements in the map).
	used int
}

// New constructs a new Map with room for at least initialCapacity entries.
// If initialCapacity is 0 the map will start out with zero capacity and will
// grow on the first insert. emptyKey is reserved for marking empty slots and
// must never be inserted. The zero value for a Map is not usable.
func New[K comparable, V any](
	initialCapacity int, emptyKey K, options ...option[K, V],
) *Map[K, V] {
	m := &Map[K, V]{
		hash:      defaultHasher[K](),
		equal:     defaultEqual[K],
		allocator: defaultAllocator[K, V]{},
		logger:    zap.NewNop(),
		emptyKey:  emptyKey,
	}

	for _, op := range options {
		op.apply(m)
	}

	if initialCapacity > 0 {
		m.resize(bucketsFor(initialCapacity))
	}
	m.checkInvariants()
	return m
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator. It
// is invalid to use a Map after it has been closed, though Close itself is
// idempotent.
func (m *Map[K, V]) Close() {
	if len(m.slots) > 0 {
		m.Clear()
		m.allocator.Free(m.slots)
		if ce := m.logger.Check(zap.DebugLevel, "flatmap: close"); ce != nil {
			ce.Write(zap.Int("buckets", len(m.slots)))
		}
	}
	m.slots = nil
	m.mask = 0
	m.used = 0
	m.allocator = nil
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Empty returns true if the map contains no entries.
func (m *Map[K, V]) Empty() bool {
	return m.used == 0
}

// Cap returns the number of entries the map can hold before it grows. This
// is half the number of slots.
func (m *Map[K, V]) Cap() int {
	return len(m.slots) / 2
}

// Clear deletes all entries from the map, retaining its capacity. All
// Cursors into the map are invalidated.
func (m *Map[K, V]) Clear() {
	for i := range m.slots {
		m.slots[i] = Slot[K, V]{key: m.emptyKey}
	}
	m.used = 0
	m.checkInvariants()
}

// Swap exchanges the contents of m and other, including their empty keys
// and configured options.
func (m *Map[K, V]) Swap(other *Map[K, V]) {
	*m, *other = *other, *m
}

// Find returns a Cursor positioned at the entry for key, or End() if key is
// not present. The entry's value can be modified through the Cursor.
func (m *Map[K, V]) Find(key K) Cursor[K, V] {
	if m.used == 0 || m.equal(key, m.emptyKey) {
		return m.End()
	}
	if i, ok := m.probe(key); ok {
		return m.cursorAt(int(i))
	}
	return m.End()
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if m.used == 0 || m.equal(key, m.emptyKey) {
		return value, false
	}
	if i, ok := m.probe(key); ok {
		return m.slots[i].value, true
	}
	return value, false
}

// Emplace inserts an entry for key if one is not already present. If the key
// is present the existing value is left untouched and false is returned.
// The returned Cursor is positioned at the entry for key in either case,
// and a key that is already present never causes the table to grow.
// Emplace returns an error wrapping ErrInvalidKey if key is the empty key,
// in which case the map is not modified.
func (m *Map[K, V]) Emplace(key K, value V) (Cursor[K, V], bool, error) {
	i, inserted, err := m.prepareInsert("emplace", key)
	if err != nil {
		return m.End(), false, err
	}
	if inserted {
		m.fill(i, key, value)
	}
	return m.cursorAt(int(i)), inserted, nil
}

// EmplaceFunc is like Emplace, but calls newValue to construct the value
// only if key is not already present.
func (m *Map[K, V]) EmplaceFunc(
	key K, newValue func() V,
) (Cursor[K, V], bool, error) {
	i, inserted, err := m.prepareInsert("emplace", key)
	if err != nil {
		return m.End(), false, err
	}
	if inserted {
		m.fill(i, key, newValue())
	}
	return m.cursorAt(int(i)), inserted, nil
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. Put returns an error wrapping
// ErrInvalidKey if key is the empty key.
func (m *Map[K, V]) Put(key K, value V) error {
	i, inserted, err := m.prepareInsert("put", key)
	if err != nil {
		return err
	}
	if inserted {
		m.fill(i, key, value)
	} else {
		m.slots[i].value = value
	}
	return nil
}

// Delete deletes the entry corresponding to the specified key from the map,
// returning true if an entry was present.
func (m *Map[K, V]) Delete(key K) bool {
	c := m.Find(key)
	if !c.Valid() {
		return false
	}
	m.Erase(c)
	return true
}

// Extract removes the entry at c from the map and returns its key and value.
// The returned Cursor is positioned at the first entry at or after c's
// position once the removal has compacted the table, so that a loop calling
// Extract can continue iterating. Entries which wrapped around the end of
// the slot array may be moved behind the returned Cursor and visited again.
//
// c must be a valid Cursor into the map's current slot array positioned at
// an occupied slot. Extract panics otherwise.
func (m *Map[K, V]) Extract(c Cursor[K, V]) (key K, value V, next Cursor[K, V]) {
	i := m.checkCursor("extract", c)
	s := &m.slots[i]
	key, value = s.key, s.value
	m.removeAt(i)
	return key, value, m.seek(int(i))
}

// Erase removes the entry at c from the map. See Extract for the meaning of
// the returned Cursor and the requirements on c.
func (m *Map[K, V]) Erase(c Cursor[K, V]) Cursor[K, V] {
	_, _, next := m.Extract(c)
	return next
}

// Reserve ensures the map can hold at least n entries without growing. It
// is a noop if Cap() >= n already. Reserve panics, leaving the map
// untouched, if n exceeds the largest representable capacity.
func (m *Map[K, V]) Reserve(n int) {
	if n <= m.Cap() {
		return
	}
	checkCapacity("reserve", n)
	m.resize(bucketsFor(n))
}

// Rehash rebuilds the slot array with room for at least max(n, Len())
// entries. Unlike Reserve the table is always rebuilt, though it never
// shrinks. All Cursors are invalidated. Like Reserve, Rehash panics
// without modifying the map if n is too large.
func (m *Map[K, V]) Rehash(n int) {
	if n < m.used {
		n = m.used
	}
	checkCapacity("rehash", n)
	buckets := bucketsFor(n)
	if buckets < len(m.slots) {
		buckets = len(m.slots)
	}
	if buckets == 0 {
		return
	}
	m.resize(buckets)
}

// bucketsFor returns the smallest power of 2 which is >= 2*n, or 0 if n <= 0.
func bucketsFor(n int) int {
	if n <= 0 {
		return 0
	}
	return 1 << bits.Len(uint(2*n-1))
}

func checkCapacity(op string, n int) {
	if n > maxCapacity {
		panic(errors.AssertionFailedf("flatmap: %s: capacity %d exceeds maximum %d", op, n, maxCapacity))
	}
}

// home returns the index of the first slot in key's probe sequence.
func (m *Map[K, V]) home(key K) uintptr {
	return uintptr(m.hash(key)) & m.mask
}

func (m *Map[K, V]) isEmpty(s *Slot[K, V]) bool {
	return m.equal(s.key, m.emptyKey)
}

// probe walks the probe sequence for key, returning the index of the slot
// holding key and ok=true, or the index of the empty slot that terminated
// the walk and ok=false. The map must have a non-zero number of slots.
func (m *Map[K, V]) probe(key K) (i uintptr, ok bool) {
	for i = m.home(key); ; i = (i + 1) & m.mask {
		s := &m.slots[i]
		if m.isEmpty(s) {
			if debug {
				fmt.Printf("probe(%v): index=%d empty\n", key, i)
			}
			return i, false
		}
		if m.equal(s.key, key) {
			if debug {
				fmt.Printf("probe(%v): index=%d found\n", key, i)
			}
			return i, true
		}
	}
}

// prepareInsert locates the slot for key, growing the table if key is not
// present and there is no room for another entry. If inserted is true the
// slot at i is empty and the caller must fill it.
func (m *Map[K, V]) prepareInsert(op string, key K) (i uintptr, inserted bool, err error) {
	if m.equal(key, m.emptyKey) {
		return 0, false, invalidKeyError(op, key)
	}
	if len(m.slots) > 0 {
		var ok bool
		if i, ok = m.probe(key); ok {
			return i, false, nil
		}
		if m.used < m.Cap() {
			return i, true, nil
		}
	}
	m.grow()
	i, _ = m.probe(key)
	return i, true, nil
}

// fill stores key and value in the empty slot at index i.
func (m *Map[K, V]) fill(i uintptr, key K, value V) {
	s := &m.slots[i]
	s.key = key
	s.value = value
	m.used++
	if debug {
		fmt.Printf("fill(%v): index=%d used=%d\n", key, i, m.used)
	}
	m.checkInvariants()
}

// uncheckedPut inserts an entry known not to be in the table, without
// checking for growth. Used by resize.
func (m *Map[K, V]) uncheckedPut(key K, value V) {
	i := m.home(key)
	for !m.isEmpty(&m.slots[i]) {
		i = (i + 1) & m.mask
	}
	s := &m.slots[i]
	s.key = key
	s.value = value
}

// removeAt empties the occupied slot at index gap using backward-shift
// deletion. See the package comment.
func (m *Map[K, V]) removeAt(gap uintptr) {
	for j := (gap + 1) & m.mask; ; j = (j + 1) & m.mask {
		s := &m.slots[j]
		if m.isEmpty(s) {
			break
		}
		home := m.home(s.key)
		if (j-gap)&m.mask <= (j-home)&m.mask {
			if debug {
				fmt.Printf("remove: shifting %v from %d to %d [home=%d]\n", s.key, j, gap, home)
			}
			m.slots[gap] = *s
			gap = j
		}
	}
	m.slots[gap] = Slot[K, V]{key: m.emptyKey}
	m.used--
	if debug {
		fmt.Printf("remove: emptied %d used=%d\n", gap, m.used)
	}
	m.checkInvariants()
}

func (m *Map[K, V]) grow() {
	n := max(2*m.Cap(), minGrowCapacity)
	checkCapacity("grow", n)
	m.resize(bucketsFor(n))
}

// resize moves every entry into a newly allocated slot array of length
// newBuckets (a power of 2 with room for m.used entries) and hands the old
// array back to the allocator.
func (m *Map[K, V]) resize(newBuckets int) {
	if newBuckets <= 0 || newBuckets&(newBuckets-1) != 0 || newBuckets/2 < m.used {
		panic(errors.AssertionFailedf(
			"flatmap: resize: invalid bucket count %d for %d entries", newBuckets, m.used))
	}
	oldSlots := m.slots
	m.slots = m.allocator.Alloc(newBuckets)
	for i := range m.slots {
		m.slots[i] = Slot[K, V]{key: m.emptyKey}
	}
	m.mask = uintptr(newBuckets - 1)

	if ce := m.logger.Check(zap.DebugLevel, "flatmap: resize"); ce != nil {
		ce.Write(
			zap.Int("old-buckets", len(oldSlots)),
			zap.Int("new-buckets", newBuckets),
			zap.Int("used", m.used),
		)
	}

	for i := range oldSlots {
		s := &oldSlots[i]
		if m.isEmpty(s) {
			continue
		}
		m.uncheckedPut(s.key, s.value)
		*s = Slot[K, V]{key: m.emptyKey}
	}

	if len(oldSlots) > 0 {
		m.allocator.Free(oldSlots)
	}

	m.checkInvariants()
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if err := m.verify(); err != nil {
			panic(err)
		}
	}
}

// verify checks the structural invariants of the table: a power of 2 slot
// count, the load factor bound, the used count and the probe invariant for
// every entry.
func (m *Map[K, V]) verify() error {
	n := len(m.slots)
	if n&(n-1) != 0 {
		return errors.AssertionFailedf("invariant failed: %d slots is not a power of 2", n)
	}
	if n > 0 && m.mask != uintptr(n-1) {
		return errors.AssertionFailedf("invariant failed: mask %d does not match %d slots", m.mask, n)
	}
	if m.used > m.Cap() {
		return errors.AssertionFailedf("invariant failed: used %d exceeds capacity %d", m.used, m.Cap())
	}

	var used int
	for i := range m.slots {
		s := &m.slots[i]
		if m.isEmpty(s) {
			continue
		}
		used++
		// Every slot from the home slot up to i must be occupied by a
		// different key.
		for j := m.home(s.key); j != uintptr(i); j = (j + 1) & m.mask {
			t := &m.slots[j]
			if m.isEmpty(t) {
				return errors.AssertionFailedf(
					"invariant failed: slot(%d): %v unreachable, slot %d is empty\n%s",
					i, s.key, j, m.debugString())
			}
			if m.equal(t.key, s.key) {
				return errors.AssertionFailedf(
					"invariant failed: slot(%d): %v duplicated at slot %d\n%s",
					i, s.key, j, m.debugString())
			}
		}
	}

	if used != m.used {
		return errors.AssertionFailedf("invariant failed: found %d used slots, but used count is %d\n%s",
			used, m.used, m.debugString())
	}
	return nil
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "buckets=%d  used=%d  capacity=%d\n", len(m.slots), m.used, m.Cap())
	for i := range m.slots {
		s := &m.slots[i]
		if m.isEmpty(s) {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		home := m.home(s.key)
		fmt.Fprintf(&buf, "  %4d: %v [home=%d dist=%d]\n", i, s.key, home, (uintptr(i)-home)&m.mask)
	}
	return buf.String()
}
