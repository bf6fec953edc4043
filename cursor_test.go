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
	"slices"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestIterate(t *testing.T) {
	m := New[int, int](0, emptyInt)
	for i := 0; i < 500; i++ {
		require.NoError(t, m.Put(i, -i))
	}

	var forward []int
	seen := make(map[int]bool)
	last := -1
	for c := m.Begin(); c.Valid(); c = c.Next() {
		require.Greater(t, c.i, last, "slots must be visited in ascending order")
		last = c.i
		require.False(t, seen[c.Key()], "key %d visited twice", c.Key())
		seen[c.Key()] = true
		require.Equal(t, -c.Key(), c.Value())
		forward = append(forward, c.Key())
	}
	require.Len(t, forward, m.Len())

	var backward []int
	for c := m.Last(); c.Valid(); c = c.Prev() {
		backward = append(backward, c.Key())
	}
	slices.Reverse(backward)
	require.Equal(t, forward, backward)

	var keys []int
	for k := range m.Keys() {
		keys = append(keys, k)
	}
	require.Equal(t, forward, keys)

	var sum int
	for v := range m.Values() {
		sum += v
	}
	require.Equal(t, -(499 * 500 / 2), sum)

	// Early termination.
	var n int
	for range m.All() {
		n++
		if n == 10 {
			break
		}
	}
	require.Equal(t, 10, n)
}

func TestCursorEnds(t *testing.T) {
	m := New[int, int](0, emptyInt)
	require.True(t, m.Begin().Equal(m.End()))
	require.True(t, m.Last().Equal(m.End()))
	require.False(t, m.End().Valid())
	require.True(t, m.End().Next().Equal(m.End()))

	m = New[int, int](8, emptyInt)
	require.True(t, m.Begin().Equal(m.End()))
	require.True(t, m.End().Prev().Equal(m.End()))

	require.NoError(t, m.Put(5, 50))
	b := m.Begin()
	require.True(t, b.Valid())
	require.True(t, b.Equal(m.Last()))
	require.True(t, b.Equal(m.Find(5)))
	require.True(t, b.Next().Equal(m.End()))
	require.True(t, b.Prev().Equal(m.End()))
	require.True(t, m.End().Prev().Equal(b))
}

func TestCursorEqualRequiresSameSlots(t *testing.T) {
	a := New[int, int](4, emptyInt)
	b := New[int, int](4, emptyInt)
	require.False(t, a.End().Equal(b.End()))

	require.NoError(t, a.Put(1, 1))
	c := a.Find(1)
	a.Rehash(100)
	d := a.Find(1)
	require.Equal(t, 1, d.Key())
	require.False(t, c.Equal(d))
}

func TestCursorMutation(t *testing.T) {
	m := New[string, int](0, "")
	_, _, err := m.Emplace("a", 1)
	require.NoError(t, err)

	c := m.Find("a")
	c.SetValue(2)
	v, _ := m.Get("a")
	require.Equal(t, 2, v)

	*m.Find("a").ValuePtr() += 40
	v, _ = m.Get("a")
	require.Equal(t, 42, v)
}

func TestExtract(t *testing.T) {
	m := New[int, *[]byte](0, emptyInt)
	buf := []byte("payload")
	_, _, err := m.Emplace(7, &buf)
	require.NoError(t, err)

	key, value, next := m.Extract(m.Find(7))
	require.Equal(t, 7, key)
	require.Same(t, &buf, value)
	require.False(t, next.Valid())
	require.Equal(t, 0, m.Len())
	require.False(t, m.Find(7).Valid())
}

func TestEraseAllWhileIterating(t *testing.T) {
	m := New[int, int](0, emptyInt, WithHash[int, int](func(key int) uint64 {
		// 64 distinct homes at the end of a 2048 slot array, so the run of
		// entries wraps around to the start and erasing shifts long runs.
		return 0x7c0 | uint64(key)*0x9e3779b97f4a7c15>>58
	}))
	const count = 1000
	for i := 0; i < count; i++ {
		require.NoError(t, m.Put(i, i))
	}

	var erased int
	for c := m.Begin(); c.Valid(); {
		c = m.Erase(c)
		erased++
		require.LessOrEqual(t, erased, count)
	}
	require.Equal(t, count, erased)
	require.True(t, m.Empty())
	require.NoError(t, m.verify())
}

func TestEraseSomeWhileIterating(t *testing.T) {
	m := New[int, int](0, emptyInt, WithHash[int, int](func(key int) uint64 {
		return 0x7c0 | uint64(key)*0x9e3779b97f4a7c15>>58
	}))
	const count = 1000
	for i := 0; i < count; i++ {
		require.NoError(t, m.Put(i, i))
	}

	for c := m.Begin(); c.Valid(); {
		if c.Key()%2 == 0 {
			c = m.Erase(c)
		} else {
			c = c.Next()
		}
	}
	require.Equal(t, count/2, m.Len())
	for i := 0; i < count; i++ {
		_, ok := m.Get(i)
		require.Equal(t, i%2 == 1, ok, "key %d", i)
	}
	require.NoError(t, m.verify())
}

func TestEraseRevisitsWrappedEntry(t *testing.T) {
	m := New[int, int](4, emptyInt, withIdentityHash())
	require.Equal(t, 8, len(m.slots))

	// 7 and 15 share home slot 7. 15 wraps around to slot 0.
	require.NoError(t, m.Put(7, 7))
	require.NoError(t, m.Put(15, 15))
	require.Equal(t, 15, m.slots[0].key)
	require.Equal(t, 7, m.slots[7].key)

	// Erasing 7 shifts 15 back to slot 7, behind the cursor's original
	// position but at the returned cursor, so it is visited twice.
	var visited []int
	for c := m.Begin(); c.Valid(); {
		visited = append(visited, c.Key())
		if c.Key() == 7 {
			c = m.Erase(c)
		} else {
			c = c.Next()
		}
	}
	require.Equal(t, []int{15, 7, 15}, visited)
	require.Equal(t, 15, m.slots[7].key)
	require.Equal(t, map[int]int{15: 15}, m.toBuiltinMap())
	require.NoError(t, m.verify())
}

func requireAssertionPanic(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok, "expected error, got %T", r)
		require.True(t, errors.IsAssertionFailure(err), "%v", err)
	}()
	f()
}

func TestCursorMisuse(t *testing.T) {
	m := New[int, int](0, emptyInt)
	require.NoError(t, m.Put(1, 1))

	t.Run("dereference-end", func(t *testing.T) {
		requireAssertionPanic(t, func() { _ = m.End().Key() })
		requireAssertionPanic(t, func() { _ = m.End().Value() })
		requireAssertionPanic(t, func() { m.End().SetValue(1) })
	})

	t.Run("erase-end", func(t *testing.T) {
		requireAssertionPanic(t, func() { m.Erase(m.End()) })
		requireAssertionPanic(t, func() { m.Erase(m.Find(2)) })
		require.Equal(t, 1, m.Len())
	})

	t.Run("erase-emptied", func(t *testing.T) {
		c := m.Find(1)
		require.True(t, m.Delete(1))
		requireAssertionPanic(t, func() { _ = c.Key() })
		requireAssertionPanic(t, func() { m.Erase(c) })
		require.Equal(t, 0, m.Len())
		require.NoError(t, m.Put(1, 1))
	})

	t.Run("erase-after-rehash", func(t *testing.T) {
		c := m.Find(1)
		m.Rehash(64)
		requireAssertionPanic(t, func() { m.Erase(c) })
		require.Equal(t, 1, m.Len())
	})

	t.Run("erase-other-map", func(t *testing.T) {
		o := New[int, int](0, emptyInt)
		require.NoError(t, o.Put(1, 1))
		requireAssertionPanic(t, func() { m.Erase(o.Find(1)) })
		require.Equal(t, 1, m.Len())
		require.Equal(t, 1, o.Len())
	})
}
