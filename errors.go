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

import "github.com/cockroachdb/errors"

// ErrInvalidKey is returned when inserting the key a Map was constructed
// with as its empty key. That key marks unoccupied slots and can never be
// stored.
var ErrInvalidKey = errors.New("flatmap: invalid key")

// invalidKeyError wraps ErrInvalidKey with the operation that rejected key.
func invalidKeyError[K any](op string, key K) error {
	return errors.Wrapf(ErrInvalidKey, "%s(%v): key equals the empty key", op, key)
}

// cursorError reports misuse of a Cursor. These are programming errors: the
// caller dereferenced End or kept a cursor across a structural change.
func cursorError(op string, format string, args ...interface{}) error {
	return errors.AssertionFailedf("flatmap: %s: "+format, append([]interface{}{op}, args...)...)
}
