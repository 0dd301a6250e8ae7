// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package attribute provides type-safe containers of custom attributes.
// Immutable [Values] annotate endpoints, and the concurrent [Map] holds
// the attributes of a request context. Custom attributes are declared
// using [NewKey] to create a strongly-typed key.
//
// The following example declares two custom attributes, a floating point
// "capacity", and a string "geographic region", and attaches them to an
// endpoint.
//
//	var (
//		Capacity         = attribute.NewKey[float64]()
//		GeographicRegion = attribute.NewKey[string]()
//
//		ep = endpoint.Of("10.0.0.5", 8443).WithAttributes(attribute.NewValues(
//			Capacity.Value(1.25),
//			GeographicRegion.Value("us-east1"),
//		))
//	)
//
// A [Map] can be snapshotted into Values. Request contexts use this to
// give a derived context a frozen view of its parent's attributes.
package attribute

import "sync"

// Values is a collection of type-safe custom metadata values.
// It contains a mapping of [Key] to value for any number of
// attribute keys. Values is immutable once constructed.
type Values struct {
	data map[any]any
}

// NewValues creates a new Values object with the provided values.
//
// Use this function in tandem with [Key.Value], like this:
//
//	var testKey = attribute.NewKey[string]()
//	...
//	attribute.NewValues(testKey.Value("test"))
func NewValues(values ...Value) Values {
	data := make(map[any]any, len(values))
	for _, attr := range values {
		data[attr.key] = attr.value
	}
	return Values{
		data: data,
	}
}

// With returns a copy of v that also holds the given values. Values
// given here replace values for the same key.
func (v Values) With(values ...Value) Values {
	if len(values) == 0 {
		return v
	}
	data := make(map[any]any, len(v.data)+len(values))
	for k, val := range v.data {
		data[k] = val
	}
	for _, attr := range values {
		data[attr.key] = attr.value
	}
	return Values{data: data}
}

// Len returns the number of attributes in v.
func (v Values) Len() int {
	return len(v.data)
}

// Key is an attribute key. Applications should use NewKey to create
// a new key for each distinct attribute. The type T is the type of
// values this attribute can have.
type Key[T any] struct {
	// can't be empty or else pointers won't be distinct
	_ bool
}

// NewKey returns a new key that can have values of type T. Each call
// to NewKey results in a distinct attribute key, even if multiple are
// created for the same type. (Keys are identified by their address.)
func NewKey[T any]() *Key[T] {
	return new(Key[T])
}

// Value constructs a new Attr value, which can be passed to [NewValues].
func (k *Key[T]) Value(value T) Value {
	return Value{key: k, value: value}
}

// Value is a single custom attribute, composed of a key and
// corresponding value.
type Value struct {
	key, value any
}

// GetValue retrieves a single value from the given Values. If the key is not
// present, the zero value and false will be returned instead.
func GetValue[T any](values Values, key *Key[T]) (value T, ok bool) {
	val, ok := values.data[key]
	if !ok {
		var zero T
		return zero, false
	}
	tval, ok := val.(T)
	return tval, ok
}

// Map is a mutable, concurrency-safe set of attributes. The zero value
// is ready to use.
type Map struct {
	mu   sync.RWMutex
	data map[any]any
}

// Set stores value under key in m, replacing any previous value.
func Set[T any](m *Map, key *Key[T], value T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[any]any)
	}
	m.data[key] = value
}

// Load retrieves the value stored under key in m.
func Load[T any](m *Map, key *Key[T]) (value T, ok bool) {
	m.mu.RLock()
	val, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		var zero T
		return zero, false
	}
	tval, ok := val.(T)
	return tval, ok
}

// Delete removes key from m.
func Delete[T any](m *Map, key *Key[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// Snapshot returns the current contents of m as immutable Values.
// Later changes to m are not reflected in the result.
func (m *Map) Snapshot() Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data := make(map[any]any, len(m.data))
	for k, v := range m.data {
		data[k] = v
	}
	return Values{data: data}
}

// SnapshotOver is like Snapshot but layers the contents of m over base,
// so that entries in m win.
func (m *Map) SnapshotOver(base Values) Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data := make(map[any]any, len(base.data)+len(m.data))
	for k, v := range base.data {
		data[k] = v
	}
	for k, v := range m.data {
		data[k] = v
	}
	return Values{data: data}
}
