/*
MIT License

Copyright (c) 2019 Nicolas JUHEL
Copyright (c) 2024 pafd authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package ccx provides a generic id-keyed registry. It backs
// internal/domain's connection-id -> *Connection table; internal/sd
// keeps its client, service and subscription tables in plain maps
// guarded by Engine.mu instead. Keying every
// relationship by id rather than by direct pointer/back-reference keeps
// the entity graph acyclic and lets an entry be invalidated by deleting
// one map entry instead of walking a web of back-pointers.
package ccx

import "sync"

// Registry is a concurrency-safe id -> value map.
type Registry[K comparable, V any] struct {
	m sync.Map
}

func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{}
}

func (r *Registry[K, V]) Load(key K) (V, bool) {
	v, ok := r.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (r *Registry[K, V]) Store(key K, val V) {
	r.m.Store(key, val)
}

func (r *Registry[K, V]) LoadOrStore(key K, val V) (V, bool) {
	v, loaded := r.m.LoadOrStore(key, val)
	return v.(V), loaded
}

func (r *Registry[K, V]) Delete(key K) {
	r.m.Delete(key)
}

func (r *Registry[K, V]) LoadAndDelete(key K) (V, bool) {
	v, ok := r.m.LoadAndDelete(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Walk calls fn for every entry; fn returning false stops the walk.
func (r *Registry[K, V]) Walk(fn func(K, V) bool) {
	r.m.Range(func(k, v interface{}) bool {
		return fn(k.(K), v.(V))
	})
}

// Len counts entries. O(n); intended for diagnostics (CLIENTS/SERVICES/
// SUBSCRIPTIONS queries and metrics), not hot paths.
func (r *Registry[K, V]) Len() int {
	n := 0
	r.m.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
