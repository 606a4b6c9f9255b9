/*
MIT License

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

package domain

import "github.com/pafd/pafd/internal/ccx"

// ccxRegistry is the Domain's connection-id -> *Connection table, a
// thin typed wrapper over internal/ccx.Registry (grounded on
// context/map.go's generic map wrapper) so CLIENTS listings and the
// v3 HELLO reconnect-race probe (spec.md §4.7) can look a peer
// Connection up by id without the engine ever holding a *Connection
// itself.
type ccxRegistry struct {
	r *ccx.Registry[uint64, *Connection]
}

func newCcxRegistry() *ccxRegistry {
	return &ccxRegistry{r: ccx.New[uint64, *Connection]()}
}

func (cr *ccxRegistry) store(id uint64, c *Connection) { cr.r.Store(id, c) }
func (cr *ccxRegistry) delete(id uint64)                { cr.r.Delete(id) }

func (cr *ccxRegistry) lookup(id uint64) *Connection {
	c, _ := cr.r.Load(id)
	return c
}

func (cr *ccxRegistry) all() []*Connection {
	var out []*Connection
	cr.r.Walk(func(_ uint64, c *Connection) bool {
		out = append(out, c)
		return true
	})
	return out
}
