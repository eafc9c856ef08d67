// Package middleware implements the ordered wrapper chains invoked around
// every push (client side) and every execution (server side).
//
// Entries are registered as named constructors. Each invocation builds a
// fresh instance of every entry, so middleware carries no state between
// jobs unless its constructor closes over some on purpose.
//
// A middleware that returns without calling next skips everything inside
// it, including the push or the handler; the entries outside it still run
// their after-logic as control unwinds.
package middleware

import (
	"context"
	"fmt"
	"sync"

	"github.com/sidekiq/sidekiq-sub000/pkg/job"
)

// Next continues the chain.
type Next func(ctx context.Context) error

// Middleware wraps one step of a push or an execution.
type Middleware interface {
	Call(ctx context.Context, rec *job.Record, queue string, next Next) error
}

// Func adapts a function to Middleware.
type Func func(ctx context.Context, rec *job.Record, queue string, next Next) error

// Call implements Middleware.
func (f Func) Call(ctx context.Context, rec *job.Record, queue string, next Next) error {
	return f(ctx, rec, queue, next)
}

// Constructor builds a fresh middleware for one invocation.
type Constructor func() Middleware

// Entry is one registered middleware.
type Entry struct {
	Name string
	New  Constructor
}

// Chain is an ordered, mutable list of entries. It is safe for concurrent
// use; invocations work on a snapshot.
type Chain struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewChain returns a chain holding entries in order.
func NewChain(entries ...Entry) *Chain {
	c := &Chain{}
	for _, e := range entries {
		c.Add(e.Name, e.New)
	}
	return c
}

// Of returns a constructor that always hands out the same middleware.
func Of(m Middleware) Constructor {
	return func() Middleware { return m }
}

// Add appends an entry. An existing entry with the same name is replaced in
// its position.
func (c *Chain) Add(name string, ctor Constructor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.index(name); i >= 0 {
		c.entries[i].New = ctor
		return
	}
	c.entries = append(c.entries, Entry{Name: name, New: ctor})
}

// Prepend puts an entry first, moving it if already present.
func (c *Chain) Prepend(name string, ctor Constructor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(name)
	c.entries = append([]Entry{{Name: name, New: ctor}}, c.entries...)
}

// InsertBefore puts an entry right before old, or first when old is absent.
func (c *Chain) InsertBefore(old, name string, ctor Constructor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(name)
	i := c.index(old)
	if i < 0 {
		i = 0
	}
	c.insert(i, Entry{Name: name, New: ctor})
}

// InsertAfter puts an entry right after old, or last when old is absent.
func (c *Chain) InsertAfter(old, name string, ctor Constructor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(name)
	i := c.index(old)
	if i < 0 {
		i = len(c.entries)
	} else {
		i++
	}
	c.insert(i, Entry{Name: name, New: ctor})
}

// Remove drops the named entry.
func (c *Chain) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(name)
}

// Exists reports whether an entry is registered under name.
func (c *Chain) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index(name) >= 0
}

// Clear drops every entry.
func (c *Chain) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

// Names returns the entry names in invocation order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Name
	}
	return names
}

// Len returns the number of entries.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Copy returns an independent chain with the same entries.
func (c *Chain) Copy() *Chain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Chain{entries: append([]Entry(nil), c.entries...)}
}

// Retrieve builds fresh instances of every entry, in order.
func (c *Chain) Retrieve() []Middleware {
	c.mu.RLock()
	entries := append([]Entry(nil), c.entries...)
	c.mu.RUnlock()
	out := make([]Middleware, len(entries))
	for i, e := range entries {
		out[i] = e.New()
		if out[i] == nil {
			panic(fmt.Sprintf("middleware: constructor %q returned nil", e.Name))
		}
	}
	return out
}

// Invoke runs the chain around final. The first entry is the outermost.
func (c *Chain) Invoke(ctx context.Context, rec *job.Record, queue string, final Next) error {
	mws := c.Retrieve()
	var step func(i int) Next
	step = func(i int) Next {
		if i == len(mws) {
			return final
		}
		return func(ctx context.Context) error {
			return mws[i].Call(ctx, rec, queue, step(i+1))
		}
	}
	return step(0)(ctx)
}

func (c *Chain) index(name string) int {
	for i, e := range c.entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}

func (c *Chain) remove(name string) {
	if i := c.index(name); i >= 0 {
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
	}
}

func (c *Chain) insert(i int, e Entry) {
	c.entries = append(c.entries, Entry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e
}
