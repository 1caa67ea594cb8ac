package otabuilder

import "sync"

// Cleanup is a scoped, last-in-first-out registry of release functions. Each
// partition pipeline owns exactly one Cleanup instance for the temp
// artifacts it acquires (temp directories, stashed byte ranges, partial
// new.dat/patch.dat); Run is guaranteed to execute on every exit path,
// including cancellation (§5).
//
// Unlike the teacher's package-global atExit list, a Cleanup is never
// shared between partitions: partitions have no mutable state in common
// beyond their independent append-only sinks.
type Cleanup struct {
	mu     sync.Mutex
	fns    []func() error
	closed bool
}

// Register adds fn to the set of functions Run will call, most-recently
// registered first.
func (c *Cleanup) Register(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		panic("BUG: Cleanup.Register called after Run")
	}
	c.fns = append(c.fns, fn)
}

// Run releases every registered resource in reverse registration order,
// continuing past individual failures so that one stuck temp file does not
// leak the rest. It returns the first error encountered, if any.
func (c *Cleanup) Run() error {
	c.mu.Lock()
	c.closed = true
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	var first error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
