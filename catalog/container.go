package catalog

// entryContainer is an append/release collection of entry handles keyed
// by descriptor identity (the ident, which is fixed for an entry's
// lifetime).
type entryContainer struct {
	entries []*Entry
}

func (c *entryContainer) add(e *Entry) {
	c.entries = append(c.entries, e)
}

// release removes and returns the entry with the given ident, nil if it
// is not held here.
func (c *entryContainer) release(ident string) *Entry {
	for i, e := range c.entries {
		if e.ident == ident {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return e
		}
	}
	return nil
}

// replace swaps old for new in place, preserving iteration order.
func (c *entryContainer) replace(old, new *Entry) bool {
	for i, e := range c.entries {
		if e == old {
			c.entries[i] = new
			return true
		}
	}
	return false
}

func (c *entryContainer) findByName(name string) *Entry {
	for _, e := range c.entries {
		if e.spec.Name == name {
			return e
		}
	}
	return nil
}

func (c *entryContainer) all() []*Entry { return c.entries }
func (c *entryContainer) len() int      { return len(c.entries) }
