package caption

import "github.com/emirpasic/gods/sets/linkedhashset"

// PendingSet holds the inputs that have no caption on disk yet, in input
// order.
type PendingSet struct {
	set *linkedhashset.Set
}

// NewPendingSet seeds the set with every input path.
func NewPendingSet(paths []string) *PendingSet {
	set := linkedhashset.New()
	for _, path := range paths {
		set.Add(path)
	}
	return &PendingSet{set: set}
}

// Confirm removes path after its caption was written.
func (p *PendingSet) Confirm(path string) {
	p.set.Remove(path)
}

// Contains reports whether path is still pending.
func (p *PendingSet) Contains(path string) bool {
	return p.set.Contains(path)
}

// Len is the number of pending inputs.
func (p *PendingSet) Len() int {
	return p.set.Size()
}

// Paths lists the pending inputs in input order.
func (p *PendingSet) Paths() []string {
	values := p.set.Values()
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.(string))
	}
	return out
}
