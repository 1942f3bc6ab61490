// Package policy decides whether job submissions are admitted.
package policy

import "net/url"

// Undo returns an admission whose submission was abandoned.
type Undo func()

// Nop is the Undo for admissions that consume nothing.
func Nop() {}

// Policy gates submissions per owner and per target.
type Policy interface {
	// AllowSubmit reports whether ownerID may submit another job now. An
	// admitted caller must run undo if the submission does not go through.
	AllowSubmit(ownerID string) (undo Undo, ok bool)
	// AllowTarget reports whether target may be cloned at all.
	AllowTarget(target *url.URL) bool
}

// Chain admits a submission only when every member admits it.
type Chain []Policy

// AllowSubmit implements Policy. A rejection undoes the members that had
// already admitted.
func (c Chain) AllowSubmit(ownerID string) (Undo, bool) {
	undos := make([]Undo, 0, len(c))
	undoAll := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
	}
	for _, p := range c {
		undo, ok := p.AllowSubmit(ownerID)
		if !ok {
			undoAll()
			return Nop, false
		}
		undos = append(undos, undo)
	}
	return undoAll, true
}

// AllowTarget implements Policy.
func (c Chain) AllowTarget(target *url.URL) bool {
	for _, p := range c {
		if !p.AllowTarget(target) {
			return false
		}
	}
	return true
}
