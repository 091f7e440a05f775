package modloader

import (
	"sync"
)

// Symbol is a named entry defined by exactly one module. The owning class
// loader creates each Symbol once; every loader that can see it returns the
// same instance.
type Symbol struct {
	entry  Entry
	loader *ModuleClassLoader

	once    sync.Once
	content []byte
	err     error
}

// Name returns the fully-qualified name.
func (s *Symbol) Name() string { return s.entry.Name }

// Kind reports whether the symbol is code or a resource.
func (s *Symbol) Kind() EntryKind { return s.entry.Kind }

// Entry returns the package entry backing the symbol.
func (s *Symbol) Entry() Entry { return s.entry }

// Owner returns the id of the module that defines the symbol.
func (s *Symbol) Owner() string { return s.loader.ID() }

// Loader returns the class loader that defines the symbol.
func (s *Symbol) Loader() *ModuleClassLoader { return s.loader }

// Content returns the symbol's bytes, reading them from the owning package
// on first use. Later calls return the same result.
func (s *Symbol) Content() ([]byte, error) {
	s.once.Do(func() {
		s.content, s.err = s.loader.pkg.Open(s.entry.Name)
	})
	return s.content, s.err
}

func (s *Symbol) String() string {
	return s.entry.Name + " (" + s.loader.ID() + ")"
}

// ResolutionStatus tags the outcome of a lookup.
type ResolutionStatus int

const (
	// NotFound means no visible module defines the name.
	NotFound ResolutionStatus = iota
	// Found means the name resolved to a symbol.
	Found
	// Unavailable means the looking-up module was stopped, so nothing
	// resolves through it any more.
	Unavailable
)

func (s ResolutionStatus) String() string {
	switch s {
	case Found:
		return "found"
	case Unavailable:
		return "unavailable"
	default:
		return "not-found"
	}
}

// Resolution is the result of a lookup: Found with the symbol and its
// owner, NotFound, or Unavailable for a stopped module.
type Resolution struct {
	Name   string
	Status ResolutionStatus
	Symbol *Symbol
}

// Found reports whether the lookup succeeded.
func (r Resolution) Found() bool {
	return r.Status == Found
}

// Owner returns the defining module's id, or "" when not found.
func (r Resolution) Owner() string {
	if r.Symbol == nil {
		return ""
	}
	return r.Symbol.Owner()
}
