package modloader

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// EntryKind distinguishes code entries from plain resources.
type EntryKind int

const (
	// EntrySymbol is a code entry addressed by a dotted fully-qualified name.
	EntrySymbol EntryKind = iota
	// EntryResource is any other file, addressed by its slash path.
	EntryResource
)

func (k EntryKind) String() string {
	if k == EntrySymbol {
		return "symbol"
	}
	return "resource"
}

// symbolExtensions are the file extensions indexed as symbols.
var symbolExtensions = []string{".class", ".sym"}

// libDir holds nested libraries, which are not indexed.
const libDir = "lib/"

// Entry is one indexed file of a module package.
type Entry struct {
	Name   string    `json:"name"`
	Kind   EntryKind `json:"kind"`
	Path   string    `json:"path"`
	Size   int64     `json:"size"`
	Digest uint64    `json:"digest"`
}

// ModulePackage is the unpacked content of one module: its descriptor and an
// index of its entries by fully-qualified name. A package is owned by exactly
// one class loader and released with Close.
type ModulePackage struct {
	descriptor *ModuleDescriptor
	source     string
	root       string
	tempDir    string
	files      map[string][]byte
	entries    map[string]Entry
	digest     uint64

	mu     sync.RWMutex
	closed bool
}

// Descriptor returns the package's module descriptor.
func (p *ModulePackage) Descriptor() *ModuleDescriptor { return p.descriptor }

// Source returns the path the package was loaded from.
func (p *ModulePackage) Source() string { return p.source }

// Root returns the directory holding the package files, or "" for packages
// built in memory.
func (p *ModulePackage) Root() string { return p.root }

// Extracted reports whether the package lives in a temporary extraction
// directory that Close removes.
func (p *ModulePackage) Extracted() bool { return p.tempDir != "" }

// Digest returns a content fingerprint that is identical for a directory and
// for a zip archive holding the same files.
func (p *ModulePackage) Digest() uint64 { return p.digest }

// Entry looks up an indexed entry by fully-qualified name.
func (p *ModulePackage) Entry(name string) (Entry, bool) {
	e, ok := p.entries[name]
	return e, ok
}

// Entries returns every indexed entry sorted by name.
func (p *ModulePackage) Entries() []Entry {
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of indexed entries.
func (p *ModulePackage) Len() int { return len(p.entries) }

// Open reads the content of an entry.
func (p *ModulePackage) Open(name string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, fmt.Errorf("%w: %s", ErrPackageClosed, p.descriptor.ID())
	}
	e, ok := p.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, name, p.descriptor.ID())
	}
	if p.files != nil {
		data := p.files[e.Path]
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	data, err := os.ReadFile(filepath.Join(p.root, filepath.FromSlash(e.Path)))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from %s: %w", e.Path, p.descriptor.ID(), err)
	}
	return data, nil
}

// Close releases the package. Extracted archives have their temporary
// directory removed. Close is idempotent.
func (p *ModulePackage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.files = nil
	if p.tempDir != "" {
		if err := os.RemoveAll(p.tempDir); err != nil {
			return fmt.Errorf("failed to remove extracted package %s: %w", p.tempDir, err)
		}
	}
	return nil
}

// Closed reports whether Close has been called.
func (p *ModulePackage) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// NewInMemoryPackage builds a package from file contents keyed by slash path.
// Files are indexed with the same rules as archives; descriptor files and
// lib/ entries are ignored.
func NewInMemoryPackage(desc *ModuleDescriptor, files map[string][]byte) (*ModulePackage, error) {
	if desc == nil {
		return nil, ErrNilDescriptor
	}
	stored := make(map[string][]byte, len(files))
	scanned := make([]scannedFile, 0, len(files))
	for p, data := range files {
		rel := path.Clean(strings.TrimPrefix(p, "/"))
		stored[rel] = data
		scanned = append(scanned, scannedFile{rel: rel, size: int64(len(data)), digest: xxhash.Sum64(data)})
	}
	entries, err := indexEntries(scanned)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", desc.ID(), err)
	}
	return &ModulePackage{
		descriptor: desc,
		source:     "memory:" + desc.ID(),
		files:      stored,
		entries:    entries,
		digest:     digestFiles(scanned),
	}, nil
}

// emptyPackage backs modules registered without code.
func emptyPackage(desc *ModuleDescriptor) *ModulePackage {
	return &ModulePackage{
		descriptor: desc,
		source:     "memory:" + desc.ID(),
		files:      map[string][]byte{},
		entries:    map[string]Entry{},
	}
}

// scannedFile is a package file seen while walking a directory or archive.
type scannedFile struct {
	rel    string
	size   int64
	digest uint64
}

func isDescriptorFile(rel string) bool {
	for _, name := range DescriptorFileNames {
		if rel == name {
			return true
		}
	}
	return false
}

// entryName maps a slash path to its index name and kind.
func entryName(rel string) (string, EntryKind) {
	ext := path.Ext(rel)
	for _, symExt := range symbolExtensions {
		if ext == symExt {
			return strings.ReplaceAll(strings.TrimSuffix(rel, ext), "/", "."), EntrySymbol
		}
	}
	return rel, EntryResource
}

func indexEntries(files []scannedFile) (map[string]Entry, error) {
	entries := make(map[string]Entry, len(files))
	for _, f := range files {
		if isDescriptorFile(f.rel) || strings.HasPrefix(f.rel, libDir) {
			continue
		}
		name, kind := entryName(f.rel)
		if prev, dup := entries[name]; dup {
			return nil, fmt.Errorf("%w: %s and %s both define %s", ErrPackageCorrupt, prev.Path, f.rel, name)
		}
		entries[name] = Entry{Name: name, Kind: kind, Path: f.rel, Size: f.size, Digest: f.digest}
	}
	return entries, nil
}

// digestFiles fingerprints a file set independently of walk order.
func digestFiles(files []scannedFile) uint64 {
	sorted := make([]scannedFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].rel < sorted[j].rel })

	h := xxhash.New()
	var buf [8]byte
	for _, f := range sorted {
		_, _ = h.WriteString(f.rel)
		binary.LittleEndian.PutUint64(buf[:], f.digest)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}
