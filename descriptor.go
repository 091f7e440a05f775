package modloader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DescriptorFormat identifies the encoding of a descriptor file.
type DescriptorFormat string

const (
	FormatYAML DescriptorFormat = "yaml"
	FormatTOML DescriptorFormat = "toml"
	FormatJSON DescriptorFormat = "json"
)

// DescriptorFileNames lists the descriptor file names looked up at the root of
// a module package, in priority order.
var DescriptorFileNames = []string{"module.yaml", "module.yml", "module.toml", "module.json"}

var moduleIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// FormatForFile returns the descriptor format implied by a file extension.
func FormatForFile(path string) (DescriptorFormat, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".toml":
		return FormatTOML, true
	case ".json":
		return FormatJSON, true
	default:
		return "", false
	}
}

// descriptorFile is the on-disk shape of a descriptor.
type descriptorFile struct {
	ID              string           `yaml:"id" toml:"id" json:"id"`
	Name            string           `yaml:"name" toml:"name" json:"name"`
	Version         string           `yaml:"version" toml:"version" json:"version"`
	Package         string           `yaml:"package" toml:"package" json:"package"`
	Author          string           `yaml:"author" toml:"author" json:"author"`
	Description     string           `yaml:"description" toml:"description" json:"description"`
	Activator       string           `yaml:"activator" toml:"activator" json:"activator"`
	RequirePlatform string           `yaml:"require_platform" toml:"require_platform" json:"require_platform"`
	Requires        []dependencyFile `yaml:"requires" toml:"requires" json:"requires"`
	AwareOf         []dependencyFile `yaml:"aware_of" toml:"aware_of" json:"aware_of"`
}

type dependencyFile struct {
	ID      string `yaml:"id" toml:"id" json:"id"`
	Version string `yaml:"version" toml:"version" json:"version"`
}

// Dependency is a reference to another module by id with an acceptable
// version range.
type Dependency struct {
	ID    string
	Range *VersionRange
}

func (d Dependency) String() string {
	if d.Range.IsAny() {
		return d.ID
	}
	return d.ID + " " + d.Range.String()
}

// ModuleDescriptor holds a module's identity, version and dependency
// declarations. It is immutable once parsed; slice accessors return copies.
type ModuleDescriptor struct {
	id              string
	name            string
	version         *Version
	pkg             string
	author          string
	description     string
	activator       string
	requirePlatform *VersionRange
	dependencies    []Dependency
	awareOf         []Dependency
	source          string
}

// ID returns the unique module id.
func (d *ModuleDescriptor) ID() string { return d.id }

// Name returns the display name, falling back to the id.
func (d *ModuleDescriptor) Name() string {
	if d.name == "" {
		return d.id
	}
	return d.name
}

// Version returns the module version.
func (d *ModuleDescriptor) Version() *Version { return d.version }

// Package returns the module's namespace prefix, if declared.
func (d *ModuleDescriptor) Package() string { return d.pkg }

// Author returns the declared author.
func (d *ModuleDescriptor) Author() string { return d.author }

// Description returns the declared description.
func (d *ModuleDescriptor) Description() string { return d.description }

// Activator returns the name of the activator factory, or "" for none.
func (d *ModuleDescriptor) Activator() string { return d.activator }

// RequirePlatform returns the acceptable platform versions.
func (d *ModuleDescriptor) RequirePlatform() *VersionRange { return d.requirePlatform }

// Source returns the path the descriptor was read from, if any.
func (d *ModuleDescriptor) Source() string { return d.source }

// Dependencies returns the required modules in declaration order.
func (d *ModuleDescriptor) Dependencies() []Dependency {
	out := make([]Dependency, len(d.dependencies))
	copy(out, d.dependencies)
	return out
}

// AwareOf returns the optional modules in declaration order. An aware-of
// module is ordered before this one and visible to its class loader when it
// is present, but its absence is not an error.
func (d *ModuleDescriptor) AwareOf() []Dependency {
	out := make([]Dependency, len(d.awareOf))
	copy(out, d.awareOf)
	return out
}

// DependencyIDs returns the ids of the required modules in declaration order.
func (d *ModuleDescriptor) DependencyIDs() []string {
	ids := make([]string, len(d.dependencies))
	for i, dep := range d.dependencies {
		ids[i] = dep.ID
	}
	return ids
}

func (d *ModuleDescriptor) String() string {
	return d.id + "@" + d.version.String()
}

// ParseDescriptor decodes and validates a descriptor.
func ParseDescriptor(data []byte, format DescriptorFormat) (*ModuleDescriptor, error) {
	var raw descriptorFile
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: yaml: %w", ErrMalformedDescriptor, err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: toml: %w", ErrMalformedDescriptor, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: json: %w", ErrMalformedDescriptor, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrMalformedDescriptor, format)
	}
	return raw.build()
}

// ParseDescriptorFile reads a descriptor from disk, choosing the format from
// the file extension.
func ParseDescriptorFile(path string) (*ModuleDescriptor, error) {
	format, ok := FormatForFile(path)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported descriptor file %s", ErrMalformedDescriptor, filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor %s: %w", path, err)
	}
	desc, err := ParseDescriptor(data, format)
	if err != nil {
		return nil, err
	}
	desc.source = path
	return desc, nil
}

func (raw *descriptorFile) build() (*ModuleDescriptor, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedDescriptor)
	}
	if !moduleIDPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrMalformedDescriptor, id)
	}

	if strings.TrimSpace(raw.Version) == "" {
		return nil, fmt.Errorf("%w: module %s: missing version", ErrMalformedDescriptor, id)
	}
	version, err := ParseVersion(raw.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: module %s: %w", ErrMalformedDescriptor, id, err)
	}

	platform, err := ParseVersionRange(raw.RequirePlatform)
	if err != nil {
		return nil, fmt.Errorf("%w: module %s: require_platform: %w", ErrMalformedDescriptor, id, err)
	}

	seen := map[string]string{id: "self"}
	deps, err := buildDependencies(id, "requires", raw.Requires, seen)
	if err != nil {
		return nil, err
	}
	aware, err := buildDependencies(id, "aware_of", raw.AwareOf, seen)
	if err != nil {
		return nil, err
	}

	return &ModuleDescriptor{
		id:              id,
		name:            strings.TrimSpace(raw.Name),
		version:         version,
		pkg:             strings.TrimSpace(raw.Package),
		author:          raw.Author,
		description:     raw.Description,
		activator:       strings.TrimSpace(raw.Activator),
		requirePlatform: platform,
		dependencies:    deps,
		awareOf:         aware,
	}, nil
}

func buildDependencies(owner, field string, raw []dependencyFile, seen map[string]string) ([]Dependency, error) {
	deps := make([]Dependency, 0, len(raw))
	for i, d := range raw {
		depID := strings.TrimSpace(d.ID)
		if depID == "" {
			return nil, fmt.Errorf("%w: module %s: %s[%d]: missing id", ErrMalformedDescriptor, owner, field, i)
		}
		if prev, dup := seen[depID]; dup {
			if prev == "self" {
				return nil, fmt.Errorf("%w: module %s depends on itself", ErrMalformedDescriptor, owner)
			}
			return nil, fmt.Errorf("%w: module %s: %s lists %s already declared in %s", ErrMalformedDescriptor, owner, field, depID, prev)
		}
		seen[depID] = field

		r, err := ParseVersionRange(d.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: module %s: %s %s: %w", ErrMalformedDescriptor, owner, field, depID, err)
		}
		deps = append(deps, Dependency{ID: depID, Range: r})
	}
	return deps, nil
}

// DescriptorOption configures a descriptor built in code with NewModuleDescriptor.
type DescriptorOption func(*descriptorFile)

// Requires declares a required module with a version range ("" for any).
func Requires(id, versionRange string) DescriptorOption {
	return func(f *descriptorFile) {
		f.Requires = append(f.Requires, dependencyFile{ID: id, Version: versionRange})
	}
}

// AwareOfModule declares an optional module with a version range.
func AwareOfModule(id, versionRange string) DescriptorOption {
	return func(f *descriptorFile) {
		f.AwareOf = append(f.AwareOf, dependencyFile{ID: id, Version: versionRange})
	}
}

// WithActivatorName names the activator factory used to start the module.
func WithActivatorName(name string) DescriptorOption {
	return func(f *descriptorFile) { f.Activator = name }
}

// RequiresPlatform sets the acceptable platform version range.
func RequiresPlatform(versionRange string) DescriptorOption {
	return func(f *descriptorFile) { f.RequirePlatform = versionRange }
}

// WithNamespace sets the module's namespace prefix.
func WithNamespace(pkg string) DescriptorOption {
	return func(f *descriptorFile) { f.Package = pkg }
}

// NewModuleDescriptor builds a descriptor in code, applying the same
// validation as ParseDescriptor.
func NewModuleDescriptor(id, version string, opts ...DescriptorOption) (*ModuleDescriptor, error) {
	raw := &descriptorFile{ID: id, Version: version}
	for _, opt := range opts {
		opt(raw)
	}
	return raw.build()
}
