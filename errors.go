package modloader

import (
	"errors"
)

// Module loading errors
var (
	// Descriptor and package errors
	ErrInvalidVersion      = errors.New("invalid version")
	ErrInvalidVersionRange = errors.New("invalid version range")
	ErrMalformedDescriptor = errors.New("malformed module descriptor")
	ErrPackageCorrupt      = errors.New("module package is corrupt")
	ErrPackageClosed       = errors.New("module package is closed")

	// Dependency resolution errors
	ErrUnsatisfiedDependency = errors.New("unsatisfied module dependency")
	ErrDependencyCycle       = errors.New("module dependency cycle detected")

	// Symbol resolution errors
	ErrSymbolNotFound = errors.New("symbol not found")

	// Lifecycle errors
	ErrStartupTimeout          = errors.New("module startup timed out")
	ErrModuleAlreadyRegistered = errors.New("module already registered")
	ErrModuleNotFound          = errors.New("module not found")
	ErrModuleNotStarted        = errors.New("module not started")
	ErrModuleInUse             = errors.New("module is required by a started module")
	ErrActivatorNotFound       = errors.New("module activator not found")
	ErrActivatorRegistered     = errors.New("module activator already registered")
	ErrNilDescriptor           = errors.New("module descriptor is nil")

	// Runtime errors
	ErrRuntimeAlreadyStarted = errors.New("runtime already started")
	ErrRuntimeNotStarted     = errors.New("runtime not started")

	// Observer errors
	ErrNilObserver = errors.New("observer is nil")
)
