package modloader

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// bareVersion matches a version with no comparison operator, which is read as
// a minimum ("1.9" means "1.9 or later").
var bareVersion = regexp.MustCompile(`^v?\d+(\.\d+){0,2}(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

// Version is a parsed semantic version. Short forms such as "0.51" are
// accepted and normalized to "0.51.0".
type Version struct {
	raw string
	sv  *semver.Version
}

// ParseVersion parses a module or platform version string.
func ParseVersion(s string) (*Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty version", ErrInvalidVersion)
	}
	sv, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidVersion, s, err)
	}
	return &Version{raw: s, sv: sv}, nil
}

// MustParseVersion is like ParseVersion but panics on error. It is meant for
// constants in tests and option defaults.
func MustParseVersion(s string) *Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version as it was written.
func (v *Version) String() string {
	return v.raw
}

// Canonical returns the normalized major.minor.patch form.
func (v *Version) Canonical() string {
	return v.sv.String()
}

// Compare returns -1, 0 or 1 when v is lower than, equal to or greater than o.
func (v *Version) Compare(o *Version) int {
	return v.sv.Compare(o.sv)
}

// Equal reports whether both versions have the same precedence.
func (v *Version) Equal(o *Version) bool {
	return v.Compare(o) == 0
}

// release drops prerelease and build metadata. Ranges are matched against
// the release so that "1.9.0-SNAPSHOT" satisfies "1.9".
func (v *Version) release() *semver.Version {
	if v.sv.Prerelease() == "" {
		return v.sv
	}
	r, err := v.sv.SetPrerelease("")
	if err != nil {
		return v.sv
	}
	return &r
}

// VersionRange is a set of acceptable versions.
//
// Accepted forms:
//   - "" or "*": any version
//   - "1.9": 1.9.0 or later
//   - constraint expressions: ">=1.2, <2", "1.2.x", "~1.4", "^1.0", "1.2 - 1.4"
type VersionRange struct {
	expr        string
	any         bool
	constraints *semver.Constraints
}

// AnyVersion returns a range that accepts every version.
func AnyVersion() *VersionRange {
	return &VersionRange{expr: "*", any: true}
}

// ParseVersionRange parses a dependency or platform range expression.
func ParseVersionRange(expr string) (*VersionRange, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "*" {
		return AnyVersion(), nil
	}

	constraint := expr
	if bareVersion.MatchString(expr) {
		constraint = ">= " + expr
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidVersionRange, expr, err)
	}
	return &VersionRange{expr: expr, constraints: c}, nil
}

// Allows reports whether v falls inside the range.
func (r *VersionRange) Allows(v *Version) bool {
	if r == nil || r.any {
		return true
	}
	if v == nil {
		return false
	}
	return r.constraints.Check(v.release())
}

// IsAny reports whether the range accepts every version.
func (r *VersionRange) IsAny() bool {
	return r == nil || r.any
}

// String returns the range expression as written.
func (r *VersionRange) String() string {
	if r == nil {
		return "*"
	}
	return r.expr
}

// VersionSatisfies reports whether candidate falls inside rangeExpr. It has
// no side effects and is safe to call from any goroutine.
func VersionSatisfies(rangeExpr, candidate string) (bool, error) {
	r, err := ParseVersionRange(rangeExpr)
	if err != nil {
		return false, err
	}
	v, err := ParseVersion(candidate)
	if err != nil {
		return false, err
	}
	return r.Allows(v), nil
}
