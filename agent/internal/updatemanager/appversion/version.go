// Package appversion parses and orders the dotted, up to four component version
// numbers published in release manifests and stamped on installed applications.
package appversion

import (
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

const (
	minComponents = 2
	maxComponents = 4
)

// Version is a major.minor.patch.revision number. The zero value is 0.0.0.0.
type Version struct {
	Major    int64
	Minor    int64
	Patch    int64
	Revision int64
}

// Zero is returned for any input Parse cannot understand
var Zero = Version{}

// Parse never fails: build metadata after the first '+' and a pre-release tag after the
// first '-' are dropped, then the remainder must be two to four dot separated
// non-negative integers. Anything else yields Zero, which is never newer than an
// installed version, so a malformed manifest skips the update instead of failing.
func Parse(text string) Version {
	base := strings.TrimSpace(text)
	if i := strings.IndexByte(base, '+'); i >= 0 {
		base = base[:i]
	}
	if i := strings.IndexByte(base, '-'); i >= 0 {
		base = base[:i]
	}

	parts := strings.Split(base, ".")
	if len(parts) < minComponents || len(parts) > maxComponents {
		return Zero
	}
	for _, p := range parts {
		if p == "" || strings.Trim(p, "0123456789") != "" {
			return Zero
		}
	}

	v, err := goversion.NewVersion(base)
	if err != nil {
		return Zero
	}

	segments := v.Segments64()
	var out Version
	fields := []*int64{&out.Major, &out.Minor, &out.Patch, &out.Revision}
	for i := 0; i < len(segments) && i < maxComponents; i++ {
		if segments[i] < 0 {
			return Zero
		}
		*fields[i] = segments[i]
	}
	return out
}

// IsNewer reports whether a is strictly greater than b, compared field by field
func IsNewer(a, b Version) bool {
	return a.Compare(b) > 0
}

// Compare returns -1, 0 or 1 when v is older than, equal to or newer than other
func (v Version) Compare(other Version) int {
	return v.goVersion().Compare(other.goVersion())
}

// Equal reports field-wise equality
func (v Version) Equal(other Version) bool {
	return v == other
}

// IsZero reports whether v is 0.0.0.0
func (v Version) IsZero() bool {
	return v == Zero
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Patch, v.Revision)
}

func (v Version) goVersion() *goversion.Version {
	// always well formed: four non-negative integers
	return goversion.Must(goversion.NewVersion(v.String()))
}
