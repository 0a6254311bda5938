package script

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/testdriverai/testdriver/internal/errs"
	"gopkg.in/yaml.v3"
)

// Version is a semantic (major.minor.patch) triple. The grammar is
// deliberately minimal — three dot-separated integers with an optional
// leading "v" — which is cheaper to hand-roll than to pull in a semver
// library for (none appears anywhere in the retrieval pack).
type Version struct {
	Major, Minor, Patch int
}

// Current is the version this build of the agent understands.
var Current = Version{Major: 6, Minor: 2, Patch: 0}

func (v Version) String() string {
	return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseVersion parses a string of the form "v?MAJOR.MINOR.PATCH".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "v")
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version: expected MAJOR.MINOR.PATCH, got %q", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Version{}, fmt.Errorf("version: invalid component %q: %w", p, err)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MarshalYAML renders the version in "vMAJOR.MINOR.PATCH" form.
func (v Version) MarshalYAML() (interface{}, error) { return v.String(), nil }

// UnmarshalYAML parses the version string.
func (v *Version) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseVersion(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// CheckCompatible enforces I5/P6: the file's major must equal Current's
// major, and the file's minor must not exceed Current's minor. Mismatch is
// fatal.
func CheckCompatible(file, current Version) error {
	if file.Major != current.Major || file.Minor > current.Minor {
		return &errs.VersionMismatchError{FileVersion: file.String(), CurrentVersion: current.String()}
	}
	return nil
}
