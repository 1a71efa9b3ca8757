// Package semver parses request references ("users.get_by_id@^1") and checks handler versions
// against the requested range.
package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const logPrefix = "semver:parser"

// RequestRef holds the parsed components of a request reference string.
type RequestRef struct {
	// Name is the registered request name (e.g. "users.get_by_id").
	Name string
	// Namespace is the first dotted segment of Name (e.g. "users").
	Namespace string
	// Action is the rest of Name (e.g. "get_by_id").
	Action string
	// Range is the requested version range ("^1.2.0", "1", ""); empty means any version.
	Range string
	// Raw is the trimmed input.
	Raw string
}

var (
	namespaceRegex    = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	actionRegex       = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// ParseRequestRef parses a request reference.
//
// Supported formats:
//   - users.get_by_id           (any version)
//   - users.get_by_id@1         (major only)
//   - users.get_by_id@1.2.3     (exact version)
//   - users.get_by_id@^1.2.0    (caret range)
//   - users.get_by_id@~1.2.0    (tilde range)
//   - users.get_by_id@>=1.0.0   (comparison range)
func ParseRequestRef(input string) (*RequestRef, error) {
	raw := strings.TrimSpace(input)

	name, rangeStr, hasAt := strings.Cut(raw, "@")
	if hasAt && strings.TrimSpace(rangeStr) == "" {
		return nil, fmt.Errorf("%s - empty version range: %s", logPrefix, raw)
	}

	namespace, action, ok := strings.Cut(name, ".")
	if !ok || namespace == "" || action == "" {
		return nil, fmt.Errorf("%s - invalid request name, expected namespace.action: %s", logPrefix, raw)
	}
	if !ValidateNamespace(namespace) {
		return nil, fmt.Errorf("%s - invalid namespace %q in %s", logPrefix, namespace, raw)
	}
	if !ValidateAction(action) {
		return nil, fmt.Errorf("%s - invalid action %q in %s", logPrefix, action, raw)
	}

	return &RequestRef{
		Name:      name,
		Namespace: namespace,
		Action:    action,
		Range:     strings.TrimSpace(rangeStr),
		Raw:       raw,
	}, nil
}

// String renders the reference back to name[@range].
func (r *RequestRef) String() string {
	return BuildRequestRef(r.Name, r.Range)
}

// BuildRequestRef joins a name and an optional range.
func BuildRequestRef(name, rangeStr string) string {
	if rangeStr == "" {
		return name
	}
	return name + "@" + rangeStr
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// IsExactVersion checks if a range is an exact version (e.g., "3.2.1").
func IsExactVersion(rangeStr string) bool {
	return exactVersionRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	major, err := strconv.Atoi(rangeStr)
	if err != nil {
		return -1
	}
	return major
}

// ValidateNamespace validates the first segment of a request name (lowercase, digits, _ and -).
func ValidateNamespace(ns string) bool {
	return namespaceRegex.MatchString(ns)
}

// ValidateAction validates the remainder of a request name (letters, digits, dots, _ and -).
func ValidateAction(action string) bool {
	return actionRegex.MatchString(action)
}

// ValidateRequestName reports whether name is a well-formed namespace.action name.
func ValidateRequestName(name string) bool {
	ns, action, ok := strings.Cut(name, ".")
	return ok && ValidateNamespace(ns) && ValidateAction(action)
}
