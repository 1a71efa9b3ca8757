package semver

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

const resolverLogPrefix = "semver:resolver"

// Satisfies reports whether version is within rangeStr.
//
// An empty range accepts any version. A major-only range ("2") accepts any version with that
// major. An exact version must match exactly. Anything else is parsed as a constraint.
func Satisfies(version, rangeStr string) (bool, error) {
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("%s - invalid version %q: %w", resolverLogPrefix, version, err)
	}
	return SatisfiesVersion(sv, rangeStr)
}

// SatisfiesVersion is Satisfies for an already parsed version.
func SatisfiesVersion(sv *masterminds.Version, rangeStr string) (bool, error) {
	switch {
	case rangeStr == "":
		return true, nil
	case IsMajorOnly(rangeStr):
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr), nil
	case IsExactVersion(rangeStr):
		want, err := masterminds.NewVersion(rangeStr)
		if err != nil {
			return false, fmt.Errorf("%s - invalid version %q: %w", resolverLogPrefix, rangeStr, err)
		}
		return sv.Equal(want), nil
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false, fmt.Errorf("%s - invalid version range %q: %w", resolverLogPrefix, rangeStr, err)
	}
	return constraint.Check(sv), nil
}
