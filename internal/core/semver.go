package core

import (
	"regexp"
	"strconv"
	"strings"
)

var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)(\.(\d+)(-(([-\w]+\.?)*))?)?$`)

type semanticVersion struct {
	major      int64
	minor      int64
	patch      int64
	prerelease string
}

func parseVersion(value string) (semanticVersion, bool) {
	match := versionPattern.FindStringSubmatch(strings.TrimSpace(value))
	if match == nil {
		return semanticVersion{}, false
	}

	var (
		version semanticVersion
		err     error
	)
	if version.major, err = strconv.ParseInt(match[1], 10, 64); err != nil {
		return semanticVersion{}, false
	}
	if version.minor, err = strconv.ParseInt(match[2], 10, 64); err != nil {
		return semanticVersion{}, false
	}
	if match[4] != "" {
		if version.patch, err = strconv.ParseInt(match[4], 10, 64); err != nil {
			return semanticVersion{}, false
		}
	}
	version.prerelease = match[6]

	return version, true
}

func compareVersions(a, b semanticVersion) int {
	switch {
	case a.major != b.major:
		return compareInt(a.major, b.major)
	case a.minor != b.minor:
		return compareInt(a.minor, b.minor)
	case a.patch != b.patch:
		return compareInt(a.patch, b.patch)
	}

	// A release sorts above any of its prereleases.
	switch {
	case a.prerelease == "" && b.prerelease == "":
		return 0
	case a.prerelease == "":
		return 1
	case b.prerelease == "":
		return -1
	}
	return strings.Compare(a.prerelease, b.prerelease)
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
