// Package softver parses the soft-version strings carried in package
// configuration XML (§6) and decides whether installing a target package
// over a source package would constitute a downgrade (§4.I).
//
// A soft-version string is a dotted base version followed by whitespace and
// a trailing revision token, e.g. "1.2.3 v5". Only the trailing token is
// parsed and compared; the dotted base is carried for human consumption
// only, mirroring the teacher's PackageVersion.Upstream field in
// version.go, which is "never parsed or compared".
package softver

import (
	"strconv"
	"strings"
)

// Version is one parsed soft-version string.
type Version struct {
	// Base is the dotted version prefix, e.g. "1.2.3". Never parsed or
	// compared; kept for logging and error messages only.
	Base string

	// Revision is the integer extracted from the trailing token. Zero if
	// the trailing token could not be parsed as a non-negative integer.
	Revision int64
}

func (v Version) String() string {
	return strings.TrimSpace(v.Base + " v" + strconv.FormatInt(v.Revision, 10))
}

// Parse splits s on whitespace, treating every field but the last as the
// dotted base version and the last field as the revision token. A leading
// run of non-digit bytes on the revision token (e.g. "v") is discarded
// before parsing, following the teacher's ParseVersion, which strips a
// file-extension suffix off the trailing dash-separated token before
// calling strconv.ParseInt on what remains.
func Parse(s string) Version {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Version{}
	}
	last := fields[len(fields)-1]
	base := strings.Join(fields[:len(fields)-1], " ")

	digits := strings.TrimLeftFunc(last, func(r rune) bool {
		return r < '0' || r > '9'
	})
	revision, _ := strconv.ParseInt(digits, 10, 64)

	if base == "" {
		// No separate revision field was present; the whole string is the
		// base and there is no revision to compare.
		return Version{Base: s}
	}
	return Version{Base: base, Revision: revision}
}

// IsDowngrade reports whether installing target over source would lower the
// revision number (§4.I, scenario S6). Equal revisions are not a downgrade.
func IsDowngrade(source, target string) bool {
	return Parse(target).Revision < Parse(source).Revision
}
