// Package version converts dotted workflow/activity version strings to and from the packed
// integer form used for storage and ordering.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	base     = 10000
	segments = 4
)

var (
	ErrTooManySegments = errors.New("too many version numbers")
	ErrSegmentRange    = errors.New("version number out of range")
	ErrInvalidVersion  = errors.New("invalid version number")
)

// Encode packs a version of up to four dot-separated segments, each in [0, 9999], into a
// single integer. Missing trailing segments are zero.
func Encode(v string) (int64, error) {
	parts := strings.Split(strings.TrimSpace(v), ".")
	if len(parts) > segments {
		return 0, fmt.Errorf("%w: %q", ErrTooManySegments, v)
	}

	var packed int64

	for i := range segments {
		var n int64

		if i < len(parts) {
			parsed, err := strconv.ParseInt(parts[i], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %q", ErrInvalidVersion, v)
			}

			if parsed < 0 || parsed >= base {
				return 0, fmt.Errorf("%w: %d in %q", ErrSegmentRange, parsed, v)
			}

			n = parsed
		}

		packed = packed*base + n
	}

	return packed, nil
}

// Decode unpacks a packed version into its four-segment dotted form.
func Decode(packed int64) (string, error) {
	if packed < 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidVersion, packed)
	}

	parts := make([]string, segments)
	rest := packed

	for i := segments - 1; i >= 0; i-- {
		parts[i] = strconv.FormatInt(rest%base, 10)
		rest /= base
	}

	if rest != 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidVersion, packed)
	}

	return strings.Join(parts, "."), nil
}

// Normalize rewrites a version string in canonical four-segment form ("1.0" -> "1.0.0.0").
func Normalize(v string) (string, error) {
	packed, err := Encode(v)
	if err != nil {
		return "", err
	}

	return Decode(packed)
}
