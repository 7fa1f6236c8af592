//go:build !linux && !darwin

package identity

import "time"

// CreationTime is unavailable on this platform; callers fall back to "now".
func CreationTime(path string) (time.Time, bool) {
	return time.Time{}, false
}
