package identity

import (
	"time"

	"golang.org/x/sys/unix"
)

// CreationTime asks statx for the birth time. Older kernels and some filesystems
// (tmpfs, NFS) leave STATX_BTIME unset.
func CreationTime(path string) (time.Time, bool) {
	var st unix.Statx_t
	if err := unix.Statx(unix.AT_FDCWD, path, 0, unix.STATX_BTIME, &st); err != nil {
		return time.Time{}, false
	}
	if st.Mask&unix.STATX_BTIME == 0 || st.Btime.Sec == 0 {
		return time.Time{}, false
	}
	return time.Unix(st.Btime.Sec, int64(st.Btime.Nsec)), true
}
