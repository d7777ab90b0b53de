//go:build !linux

package collector

import "errors"

// ErrNotSupported is returned by both backend constructors on platforms
// other than Linux. Neither fanotify nor inotify exist there; this
// implementation targets the Linux host clauditor is designed to run on.
var ErrNotSupported = errors.New("collector: not supported on this platform")

func newPrivilegedBackend() (backend, error) {
	return nil, ErrNotSupported
}

func newUnprivilegedBackend() (backend, error) {
	return nil, ErrNotSupported
}
