// Package discover maps an address within the current process to the
// filesystem path and file offset of the binary mapping that contains it
// (component C9). The HIPK metadata pointer that names an archive lives in
// a data segment, where the ordinary dynamic-loader lookup (dladdr and
// friends) cannot reliably resolve a path — parsing the process's own
// memory map is the only portable recourse, and only on Linux.
package discover

import "errors"

// Sentinel errors. Callers map these to the stable numeric Code.
var (
	// ErrPathDiscoveryFailed is returned when no mapping contains the address.
	ErrPathDiscoveryFailed = errors.New("discover: path discovery failed")

	// ErrNotImplemented is returned on platforms without a discovery backend.
	ErrNotImplemented = errors.New("discover: not implemented on this platform")

	// ErrBufferTooSmall is returned when the caller-provided buffer cannot
	// hold the discovered path.
	ErrBufferTooSmall = errors.New("discover: buffer too small for path")
)

// BinaryPath returns the filesystem path of the mapping containing addr,
// and the byte offset of addr within that file. On Linux this parses
// /proc/self/maps; on other platforms it returns ErrNotImplemented.
func BinaryPath(addr uintptr) (path string, offset uint64, err error) {
	return binaryPath(addr)
}

// Into writes the discovered path into dst (for callers that want the
// fixed-buffer discover_binary_path(address, buffer, buffer_size, offset)
// shape described in spec.md §6). Returns the number of bytes written and
// the file offset. ErrBufferTooSmall is returned if dst cannot hold the
// path.
func Into(addr uintptr, dst []byte) (n int, offset uint64, err error) {
	path, offset, err := BinaryPath(addr)
	if err != nil {
		return 0, 0, err
	}
	if len(dst) < len(path) {
		return 0, 0, ErrBufferTooSmall
	}
	return copy(dst, path), offset, nil
}
