//go:build !linux

package discover

// binaryPath has no implementation outside Linux: the intended mapping on
// Windows is GetModuleHandleExA(GET_MODULE_HANDLE_EX_FLAG_FROM_ADDRESS) plus
// GetModuleFileNameA, which is not yet implemented here (see spec.md §9).
func binaryPath(addr uintptr) (string, uint64, error) {
	return "", 0, ErrNotImplemented
}
