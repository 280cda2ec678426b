package kpack

import (
	"errors"
	"os"

	"github.com/rocm/kpack/internal/container"
	"github.com/rocm/kpack/internal/kernelstore"
	"github.com/rocm/kpack/internal/toc"
)

// Archive is an open kpack archive file: a validated header, a parsed table
// of contents, and a kernel payload store (components C1 through C5).
//
// An Archive is safe for concurrent use. Every file access goes through
// io.ReaderAt (pread-style), so distinct goroutines fetching distinct
// kernels never contend on a shared file position; kernelstore.Store
// serializes only the stateful pieces (decoder acquisition for the
// zstd-per-kernel scheme).
type Archive struct {
	path  string
	file  *os.File
	toc   *toc.TOC
	store *kernelstore.Store

	arches  []string        // toc.GfxArches, in TOC-declared order (positional API)
	archSet map[string]bool // membership lookup backing HasArchitecture only
}

// ArchiveOption configures OpenArchive.
type ArchiveOption func(*archiveConfig)

type archiveConfig struct{}

func defaultArchiveConfig() archiveConfig {
	return archiveConfig{}
}

// OpenArchive opens and validates the kpack archive at path: the fixed
// header (C1), the MessagePack table of contents (C2), and the kernel
// payload index (C3/C4). The returned Archive owns the file descriptor
// until Close is called.
func OpenArchive(path string, opts ...ArchiveOption) (*Archive, error) {
	cfg := defaultArchiveConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newErr("open_archive", CodeFileNotFound, err)
		}
		return nil, newErr("open_archive", CodeIOError, err)
	}

	a, err := openArchive(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

func openArchive(f *os.File, path string) (*Archive, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, newErr("open_archive", CodeIOError, err)
	}
	size := info.Size()

	hdr, err := container.ReadHeader(f, size)
	if err != nil {
		return nil, mapContainerErr("open_archive", err)
	}

	t, err := toc.Parse(f, hdr.TOCOffset, uint64(size))
	if err != nil {
		return nil, mapTOCErr("open_archive", err)
	}

	store, err := kernelstore.New(t, f, size)
	if err != nil {
		return nil, mapKernelstoreErr("open_archive", err)
	}

	// spec.md §4.5 / original_source/runtime/src/kpack.cpp:20-31 index
	// gfx_arches positionally (architecture_at(index)); the declared order
	// must survive into the public API unchanged.
	arches := append([]string(nil), t.GfxArches...)
	archSet := make(map[string]bool, len(arches))
	for _, arch := range arches {
		archSet[arch] = true
	}

	return &Archive{path: path, file: f, toc: t, store: store, arches: arches, archSet: archSet}, nil
}

// Close releases the underlying file descriptor. Close is idempotent; a
// nil receiver is a no-op.
func (a *Archive) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	if err != nil {
		return newErr("close", CodeIOError, err)
	}
	return nil
}

// ArchitectureCount returns the number of architectures declared by the
// archive's gfx_arches field.
func (a *Archive) ArchitectureCount() int {
	return len(a.arches)
}

// Architecture returns the i'th declared architecture name, in the order
// the archive's gfx_arches field declares it. It returns ErrInvalidArgument
// if i is out of range.
func (a *Archive) Architecture(i int) (string, error) {
	if i < 0 || i >= len(a.arches) {
		return "", newErr("architecture", CodeInvalidArgument, nil)
	}
	return a.arches[i], nil
}

// HasArchitecture reports whether the archive declares support for arch.
// The caller in Cache's search loop (C6) uses this to decide whether to
// even attempt GetKernel against this archive for a given architecture.
func (a *Archive) HasArchitecture(arch string) bool {
	return a.archSet[arch]
}

// BinaryCount returns the number of distinct binary names with at least one
// kernel entry in the table of contents.
func (a *Archive) BinaryCount() int {
	return len(a.toc.BinaryNames)
}

// Binary returns the i'th binary name, in sorted order. It returns
// ErrInvalidArgument if i is out of range.
func (a *Archive) Binary(i int) (string, error) {
	if i < 0 || i >= len(a.toc.BinaryNames) {
		return "", newErr("binary", CodeInvalidArgument, nil)
	}
	return a.toc.BinaryNames[i], nil
}

// EnumerateArchitectures calls visit once per declared architecture, in
// TOC-declared order, stopping early if visit returns false.
func (a *Archive) EnumerateArchitectures(visit func(arch string) bool) {
	for _, arch := range a.arches {
		if !visit(arch) {
			return
		}
	}
}

// GetKernel returns a freshly allocated buffer holding the decompressed
// (or, for the none scheme, raw) kernel payload for the given binary name
// and architecture. The returned buffer is owned exclusively by the
// caller; Archive never aliases or reuses it (spec.md §9's
// allocate-and-own model).
func (a *Archive) GetKernel(binary, arch string) ([]byte, error) {
	if a == nil || a.file == nil {
		return nil, newErr("get_kernel", CodeInvalidArgument, nil)
	}

	perArch, ok := a.toc.Entries[binary]
	if !ok {
		return nil, newErr("get_kernel", CodeKernelNotFound, nil)
	}
	meta, ok := perArch[arch]
	if !ok {
		return nil, newErr("get_kernel", CodeKernelNotFound, nil)
	}

	buf, err := a.store.Fetch(meta.Ordinal, meta.OriginalSize)
	if err != nil {
		return nil, mapKernelstoreErr("get_kernel", err)
	}
	return buf, nil
}

func mapContainerErr(op string, err error) error {
	switch {
	case errors.Is(err, container.ErrUnsupportedVersion):
		return newErr(op, CodeUnsupportedVersion, err)
	case errors.Is(err, container.ErrInvalidFormat):
		return newErr(op, CodeInvalidFormat, err)
	case errors.Is(err, container.ErrIO):
		return newErr(op, CodeIOError, err)
	default:
		return newErr(op, CodeIOError, err)
	}
}

func mapTOCErr(op string, err error) error {
	switch {
	case errors.Is(err, toc.ErrMsgpackParseFailed):
		return newErr(op, CodeMsgpackParseFailed, err)
	case errors.Is(err, toc.ErrInvalidFormat):
		return newErr(op, CodeInvalidFormat, err)
	default:
		return newErr(op, CodeInvalidFormat, err)
	}
}

func mapKernelstoreErr(op string, err error) error {
	switch {
	case errors.Is(err, kernelstore.ErrKernelNotFound):
		return newErr(op, CodeKernelNotFound, err)
	case errors.Is(err, kernelstore.ErrDecompressionFailed):
		return newErr(op, CodeDecompressionFailed, err)
	case errors.Is(err, kernelstore.ErrIO):
		return newErr(op, CodeIOError, err)
	case errors.Is(err, kernelstore.ErrInvalidFormat):
		return newErr(op, CodeInvalidFormat, err)
	default:
		return newErr(op, CodeIOError, err)
	}
}
