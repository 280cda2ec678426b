// Package kpack reads kpack archives: GPU code-object containers holding
// one or more precompiled kernel binaries per target architecture.
//
// An archive is a fixed 16-byte header, a MessagePack table of contents,
// and a kernel payload region compressed with one of two schemes — "none"
// (raw per-kernel blobs) or "zstd-per-kernel" (a framed Zstd blob, one
// frame per kernel). [OpenArchive] validates and opens a single archive
// file; [Archive.GetKernel] materializes one kernel's payload into a
// freshly allocated buffer.
//
// [Cache] implements the process-wide loader behavior: given an
// application's embedded HIPK metadata (naming a kernel and a list of
// candidate archive search paths) and a caller's architecture preference
// order, it opens and indexes archives lazily, then searches
// architecture-first, archive-second for the first archive that both
// declares the requested architecture and contains the requested kernel.
//
// # Quick start
//
//	cache, err := kpack.NewCache()
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
//
//	buf, err := cache.LoadCodeObject(hipkBlob, os.Args[0], []string{"gfx1100", "gfx900"})
//
// # Configuration
//
// NewCache resolves ROCM_KPACK_PATH, ROCM_KPACK_PATH_PREFIX,
// ROCM_KPACK_DISABLE and ROCM_KPACK_DEBUG once, at construction time.
// Pass [WithOverridePaths], [WithPrefixPaths], [WithDisabled], [WithDebug]
// or [WithLogger] to override them programmatically.
package kpack
