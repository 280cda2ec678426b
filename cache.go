package kpack

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rocm/kpack/internal/hipk"
	"github.com/rocm/kpack/internal/searchpath"
)

// Environment variables resolved once, at NewCache time (component C6).
const (
	envOverridePath = "ROCM_KPACK_PATH"
	envPathPrefix   = "ROCM_KPACK_PATH_PREFIX"
	envDisable      = "ROCM_KPACK_DISABLE"
	envDebug        = "ROCM_KPACK_DEBUG"
)

// Cache is a process-wide, open-archive cache implementing
// kpack_load_code_object's search algorithm: for a given HIPK metadata blob
// and an architecture-preference list, locate and return the first
// matching kernel across the effective search path, trying every archive
// for a given architecture before moving to the next architecture.
//
// Cache is safe for concurrent use. The archive map is guarded by mu;
// opening a given canonical path is deduplicated with singleflight so that
// concurrent LoadCodeObject calls racing on a cold cache only open the
// file once.
type Cache struct {
	mu        sync.Mutex
	archives  map[string]*Archive // canonical path -> open archive
	openGroup singleflight.Group

	overridePaths []string
	prefixPaths   []string
	disabled      bool
	logger        *slog.Logger
}

// CacheOption configures NewCache.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	overridePaths []string
	prefixPaths   []string
	disabled      bool
	debug         bool
	logger        *slog.Logger
}

// WithOverridePaths forces the effective search path list, bypassing both
// ROCM_KPACK_PATH and the HIPK metadata's embedded search paths. Passing a
// non-empty list here takes precedence over ROCM_KPACK_PATH.
func WithOverridePaths(paths []string) CacheOption {
	return func(c *cacheConfig) {
		c.overridePaths = paths
	}
}

// WithPrefixPaths prepends additional search paths ahead of the ones
// resolved from HIPK metadata. Ignored when an override path list is in
// effect.
func WithPrefixPaths(paths []string) CacheOption {
	return func(c *cacheConfig) {
		c.prefixPaths = paths
	}
}

// WithDisabled forces the cache into the disabled state, matching
// ROCM_KPACK_DISABLE=1. A disabled cache fails every LoadCodeObject call
// without touching the filesystem.
func WithDisabled(disabled bool) CacheOption {
	return func(c *cacheConfig) {
		c.disabled = disabled
	}
}

// WithDebug enables verbose slog.Debug output of the search algorithm,
// matching ROCM_KPACK_DEBUG=1.
func WithDebug(debug bool) CacheOption {
	return func(c *cacheConfig) {
		c.debug = debug
	}
}

// WithLogger overrides the logger used for debug output. If unset, NewCache
// uses a debug-level text logger on stderr when debug is enabled, or a
// discarding logger otherwise.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *cacheConfig) {
		c.logger = logger
	}
}

func envBool(name string) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return v != ""
	}
	return b
}

func defaultCacheConfig() cacheConfig {
	return cacheConfig{
		overridePaths: searchpath.SplitList(os.Getenv(envOverridePath)),
		prefixPaths:   searchpath.SplitList(os.Getenv(envPathPrefix)),
		disabled:      envBool(envDisable),
		debug:         envBool(envDebug),
	}
}

// NewCache resolves ROCM_KPACK_PATH, ROCM_KPACK_PATH_PREFIX,
// ROCM_KPACK_DISABLE and ROCM_KPACK_DEBUG once, applies opts on top, and
// returns a ready-to-use, empty Cache.
func NewCache(opts ...CacheOption) (*Cache, error) {
	cfg := defaultCacheConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.logger
	if logger == nil {
		if cfg.debug {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		} else {
			logger = slog.New(slog.DiscardHandler)
		}
	}

	return &Cache{
		archives:      make(map[string]*Archive),
		overridePaths: cfg.overridePaths,
		prefixPaths:   cfg.prefixPaths,
		disabled:      cfg.disabled,
		logger:        logger,
	}, nil
}

// Close closes every archive currently held open by the cache.
func (c *Cache) Close() error {
	c.mu.Lock()
	archives := c.archives
	c.archives = make(map[string]*Archive)
	c.mu.Unlock()

	var firstErr error
	for path, a := range archives {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", path, err)
		}
	}
	if firstErr != nil {
		return newErr("close", CodeIOError, firstErr)
	}
	return nil
}

// LoadCodeObject resolves the kernel named by hipkMetadata for binaryPath,
// trying each architecture in archPreference order and, for each
// architecture, each archive in effective-path order — matching
// kpack_load_code_object's arch-first, archive-second search (spec.md §6).
//
// The effective search path is: overridePaths (from WithOverridePaths or
// ROCM_KPACK_PATH) if non-empty; otherwise prefixPaths followed by the
// HIPK metadata's own search paths, each resolved relative to binaryPath's
// directory.
func (c *Cache) LoadCodeObject(hipkMetadata []byte, binaryPath string, archPreference []string) ([]byte, error) {
	if c.disabled {
		return nil, newErr("load_code_object", CodeNotImplemented, errors.New("cache disabled via "+envDisable))
	}
	if len(archPreference) == 0 {
		return nil, newErr("load_code_object", CodeInvalidArgument, errors.New("empty architecture preference list"))
	}

	md, err := hipk.Decode(hipkMetadata)
	if err != nil {
		return nil, newErr("load_code_object", CodeInvalidMetadata, err)
	}

	effective := c.effectivePaths(md, binaryPath)
	if len(effective) == 0 {
		return nil, newErr("load_code_object", CodeArchiveNotFound, errors.New("no search paths available"))
	}

	c.logger.Debug("kpack: resolved search path", "kernel", md.KernelName, "paths", effective)

	// Step 4: open every effective path, skipping ones that don't exist but
	// propagating any other failure (a present-but-corrupt archive) immediately.
	var opened []*Archive
	var openedPaths []string
	for _, p := range effective {
		canonicalPath := searchpath.Canonicalize(p)
		a, err := c.openOrGet(canonicalPath)
		if err != nil {
			if errors.Is(err, ErrFileNotFound) {
				c.logger.Debug("kpack: skipping missing archive", "path", p)
				continue
			}
			return nil, err
		}
		opened = append(opened, a)
		openedPaths = append(openedPaths, p)
	}

	// Step 5.
	if len(opened) == 0 {
		return nil, newErr("load_code_object", CodeArchiveNotFound, fmt.Errorf("no archive opened across %v", effective))
	}

	// Step 6: arch-first, archive-second search.
	for _, arch := range archPreference {
		for i, a := range opened {
			if !a.HasArchitecture(arch) {
				continue
			}

			buf, err := a.GetKernel(md.KernelName, arch)
			if err == nil {
				return buf, nil
			}
			if errors.Is(err, ErrKernelNotFound) {
				// This archive claimed the architecture but doesn't have this
				// specific kernel; fall through to the next archive.
				c.logger.Debug("kpack: kernel not in archive", "path", openedPaths[i], "arch", arch, "kernel", md.KernelName)
				continue
			}
			return nil, err
		}
	}

	return nil, newErr("load_code_object", CodeArchNotFound, fmt.Errorf("kernel %q not found for any of %v", md.KernelName, archPreference))
}

func (c *Cache) effectivePaths(md hipk.Metadata, binaryPath string) []string {
	if len(c.overridePaths) > 0 {
		return c.overridePaths
	}

	out := make([]string, 0, len(c.prefixPaths)+len(md.SearchPaths))
	out = append(out, c.prefixPaths...)
	for _, p := range md.SearchPaths {
		out = append(out, searchpath.Resolve(binaryPath, p))
	}
	return out
}

// openOrGet returns the cached archive for canonicalPath, opening it if
// necessary. Concurrent calls for the same path are deduplicated with
// singleflight; the map lock is never held while opening a file or parsing
// a TOC.
func (c *Cache) openOrGet(canonicalPath string) (*Archive, error) {
	c.mu.Lock()
	if a, ok := c.archives[canonicalPath]; ok {
		c.mu.Unlock()
		return a, nil
	}
	c.mu.Unlock()

	v, err, _ := c.openGroup.Do(canonicalPath, func() (any, error) {
		c.mu.Lock()
		if a, ok := c.archives[canonicalPath]; ok {
			c.mu.Unlock()
			return a, nil
		}
		c.mu.Unlock()

		a, err := OpenArchive(canonicalPath)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if existing, ok := c.archives[canonicalPath]; ok {
			c.mu.Unlock()
			a.Close()
			return existing, nil
		}
		c.archives[canonicalPath] = a
		c.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Archive), nil
}
