package kpack

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rocm/kpack/internal/kpacktest"
)

func writeArchiveNamed(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func hipkMetadata(t *testing.T, kernelName string, searchPaths []string) []byte {
	t.Helper()
	b, err := msgpack.Marshal(map[string]any{
		"kernel_name":        kernelName,
		"kpack_search_paths": searchPaths,
	})
	require.NoError(t, err)
	return b
}

func TestLoadCodeObjectNoneScheme(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeArchiveNamed(t, dir, "test_noop.kpack", kpacktest.NoopArchive())
	binaryPath := filepath.Join(dir, "app")

	cache, err := NewCache()
	require.NoError(t, err)
	defer cache.Close()

	md := hipkMetadata(t, "lib/libtest.so", []string{"test_noop.kpack"})
	buf, err := cache.LoadCodeObject(md, binaryPath, []string{"gfx900"})
	require.NoError(t, err)
	assert.Len(t, buf, 119)
}

func TestLoadCodeObjectZstdScheme(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeArchiveNamed(t, dir, "test_zstd.kpack", kpacktest.ZstdArchive())
	binaryPath := filepath.Join(dir, "app")

	cache, err := NewCache()
	require.NoError(t, err)
	defer cache.Close()

	md := hipkMetadata(t, "lib/libhip.so", []string{"test_zstd.kpack"})
	buf, err := cache.LoadCodeObject(md, binaryPath, []string{"gfx1101"})
	require.NoError(t, err)
	assert.Len(t, buf, 619)
}

func TestLoadCodeObjectArchitecturePriority(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeArchiveNamed(t, dir, "test_noop.kpack", kpacktest.NoopArchive())
	binaryPath := filepath.Join(dir, "app")

	cache, err := NewCache()
	require.NoError(t, err)
	defer cache.Close()

	md := hipkMetadata(t, "lib/libtest.so", []string{"test_noop.kpack"})
	// Caller prefers an architecture the archive doesn't have, then one it
	// does: the search must fall through to gfx906.
	buf, err := cache.LoadCodeObject(md, binaryPath, []string{"gfx1100", "gfx906"})
	require.NoError(t, err)
	assert.Len(t, buf, 219)
}

func TestLoadCodeObjectOverridePathWins(t *testing.T) {
	t.Parallel()

	realDir := t.TempDir()
	writeArchiveNamed(t, realDir, "test_noop.kpack", kpacktest.NoopArchive())

	decoyDir := t.TempDir()
	writeArchiveNamed(t, decoyDir, "wrong.kpack", kpacktest.ZstdArchive())
	binaryPath := filepath.Join(decoyDir, "app")

	cache, err := NewCache(WithOverridePaths([]string{filepath.Join(realDir, "test_noop.kpack")}))
	require.NoError(t, err)
	defer cache.Close()

	// Metadata names a path that only exists under decoyDir; the override
	// must bypass it entirely.
	md := hipkMetadata(t, "lib/libtest.so", []string{"wrong.kpack"})
	buf, err := cache.LoadCodeObject(md, binaryPath, []string{"gfx900"})
	require.NoError(t, err)
	assert.Len(t, buf, 119)
}

func TestLoadCodeObjectDisabled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeArchiveNamed(t, dir, "test_noop.kpack", kpacktest.NoopArchive())
	binaryPath := filepath.Join(dir, "app")

	cache, err := NewCache(WithDisabled(true))
	require.NoError(t, err)
	defer cache.Close()

	md := hipkMetadata(t, "lib/libtest.so", []string{"test_noop.kpack"})
	_, err = cache.LoadCodeObject(md, binaryPath, []string{"gfx900"})
	assert.Error(t, err)
}

func TestLoadCodeObjectArchNotFoundAcrossArchives(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeArchiveNamed(t, dir, "test_noop.kpack", kpacktest.NoopArchive())
	binaryPath := filepath.Join(dir, "app")

	cache, err := NewCache()
	require.NoError(t, err)
	defer cache.Close()

	md := hipkMetadata(t, "lib/doesnotexist.so", []string{"test_noop.kpack"})
	_, err = cache.LoadCodeObject(md, binaryPath, []string{"gfx900"})
	assert.ErrorIs(t, err, ErrArchNotFound)
}

func TestLoadCodeObjectMissingArchiveIsSkipped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	binaryPath := filepath.Join(dir, "app")

	cache, err := NewCache()
	require.NoError(t, err)
	defer cache.Close()

	md := hipkMetadata(t, "lib/libtest.so", []string{"nonexistent.kpack"})
	_, err = cache.LoadCodeObject(md, binaryPath, []string{"gfx900"})
	assert.ErrorIs(t, err, ErrArchiveNotFound)
}

func TestLoadCodeObjectConcurrentCallsShareOpenArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeArchiveNamed(t, dir, "test_noop.kpack", kpacktest.NoopArchive())
	binaryPath := filepath.Join(dir, "app")

	cache, err := NewCache()
	require.NoError(t, err)
	defer cache.Close()

	md := hipkMetadata(t, "lib/libtest.so", []string{"test_noop.kpack"})

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.LoadCodeObject(md, binaryPath, []string{"gfx900"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	cache.mu.Lock()
	assert.Len(t, cache.archives, 1)
	cache.mu.Unlock()
}

func TestLoadCodeObjectCorruptArchiveHeader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeArchiveNamed(t, dir, "test_noop.kpack", []byte("not a kpack file at all"))
	binaryPath := filepath.Join(dir, "app")

	cache, err := NewCache()
	require.NoError(t, err)
	defer cache.Close()

	md := hipkMetadata(t, "lib/libtest.so", []string{"test_noop.kpack"})
	_, err = cache.LoadCodeObject(md, binaryPath, []string{"gfx900"})
	// The archive file exists but fails to open (bad magic): this must
	// propagate immediately rather than being treated as "not present".
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestLoadCodeObjectEmptyArchPreference(t *testing.T) {
	t.Parallel()

	cache, err := NewCache()
	require.NoError(t, err)
	defer cache.Close()

	md := hipkMetadata(t, "k", []string{"a.kpack"})
	_, err = cache.LoadCodeObject(md, "/bin/app", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLoadCodeObjectInvalidMetadata(t *testing.T) {
	t.Parallel()

	cache, err := NewCache()
	require.NoError(t, err)
	defer cache.Close()

	_, err = cache.LoadCodeObject([]byte("garbage"), "/bin/app", []string{"gfx900"})
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}
