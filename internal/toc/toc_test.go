package toc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type readerAtBytes []byte

func (r readerAtBytes) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, r[off:])
	return n, nil
}

func marshalTOC(t *testing.T, m map[string]any) readerAtBytes {
	t.Helper()
	b, err := msgpack.Marshal(m)
	require.NoError(t, err)
	return readerAtBytes(b)
}

func TestParseNoneScheme(t *testing.T) {
	t.Parallel()

	raw := marshalTOC(t, map[string]any{
		"compression_scheme": "none",
		"group_name":         "test",
		"gfx_arch_family":    "gfx900X",
		"gfx_arches":         []string{"gfx900", "gfx906"},
		"blobs": []map[string]any{
			{"offset": uint64(16), "size": uint64(120)},
		},
		"toc": map[string]any{
			"lib/libtest.so": map[string]any{
				"gfx900": map[string]any{"type": "", "ordinal": uint32(0), "original_size": uint64(120)},
			},
		},
	})

	parsed, err := Parse(raw, 0, uint64(len(raw)))
	require.NoError(t, err)
	assert.Equal(t, SchemeNone, parsed.CompressionScheme)
	assert.Equal(t, []string{"gfx900", "gfx906"}, parsed.GfxArches)
	require.Len(t, parsed.Blobs, 1)
	assert.Equal(t, BlobLocation{Offset: 16, Size: 120}, parsed.Blobs[0])
	require.Contains(t, parsed.Entries, "lib/libtest.so")
	assert.Equal(t, KernelMeta{Ordinal: 0, OriginalSize: 120}, parsed.Entries["lib/libtest.so"]["gfx900"])
	assert.Equal(t, []string{"lib/libtest.so"}, parsed.BinaryNames)
}

func TestParseZstdScheme(t *testing.T) {
	t.Parallel()

	raw := marshalTOC(t, map[string]any{
		"compression_scheme": "zstd-per-kernel",
		"zstd_offset":        uint64(16),
		"zstd_size":          uint64(512),
		"toc":                map[string]any{},
	})

	parsed, err := Parse(raw, 0, uint64(len(raw)))
	require.NoError(t, err)
	assert.Equal(t, SchemeZstdPerKernel, parsed.CompressionScheme)
	assert.Equal(t, uint64(16), parsed.ZstdOffset)
	assert.Equal(t, uint64(512), parsed.ZstdSize)
}

func TestParseMissingCompressionScheme(t *testing.T) {
	t.Parallel()

	raw := marshalTOC(t, map[string]any{"group_name": "test"})
	_, err := Parse(raw, 0, uint64(len(raw)))
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestParseNoneSchemeMissingBlobs(t *testing.T) {
	t.Parallel()

	raw := marshalTOC(t, map[string]any{"compression_scheme": "none"})
	_, err := Parse(raw, 0, uint64(len(raw)))
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestParseZstdSchemeMissingOffset(t *testing.T) {
	t.Parallel()

	raw := marshalTOC(t, map[string]any{"compression_scheme": "zstd-per-kernel", "zstd_size": uint64(1)})
	_, err := Parse(raw, 0, uint64(len(raw)))
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestParseUnrecognizedScheme(t *testing.T) {
	t.Parallel()

	raw := marshalTOC(t, map[string]any{"compression_scheme": "lz4-magic"})
	_, err := Parse(raw, 0, uint64(len(raw)))
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestParseToleratesWrongTypedOptionalFields(t *testing.T) {
	t.Parallel()

	raw := marshalTOC(t, map[string]any{
		"compression_scheme": "none",
		"gfx_arches":         "not-an-array",
		"blobs":              []map[string]any{{"offset": uint64(0), "size": uint64(1)}},
	})

	parsed, err := Parse(raw, 0, uint64(len(raw)))
	require.NoError(t, err)
	assert.Nil(t, parsed.GfxArches)
}

func TestParseRootNotAMap(t *testing.T) {
	t.Parallel()

	b, err := msgpack.Marshal([]int{1, 2, 3})
	require.NoError(t, err)

	_, err = Parse(readerAtBytes(b), 0, uint64(len(b)))
	assert.ErrorIs(t, err, ErrMsgpackParseFailed)
}

func TestParseMalformedMsgpackReturnsError(t *testing.T) {
	t.Parallel()

	raw := readerAtBytes(bytes.Repeat([]byte{0xc1}, 8)) // 0xc1 is msgpack "never used"
	_, err := Parse(raw, 0, uint64(len(raw)))
	assert.Error(t, err)
}
