package hipk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func marshal(t *testing.T, m map[string]any) []byte {
	t.Helper()
	b, err := msgpack.Marshal(m)
	require.NoError(t, err)
	return b
}

func TestDecodeValid(t *testing.T) {
	t.Parallel()

	data := marshal(t, map[string]any{
		"kernel_name":        "vector_add_and_sum",
		"kpack_search_paths": []string{"vector_lib.kpack", "../lib/vector_lib.kpack"},
	})

	md, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "vector_add_and_sum", md.KernelName)
	assert.Equal(t, []string{"vector_lib.kpack", "../lib/vector_lib.kpack"}, md.SearchPaths)
}

func TestDecodeMissingKernelName(t *testing.T) {
	t.Parallel()

	data := marshal(t, map[string]any{"kpack_search_paths": []string{"a.kpack"}})
	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestDecodeMissingSearchPaths(t *testing.T) {
	t.Parallel()

	data := marshal(t, map[string]any{"kernel_name": "k"})
	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestDecodeWrongTypedKernelName(t *testing.T) {
	t.Parallel()

	data := marshal(t, map[string]any{"kernel_name": 42, "kpack_search_paths": []string{"a.kpack"}})
	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestDecodeDropsNonStringSearchPathElements(t *testing.T) {
	t.Parallel()

	data := marshal(t, map[string]any{
		"kernel_name":        "k",
		"kpack_search_paths": []any{"a.kpack", 7, "b.kpack"},
	})

	md, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.kpack", "b.kpack"}, md.SearchPaths)
}

func TestDecodeEmptySearchPathsAfterFilteringIsInvalid(t *testing.T) {
	t.Parallel()

	data := marshal(t, map[string]any{
		"kernel_name":        "k",
		"kpack_search_paths": []any{1, 2, 3},
	})
	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestDecodeRootNotAMap(t *testing.T) {
	t.Parallel()

	b, err := msgpack.Marshal([]int{1, 2})
	require.NoError(t, err)
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestDecodeWithLimitBoundsRead(t *testing.T) {
	t.Parallel()

	data := marshal(t, map[string]any{
		"kernel_name":        "k",
		"kpack_search_paths": []string{"a.kpack"},
	})
	// A limit smaller than the encoded blob truncates the msgpack stream,
	// which must fail rather than silently succeed on a partial read.
	_, err := DecodeWithLimit(data, 2)
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}
