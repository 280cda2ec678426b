// Package hipk decodes the application-embedded HIPK metadata blob:
// a MessagePack map naming a kernel and an ordered list of kpack search
// paths (component C7).
package hipk

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxMetadataSize is the default read-accessible bound on the HIPK
// metadata blob. It is a sentinel, not a format invariant: a caller with
// larger metadata should use DecodeWithLimit. See spec.md §9.
const MaxMetadataSize = 64 * 1024

// ErrInvalidMetadata is returned when the root is not a map, a required
// key is missing or wrong-typed, or the resolved search-path list is empty.
var ErrInvalidMetadata = errors.New("hipk: invalid metadata")

// Metadata is the decoded HIPK pointer blob.
type Metadata struct {
	KernelName  string
	SearchPaths []string
}

// Decode decodes HIPK metadata from the start of data, reading at most
// MaxMetadataSize bytes. MessagePack's self-delimiting framing determines
// the actual end of the first value; trailing bytes (the next record in a
// concatenated blob) are never consumed.
func Decode(data []byte) (Metadata, error) {
	return DecodeWithLimit(data, MaxMetadataSize)
}

// DecodeWithLimit is Decode with a caller-supplied maximum read size.
func DecodeWithLimit(data []byte, limit int) (md Metadata, err error) {
	if limit > len(data) {
		limit = len(data)
	}

	defer func() {
		if r := recover(); r != nil {
			md = Metadata{}
			err = fmt.Errorf("%w: %v", ErrInvalidMetadata, r)
		}
	}()

	dec := msgpack.NewDecoder(bytes.NewReader(data[:limit]))
	var root any
	if decErr := dec.Decode(&root); decErr != nil {
		if errors.Is(decErr, io.EOF) {
			return Metadata{}, ErrInvalidMetadata
		}
		return Metadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, decErr)
	}

	m, ok := asMap(root)
	if !ok {
		return Metadata{}, ErrInvalidMetadata
	}

	name, ok := m["kernel_name"].(string)
	if !ok {
		return Metadata{}, ErrInvalidMetadata
	}

	rawPaths, ok := m["kpack_search_paths"].([]any)
	if !ok {
		return Metadata{}, ErrInvalidMetadata
	}
	paths := make([]string, 0, len(rawPaths))
	for _, p := range rawPaths {
		if s, ok := p.(string); ok {
			paths = append(paths, s)
		}
	}
	if len(paths) == 0 {
		return Metadata{}, ErrInvalidMetadata
	}

	return Metadata{KernelName: name, SearchPaths: paths}, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out, true
	default:
		return nil, false
	}
}
