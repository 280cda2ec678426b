// Package toc decodes the MessagePack table of contents at the tail of a
// kpack archive (component C2) into an in-memory index.
package toc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Compression scheme names, as they appear in the TOC's compression_scheme key.
const (
	SchemeNone          = "none"
	SchemeZstdPerKernel = "zstd-per-kernel"
)

// Sentinel errors. Callers map these to the stable numeric Code.
var (
	ErrMsgpackParseFailed = errors.New("toc: msgpack parse failed")
	ErrInvalidFormat      = errors.New("toc: invalid format")
)

// BlobLocation is the offset/size of one raw kernel blob under the "none"
// compression scheme.
type BlobLocation struct {
	Offset uint64
	Size   uint64
}

// KernelMeta is a single kernel's TOC entry: toc[binary][arch].
type KernelMeta struct {
	Type         string
	Ordinal      uint32
	OriginalSize uint64
}

// TOC is the parsed table of contents.
type TOC struct {
	CompressionScheme string
	GfxArches         []string
	GroupName         string
	GfxArchFamily     string

	// Blobs is populated only when CompressionScheme == SchemeNone.
	Blobs []BlobLocation

	// ZstdOffset/ZstdSize are populated only when
	// CompressionScheme == SchemeZstdPerKernel.
	ZstdOffset uint64
	ZstdSize   uint64

	// Entries is toc[binary_path][arch] -> kernel metadata.
	Entries map[string]map[string]KernelMeta

	// BinaryNames is Entries' keys, sorted, cached for positional enumeration.
	BinaryNames []string
}

// Parse decodes the MessagePack TOC occupying the final fileSize-tocOffset
// bytes of r (an io.ReaderAt over the whole archive file). The root object
// must be a map; unrecognized keys are ignored. Required fields for the
// declared compression scheme are validated; all other fields are decoded
// tolerantly (a wrong-typed value is treated as absent, never an error).
func Parse(r io.ReaderAt, tocOffset, fileSize uint64) (*TOC, error) {
	length := fileSize - tocOffset
	buf := make([]byte, length)
	if _, err := r.ReadAt(buf, int64(tocOffset)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrMsgpackParseFailed, err)
	}

	root, err := decodeRoot(buf)
	if err != nil {
		return nil, err
	}

	m, ok := asMap(root)
	if !ok {
		return nil, fmt.Errorf("%w: root is not a map", ErrMsgpackParseFailed)
	}

	t := &TOC{
		GroupName:     stringField(m, "group_name"),
		GfxArchFamily: stringField(m, "gfx_arch_family"),
		GfxArches:     stringSliceField(m, "gfx_arches"),
		Entries:       map[string]map[string]KernelMeta{},
	}

	scheme, ok := stringFieldOK(m, "compression_scheme")
	if !ok {
		return nil, fmt.Errorf("%w: missing or invalid compression_scheme", ErrInvalidFormat)
	}
	t.CompressionScheme = scheme

	switch scheme {
	case SchemeNone:
		blobs, ok := blobsField(m, "blobs")
		if !ok {
			return nil, fmt.Errorf("%w: missing or invalid blobs for none scheme", ErrInvalidFormat)
		}
		t.Blobs = blobs
	case SchemeZstdPerKernel:
		offset, ok := uint64FieldOK(m, "zstd_offset")
		if !ok {
			return nil, fmt.Errorf("%w: missing or invalid zstd_offset", ErrInvalidFormat)
		}
		size, ok := uint64FieldOK(m, "zstd_size")
		if !ok {
			return nil, fmt.Errorf("%w: missing or invalid zstd_size", ErrInvalidFormat)
		}
		t.ZstdOffset = offset
		t.ZstdSize = size
	default:
		return nil, fmt.Errorf("%w: unrecognized compression_scheme %q", ErrInvalidFormat, scheme)
	}

	entries, ok := tocField(m, "toc")
	if ok {
		t.Entries = entries
	}
	t.BinaryNames = make([]string, 0, len(t.Entries))
	for name := range t.Entries {
		t.BinaryNames = append(t.BinaryNames, name)
	}
	sort.Strings(t.BinaryNames)

	return t, nil
}

func decodeRoot(buf []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(buf))
	var root any
	var decodeErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				decodeErr = fmt.Errorf("%w: %v", ErrMsgpackParseFailed, r)
			}
		}()
		decodeErr = dec.Decode(&root)
	}()
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMsgpackParseFailed, decodeErr)
	}
	return root, nil
}

// asMap normalizes the two shapes vmihailenco/msgpack produces for
// string-keyed maps decoded into `any`.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func stringFieldOK(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func stringField(m map[string]any, key string) string {
	s, _ := stringFieldOK(m, key)
	return s
}

func uint64FieldOK(m map[string]any, key string) (uint64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return asUint64(v)
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case int32:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

func asUint32(v any) (uint32, bool) {
	n, ok := asUint64(v)
	if !ok || n > 0xFFFFFFFF {
		return 0, false
	}
	return uint32(n), true
}

func stringSliceField(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func blobsField(m map[string]any, key string) ([]BlobLocation, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]BlobLocation, 0, len(arr))
	for _, item := range arr {
		entry, ok := asMap(item)
		if !ok {
			continue
		}
		offset, okOff := uint64FieldOK(entry, "offset")
		size, okSize := uint64FieldOK(entry, "size")
		if !okOff || !okSize {
			continue
		}
		out = append(out, BlobLocation{Offset: offset, Size: size})
	}
	return out, true
}

func tocField(m map[string]any, key string) (map[string]map[string]KernelMeta, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	top, ok := asMap(v)
	if !ok {
		return nil, false
	}
	out := make(map[string]map[string]KernelMeta, len(top))
	for binaryName, archsRaw := range top {
		archs, ok := asMap(archsRaw)
		if !ok {
			continue
		}
		perArch := make(map[string]KernelMeta, len(archs))
		for arch, metaRaw := range archs {
			metaMap, ok := asMap(metaRaw)
			if !ok {
				continue
			}
			ordinal, okOrd := asUint32(metaMap["ordinal"])
			originalSize, okSize := asUint64(metaMap["original_size"])
			if !okOrd || !okSize {
				continue
			}
			km := KernelMeta{
				Type:         stringField(metaMap, "type"),
				Ordinal:      ordinal,
				OriginalSize: originalSize,
			}
			perArch[arch] = km
		}
		if len(perArch) > 0 {
			out[binaryName] = perArch
		}
	}
	return out, true
}
