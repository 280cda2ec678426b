// Package kernelstore builds the per-ordinal blob/frame locator table for
// both kpack compression layouts (component C3) and materializes a kernel
// payload for a given (ordinal, expected size) pair (component C4).
package kernelstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/rocm/kpack/internal/sizing"
	"github.com/rocm/kpack/internal/toc"
)

// Bounds named in spec.md §4.3.
const (
	// MaxZstdBlobSize bounds the in-memory cached framed Zstd blob.
	MaxZstdBlobSize = 4 << 30 // 4 GiB

	// MaxFrameCount bounds the number of frames the count prefix may declare.
	MaxFrameCount = 1 << 20 // 1,048,576
)

// Sentinel errors. Callers map these to the stable numeric Code.
var (
	ErrInvalidFormat       = errors.New("kernelstore: invalid format")
	ErrKernelNotFound      = errors.New("kernelstore: kernel not found")
	ErrDecompressionFailed = errors.New("kernelstore: decompression failed")
	ErrIO                  = errors.New("kernelstore: i/o error")
)

// frameLocation is the offset/length of one Zstd frame within the cached blob.
type frameLocation struct {
	offsetInBlob   uint64
	compressedSize uint32
}

// Store indexes and decompresses kernel payloads for one archive. It holds
// the scheme-specific locator table and, for zstd-per-kernel archives, the
// cached framed blob and a pooled decoder. A Store is safe for concurrent
// use; internal state mutation (decoder acquisition) is serialized by mu.
type Store struct {
	scheme string
	source io.ReaderAt

	mu sync.Mutex // serializes decoder acquisition and blob cache access

	// "none" scheme
	blobs      []toc.BlobLocation
	sourceSize int64

	// "zstd-per-kernel" scheme
	blob       []byte
	frames     []frameLocation
	decoderPool *sync.Pool
}

// New builds a Store from the parsed TOC. For the zstd-per-kernel scheme
// this reads the entire framed blob into memory and parses its frame index;
// any bounds violation yields ErrInvalidFormat. For the none scheme the
// TOC's blobs array is used directly.
func New(t *toc.TOC, source io.ReaderAt, sourceSize int64) (*Store, error) {
	s := &Store{scheme: t.CompressionScheme, source: source, sourceSize: sourceSize}

	switch t.CompressionScheme {
	case toc.SchemeNone:
		s.blobs = t.Blobs
		return s, nil
	case toc.SchemeZstdPerKernel:
		if t.ZstdSize > MaxZstdBlobSize {
			return nil, fmt.Errorf("%w: zstd blob size %d exceeds %d byte bound", ErrInvalidFormat, t.ZstdSize, uint64(MaxZstdBlobSize))
		}
		end, ok := sizing.AddUint64(t.ZstdOffset, t.ZstdSize)
		if !ok || end > uint64(sourceSize) {
			return nil, fmt.Errorf("%w: zstd blob range exceeds file size", ErrInvalidFormat)
		}

		blobSize, err := sizing.ToInt(t.ZstdSize, ErrInvalidFormat)
		if err != nil {
			return nil, err
		}
		blob := make([]byte, blobSize)
		if blobSize > 0 {
			if _, err := source.ReadAt(blob, int64(t.ZstdOffset)); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: reading zstd blob: %v", ErrIO, err)
			}
		}

		frames, err := parseFrameIndex(blob)
		if err != nil {
			return nil, err
		}

		s.blob = blob
		s.frames = frames
		s.decoderPool = &sync.Pool{
			New: func() any {
				dec, err := zstd.NewReader(nil)
				if err != nil {
					return nil
				}
				return dec
			},
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unrecognized compression scheme %q", ErrInvalidFormat, t.CompressionScheme)
	}
}

// parseFrameIndex parses the 4-byte frame-count prefix followed by N
// (4-byte compressed-size prefix, compressed bytes) records, as laid out in
// spec.md §3's "Framed Zstd blob" section.
func parseFrameIndex(blob []byte) ([]frameLocation, error) {
	if len(blob) < 4 {
		return nil, fmt.Errorf("%w: zstd blob too short for frame count", ErrInvalidFormat)
	}
	count := binary.LittleEndian.Uint32(blob[0:4])
	if count > MaxFrameCount {
		return nil, fmt.Errorf("%w: frame count %d exceeds %d bound", ErrInvalidFormat, count, MaxFrameCount)
	}

	frames := make([]frameLocation, 0, count)
	pos := uint64(4)
	blobLen := uint64(len(blob))
	for i := uint32(0); i < count; i++ {
		if pos+4 > blobLen {
			return nil, fmt.Errorf("%w: truncated frame length prefix at frame %d", ErrInvalidFormat, i)
		}
		length := binary.LittleEndian.Uint32(blob[pos : pos+4])
		frameStart := pos + 4
		frameEnd, ok := sizing.AddUint64(frameStart, uint64(length))
		if !ok || frameEnd > blobLen {
			return nil, fmt.Errorf("%w: frame %d exceeds blob bounds", ErrInvalidFormat, i)
		}
		frames = append(frames, frameLocation{offsetInBlob: frameStart, compressedSize: length})
		pos = frameEnd
	}
	return frames, nil
}

// Fetch materializes the kernel payload at ordinal, verifying it decodes to
// exactly expectedSize bytes. The returned slice is a freshly allocated,
// independent buffer.
func (s *Store) Fetch(ordinal uint32, expectedSize uint64) ([]byte, error) {
	switch s.scheme {
	case toc.SchemeNone:
		return s.fetchNone(ordinal, expectedSize)
	case toc.SchemeZstdPerKernel:
		return s.fetchZstd(ordinal, expectedSize)
	default:
		return nil, fmt.Errorf("%w: unrecognized compression scheme %q", ErrInvalidFormat, s.scheme)
	}
}

func (s *Store) fetchNone(ordinal uint32, expectedSize uint64) ([]byte, error) {
	if int(ordinal) >= len(s.blobs) {
		return nil, ErrKernelNotFound
	}
	loc := s.blobs[ordinal]

	end, ok := sizing.AddUint64(loc.Offset, loc.Size)
	if !ok || end > uint64(s.sourceSize) {
		return nil, fmt.Errorf("%w: blob %d out of file bounds", ErrIO, ordinal)
	}

	size, err := sizing.ToInt(loc.Size, ErrIO)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if size > 0 {
		n, err := s.source.ReadAt(buf, int64(loc.Offset))
		if err != nil && !(errors.Is(err, io.EOF) && n == size) {
			return nil, fmt.Errorf("%w: reading blob %d: %v", ErrIO, ordinal, err)
		}
	}
	if uint64(len(buf)) != expectedSize {
		// original_size disagrees with the raw blob; treated as an I/O-level
		// inconsistency for the uncompressed scheme (there is no decompression
		// step to blame).
		return nil, fmt.Errorf("%w: blob %d size %d does not match original_size %d", ErrIO, ordinal, len(buf), expectedSize)
	}
	return buf, nil
}

func (s *Store) fetchZstd(ordinal uint32, expectedSize uint64) ([]byte, error) {
	if int(ordinal) >= len(s.frames) {
		return nil, ErrKernelNotFound
	}
	frame := s.frames[ordinal]

	s.mu.Lock()
	src := bytes.NewReader(s.blob[frame.offsetInBlob : frame.offsetInBlob+uint64(frame.compressedSize)])
	dec, release := s.acquireDecoder(src)
	s.mu.Unlock()
	defer release()

	size, err := sizing.ToInt(expectedSize, ErrDecompressionFailed)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(dec, out); err != nil {
			return nil, fmt.Errorf("%w: ordinal %d: %v", ErrDecompressionFailed, ordinal, err)
		}
	}
	// Confirm no trailing data remains: a longer decompressed stream than
	// original_size indicates a TOC/blob mismatch (length oracle).
	var extra [1]byte
	if n, _ := dec.Read(extra[:]); n > 0 {
		return nil, fmt.Errorf("%w: ordinal %d decompressed larger than original_size %d", ErrDecompressionFailed, ordinal, expectedSize)
	}
	return out, nil
}

// acquireDecoder returns a pooled *zstd.Decoder reset to read from src, and
// a release function that must be called when the caller is done with it.
func (s *Store) acquireDecoder(src io.Reader) (*zstd.Decoder, func()) {
	v := s.decoderPool.Get()
	dec, ok := v.(*zstd.Decoder)
	if !ok || dec == nil {
		dec, err := zstd.NewReader(src)
		if err != nil {
			// Fall back to an unpooled, always-erroring reader; Fetch's
			// ReadFull call will surface the error.
			dec, _ = zstd.NewReader(bytes.NewReader(nil))
		}
		return dec, func() {}
	}
	if err := dec.Reset(src); err != nil {
		dec.Close()
		newDec, newErr := zstd.NewReader(src)
		if newErr != nil {
			newDec, _ = zstd.NewReader(bytes.NewReader(nil))
		}
		return newDec, func() {}
	}
	return dec, func() {
		_ = dec.Reset(nil)
		s.decoderPool.Put(dec)
	}
}
