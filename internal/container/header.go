// Package container validates the fixed 16-byte kpack archive header and
// locates the table-of-contents byte range (component C1 of the kpack
// runtime).
package container

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// Magic is the 4-byte ASCII signature at the start of every kpack archive.
	Magic = "KPAK"

	// HeaderSize is the fixed size of the container header in bytes:
	// 4-byte magic + 4-byte version + 8-byte TOC offset.
	HeaderSize = 16

	// CurrentVersion is the only archive version this reader accepts.
	CurrentVersion uint32 = 1
)

// Sentinel errors. Callers map these to the stable numeric Code.
var (
	ErrInvalidFormat      = errors.New("container: invalid format")
	ErrUnsupportedVersion = errors.New("container: unsupported version")
	ErrIO                 = errors.New("container: i/o error")
)

// Header is the parsed fixed-size archive header.
type Header struct {
	Version   uint32
	TOCOffset uint64
}

// ReadHeader reads and validates the header from the start of r, given the
// total file size. It fails with ErrInvalidFormat if the file is shorter
// than HeaderSize, the magic does not match, or the declared TOC offset is
// not strictly within the file; with ErrUnsupportedVersion if the version
// is not CurrentVersion; with ErrIO on an underlying read failure.
func ReadHeader(r io.ReaderAt, fileSize int64) (Header, error) {
	if fileSize < HeaderSize {
		return Header{}, ErrInvalidFormat
	}

	buf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, ErrInvalidFormat
		}
		return Header{}, errors.Join(ErrIO, err)
	}

	if string(buf[0:4]) != Magic {
		return Header{}, ErrInvalidFormat
	}

	h := Header{
		Version:   binary.LittleEndian.Uint32(buf[4:8]),
		TOCOffset: binary.LittleEndian.Uint64(buf[8:16]),
	}

	if h.Version != CurrentVersion {
		return Header{}, ErrUnsupportedVersion
	}

	if h.TOCOffset >= uint64(fileSize) {
		return Header{}, ErrInvalidFormat
	}

	return h, nil
}
