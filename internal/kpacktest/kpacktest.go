// Package kpacktest builds minimal, in-memory kpack archives for use in
// package tests, mirroring the fixtures generate_test_data.py produces for
// the reference runtime's own test suite.
package kpacktest

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	magic   = "KPAK"
	version = uint32(1)
)

type kernelEntry struct {
	binary string
	arch   string
	typ    string
	data   []byte
}

// Builder assembles a kpack archive body and table of contents.
type Builder struct {
	groupName     string
	gfxArchFamily string
	gfxArches     []string
	kernels       []kernelEntry
}

// NewBuilder starts a new archive with the given group metadata.
func NewBuilder(groupName, gfxArchFamily string, gfxArches []string) *Builder {
	return &Builder{groupName: groupName, gfxArchFamily: gfxArchFamily, gfxArches: gfxArches}
}

// AddKernel appends a kernel payload; kernels are assigned ordinals in the
// order added.
func (b *Builder) AddKernel(binary, arch string, data []byte) *Builder {
	b.kernels = append(b.kernels, kernelEntry{binary: binary, arch: arch, data: data})
	return b
}

// BuildNone serializes the archive using the "none" (raw blob) compression
// scheme.
func (b *Builder) BuildNone() []byte {
	var body bytes.Buffer
	blobs := make([]map[string]any, len(b.kernels))
	offset := uint64(16)
	for i, k := range b.kernels {
		blobs[i] = map[string]any{"offset": offset, "size": uint64(len(k.data))}
		body.Write(k.data)
		offset += uint64(len(k.data))
	}

	toc := map[string]any{
		"compression_scheme": "none",
		"group_name":         b.groupName,
		"gfx_arch_family":    b.gfxArchFamily,
		"gfx_arches":         b.gfxArches,
		"blobs":              blobs,
		"toc":                b.tocEntries(),
	}
	return assemble(body.Bytes(), toc)
}

// BuildZstd serializes the archive using the "zstd-per-kernel" compression
// scheme: each kernel is compressed into its own Zstd frame, packed behind
// a 4-byte frame count and per-frame 4-byte length prefixes.
func (b *Builder) BuildZstd() []byte {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("kpacktest: zstd.NewWriter: %v", err))
	}
	defer enc.Close()

	var blob bytes.Buffer
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(b.kernels)))
	blob.Write(countBuf[:])

	for _, k := range b.kernels {
		compressed := enc.EncodeAll(k.data, nil)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(compressed)))
		blob.Write(lenBuf[:])
		blob.Write(compressed)
	}

	toc := map[string]any{
		"compression_scheme": "zstd-per-kernel",
		"group_name":         b.groupName,
		"gfx_arch_family":    b.gfxArchFamily,
		"gfx_arches":         b.gfxArches,
		"zstd_offset":        uint64(16),
		"zstd_size":          uint64(blob.Len()),
		"toc":                b.tocEntries(),
	}
	return assemble(blob.Bytes(), toc)
}

func (b *Builder) tocEntries() map[string]any {
	entries := map[string]any{}
	for ordinal, k := range b.kernels {
		perBinary, ok := entries[k.binary].(map[string]any)
		if !ok {
			perBinary = map[string]any{}
			entries[k.binary] = perBinary
		}
		perBinary[k.arch] = map[string]any{
			"type":          k.typ,
			"ordinal":       uint32(ordinal),
			"original_size": uint64(len(k.data)),
		}
	}
	return entries
}

func assemble(body []byte, toc map[string]any) []byte {
	tocBytes, err := msgpack.Marshal(toc)
	if err != nil {
		panic(fmt.Sprintf("kpacktest: marshal toc: %v", err))
	}

	tocOffset := uint64(16 + len(body))

	var out bytes.Buffer
	out.WriteString(magic)
	var versionBuf [4]byte
	binary.LittleEndian.PutUint32(versionBuf[:], version)
	out.Write(versionBuf[:])
	var offsetBuf [8]byte
	binary.LittleEndian.PutUint64(offsetBuf[:], tocOffset)
	out.Write(offsetBuf[:])
	out.Write(body)
	out.Write(tocBytes)
	return out.Bytes()
}

// NoopArchive builds the "none" scheme fixture matching
// runtime/tests/generate_test_data.py's test_noop.kpack: two binaries,
// three kernels, group "test" / family "gfx900X" / arches gfx900, gfx906.
func NoopArchive() []byte {
	kernel1 := append([]byte("KERNEL1_GFX900_DATA"), bytes.Repeat([]byte{0x00}, 100)...)
	kernel2 := append([]byte("KERNEL2_GFX906_DATA"), bytes.Repeat([]byte{0x00}, 200)...)
	kernel3 := append([]byte("KERNEL3_APP_GFX900"), bytes.Repeat([]byte{0xFF}, 150)...)

	return NewBuilder("test", "gfx900X", []string{"gfx900", "gfx906"}).
		AddKernel("lib/libtest.so", "gfx900", kernel1).
		AddKernel("lib/libtest.so", "gfx906", kernel2).
		AddKernel("bin/testapp", "gfx900", kernel3).
		BuildNone()
}

// ZstdArchive builds the "zstd-per-kernel" scheme fixture matching
// runtime/tests/generate_test_data.py's test_zstd.kpack: two binaries,
// three kernels, group "test" / family "gfx110X" / arches gfx1100, gfx1101.
func ZstdArchive() []byte {
	kernel1 := append([]byte("HIP_KERNEL_GFX1100_"), append(bytes.Repeat([]byte{'A'}, 500), bytes.Repeat([]byte{'B'}, 500)...)...)
	kernel2 := append([]byte("HIP_KERNEL_GFX1101_"), append(bytes.Repeat([]byte{'X'}, 300), bytes.Repeat([]byte{'Y'}, 300)...)...)
	kernel3 := append([]byte("TEST_APP_KERNEL___"), bytes.Repeat([]byte{0x42}, 1000)...)

	return NewBuilder("test", "gfx110X", []string{"gfx1100", "gfx1101"}).
		AddKernel("lib/libhip.so", "gfx1100", kernel1).
		AddKernel("lib/libhip.so", "gfx1101", kernel2).
		AddKernel("bin/hiptest", "gfx1100", kernel3).
		BuildZstd()
}
