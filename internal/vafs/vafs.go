// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package vafs implements a read-only reader for the content-addressed
// directory/file archive format used as the initial RAM disk (spec.md
// C8/§4.8): fixed header, feature table, flat per-directory entry
// lists, and an optional pluggable decode filter. The on-disk layout is
// little-endian throughout, grounded on
// original_source/tools/rd/libvafs/include/vafs/vafs.h's field list
// (magic/version/architecture, feature table of {GUID, length,
// payload}, directory entries of {name, type, child_offset} or files of
// {length, compressed_length, data_offset}).
package vafs

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/vali-os/core/internal/status"
)

// Magic identifies a VaFs image; Version is this reader/writer pair's
// on-disk format version.
var Magic = [4]byte{'V', 'A', 'F', 'S'}

const Version uint32 = 1

// Architecture is the u16 enum spec.md §6 lists verbatim.
type Architecture uint16

const (
	ArchitectureX86     Architecture = 0x8086
	ArchitectureX64     Architecture = 0x8664
	ArchitectureARM     Architecture = 0xA12B
	ArchitectureARM64   Architecture = 0xAA64
	ArchitectureRISCV32 Architecture = 0x5032
	ArchitectureRISCV64 Architecture = 0x5064
)

// Guid mirrors original_source's struct VaFsGuid field-for-field.
type Guid struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

func (g Guid) Equal(other Guid) bool {
	return g.Data1 == other.Data1 && g.Data2 == other.Data2 && g.Data3 == other.Data3 && g.Data4 == other.Data4
}

// FilterFeatureGUID is VA_FS_FEATURE_FILTER from the original header,
// byte-for-byte.
var FilterFeatureGUID = Guid{
	Data1: 0x99C25D91, Data2: 0xFA99, Data3: 0x4A71,
	Data4: [8]byte{0x9C, 0xB5, 0x96, 0x1A, 0xA9, 0x3D, 0xDF, 0xBB},
}

const featureHeaderSize = 4 + 2 + 2 + 8 + 4 // Guid (16) + Length (4)

// Feature is one {GUID, length, payload} record read from the feature
// table. Payload excludes the header itself.
type Feature struct {
	Guid    Guid
	Payload []byte
}

const headerSize = 4 + 4 + 2 + 2 + 8 + 8 // magic+version+arch+reserved+featureTableOffset+rootDirOffset

type header struct {
	magic               [4]byte
	version             uint32
	architecture        Architecture
	reserved            uint16
	featureTableOffset  uint64
	rootDirectoryOffset uint64
}

// FilterOps are the caller-supplied decode/encode callbacks the filter
// feature requires, spec.md §4.8's "pair of decode/encode callbacks".
// The reader only ever calls Decode; Encode exists for the writer.
type FilterOps struct {
	Decode func(input []byte, maxOutput int) ([]byte, error)
	Encode func(input []byte) ([]byte, error)
}

// Image is an opened, read-only VaFs archive.
type Image struct {
	src          io.ReaderAt
	closer       io.Closer
	architecture Architecture
	features     []Feature
	filter       *FilterOps
	filterActive bool
	rootOffset   uint64
}

// Open parses the image at path. The returned Image owns the
// underlying file and must be closed.
func Open(path string, filter *FilterOps) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, status.Wrap(status.NotFound, err)
	}
	img, err := openReaderAt(f, filter)
	if err != nil {
		f.Close()
		return nil, err
	}
	img.closer = f
	return img, nil
}

// OpenBytes parses an image already resident in memory; the caller
// retains ownership of buf, which must outlive the Image.
func OpenBytes(buf []byte, filter *FilterOps) (*Image, error) {
	return openReaderAt(bytes.NewReader(buf), filter)
}

func openReaderAt(src io.ReaderAt, filter *FilterOps) (*Image, error) {
	raw := make([]byte, headerSize)
	if _, err := src.ReadAt(raw, 0); err != nil {
		return nil, status.Wrap(status.ProtocolError, err)
	}

	var h header
	copy(h.magic[:], raw[0:4])
	h.version = binary.LittleEndian.Uint32(raw[4:8])
	h.architecture = Architecture(binary.LittleEndian.Uint16(raw[8:10]))
	h.reserved = binary.LittleEndian.Uint16(raw[10:12])
	h.featureTableOffset = binary.LittleEndian.Uint64(raw[12:20])
	h.rootDirectoryOffset = binary.LittleEndian.Uint64(raw[20:28])

	if h.magic != Magic {
		return nil, status.New(status.ProtocolError, "not a vafs image: bad magic")
	}
	if h.version != Version {
		return nil, status.New(status.ProtocolError, "unsupported vafs version")
	}

	features, err := readFeatureTable(src, h.featureTableOffset)
	if err != nil {
		return nil, err
	}

	img := &Image{
		src:          src,
		architecture: h.architecture,
		features:     features,
		filter:       filter,
		rootOffset:   h.rootDirectoryOffset,
	}
	for _, feat := range features {
		if feat.Guid.Equal(FilterFeatureGUID) {
			img.filterActive = true
		}
	}
	if img.filterActive && filter == nil {
		return nil, status.New(status.InvalidParams, "image requires a filter but none was supplied")
	}
	return img, nil
}

func readFeatureTable(src io.ReaderAt, offset uint64) ([]Feature, error) {
	countBuf := make([]byte, 4)
	if _, err := src.ReadAt(countBuf, int64(offset)); err != nil {
		return nil, status.Wrap(status.ProtocolError, err)
	}
	count := binary.LittleEndian.Uint32(countBuf)

	features := make([]Feature, 0, count)
	pos := int64(offset) + 4
	for i := uint32(0); i < count; i++ {
		hdr := make([]byte, featureHeaderSize)
		if _, err := src.ReadAt(hdr, pos); err != nil {
			return nil, status.Wrap(status.ProtocolError, err)
		}
		var g Guid
		g.Data1 = binary.LittleEndian.Uint32(hdr[0:4])
		g.Data2 = binary.LittleEndian.Uint16(hdr[4:6])
		g.Data3 = binary.LittleEndian.Uint16(hdr[6:8])
		copy(g.Data4[:], hdr[8:16])
		length := binary.LittleEndian.Uint32(hdr[16:20])

		payloadLen := int(length) - featureHeaderSize
		var payload []byte
		if payloadLen > 0 {
			payload = make([]byte, payloadLen)
			if _, err := src.ReadAt(payload, pos+featureHeaderSize); err != nil {
				return nil, status.Wrap(status.ProtocolError, err)
			}
		}

		features = append(features, Feature{Guid: g, Payload: payload})
		pos += int64(length)
	}
	return features, nil
}

// Architecture reports the image's target architecture.
func (img *Image) Architecture() Architecture { return img.architecture }

// Feature returns the feature matching guid, spec.md §4.8's feature
// resolution ("resolves the filter-ops feature if present").
func (img *Image) Feature(guid Guid) (Feature, bool) {
	for _, f := range img.features {
		if f.Guid.Equal(guid) {
			return f, true
		}
	}
	return Feature{}, false
}

// Close releases any OS resources backing the image. Closing an image
// opened via OpenBytes is a no-op beyond dropping the reference.
func (img *Image) Close() error {
	if img.closer != nil {
		return img.closer.Close()
	}
	return nil
}
