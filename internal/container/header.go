package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/kdf"
	"github.com/nace/ved/internal/sector"
	bin "github.com/saylorsolutions/binmap"
	"golang.org/x/crypto/blake2b"
)

const (
	// HeaderSize is the space reserved at the start of every container.
	HeaderSize = 4096

	// Magic identifies a container file ("VEDC").
	Magic uint32 = 0x56454443

	// Version is the only header layout this engine reads and writes.
	Version uint16 = 1

	checksumSize = blake2b.Size256
	bodySize     = 94
)

var byteOrder = binary.BigEndian

// Header is the fixed-layout record at offset 0 of a container file.
//
//	offset size field
//	0      4    magic
//	4      2    version
//	6      1    cipher
//	7      1    kdf algorithm
//	8      4    kdf time
//	12     4    kdf memory
//	16     1    kdf threads
//	17     1    reserved
//	18     4    sector size
//	22     32   salt
//	54     32   verification token
//	86     8    payload size
//	94     32   blake2b-256 of bytes [0, 94)
type Header struct {
	Magic       uint32
	Version     uint16
	Cipher      sector.Cipher
	KDF         kdf.Params
	SectorSize  uint32
	Salt        [kdf.SaltSize]byte
	Token       [kdf.TokenSize]byte
	PayloadSize uint64
	Checksum    [checksumSize]byte

	reserved uint8
}

func (h *Header) bodyMapper() bin.Mapper {
	mappers := []bin.Mapper{
		bin.Int(&h.Magic),
		bin.Int(&h.Version),
		bin.Byte((*byte)(&h.Cipher)),
		bin.Byte((*byte)(&h.KDF.Algorithm)),
		bin.Int(&h.KDF.Time),
		bin.Int(&h.KDF.Memory),
		bin.Byte(&h.KDF.Threads),
		bin.Byte(&h.reserved),
		bin.Int(&h.SectorSize),
	}
	mappers = append(mappers, byteArray(h.Salt[:])...)
	mappers = append(mappers, byteArray(h.Token[:])...)
	mappers = append(mappers, bin.Int(&h.PayloadSize))
	return bin.MapSequence(mappers...)
}

func byteArray(b []byte) []bin.Mapper {
	mappers := make([]bin.Mapper, len(b))
	for i := range b {
		mappers[i] = bin.Byte(&b[i])
	}
	return mappers
}

func (h *Header) body() ([]byte, error) {
	var buf bytes.Buffer
	if err := h.bodyMapper().Write(&buf, byteOrder); err != nil {
		return nil, err
	}
	if buf.Len() != bodySize {
		return nil, fmt.Errorf("header body is %d bytes, want %d", buf.Len(), bodySize)
	}
	return buf.Bytes(), nil
}

// MarshalBinary encodes the header into exactly HeaderSize bytes, computing
// the checksum.
func (h *Header) MarshalBinary() ([]byte, error) {
	body, err := h.body()
	if err != nil {
		return nil, err
	}
	h.Checksum = blake2b.Sum256(body)

	out := make([]byte, HeaderSize)
	copy(out, body)
	copy(out[bodySize:], h.Checksum[:])
	return out, nil
}

// UnmarshalBinary decodes and validates a header. Magic and version are
// checked before anything else so foreign files are rejected without
// cryptographic work.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) >= 4 && byteOrder.Uint32(data[:4]) != Magic {
		return errs.New(errs.KindFormat, errs.NotAContainer, "not a ved container (bad magic)")
	}
	if len(data) >= 6 && byteOrder.Uint16(data[4:6]) != Version {
		return errs.New(errs.KindFormat, errs.UnsupportedVersion,
			"unsupported container version %d", byteOrder.Uint16(data[4:6]))
	}
	if len(data) < HeaderSize {
		return errs.New(errs.KindFormat, errs.Truncated,
			"container header truncated: %d of %d bytes", len(data), HeaderSize)
	}

	if err := h.bodyMapper().Read(bytes.NewReader(data[:bodySize]), byteOrder); err != nil {
		return errs.Wrap(errs.KindFormat, errs.CorruptHeader, err, "decode header")
	}
	copy(h.Checksum[:], data[bodySize:bodySize+checksumSize])

	if sum := blake2b.Sum256(data[:bodySize]); sum != h.Checksum {
		return errs.New(errs.KindFormat, errs.CorruptHeader, "container header checksum mismatch")
	}
	return h.validate()
}

func (h *Header) validate() error {
	if !h.Cipher.Valid() {
		return errs.New(errs.KindFormat, errs.CorruptHeader, "unknown cipher id %d", uint8(h.Cipher))
	}
	if !sector.ValidSectorSize(int(h.SectorSize)) {
		return errs.New(errs.KindFormat, errs.CorruptHeader, "invalid sector size %d", h.SectorSize)
	}
	if err := h.KDF.Validate(); err != nil {
		return errs.Wrap(errs.KindFormat, errs.CorruptHeader, err, "invalid key derivation parameters")
	}
	if h.PayloadSize == 0 {
		return errs.New(errs.KindFormat, errs.CorruptHeader, "zero payload size")
	}
	if h.oversized() {
		return errs.New(errs.KindFormat, errs.CorruptHeader, "payload size %d out of range", h.PayloadSize)
	}
	return nil
}

// ReadHeaderFrom reads and decodes the header from r.
func ReadHeaderFrom(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "read header")
	}

	h := new(Header)
	if err := h.UnmarshalBinary(buf[:n]); err != nil {
		return nil, err
	}
	return h, nil
}

// SlotSize is the on-disk size of one encrypted sector.
func (h *Header) SlotSize() int64 {
	return int64(sector.SlotSize(h.Cipher, int(h.SectorSize)))
}

// SectorCount is the number of sectors needed to hold PayloadSize bytes.
func (h *Header) SectorCount() uint64 {
	return sectorCount(h.PayloadSize, h.SectorSize)
}

// SlotOffset is the file offset of sector index.
func (h *Header) SlotOffset(index uint64) int64 {
	return HeaderSize + int64(index)*h.SlotSize()
}

// PhysicalSize is the full file size for the header's payload.
func (h *Header) PhysicalSize() int64 {
	return h.SlotOffset(h.SectorCount())
}

func sectorCount(size uint64, sectorSize uint32) uint64 {
	n := size / uint64(sectorSize)
	if size%uint64(sectorSize) != 0 {
		n++
	}
	return n
}

// oversized reports whether the physical layout of PayloadSize would not
// fit in an int64 file offset. Cipher and SectorSize must be valid.
func (h *Header) oversized() bool {
	return h.SectorCount() > uint64(1<<62)/uint64(h.SlotSize())
}
