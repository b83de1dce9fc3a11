package ifhd

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

const headerSize = 2048
const descriptionSize = 1912
const reservedHeaderSize = 30

var magicLE = [4]byte{'I', 'F', 'H', 'D'}
var magicBE = [4]byte{'D', 'H', 'F', 'I'}

// FileHeader is the in-memory, host-order representation of the fixed
// 2048-byte file header stored once at offset 0.
type FileHeader struct {
	VersionID           uint32
	Flags               uint32
	ExtensionCount      uint32
	ExtensionOffset     uint64
	DataOffset          uint64
	DataSize            uint64
	ChunkCount          uint64
	MaxChunkSize        uint64
	Duration            uint64
	FileTime            uint64
	ByteOrder           ByteOrder
	TimeOffset          uint64
	PatchNumber         uint8
	FirstChunkOffset    uint64
	ContinuousOffset    uint64
	RingBufferEndOffset uint64
	Description         string
}

// rawFileHeader mirrors ifhd::v201_v301::FileHeader's #pragma pack(1)
// layout exactly; it is read and written with an explicit byte order so
// reading never depends on the host's own endianness.
type rawFileHeader struct {
	VersionID           uint32
	Flags               uint32
	ExtensionCount      uint32
	ExtensionOffset     uint64
	DataOffset          uint64
	DataSize            uint64
	ChunkCount          uint64
	MaxChunkSize        uint64
	Duration            uint64
	FileTime            uint64
	ByteOrder           uint8
	TimeOffset          uint64
	PatchNumber         uint8
	FirstChunkOffset    uint64
	ContinuousOffset    uint64
	RingBufferEndOffset uint64
	Reserved            [reservedHeaderSize]byte
	Description         [descriptionSize]byte
}

// encodeHeader serializes h into the fixed 2048-byte on-disk layout,
// storing the magic and every field in h.ByteOrder.
func encodeHeader(h *FileHeader) ([]byte, error) {
	order, err := wireOrder(h.ByteOrder)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	magic := magicLE
	if h.ByteOrder == BigEndian {
		magic = magicBE
	}
	buf.Write(magic[:])

	raw := rawFileHeader{
		VersionID:           h.VersionID,
		Flags:               h.Flags,
		ExtensionCount:      h.ExtensionCount,
		ExtensionOffset:     h.ExtensionOffset,
		DataOffset:          h.DataOffset,
		DataSize:            h.DataSize,
		ChunkCount:          h.ChunkCount,
		MaxChunkSize:        h.MaxChunkSize,
		Duration:            h.Duration,
		FileTime:            h.FileTime,
		ByteOrder:           uint8(h.ByteOrder),
		TimeOffset:          h.TimeOffset,
		PatchNumber:         h.PatchNumber,
		FirstChunkOffset:    h.FirstChunkOffset,
		ContinuousOffset:    h.ContinuousOffset,
		RingBufferEndOffset: h.RingBufferEndOffset,
	}
	copy(raw.Description[:], h.Description)

	if err := binary.Write(buf, order, &raw); err != nil {
		return nil, xerrors.Errorf("encoding file header: %w", err)
	}
	out := buf.Bytes()
	if len(out) != headerSize {
		return nil, xerrors.Errorf("encoding file header: got %d bytes, want %d", len(out), headerSize)
	}
	return out, nil
}

// decodeHeader parses the fixed 2048-byte on-disk layout, determining the
// stored byte order from the magic bytes themselves before decoding the
// remaining fields.
func decodeHeader(data []byte) (*FileHeader, error) {
	if len(data) != headerSize {
		return nil, xerrors.Errorf("decoding file header: got %d bytes, want %d", len(data), headerSize)
	}

	var byteOrder ByteOrder
	switch {
	case bytes.Equal(data[:4], magicLE[:]):
		byteOrder = LittleEndian
	case bytes.Equal(data[:4], magicBE[:]):
		byteOrder = BigEndian
	default:
		return nil, newError(KindInvalidFile, "decodeHeader", xerrors.New("bad magic"))
	}

	order, err := wireOrder(byteOrder)
	if err != nil {
		return nil, err
	}

	var raw rawFileHeader
	if err := binary.Read(bytes.NewReader(data[4:]), order, &raw); err != nil {
		return nil, newError(KindInvalidFile, "decodeHeader", xerrors.Errorf("reading fields: %w", err))
	}

	if ByteOrder(raw.ByteOrder) != byteOrder {
		return nil, newError(KindInvalidFile, "decodeHeader", xerrors.New("byte order field disagrees with magic"))
	}

	h := &FileHeader{
		VersionID:           raw.VersionID,
		Flags:               raw.Flags,
		ExtensionCount:      raw.ExtensionCount,
		ExtensionOffset:     raw.ExtensionOffset,
		DataOffset:          raw.DataOffset,
		DataSize:            raw.DataSize,
		ChunkCount:          raw.ChunkCount,
		MaxChunkSize:        raw.MaxChunkSize,
		Duration:            raw.Duration,
		FileTime:            raw.FileTime,
		ByteOrder:           byteOrder,
		TimeOffset:          raw.TimeOffset,
		PatchNumber:         raw.PatchNumber,
		FirstChunkOffset:    raw.FirstChunkOffset,
		ContinuousOffset:    raw.ContinuousOffset,
		RingBufferEndOffset: raw.RingBufferEndOffset,
		Description:         decodeCString(raw.Description[:]),
	}
	return h, nil
}

func wireOrder(b ByteOrder) (binary.ByteOrder, error) {
	switch b {
	case LittleEndian:
		return binary.LittleEndian, nil
	case BigEndian:
		return binary.BigEndian, nil
	default:
		return nil, newError(KindInvalidFile, "wireOrder", xerrors.Errorf("unsupported header byte order %d", b))
	}
}

func decodeCString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// SetDescription stores text, split into a short (up to the first
// newline) and long (remainder) portion by convention; callers that only
// ever want the short form use ShortDescription.
func (h *FileHeader) SetDescription(text string) error {
	if len(text) > descriptionSize {
		return newError(KindInvalidArgument, "SetDescription", xerrors.Errorf("description exceeds %d bytes", descriptionSize))
	}
	h.Description = text
	return nil
}

// GetDescription returns the full stored description text.
func (h *FileHeader) GetDescription() string {
	return h.Description
}

// ShortDescription returns the portion of the description before the
// first newline.
func (h *FileHeader) ShortDescription() string {
	if i := strings.IndexByte(h.Description, '\n'); i >= 0 {
		return h.Description[:i]
	}
	return h.Description
}

// LongDescription returns the portion of the description after the first
// newline, or the empty string if there is none.
func (h *FileHeader) LongDescription() string {
	if i := strings.IndexByte(h.Description, '\n'); i >= 0 {
		return h.Description[i+1:]
	}
	return ""
}

// SetDateTime stores the creation wall-clock as seconds since the Unix
// epoch, the granularity every supported version persists.
func (h *FileHeader) SetDateTime(t time.Time) {
	h.FileTime = uint64(t.Unix())
}

// DateTime returns the creation wall-clock.
func (h *FileHeader) DateTime() time.Time {
	return time.Unix(int64(h.FileTime), 0).UTC()
}
