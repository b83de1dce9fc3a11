package ifhd

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/audi/ifhd/internal/aio"
)

// littleEndianOrder is the fixed wire order of every v100/v110 field;
// these legacy headers carry no byte-order marker of their own.
var littleEndianOrder = binary.LittleEndian

// legacyHeaderSize is the fixed on-disk size of a v100/v110 file header;
// like the current format it is padded to 2048 bytes.
const legacyHeaderSize = 2048

// legacyDescriptionSize mirrors TagFileHeader::description.
const legacyDescriptionSize = 1912

// legacyExtensionIdentifierSize mirrors TagFileExtension::identifier.
const legacyExtensionIdentifierSize = 32

// legacyExtensionDescriptorSize is TagFileExtension's packed size:
// identifier(32) + type_id(4) + version_id(4) + data_pos(8) +
// data_size(8) + reserved(8).
const legacyExtensionDescriptorSize = 64

// legacyChunkHeaderSize is TagChunkHeader's packed size: time_stamp(8) +
// ref_index(8) + size(4) + flags(4) + reserved(8).
const legacyChunkHeaderSize = 32

// legacyChunkRefSize is TagChunkRef's packed size: time_stamp(8) +
// size(4) + flags(4) + chunk_offset(8) + chunk_index(8).
const legacyChunkRefSize = 32

// legacyStorageInfoIdentifier is the one extension identifier a legacy
// file ever carries; the reader synthesizes its descriptor on each call since
// legacy files store it as a side table, not the current format's
// extension-descriptor array.
const legacyStorageInfoIdentifier = "storage_info"

// legacyHeader is the in-memory form of ifhd::v110::IndexedFileV110::FileHeader.
// date_time occupies 16 bytes on disk (confirmed against
// utils5extension/file.h's 8-byte FilePos/FileSize and the 2048-byte
// total TagFileHeader layout: 64 bytes precede it, 1968 follow); only the
// leading 8 bytes, a seconds-since-epoch value matching the current
// format's FileTime, are kept here.
type legacyHeader struct {
	VersionID       uint32
	ExtensionOffset uint64
	ExtensionCount  uint32
	DataOffset      uint64
	DataSize        uint64
	IndexCount      uint64
	IndexOffset     uint64
	Duration        uint64
	DateTime        uint64
	ChunkCount      uint64
	MaxChunkSize    uint64
	Description     string
}

var legacyFileID = [4]byte{'I', 'F', 'H', 'D'}

func decodeLegacyHeader(data []byte) (*legacyHeader, error) {
	if len(data) != legacyHeaderSize {
		return nil, xerrors.Errorf("decoding legacy header: got %d bytes, want %d", len(data), legacyHeaderSize)
	}
	order := littleEndianOrder
	if data[0] != legacyFileID[0] || data[1] != legacyFileID[1] || data[2] != legacyFileID[2] || data[3] != legacyFileID[3] {
		return nil, newError(KindInvalidFile, "decodeLegacyHeader", xerrors.New("bad magic"))
	}

	h := &legacyHeader{}
	p := 4
	h.VersionID = order.Uint32(data[p:])
	p += 4
	h.ExtensionOffset = order.Uint64(data[p:])
	p += 8
	h.ExtensionCount = order.Uint32(data[p:])
	p += 4
	p += 4 // reserved1
	h.DataOffset = order.Uint64(data[p:])
	p += 8
	h.DataSize = order.Uint64(data[p:])
	p += 8
	h.IndexCount = order.Uint64(data[p:])
	p += 8
	h.IndexOffset = order.Uint64(data[p:])
	p += 8
	h.Duration = order.Uint64(data[p:])
	p += 8
	h.DateTime = order.Uint64(data[p:])
	p += 16 // date_time is a 16-byte field; only its leading 8 bytes are kept
	h.ChunkCount = order.Uint64(data[p:])
	p += 8
	h.MaxChunkSize = order.Uint64(data[p:])
	p += 8

	descStart := legacyHeaderSize - legacyDescriptionSize
	h.Description = decodeCString(data[descStart:])
	return h, nil
}

type legacyExtensionDescriptor struct {
	Identifier string
	TypeID     uint32
	VersionID  uint32
	DataPos    uint64
	DataSize   uint64
}

func decodeLegacyExtensionDescriptor(data []byte) (*legacyExtensionDescriptor, error) {
	if len(data) != legacyExtensionDescriptorSize {
		return nil, xerrors.Errorf("decoding legacy extension: got %d bytes, want %d", len(data), legacyExtensionDescriptorSize)
	}
	order := littleEndianOrder
	d := &legacyExtensionDescriptor{
		Identifier: decodeCString(data[:legacyExtensionIdentifierSize]),
	}
	p := legacyExtensionIdentifierSize
	d.TypeID = order.Uint32(data[p:])
	p += 4
	d.VersionID = order.Uint32(data[p:])
	p += 4
	d.DataPos = order.Uint64(data[p:])
	p += 8
	d.DataSize = order.Uint64(data[p:])
	return d, nil
}

func decodeLegacyChunkHeader(data []byte) *ChunkHeader {
	order := littleEndianOrder
	return &ChunkHeader{
		Timestamp:           order.Uint64(data[0:]),
		RefMasterTableIndex: uint32(order.Uint64(data[8:])),
		Size:                order.Uint32(data[16:]),
		Flags:               ChunkFlags(order.Uint32(data[20:])),
		StreamID:            0,
	}
}

func decodeLegacyChunkRef(data []byte) *ChunkRef {
	order := littleEndianOrder
	return &ChunkRef{
		Timestamp:   order.Uint64(data[0:]),
		Size:        order.Uint32(data[8:]),
		Flags:       ChunkFlags(order.Uint32(data[12:])),
		ChunkOffset: order.Uint64(data[16:]),
		ChunkIndex:  order.Uint64(data[24:]),
	}
}

// legacyReader implements readerBackend for version_id 0x0100/0x0110
// files: a single flat chunk stream with no per-stream index and no
// byte-order marker (always little-endian on disk), and exactly one
// synthesized extension.
type legacyReader struct {
	file   *aio.File
	header legacyHeader
	scale  uint64

	storageInfo     *legacyExtensionDescriptor
	storageInfoData []byte

	index []ChunkRef

	endOfData int64

	filePos        int64
	filePosInvalid bool
	chunkIndex     int64

	current     *ChunkHeader
	currentData []byte
	headerValid bool
	closed      bool

	buf []byte
}

func openLegacy(filename string, opts ReaderOptions) (*legacyReader, error) {
	mode := aio.SharedRead | aio.SharedWrite | aio.SequentialAccess
	if opts.AllowWrite {
		mode |= aio.ReadWrite
	} else {
		mode |= aio.Read
	}

	f, err := aio.Open(filename, mode)
	if err != nil {
		return nil, newError(KindIOError, "Open", err)
	}

	lr := &legacyReader{file: f}

	raw := make([]byte, legacyHeaderSize)
	if err := f.ReadAll(raw); err != nil {
		f.Close()
		return nil, newError(KindIOError, "Open", err)
	}
	h, err := decodeLegacyHeader(raw)
	if err != nil {
		f.Close()
		return nil, err
	}
	lr.header = *h
	lr.scale = timestampScale(h.VersionID)
	lr.endOfData = int64(h.DataOffset + h.DataSize)

	if h.ExtensionCount > 0 {
		if _, err := f.SetFilePos(int64(h.ExtensionOffset), aio.Begin); err != nil {
			f.Close()
			return nil, newError(KindIOError, "Open", err)
		}
		descRaw := make([]byte, legacyExtensionDescriptorSize)
		if err := f.ReadAll(descRaw); err != nil {
			f.Close()
			return nil, newError(KindIOError, "Open", err)
		}
		desc, err := decodeLegacyExtensionDescriptor(descRaw)
		if err != nil {
			f.Close()
			return nil, err
		}
		data := make([]byte, desc.DataSize)
		if desc.DataSize > 0 {
			if _, err := f.SetFilePos(int64(desc.DataPos), aio.Begin); err != nil {
				f.Close()
				return nil, newError(KindIOError, "Open", err)
			}
			if err := f.ReadAll(data); err != nil {
				f.Close()
				return nil, newError(KindIOError, "Open", err)
			}
		}
		lr.storageInfo = desc
		lr.storageInfoData = data
	}

	if opts.QueryInfoOnly {
		return lr, nil
	}

	if h.IndexCount > 0 {
		if _, err := f.SetFilePos(int64(h.IndexOffset), aio.Begin); err != nil {
			f.Close()
			return nil, newError(KindIOError, "Open", err)
		}
		idxRaw := make([]byte, int(h.IndexCount)*legacyChunkRefSize)
		if err := f.ReadAll(idxRaw); err != nil {
			f.Close()
			return nil, newError(KindIOError, "Open", err)
		}
		lr.index = make([]ChunkRef, h.IndexCount)
		for i := range lr.index {
			lr.index[i] = *decodeLegacyChunkRef(idxRaw[i*legacyChunkRefSize : (i+1)*legacyChunkRefSize])
		}
	}

	lr.buf = make([]byte, h.MaxChunkSize)
	if err := lr.Reset(); err != nil {
		f.Close()
		return nil, err
	}
	return lr, nil
}

func (lr *legacyReader) Close() error {
	if lr.closed {
		return nil
	}
	lr.closed = true
	if err := lr.file.Close(); err != nil {
		return newError(KindIOError, "Close", err)
	}
	return nil
}

func (lr *legacyReader) Reset() error {
	lr.filePos = int64(lr.header.DataOffset)
	lr.filePosInvalid = true
	lr.chunkIndex = 0
	lr.currentData = nil
	lr.headerValid = false
	if lr.header.ChunkCount == 0 {
		return nil
	}
	return lr.readCurrentChunkHeader()
}

func (lr *legacyReader) checkFilePtr() error {
	if lr.filePosInvalid {
		if _, err := lr.file.SetFilePos(lr.filePos, aio.Begin); err != nil {
			return newError(KindIOError, "checkFilePtr", err)
		}
		lr.filePosInvalid = false
	}
	return nil
}

func (lr *legacyReader) readCurrentChunkHeader() error {
	if lr.chunkIndex < 0 || uint64(lr.chunkIndex) >= lr.header.ChunkCount {
		return ErrEndOfFile
	}
	lr.currentData = nil
	if lr.filePos+legacyChunkHeaderSize > lr.endOfData {
		return ErrEndOfFile
	}
	if err := lr.checkFilePtr(); err != nil {
		return err
	}
	raw := make([]byte, legacyChunkHeaderSize)
	if err := lr.file.ReadAll(raw); err != nil {
		return newError(KindIOError, "readCurrentChunkHeader", err)
	}
	lr.current = decodeLegacyChunkHeader(raw)
	lr.filePos += legacyChunkHeaderSize
	lr.headerValid = true
	return nil
}

func (lr *legacyReader) readCurrentChunkData(buf []byte) error {
	lr.currentData = nil
	dataSize := lr.current.PayloadSize()
	if lr.filePos+int64(dataSize) > lr.endOfData {
		return ErrEndOfFile
	}
	if err := lr.checkFilePtr(); err != nil {
		return err
	}
	if err := lr.file.ReadAll(buf[:dataSize]); err != nil {
		return newError(KindIOError, "readCurrentChunkData", err)
	}
	lr.filePos += int64(dataSize)
	if pad := dataSize & (chunkAlignment - 1); pad != 0 {
		skip := int64(chunkAlignment - pad)
		if _, err := lr.file.Skip(skip); err != nil {
			return newError(KindIOError, "readCurrentChunkData", err)
		}
		lr.filePos += skip
	}
	lr.currentData = buf[:dataSize]
	return nil
}

func (lr *legacyReader) QueryChunkInfo() (*ChunkHeader, error) {
	if !lr.headerValid {
		if err := lr.readCurrentChunkHeader(); err != nil {
			return nil, err
		}
	}
	out := *lr.current
	out.Timestamp *= lr.scale
	return &out, nil
}

func (lr *legacyReader) ReadChunk(dst []byte, flags ReadFlags) ([]byte, error) {
	buffer := lr.buf
	if flags&ReadUseExternalBuffer != 0 {
		buffer = dst
	}
	if !lr.headerValid {
		if err := lr.readCurrentChunkHeader(); err != nil {
			return nil, err
		}
	}
	if err := lr.readCurrentChunkData(buffer); err != nil {
		return nil, err
	}
	lr.headerValid = false
	out := lr.currentData

	if flags&ReadBackwards != 0 {
		// Legacy chunk headers carry no back-link; backwards iteration
		// has no representation in this format.
		return nil, ErrEndOfFile
	}
	lr.chunkIndex++
	return out, nil
}

func (lr *legacyReader) SkipChunk() error {
	if !lr.headerValid {
		if err := lr.readCurrentChunkHeader(); err != nil {
			return err
		}
	}
	dataSize := int64(lr.current.PayloadSize())
	if lr.filePos+dataSize > lr.endOfData {
		return ErrEndOfFile
	}
	lr.filePos += dataSize
	if pad := dataSize & (chunkAlignment - 1); pad != 0 {
		lr.filePos += chunkAlignment - pad
	}
	lr.filePosInvalid = true
	lr.headerValid = false
	lr.chunkIndex++
	return nil
}

func (lr *legacyReader) ReadNextChunk(flags ReadFlags, streamIDFilter uint16) (*ChunkHeader, []byte, error) {
	header, err := lr.QueryChunkInfo()
	if err != nil {
		return nil, nil, err
	}
	if streamIDFilter != 0 && streamIDFilter != header.StreamID {
		return nil, nil, newError(KindNotFound, "ReadNextChunk", xerrors.New("legacy files have no stream filtering"))
	}
	data, err := lr.ReadChunk(nil, flags)
	if err != nil {
		return nil, nil, err
	}
	return header, data, nil
}

func (lr *legacyReader) SkipChunkInfo() (int64, error) {
	if err := lr.SkipChunk(); err != nil {
		return -1, err
	}
	return lr.chunkIndex, nil
}

// Seek supports chunk_index and chunk_time against the flat index table;
// stream_index has no meaning for a format with a single implicit
// stream.
func (lr *legacyReader) Seek(streamID uint16, position int64, format TimeFormat, flags SeekFlags) (int64, error) {
	if format == StreamIndex {
		return -1, newError(KindInvalidArgument, "Seek", xerrors.New("legacy files have no per-stream index"))
	}
	diskPosition := position
	if format == ChunkTime {
		diskPosition = int64(uint64(position) / lr.scale)
	}

	if len(lr.index) == 0 {
		return -1, newError(KindIllegalState, "Seek", xerrors.New("file has no index table"))
	}

	var masterIndex int64
	switch format {
	case ChunkIndex:
		if diskPosition < 0 || diskPosition >= int64(len(lr.index)) {
			return -1, ErrEndOfFile
		}
		masterIndex = diskPosition
	case ChunkTime:
		lo, hi := 0, len(lr.index)
		for lo < hi {
			mid := (lo + hi) / 2
			if int64(lr.index[mid].Timestamp) < diskPosition {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo >= len(lr.index) {
			if flags&SeekBefore == 0 {
				return -1, ErrEndOfFile
			}
			lo = len(lr.index) - 1
		}
		if flags&SeekBefore != 0 && (lo >= len(lr.index) || int64(lr.index[lo].Timestamp) > diskPosition) && lo > 0 {
			lo--
		}
		masterIndex = int64(lo)
	}

	ref := lr.index[masterIndex]
	lr.chunkIndex = int64(ref.ChunkIndex)
	lr.filePos = int64(ref.ChunkOffset)
	lr.filePosInvalid = true
	lr.headerValid = false

	if flags&SeekKeyData != 0 {
		lr.current = &ChunkHeader{
			Timestamp:           ref.Timestamp,
			RefMasterTableIndex: uint32(masterIndex),
			Size:                ref.Size,
			Flags:               ref.Flags,
		}
		lr.headerValid = true
		return masterIndex, nil
	}

	if err := lr.readCurrentChunkHeader(); err != nil {
		return -1, err
	}
	return masterIndex, nil
}

func (lr *legacyReader) GetCurrentPos(format TimeFormat) int64 {
	if format == ChunkTime && lr.current != nil {
		return int64(lr.current.Timestamp * lr.scale)
	}
	return lr.chunkIndex
}

func (lr *legacyReader) ChunkCount() int64     { return int64(lr.header.ChunkCount) }
func (lr *legacyReader) Duration() uint64      { return lr.header.Duration * lr.scale }
func (lr *legacyReader) VersionID() uint32     { return lr.header.VersionID }
func (lr *legacyReader) TimeOffset() uint64    { return 0 }
func (lr *legacyReader) GetFilePos() int64     { return lr.chunkIndex }

func (lr *legacyReader) StreamTableIndexCount(streamID uint16) int64 {
	if streamID == 0 {
		return int64(len(lr.index))
	}
	return -1
}

func (lr *legacyReader) StreamIndexCount(streamID uint16) int64 {
	if streamID == 0 {
		return int64(lr.header.ChunkCount)
	}
	return -1
}

func (lr *legacyReader) StreamExists(streamID uint16) bool {
	return streamID == 0
}

func (lr *legacyReader) StreamName(streamID uint16) (string, error) {
	if streamID != 0 {
		return "", newError(KindOutOfRange, "StreamName", xerrors.Errorf("invalid stream id %d", streamID))
	}
	return "", nil
}

func (lr *legacyReader) AdditionalStreamInfo(streamID uint16) ([]byte, bool) {
	return nil, false
}

func (lr *legacyReader) FirstTime(streamID uint16) (uint64, error) {
	if len(lr.index) == 0 {
		return 0, nil
	}
	return lr.index[0].Timestamp * lr.scale, nil
}

func (lr *legacyReader) LastTime(streamID uint16) (uint64, error) {
	if len(lr.index) == 0 {
		return 0, nil
	}
	return lr.index[len(lr.index)-1].Timestamp * lr.scale, nil
}

// ExtensionCount always reports at most one: the synthesized
// storage_info descriptor, matching the §4.G compatibility contract.
func (lr *legacyReader) ExtensionCount() int {
	if lr.storageInfo == nil {
		return 0
	}
	return 1
}

func (lr *legacyReader) synthesizedDescriptor() *ExtensionDescriptor {
	return &ExtensionDescriptor{
		Identifier: legacyStorageInfoIdentifier,
		TypeID:     lr.storageInfo.TypeID,
		VersionID:  lr.storageInfo.VersionID,
		DataPos:    lr.storageInfo.DataPos,
		DataSize:   lr.storageInfo.DataSize,
	}
}

func (lr *legacyReader) FindExtension(identifier string) (*ExtensionDescriptor, []byte, bool) {
	if lr.storageInfo == nil || identifier != legacyStorageInfoIdentifier {
		return nil, nil, false
	}
	return lr.synthesizedDescriptor(), lr.storageInfoData, true
}

func (lr *legacyReader) GetExtension(index int) (*ExtensionDescriptor, []byte, error) {
	if lr.storageInfo == nil || index != 0 {
		return nil, nil, newError(KindOutOfRange, "GetExtension", xerrors.Errorf("index %d out of range", index))
	}
	return lr.synthesizedDescriptor(), lr.storageInfoData, nil
}

func (lr *legacyReader) LookupChunkRef(streamID uint16, position int64, format TimeFormat) (int64, error) {
	idx, err := lr.Seek(streamID, position, format, SeekKeyData)
	if err != nil {
		return -1, err
	}
	return idx, nil
}

func (lr *legacyReader) GetLastChunkWithFlagBefore(chunkIndex uint64, streamID uint16, flag ChunkFlags) (*ChunkHeader, []byte, bool, error) {
	match := int64(-1)
	for i := int64(chunkIndex); i >= 0 && i < int64(len(lr.index)); i-- {
		if lr.index[i].Flags&flag == flag {
			match = i
			break
		}
	}
	if match < 0 {
		return nil, nil, false, nil
	}

	savedPos, savedInvalid, savedChunkIndex := lr.filePos, lr.filePosInvalid, lr.chunkIndex
	savedHeader, savedValid, savedData := lr.current, lr.headerValid, lr.currentData
	defer func() {
		lr.filePos, lr.filePosInvalid, lr.chunkIndex = savedPos, savedInvalid, savedChunkIndex
		lr.current, lr.headerValid, lr.currentData = savedHeader, savedValid, savedData
	}()

	if _, err := lr.Seek(streamID, match, ChunkIndex, SeekDefault); err != nil {
		return nil, nil, false, err
	}
	header, err := lr.QueryChunkInfo()
	if err != nil {
		return nil, nil, false, err
	}
	data := make([]byte, header.PayloadSize())
	if err := lr.readCurrentChunkData(data); err != nil {
		return nil, nil, false, err
	}
	return header, data, true, nil
}
