package ifhd

import (
	"golang.org/x/xerrors"

	"github.com/audi/ifhd/internal/aio"
)

// ReaderOptions configures Open. The zero value opens a file read-only
// with default system caching.
type ReaderOptions struct {
	// CacheSize is the user-space read-ahead cache size in bytes; <= 0
	// selects a default based on the volume's sector size.
	CacheSize int
	// DisableSystemCache opens the file in sector-aligned, OS-cache-
	// bypassing mode.
	DisableSystemCache bool
	// AllowWrite opens the file read-write, for callers that intend to
	// rewrite extensions in place after opening (e.g. a stream rename).
	AllowWrite bool
	// QueryInfoOnly reads only the header and extension table; the
	// index tables are not parsed and no chunk iteration is possible.
	QueryInfoOnly bool
}

const defaultReadCacheMultiple = 16

// v2Reader provides random-access and sequential playback of an IFHD file.
// It is not safe for concurrent use from multiple goroutines.
type v2Reader struct {
	file       *aio.File
	header     FileHeader
	extensions extensionCatalog
	index      *readIndexTable
	scale      uint64

	endOfDataMarker int64

	filePos             int64
	filePosInvalid      bool
	filePosCurrentChunk int64
	chunkIndex          int64
	indexTableIndex     int64

	current     *ChunkHeader
	currentData []byte
	headerValid bool
	prefetched  bool

	buf []byte

	queryInfoOnly bool
	closed        bool
}

// openV2 reads filename's header, extension table and (unless
// opts.QueryInfoOnly) index tables, and positions the reader at the
// first chunk.
func openV2(filename string, opts ReaderOptions) (*v2Reader, error) {
	mode := aio.SharedRead | aio.SharedWrite | aio.SequentialAccess
	if opts.AllowWrite {
		mode |= aio.ReadWrite
	} else {
		mode |= aio.Read
	}
	if opts.DisableSystemCache {
		mode |= aio.BypassSystemCache
	}

	f, err := aio.Open(filename, mode)
	if err != nil {
		return nil, newError(KindIOError, "Open", err)
	}

	r := &v2Reader{file: f, queryInfoOnly: opts.QueryInfoOnly}

	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		sector := f.SectorSize()
		if sector <= 0 {
			sector = aio.DefaultSectorSize
		}
		cacheSize = int(sector) * defaultReadCacheMultiple
	}
	f.SetReadCache(cacheSize)

	if err := r.readFileHeader(); err != nil {
		f.Close()
		return nil, err
	}
	r.scale = timestampScale(r.header.VersionID)

	if err := r.readExtensionTable(); err != nil {
		f.Close()
		return nil, err
	}

	if opts.QueryInfoOnly {
		return r, nil
	}

	r.index = newReadIndexTable(&r.header)
	order, err := wireOrder(r.header.ByteOrder)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := r.index.readIndexTables(&r.extensions, order); err != nil {
		f.Close()
		return nil, err
	}

	r.endOfDataMarker = int64(r.header.DataOffset + r.header.DataSize)
	r.buf = make([]byte, r.header.MaxChunkSize)

	if err := r.Reset(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the underlying file handle.
func (r *v2Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.file.Close(); err != nil {
		return newError(KindIOError, "Close", err)
	}
	return nil
}

func (r *v2Reader) readFileHeader() error {
	if _, err := r.file.SetFilePos(0, aio.Begin); err != nil {
		return newError(KindIOError, "readFileHeader", err)
	}
	raw := make([]byte, headerSize)
	if err := r.file.ReadAll(raw); err != nil {
		return newError(KindIOError, "readFileHeader", err)
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return err
	}
	switch h.VersionID {
	case VersionBeta, Version201, Version300WithHistory, Version301, Version400, Version500Nanoseconds:
	default:
		return newError(KindInvalidFile, "readFileHeader", xerrors.Errorf("unsupported version id 0x%04x", h.VersionID))
	}
	if h.VersionID < Version300WithHistory {
		h.FirstChunkOffset = h.DataOffset
		h.ContinuousOffset = h.DataOffset
		h.RingBufferEndOffset = h.DataOffset
	}
	r.header = *h
	return nil
}

func (r *v2Reader) readExtensionTable() error {
	if r.header.ExtensionCount == 0 {
		return nil
	}
	if _, err := r.file.SetFilePos(int64(r.header.ExtensionOffset), aio.Begin); err != nil {
		return newError(KindIOError, "readExtensionTable", err)
	}
	order, err := wireOrder(r.header.ByteOrder)
	if err != nil {
		return err
	}
	raw := make([]byte, int(r.header.ExtensionCount)*extensionDescriptorSize)
	if err := r.file.ReadAll(raw); err != nil {
		return newError(KindIOError, "readExtensionTable", err)
	}
	for i := 0; i < int(r.header.ExtensionCount); i++ {
		desc, err := decodeExtensionDescriptor(raw[i*extensionDescriptorSize:(i+1)*extensionDescriptorSize], order)
		if err != nil {
			return newError(KindInvalidFile, "readExtensionTable", err)
		}
		data := make([]byte, desc.DataSize)
		if desc.DataSize > 0 {
			if _, err := r.file.SetFilePos(int64(desc.DataPos), aio.Begin); err != nil {
				return newError(KindIOError, "readExtensionTable", err)
			}
			if err := r.file.ReadAll(data); err != nil {
				return newError(KindIOError, "readExtensionTable", err)
			}
		}
		r.extensions.entries = append(r.extensions.entries, extensionEntry{desc: *desc, data: data})
	}
	return nil
}

// Reset positions the reader at the first chunk and clears any cached
// chunk state.
func (r *v2Reader) Reset() error {
	if r.index == nil {
		return newError(KindIllegalState, "Reset", xerrors.New("reader opened with QueryInfoOnly"))
	}
	r.filePos = int64(r.header.FirstChunkOffset)
	r.filePosInvalid = true
	r.filePosCurrentChunk = r.filePos
	r.chunkIndex = 0
	r.indexTableIndex = 0
	r.currentData = nil
	r.headerValid = false
	r.prefetched = false

	if r.header.ChunkCount == 0 {
		return nil
	}
	return r.readCurrentChunkHeader()
}

// GetCurrentPos returns the current chunk index, or its timestamp (in
// nanoseconds) if format is ChunkTime.
func (r *v2Reader) GetCurrentPos(format TimeFormat) int64 {
	if r.chunkIndex < 0 {
		return -1
	}
	if format == ChunkTime && r.current != nil {
		return int64(r.current.Timestamp * r.scale)
	}
	return r.chunkIndex
}

func (r *v2Reader) checkFilePtr() error {
	if r.filePos < 0 || r.chunkIndex < 0 {
		return newError(KindInvalidFile, "checkFilePtr", xerrors.New("invalid file position"))
	}
	if r.filePosInvalid {
		if _, err := r.file.SetFilePos(r.filePos, aio.Begin); err != nil {
			return newError(KindIOError, "checkFilePtr", err)
		}
		r.filePosInvalid = false
	}
	return nil
}

func (r *v2Reader) readCurrentChunkHeader() error {
	if r.chunkIndex < 0 || uint64(r.chunkIndex) >= r.header.ChunkCount {
		return ErrEndOfFile
	}
	r.currentData = nil
	if r.filePos+chunkHeaderSize > r.endOfDataMarker {
		return ErrEndOfFile
	}
	r.filePosCurrentChunk = r.filePos
	if err := r.checkFilePtr(); err != nil {
		return err
	}

	raw := make([]byte, chunkHeaderSize)
	if err := r.file.ReadAll(raw); err != nil {
		return newError(KindIOError, "readCurrentChunkHeader", err)
	}
	order, err := wireOrder(r.header.ByteOrder)
	if err != nil {
		return err
	}
	header, err := decodeChunkHeader(raw, order)
	if err != nil {
		return newError(KindInvalidFile, "readCurrentChunkHeader", err)
	}
	if err := r.index.adjustChunkHeader(header); err != nil {
		return err
	}

	r.current = header
	r.filePos += chunkHeaderSize
	r.headerValid = true
	return nil
}

func (r *v2Reader) readCurrentChunkData(buf []byte) error {
	r.currentData = nil
	if r.chunkIndex < 0 || uint64(r.chunkIndex) >= r.header.ChunkCount {
		return ErrEndOfFile
	}
	dataSize := r.current.PayloadSize()
	if r.filePos+int64(dataSize) > r.endOfDataMarker {
		return ErrEndOfFile
	}
	if err := r.checkFilePtr(); err != nil {
		return err
	}
	if err := r.file.ReadAll(buf[:dataSize]); err != nil {
		return newError(KindIOError, "readCurrentChunkData", err)
	}
	r.filePos += int64(dataSize)

	if pad := dataSize & (chunkAlignment - 1); pad != 0 {
		skip := int64(chunkAlignment - pad)
		if _, err := r.file.Skip(skip); err != nil {
			return newError(KindIOError, "readCurrentChunkData", err)
		}
		r.filePos += skip
	}

	if r.header.DataOffset != r.header.FirstChunkOffset {
		switch r.filePos {
		case int64(r.header.ContinuousOffset):
			r.filePos = int64(r.header.DataOffset)
			r.filePosInvalid = true
		case int64(r.header.RingBufferEndOffset):
			r.filePos = int64(r.header.ContinuousOffset)
			r.filePosInvalid = true
		}
	}

	r.currentData = buf[:dataSize]
	return nil
}

// QueryChunkInfo returns the current chunk's header without consuming
// its payload, reading it from disk first if not already cached.
func (r *v2Reader) QueryChunkInfo() (*ChunkHeader, error) {
	if !r.headerValid {
		if err := r.readCurrentChunkHeader(); err != nil {
			return nil, err
		}
	}
	out := *r.current
	out.Timestamp *= r.scale
	return &out, nil
}

// ReadChunk reads the current chunk's payload and advances past it (or,
// with ReadBackwards, rewinds to the previous chunk). It returns a slice
// valid until the next v2Reader call; pass ReadUseExternalBuffer with a
// non-nil dst to have the payload copied there instead.
func (r *v2Reader) ReadChunk(dst []byte, flags ReadFlags) ([]byte, error) {
	useExternal := flags&ReadUseExternalBuffer != 0

	buffer := r.buf
	if useExternal {
		buffer = dst
	}

	if !r.headerValid {
		if err := r.readCurrentChunkHeader(); err != nil {
			return nil, err
		}
	}

	if !r.prefetched {
		if err := r.readCurrentChunkData(buffer); err != nil {
			return nil, err
		}
	} else if useExternal {
		copy(buffer, r.currentData)
		r.currentData = buffer[:len(r.currentData)]
	}
	r.prefetched = false
	r.headerValid = false

	out := r.currentData

	if flags&ReadBackwards != 0 {
		r.chunkIndex--
		if r.chunkIndex < 0 {
			return nil, ErrEndOfFile
		}
		if r.current.OffsetToPreviousChunk == 0 {
			return nil, ErrEndOfFile
		}
		if r.filePosCurrentChunk != int64(r.header.ContinuousOffset) &&
			r.filePosCurrentChunk != int64(r.header.RingBufferEndOffset) {
			r.filePos = r.filePosCurrentChunk - int64(r.current.OffsetToPreviousChunk)
		}
		r.filePosInvalid = true
	} else {
		r.chunkIndex++
	}

	return out, nil
}

// SkipChunk advances past the current chunk without copying its payload.
func (r *v2Reader) SkipChunk() error {
	if !r.headerValid {
		if err := r.readCurrentChunkHeader(); err != nil {
			return err
		}
	}
	if !r.prefetched {
		r.currentData = nil
		if r.chunkIndex < 0 || uint64(r.chunkIndex) >= r.header.ChunkCount {
			return ErrEndOfFile
		}
		dataSize := int64(r.current.PayloadSize())
		if r.filePos+dataSize > r.endOfDataMarker {
			return ErrEndOfFile
		}
		r.filePos += dataSize
		if pad := dataSize & (chunkAlignment - 1); pad != 0 {
			r.filePos += chunkAlignment - pad
		}
		if r.header.DataOffset != r.header.FirstChunkOffset {
			switch r.filePos {
			case int64(r.header.ContinuousOffset):
				r.filePos = int64(r.header.DataOffset)
			case int64(r.header.RingBufferEndOffset):
				r.filePos = int64(r.header.ContinuousOffset)
			}
		}
		r.filePosInvalid = true
	}
	r.prefetched = false
	r.headerValid = false
	r.chunkIndex++
	return nil
}

// ReadNextChunk skips forward, if necessary, until it reaches a chunk
// matching streamIDFilter (0 = any), then reads it.
func (r *v2Reader) ReadNextChunk(flags ReadFlags, streamIDFilter uint16) (*ChunkHeader, []byte, error) {
	if streamIDFilter == 0 {
		header, err := r.QueryChunkInfo()
		if err != nil {
			return nil, nil, err
		}
		data, err := r.ReadChunk(nil, flags)
		if err != nil {
			return nil, nil, err
		}
		return header, data, nil
	}
	for {
		header, err := r.QueryChunkInfo()
		if err != nil {
			return nil, nil, err
		}
		data, err := r.ReadChunk(nil, flags)
		if err != nil {
			return nil, nil, err
		}
		if header.StreamID == streamIDFilter {
			return header, data, nil
		}
	}
}

// SkipChunkInfo advances the index-table cursor (independent of the
// chunk_index sequential-read cursor) and repositions to it.
func (r *v2Reader) SkipChunkInfo() (int64, error) {
	r.indexTableIndex++
	return r.Seek(0, r.indexTableIndex, ChunkIndex, SeekDefault)
}

// Seek repositions the reader so the next QueryChunkInfo/ReadChunk call
// returns the chunk identified by position, interpreted per format, and
// returns that chunk's logical index. With SeekKeyData the index table
// alone resolves the position (no payload bytes are read); otherwise a
// proportional guess followed by a linear scan locates the exact match.
func (r *v2Reader) Seek(streamID uint16, position int64, format TimeFormat, flags SeekFlags) (int64, error) {
	if r.index == nil {
		return -1, newError(KindIllegalState, "Seek", xerrors.New("reader opened with QueryInfoOnly"))
	}

	r.currentData = nil
	r.headerValid = false
	r.prefetched = false

	diskPosition := position
	if format == ChunkTime {
		diskPosition = int64(uint64(position) / r.scale)
	}

	var masterIndex int64
	var endChunkIndex int64
	if format == ChunkIndex && flags&SeekKeyData != 0 {
		masterIndex = diskPosition
	} else {
		result, err := r.index.lookupChunkRef(streamID, diskPosition, format)
		if err != nil {
			return -1, err
		}
		r.chunkIndex = result.ChunkIndex
		r.filePos = result.ChunkOffset
		endChunkIndex = result.EndChunkIndex
		masterIndex = result.MasterIndex
	}

	if masterIndex < 0 {
		return -1, newError(KindInvalidArgument, "Seek", xerrors.New("invalid position"))
	}
	r.filePosInvalid = true

	if flags&SeekKeyData != 0 {
		header, chunkIndex, chunkOffset, err := r.index.fillChunkHeaderFromIndex(uint32(masterIndex))
		if err != nil {
			return -1, err
		}
		r.current = header
		r.chunkIndex = chunkIndex
		r.filePos = chunkOffset
		r.headerValid = true
		return masterIndex, nil
	}

	lastMatchingIndex := r.chunkIndex
	lastMatchingFilePos := r.filePos

	if err := r.checkFilePtr(); err != nil {
		return -1, err
	}

	firstIndexTimestamp := int64(-1)
	currentIndex := r.chunkIndex

	for {
		if currentIndex == endChunkIndex {
			return -1, newError(KindNotFound, "Seek", xerrors.New("position not found"))
		}

		filePosBeforeRead := r.filePos

		if err := r.readCurrentChunkHeader(); err != nil {
			return -1, err
		}
		if err := r.readCurrentChunkData(r.buf); err != nil {
			return -1, err
		}

		switch format {
		case ChunkIndex:
			if currentIndex == position {
				goto done
			}

		case ChunkTime:
			if flags&SeekBefore == 0 {
				if (streamID == 0 || r.current.StreamID == streamID) && int64(r.current.Timestamp) >= diskPosition {
					goto done
				}
			} else {
				if firstIndexTimestamp == -1 {
					firstIndexTimestamp = int64(r.current.Timestamp)
				}
				lookAhead := firstIndexTimestamp + seekBeforeWindowNS/int64(r.scale)
				if int64(r.current.Timestamp) > diskPosition || int64(r.current.Timestamp) >= lookAhead {
					currentIndex = lastMatchingIndex
					r.chunkIndex = lastMatchingIndex
					r.filePos = lastMatchingFilePos
					r.filePosInvalid = true
					if err := r.checkFilePtr(); err != nil {
						return -1, err
					}
					if err := r.readCurrentChunkHeader(); err != nil {
						return -1, err
					}
					if err := r.readCurrentChunkData(r.buf); err != nil {
						return -1, err
					}
					goto done
				}
				if streamID == 0 || r.current.StreamID == streamID {
					if int64(r.current.Timestamp) == diskPosition {
						goto done
					}
					lastMatchingIndex = currentIndex
					lastMatchingFilePos = filePosBeforeRead
				}
			}

		case StreamIndex:
			if int64(r.current.StreamIndex) >= position && r.current.StreamID == streamID {
				goto done
			}
		}

		currentIndex++
	}

done:
	r.prefetched = true
	r.chunkIndex = currentIndex
	r.headerValid = true
	return currentIndex, nil
}

// ChunkCount returns the number of chunks currently in the file.
func (r *v2Reader) ChunkCount() int64 {
	return int64(r.header.ChunkCount)
}

// Duration returns the file's total duration, in nanoseconds.
func (r *v2Reader) Duration() uint64 {
	return r.header.Duration * r.scale
}

// VersionID returns the on-disk file format version.
func (r *v2Reader) VersionID() uint32 {
	return r.header.VersionID
}

// TimeOffset returns the zero point every chunk timestamp is relative
// to, in nanoseconds.
func (r *v2Reader) TimeOffset() uint64 {
	return r.header.TimeOffset * r.scale
}

// GetFilePos returns the current sequential-read chunk index.
func (r *v2Reader) GetFilePos() int64 {
	return r.chunkIndex
}

// StreamTableIndexCount returns the number of index-table entries
// materialized for streamID, or -1 if the stream has none.
func (r *v2Reader) StreamTableIndexCount(streamID uint16) int64 {
	if r.index == nil {
		return -1
	}
	return r.index.itemCount(streamID)
}

// StreamIndexCount returns the number of streamID's chunks stored in the
// file (chunks dropped by history mode are not counted), or -1 if the
// stream is unknown.
func (r *v2Reader) StreamIndexCount(streamID uint16) int64 {
	if r.index == nil {
		return -1
	}
	info, ok := r.index.streamInfo(streamID)
	if !ok {
		return -1
	}
	return int64(info.StreamIndexCount)
}

// StreamExists reports whether streamID has a materialized index table.
func (r *v2Reader) StreamExists(streamID uint16) bool {
	return r.index != nil && r.index.streamExists(streamID)
}

// StreamName returns streamID's registered name.
func (r *v2Reader) StreamName(streamID uint16) (string, error) {
	if r.index == nil {
		return "", newError(KindIllegalState, "StreamName", xerrors.New("reader opened with QueryInfoOnly"))
	}
	return r.index.streamName(streamID)
}

// AdditionalStreamInfo returns the opaque info blob attached to streamID
// at write time, if any.
func (r *v2Reader) AdditionalStreamInfo(streamID uint16) ([]byte, bool) {
	if r.index == nil {
		return nil, false
	}
	return r.index.additionalStreamInfo(streamID)
}

// FirstTime returns the first chunk's timestamp for streamID (0 = whole
// file), in nanoseconds.
func (r *v2Reader) FirstTime(streamID uint16) (uint64, error) {
	if r.index == nil {
		return 0, newError(KindIllegalState, "FirstTime", xerrors.New("reader opened with QueryInfoOnly"))
	}
	t, err := r.index.firstTime(streamID)
	if err != nil {
		return 0, err
	}
	return t * r.scale, nil
}

// LastTime returns the last chunk's timestamp for streamID (0 = whole
// file), in nanoseconds.
func (r *v2Reader) LastTime(streamID uint16) (uint64, error) {
	if r.index == nil {
		return 0, newError(KindIllegalState, "LastTime", xerrors.New("reader opened with QueryInfoOnly"))
	}
	t, err := r.index.lastTime(streamID)
	if err != nil {
		return 0, err
	}
	return t * r.scale, nil
}

// ExtensionCount returns the number of extensions stored in the file.
func (r *v2Reader) ExtensionCount() int {
	return r.extensions.count()
}

// FindExtension looks up an extension by identifier.
func (r *v2Reader) FindExtension(identifier string) (*ExtensionDescriptor, []byte, bool) {
	return r.extensions.find(identifier)
}

// GetExtension returns the index'th extension in file order.
func (r *v2Reader) GetExtension(index int) (*ExtensionDescriptor, []byte, error) {
	return r.extensions.get(index)
}

// LookupChunkRef resolves position (interpreted per format) to the
// logical chunk index nearest it, without moving the reader's own
// position.
func (r *v2Reader) LookupChunkRef(streamID uint16, position int64, format TimeFormat) (int64, error) {
	if format == ChunkTime {
		position = int64(uint64(position) / r.scale)
	}
	result, err := r.index.lookupChunkRef(streamID, position, format)
	if err != nil {
		return -1, err
	}
	return result.ChunkIndex, nil
}

// GetLastChunkWithFlagBefore returns the last chunk of streamID at or
// before chunkIndex whose flags include every bit of flag, reading it from its
// indexed file offset.
func (r *v2Reader) GetLastChunkWithFlagBefore(chunkIndex uint64, streamID uint16, flag ChunkFlags) (*ChunkHeader, []byte, bool, error) {
	if r.index == nil {
		return nil, nil, false, newError(KindIllegalState, "GetLastChunkWithFlagBefore", xerrors.New("reader opened with QueryInfoOnly"))
	}
	masterIdx, ok := r.index.findNearestEntryWithFlags(streamID, chunkIndex, flag)
	if !ok {
		return nil, nil, false, nil
	}
	header, chunkIdx, chunkOffset, err := r.index.fillChunkHeaderFromIndex(uint32(masterIdx))
	if err != nil {
		return nil, nil, false, err
	}

	savedPos, savedInvalid, savedChunkIndex := r.filePos, r.filePosInvalid, r.chunkIndex
	savedHeader, savedValid, savedPrefetched, savedData := r.current, r.headerValid, r.prefetched, r.currentData
	defer func() {
		r.filePos, r.filePosInvalid, r.chunkIndex = savedPos, savedInvalid, savedChunkIndex
		r.current, r.headerValid, r.prefetched, r.currentData = savedHeader, savedValid, savedPrefetched, savedData
	}()

	r.filePos = chunkOffset
	r.filePosInvalid = true
	r.chunkIndex = chunkIdx
	r.current = header
	r.headerValid = true

	data := make([]byte, header.PayloadSize())
	if err := r.readCurrentChunkData(data); err != nil {
		return nil, nil, false, err
	}

	out := *header
	out.Timestamp *= r.scale
	return &out, data, true, nil
}
