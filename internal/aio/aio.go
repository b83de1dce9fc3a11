// Package aio implements a sector-aware positioned file handle: open
// modes mirroring utils5ext::File, a user-space read-ahead cache, and an
// optional bypass of the OS page cache with page-aligned, sector-padded
// I/O for the writer's async cache flush path.
package aio

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Mode is a bitset of open options, mirroring utils5ext::File::OpenMode.
type Mode uint32

const (
	Read Mode = 1 << iota
	Write
	ReadWrite
	Append
	SharedRead
	SharedWrite
	SequentialAccess
	Temporary
	WriteThrough
	BypassSystemCache
)

// Anchor selects the reference point for SetFilePos, mirroring
// utils5ext::File::FilePosRef.
type Anchor int

const (
	Begin Anchor = iota
	Current
	End
)

// DefaultSectorSize is used when the containing volume's sector size
// cannot be determined.
const DefaultSectorSize = 512

// ErrSectorMisaligned is returned when a bypass-mode seek or operation
// would require a non-sector-aligned position.
var ErrSectorMisaligned = xerrors.New("aio: position not a multiple of sector size")

// File wraps an *os.File with the cache and alignment behavior described
// in the aligned I/O layer contract.
type File struct {
	f    *os.File
	mode Mode

	bypass     bool
	sectorSize int64

	// logical position seen by callers; differs from the OS file
	// position when bypass padding or buffered cache data is in play.
	pos int64

	// residual sub-sector bytes to discard from the next bypass read,
	// tracked so SetFilePos(begin) stays sector-aligned on the wire
	// while logical reads resume exactly where the caller left off.
	residual int64

	cache       []byte
	cacheSize   int
	cacheOff    int64 // file offset the cache's first byte corresponds to
	cacheLen    int   // valid bytes currently in cache
	cacheCursor int   // read cursor within cache
}

// Open opens or creates path according to mode.
func Open(path string, mode Mode) (*File, error) {
	flags := 0
	switch {
	case mode&ReadWrite != 0:
		flags = os.O_RDWR
	case mode&Write != 0:
		flags = os.O_RDWR | os.O_CREATE
	default:
		flags = os.O_RDONLY
	}
	if mode&Append != 0 {
		flags |= os.O_APPEND
	}
	if mode&Write != 0 && mode&Append == 0 {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, xerrors.Errorf("aio: open %s: %w", path, err)
	}

	af := &File{
		f:      f,
		mode:   mode,
		bypass: mode&BypassSystemCache != 0,
	}
	if af.bypass {
		af.sectorSize = sectorSizeFor(path)
	}
	if mode&Temporary != 0 {
		// Best effort: unlink immediately is not portable with rename-on-close
		// semantics the writer relies on, so Temporary here only disables
		// any caller-visible durability guarantee; callers that need the
		// Writer's rename-on-close dance handle unlinking themselves.
	}
	return af, nil
}

func sectorSizeFor(path string) int64 {
	var st unix.Statfs_t
	dir := path
	if err := unix.Statfs(dir, &st); err != nil {
		return DefaultSectorSize
	}
	bsize := int64(st.Bsize)
	if bsize <= 0 {
		return DefaultSectorSize
	}
	return bsize
}

// Close closes the underlying file.
func (af *File) Close() error {
	if err := af.f.Close(); err != nil {
		return xerrors.Errorf("aio: close: %w", err)
	}
	return nil
}

// SetReadCache allocates (or disables, if size == 0) the read-ahead
// cache used for both bypass and non-bypass reads.
func (af *File) SetReadCache(size int) {
	if size <= 0 {
		af.cache = nil
		af.cacheSize = 0
		af.cacheLen = 0
		return
	}
	if af.bypass {
		// cache must be a whole multiple of the sector size so whole-cache
		// refills stay sector aligned.
		sz := af.sectorSize
		if sz <= 0 {
			sz = DefaultSectorSize
		}
		size = int((int64(size) + sz - 1) / sz * sz)
	}
	af.cache = make([]byte, size)
	af.cacheSize = size
	af.cacheLen = 0
	af.cacheCursor = 0
}

// GetFilePos returns the logical read/write position, accounting for
// bytes still buffered in the read cache.
func (af *File) GetFilePos() int64 {
	if af.cacheLen > af.cacheCursor {
		return af.cacheOff + int64(af.cacheCursor)
	}
	return af.pos
}

// SetFilePos repositions the handle. In bypass mode only Begin is
// supported by the OS call; the residual sub-sector offset is recorded
// and transparently skipped on the next read.
func (af *File) SetFilePos(offset int64, anchor Anchor) (int64, error) {
	af.cacheLen = 0
	af.cacheCursor = 0

	if af.bypass {
		if anchor != Begin {
			return 0, xerrors.Errorf("aio: SetFilePos: %w", xerrors.New("bypass mode only supports Begin anchor"))
		}
		sz := af.sectorSize
		aligned := offset / sz * sz
		af.residual = offset - aligned
		raw, err := af.f.Seek(aligned, io.SeekStart)
		if err != nil {
			return 0, xerrors.Errorf("aio: seek: %w", err)
		}
		af.pos = raw + af.residual
		return af.pos, nil
	}

	var whence int
	switch anchor {
	case Begin:
		whence = io.SeekStart
	case Current:
		whence = io.SeekCurrent
		offset += af.pos
		whence = io.SeekStart
	case End:
		whence = io.SeekEnd
	}
	raw, err := af.f.Seek(offset, whence)
	if err != nil {
		return 0, xerrors.Errorf("aio: seek: %w", err)
	}
	af.pos = raw
	af.residual = 0
	return af.pos, nil
}

// Skip advances n bytes without returning their content.
func (af *File) Skip(n int64) (int64, error) {
	if n == 0 {
		return 0, nil
	}
	if af.cacheLen > af.cacheCursor {
		avail := int64(af.cacheLen - af.cacheCursor)
		if n <= avail {
			af.cacheCursor += int(n)
			return n, nil
		}
		n -= avail
		af.cacheCursor = af.cacheLen
	}
	pos, err := af.SetFilePos(af.GetFilePos()+n, Begin)
	if err != nil {
		return 0, err
	}
	_ = pos
	return n, nil
}

// Read reads up to len(buf) bytes, returning fewer than requested only
// at end of file.
func (af *File) Read(buf []byte) (int, error) {
	if af.cacheSize > 0 {
		return af.readCached(buf)
	}
	n, err := af.f.Read(buf)
	af.pos += int64(n)
	if err != nil && err != io.EOF {
		err = xerrors.Errorf("aio: read: %w", err)
	}
	return n, err
}

func (af *File) readCached(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		if af.cacheCursor >= af.cacheLen {
			if err := af.refill(); err != nil {
				if total > 0 {
					return total, nil
				}
				return 0, err
			}
			if af.cacheLen == 0 {
				return total, io.EOF
			}
		}
		n := copy(buf[total:], af.cache[af.cacheCursor:af.cacheLen])
		af.cacheCursor += n
		total += n
	}
	return total, nil
}

func (af *File) refill() error {
	base := af.pos
	if af.bypass && af.residual != 0 {
		base -= af.residual
	}
	n, err := af.f.Read(af.cache[:af.cacheSize])
	if err != nil && err != io.EOF {
		return xerrors.Errorf("aio: refill: %w", err)
	}
	af.cacheOff = base
	af.cacheLen = n
	af.cacheCursor = 0
	if af.bypass && af.residual != 0 && n > 0 {
		if int64(n) <= af.residual {
			af.cacheLen = 0
		} else {
			af.cacheCursor = int(af.residual)
		}
		af.residual = 0
	}
	af.pos += int64(n)
	if n == 0 {
		return io.EOF
	}
	return nil
}

// ReadAll reads exactly len(buf) bytes or fails with io.ErrUnexpectedEOF.
func (af *File) ReadAll(buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := af.Read(buf[total:])
		total += n
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

// Write writes buf, padding to a sector boundary when bypass is active.
// The logical position advances by the bytes actually written, padding
// included; the returned count never exceeds len(buf).
func (af *File) Write(buf []byte) (int, error) {
	if !af.bypass {
		n, err := af.f.Write(buf)
		af.pos += int64(n)
		if err != nil {
			return n, xerrors.Errorf("aio: write: %w", err)
		}
		return n, nil
	}

	sz := af.sectorSize
	padded := len(buf)
	if rem := int64(padded) % sz; rem != 0 {
		padded += int(sz - rem)
	}
	if padded == len(buf) {
		n, err := af.f.Write(buf)
		af.pos += int64(n)
		if err != nil {
			return n, xerrors.Errorf("aio: write: %w", err)
		}
		return n, nil
	}
	out := make([]byte, padded)
	copy(out, buf)
	n, err := af.f.Write(out)
	if err != nil {
		return 0, xerrors.Errorf("aio: write: %w", err)
	}
	af.pos += int64(n)
	if n > len(buf) {
		n = len(buf)
	}
	return n, nil
}

// WriteAll loops until the entire buffer is committed.
func (af *File) WriteAll(buf []byte) error {
	for len(buf) > 0 {
		n, err := af.Write(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return xerrors.New("aio: write made no progress")
		}
		buf = buf[n:]
	}
	return nil
}

// Truncate sets the file length exactly.
func (af *File) Truncate(size int64) error {
	if err := af.f.Truncate(size); err != nil {
		return xerrors.Errorf("aio: truncate: %w", err)
	}
	return nil
}

// Size returns the current on-disk length of the file.
func (af *File) Size() (int64, error) {
	fi, err := af.f.Stat()
	if err != nil {
		return 0, xerrors.Errorf("aio: stat: %w", err)
	}
	return fi.Size(), nil
}

// SectorSize reports the sector size bypass-mode operations are aligned
// to; zero when bypass is not active.
func (af *File) SectorSize() int64 {
	return af.sectorSize
}

// Bypass reports whether the handle bypasses the OS page cache.
func (af *File) Bypass() bool {
	return af.bypass
}

// Name returns the underlying path.
func (af *File) Name() string {
	return af.f.Name()
}

// Sync flushes to stable storage.
func (af *File) Sync() error {
	if err := af.f.Sync(); err != nil {
		return xerrors.Errorf("aio: sync: %w", err)
	}
	return nil
}
