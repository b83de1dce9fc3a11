package ifhd

import (
	"golang.org/x/xerrors"

	"github.com/audi/ifhd/internal/aio"
)

// ExtensionPatch describes one extension to add or replace via
// ModifyExtensions.
type ExtensionPatch struct {
	Identifier string
	Data       []byte
	UserID     uint32
	TypeID     uint32
	VersionID  uint32
	StreamID   uint16
}

// ModifyExtensions rewrites path's extension table in place. Each patch
// is applied with the narrowest physical change that preserves the
// layout of the extensions that don't need to move:
//  1. an identifier whose new payload is no larger than its stored slot
//     is overwritten where it already sits;
//  2. the last extension is always overwritten in place, since nothing
//     follows it to disturb;
//  3. an identifier that grows and is not last shifts every following
//     payload later by the size delta and rewrites their recorded
//     offsets;
//  4. a new identifier is appended after the last existing payload.
// Chunk data is never touched; only bytes from the end of the data
// region onward move.
func ModifyExtensions(path string, patches []ExtensionPatch) error {
	f, err := aio.Open(path, aio.ReadWrite)
	if err != nil {
		return newError(KindIOError, "ModifyExtensions", err)
	}
	defer f.Close()

	raw := make([]byte, headerSize)
	if err := f.ReadAll(raw); err != nil {
		return newError(KindIOError, "ModifyExtensions", err)
	}
	header, err := decodeHeader(raw)
	if err != nil {
		return err
	}
	order := wireOrderMust(header.ByteOrder)

	var cat extensionCatalog
	if header.ExtensionCount > 0 {
		descBuf := make([]byte, int(header.ExtensionCount)*extensionDescriptorSize)
		if _, err := f.SetFilePos(int64(header.ExtensionOffset), aio.Begin); err != nil {
			return newError(KindIOError, "ModifyExtensions", err)
		}
		if err := f.ReadAll(descBuf); err != nil {
			return newError(KindIOError, "ModifyExtensions", err)
		}
		for i := 0; i < int(header.ExtensionCount); i++ {
			chunk := descBuf[i*extensionDescriptorSize : (i+1)*extensionDescriptorSize]
			desc, err := decodeExtensionDescriptor(chunk, order)
			if err != nil {
				return newError(KindInvalidFile, "ModifyExtensions", err)
			}
			cat.entries = append(cat.entries, extensionEntry{desc: *desc})
		}
	} else {
		// No extension table has ever been written; the payload region
		// starts right where chunk data ends.
		header.ExtensionOffset = header.DataOffset + header.DataSize
	}

	for _, p := range patches {
		if isReservedIdentifier(p.Identifier) {
			return newError(KindInvalidArgument, "ModifyExtensions", xerrors.Errorf("identifier %q is reserved", p.Identifier))
		}
		if err := applyExtensionPatch(f, header, &cat, p); err != nil {
			return err
		}
	}

	table := make([]byte, 0, len(cat.entries)*extensionDescriptorSize)
	for i := range cat.entries {
		rawDesc, err := encodeExtensionDescriptor(&cat.entries[i].desc, order)
		if err != nil {
			return newError(KindInvalidArgument, "ModifyExtensions", err)
		}
		table = append(table, rawDesc...)
	}
	if _, err := f.SetFilePos(int64(header.ExtensionOffset), aio.Begin); err != nil {
		return newError(KindIOError, "ModifyExtensions", err)
	}
	if err := f.WriteAll(table); err != nil {
		return newError(KindIOError, "ModifyExtensions", err)
	}
	header.ExtensionCount = uint32(len(cat.entries))
	if err := f.Truncate(int64(header.ExtensionOffset) + int64(len(table))); err != nil {
		return newError(KindIOError, "ModifyExtensions", err)
	}

	headerRaw, err := encodeHeader(header)
	if err != nil {
		return err
	}
	if _, err := f.SetFilePos(0, aio.Begin); err != nil {
		return newError(KindIOError, "ModifyExtensions", err)
	}
	if err := f.WriteAll(headerRaw); err != nil {
		return newError(KindIOError, "ModifyExtensions", err)
	}
	return nil
}

// applyExtensionPatch mutates cat and header in memory and performs the
// matching physical writes for one patch, per the four rules documented
// on ModifyExtensions.
func applyExtensionPatch(f *aio.File, header *FileHeader, cat *extensionCatalog, p ExtensionPatch) error {
	newSize := int64(len(p.Data))

	idx := -1
	for i := range cat.entries {
		if cat.entries[i].desc.Identifier == p.Identifier {
			idx = i
			break
		}
	}

	// Rule 4: unknown identifier, append after the last payload.
	if idx < 0 {
		dataPos := header.ExtensionOffset
		if newSize > 0 {
			if _, err := f.SetFilePos(int64(dataPos), aio.Begin); err != nil {
				return newError(KindIOError, "ModifyExtensions", err)
			}
			if err := f.WriteAll(p.Data); err != nil {
				return newError(KindIOError, "ModifyExtensions", err)
			}
		}
		cat.entries = append(cat.entries, extensionEntry{desc: ExtensionDescriptor{
			Identifier: p.Identifier,
			StreamID:   p.StreamID,
			UserID:     p.UserID,
			TypeID:     p.TypeID,
			VersionID:  p.VersionID,
			DataPos:    dataPos,
			DataSize:   uint64(newSize),
		}})
		header.ExtensionOffset = dataPos + uint64(newSize)
		return nil
	}

	entry := &cat.entries[idx]
	oldSize := int64(entry.desc.DataSize)
	last := idx == len(cat.entries)-1

	// Rules 1 & 2: it fits in its existing slot, or nothing follows it
	// to disturb — overwrite where it already sits. The last extension's
	// payload end always defines the extension offset, so growing or
	// shrinking it moves the table boundary with it.
	if newSize <= oldSize || last {
		if newSize > 0 {
			if _, err := f.SetFilePos(int64(entry.desc.DataPos), aio.Begin); err != nil {
				return newError(KindIOError, "ModifyExtensions", err)
			}
			if err := f.WriteAll(p.Data); err != nil {
				return newError(KindIOError, "ModifyExtensions", err)
			}
		}
		entry.desc.UserID = p.UserID
		entry.desc.TypeID = p.TypeID
		entry.desc.VersionID = p.VersionID
		entry.desc.StreamID = p.StreamID
		entry.desc.DataSize = uint64(newSize)
		if last {
			header.ExtensionOffset = entry.desc.DataPos + uint64(newSize)
		}
		return nil
	}

	// Rule 3: grows and is not last — shift every following payload
	// later by the size delta.
	delta := newSize - oldSize
	nextPos := cat.entries[idx+1].desc.DataPos
	tailSize := int64(header.ExtensionOffset) - int64(nextPos)

	var tail []byte
	if tailSize > 0 {
		tail = make([]byte, tailSize)
		if _, err := f.SetFilePos(int64(nextPos), aio.Begin); err != nil {
			return newError(KindIOError, "ModifyExtensions", err)
		}
		if err := f.ReadAll(tail); err != nil {
			return newError(KindIOError, "ModifyExtensions", err)
		}
	}

	if _, err := f.SetFilePos(int64(entry.desc.DataPos), aio.Begin); err != nil {
		return newError(KindIOError, "ModifyExtensions", err)
	}
	if err := f.WriteAll(p.Data); err != nil {
		return newError(KindIOError, "ModifyExtensions", err)
	}
	if tailSize > 0 {
		if err := f.WriteAll(tail); err != nil {
			return newError(KindIOError, "ModifyExtensions", err)
		}
	}

	for j := idx + 1; j < len(cat.entries); j++ {
		cat.entries[j].desc.DataPos = uint64(int64(cat.entries[j].desc.DataPos) + delta)
	}
	entry.desc.UserID = p.UserID
	entry.desc.TypeID = p.TypeID
	entry.desc.VersionID = p.VersionID
	entry.desc.StreamID = p.StreamID
	entry.desc.DataSize = uint64(newSize)
	header.ExtensionOffset = uint64(int64(header.ExtensionOffset) + delta)
	return nil
}
