package ifhd

import (
	"bytes"
	"encoding/binary"
	"strings"

	"golang.org/x/xerrors"
)

const extensionIdentifierSize = 384
const extensionDescriptorSize = 512
const extensionReservedSize = 96

// guidIdentifier is the writer-generated, user-unwritable extension name
// that carries the file's generated identifier.
const guidIdentifier = "GUID"

// ExtensionDescriptor is the 512-byte, in-memory descriptor of one
// extension blob.
type ExtensionDescriptor struct {
	Identifier string
	StreamID   uint16
	UserID     uint32
	TypeID     uint32
	VersionID  uint32
	DataPos    uint64
	DataSize   uint64
}

type rawExtensionDescriptor struct {
	Identifier [extensionIdentifierSize]byte
	StreamID   uint16
	Reserved1  [2]byte
	UserID     uint32
	TypeID     uint32
	VersionID  uint32
	DataPos    uint64
	DataSize   uint64
	Reserved   [extensionReservedSize]byte
}

func encodeExtensionDescriptor(d *ExtensionDescriptor, order binary.ByteOrder) ([]byte, error) {
	if len(d.Identifier) >= extensionIdentifierSize {
		return nil, newError(KindInvalidArgument, "encodeExtensionDescriptor", xerrors.New("identifier too long"))
	}
	var raw rawExtensionDescriptor
	copy(raw.Identifier[:], d.Identifier)
	raw.StreamID = d.StreamID
	raw.UserID = d.UserID
	raw.TypeID = d.TypeID
	raw.VersionID = d.VersionID
	raw.DataPos = d.DataPos
	raw.DataSize = d.DataSize

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, order, &raw); err != nil {
		return nil, xerrors.Errorf("encoding extension descriptor: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeExtensionDescriptor(data []byte, order binary.ByteOrder) (*ExtensionDescriptor, error) {
	if len(data) != extensionDescriptorSize {
		return nil, xerrors.Errorf("decoding extension descriptor: got %d bytes, want %d", len(data), extensionDescriptorSize)
	}
	var raw rawExtensionDescriptor
	if err := binary.Read(bytes.NewReader(data), order, &raw); err != nil {
		return nil, xerrors.Errorf("decoding extension descriptor: %w", err)
	}
	return &ExtensionDescriptor{
		Identifier: decodeCString(raw.Identifier[:]),
		StreamID:   raw.StreamID,
		UserID:     raw.UserID,
		TypeID:     raw.TypeID,
		VersionID:  raw.VersionID,
		DataPos:    raw.DataPos,
		DataSize:   raw.DataSize,
	}, nil
}

// isReservedIdentifier reports whether name is reserved for the index
// tables or the file GUID and therefore not user-appendable.
func isReservedIdentifier(name string) bool {
	if name == guidIdentifier {
		return true
	}
	return strings.HasPrefix(name, "index")
}

// extensionCatalog owns the in-memory list of extensions and their
// payloads, shared by Writer (accumulating, materialized at Close) and
// Reader (populated from the on-disk table, payloads borrowed from the
// read buffer).
type extensionCatalog struct {
	entries []extensionEntry
}

type extensionEntry struct {
	desc ExtensionDescriptor
	data []byte
}

func (c *extensionCatalog) append(identifier string, data []byte, userID, typeID, versionID uint32, streamID uint16) error {
	if identifier == "" {
		return newError(KindInvalidArgument, "AppendExtension", xerrors.New("empty identifier"))
	}
	if identifier == guidIdentifier {
		return newError(KindInvalidArgument, "AppendExtension", xerrors.New("GUID is reserved"))
	}
	c.entries = append(c.entries, extensionEntry{
		desc: ExtensionDescriptor{
			Identifier: identifier,
			StreamID:   streamID,
			UserID:     userID,
			TypeID:     typeID,
			VersionID:  versionID,
			DataSize:   uint64(len(data)),
		},
		data: data,
	})
	return nil
}

func (c *extensionCatalog) find(identifier string) (*ExtensionDescriptor, []byte, bool) {
	for i := range c.entries {
		if c.entries[i].desc.Identifier == identifier {
			return &c.entries[i].desc, c.entries[i].data, true
		}
	}
	return nil, nil, false
}

func (c *extensionCatalog) get(index int) (*ExtensionDescriptor, []byte, error) {
	if index < 0 || index >= len(c.entries) {
		return nil, nil, newError(KindOutOfRange, "GetExtension", xerrors.Errorf("index %d out of range [0,%d)", index, len(c.entries)))
	}
	return &c.entries[index].desc, c.entries[index].data, nil
}

func (c *extensionCatalog) count() int {
	return len(c.entries)
}
