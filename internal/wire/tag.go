package wire

import (
	"fmt"
	"io"
)

// ProtocolTag is the two-byte (major, minor) identity of a packet
// variant. Equality is structural; it is written big-endian-ordered on
// the wire, major then minor.
type ProtocolTag struct {
	Major byte
	Minor byte
}

// NewProtocolTag constructs a tag from its major/minor components.
func NewProtocolTag(major, minor byte) ProtocolTag {
	return ProtocolTag{Major: major, Minor: minor}
}

// Equals reports structural equality.
func (t ProtocolTag) Equals(other ProtocolTag) bool {
	return t.Major == other.Major && t.Minor == other.Minor
}

// String renders the tag as "(major,minor)" for logging.
func (t ProtocolTag) String() string {
	return fmt.Sprintf("(%d,%d)", t.Major, t.Minor)
}

// Write serializes the tag, major then minor.
func (t ProtocolTag) Write(sink io.Writer) error {
	_, err := sink.Write([]byte{t.Major, t.Minor})
	return err
}

// ReadProtocolTag reads a tag written by Write.
func ReadProtocolTag(source io.Reader) (ProtocolTag, error) {
	buf, err := ReadExact(source, 2)
	if err != nil {
		return ProtocolTag{}, err
	}
	return ProtocolTag{Major: buf[0], Minor: buf[1]}, nil
}
