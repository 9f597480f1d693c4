// Package packet implements the closed set of packet variants used by
// calmnet's wire protocol, the factory that maps a protocol tag to a
// fresh instance of the right variant, and the frame loader that reads
// and writes them from byte sinks/sources with an optional digest
// trailer.
package packet

import (
	"errors"
	"io"

	"github.com/Pablu23/calmnet/internal/wire"
)

// Errors surfaced synchronously at the codec call site (spec §7).
var (
	// ErrCodecFailure covers malformed frames, wrong fixed lengths, and
	// integer-from-bytes mismatches.
	ErrCodecFailure = errors.New("packet: codec failure")
	// ErrInvalidInput covers caller-supplied arguments that violate a
	// precondition: writing a packet whose IsValid is false, or cipher
	// settings of the wrong length.
	ErrInvalidInput = errors.New("packet: invalid input")
)

// Packet is the capability set every variant implements: a validity
// check, its protocol tag, and payload (de)serialization. The loader
// establishes payload boundaries; a variant never reads past the bytes
// it is handed.
type Packet interface {
	// Tag returns this variant's stable protocol tag.
	Tag() wire.ProtocolTag
	// IsValid reports whether every field required for serialization is
	// set. The loader's allow-invalid option can bypass this check.
	IsValid() bool
	// WritePayload serializes the payload (not the frame: no tag, no
	// length) to sink.
	WritePayload(sink io.Writer) error
	// ReadPayload populates the packet's fields from exactly
	// payloadLen bytes of source.
	ReadPayload(source io.Reader, payloadLen uint32) error
}

// StreamedPacket is implemented by envelope variants (Base64Packet,
// EncryptedPacket) that can pipe their body through a transform instead
// of buffering it whole. The loader type-switches on this interface.
type StreamedPacket interface {
	Packet
	// WritePayloadStreamed writes the payload by piping the inner
	// packet through a streaming transform rather than buffering the
	// encoded result.
	WritePayloadStreamed(sink io.Writer) error
	// ReadPayloadStreamed is the streaming counterpart of ReadPayload:
	// it constructs a bounded transform over source rather than reading
	// the whole payload up front.
	ReadPayloadStreamed(source io.Reader, payloadLen uint32) error
}

// Equatable is the interface for packets whose fields support value
// equality. No packet type in this package implements it; the fragment
// sender's equality verification compares raw fragment bodies instead.
type Equatable interface {
	Packet
	Equal(other Packet) bool
}
