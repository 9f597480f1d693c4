package packet

import (
	"io"

	"github.com/google/uuid"

	"github.com/Pablu23/calmnet/internal/wire"
)

// pidHeader factors out the packet-id[4] prefix several fragment
// packets share, the Go counterpart of the original's
// FragmentPIDPacket/FragmentPIDAKNPacket/FragmentPIDMSGPacket
// abstract-base hierarchy (see SPEC_FULL.md "supplemented features").
type pidHeader struct {
	PacketID uint32
	set      bool
}

func (h *pidHeader) writePID(sink io.Writer) error {
	return wire.WriteUint32(sink, h.PacketID)
}

func (h *pidHeader) readPID(source io.Reader) error {
	id, err := wire.ReadUint32(source)
	if err != nil {
		return err
	}
	h.PacketID = id
	h.set = true
	return nil
}

// FragmentAllocate requests a packet-id for a new outbound message,
// keyed pre-handshake by a sender-chosen allocation uuid. Tag (254, 1).
type FragmentAllocate struct {
	FragmentCount uint32
	UUID          uuid.UUID
	set           bool
}

func NewFragmentAllocate(fragmentCount uint32, id uuid.UUID) *FragmentAllocate {
	return &FragmentAllocate{FragmentCount: fragmentCount, UUID: id, set: true}
}

func (p *FragmentAllocate) Tag() wire.ProtocolTag { return wire.NewProtocolTag(254, 1) }
func (p *FragmentAllocate) IsValid() bool         { return p.set && p.FragmentCount >= 1 }

func (p *FragmentAllocate) WritePayload(sink io.Writer) error {
	if err := wire.WriteUint32(sink, p.FragmentCount); err != nil {
		return err
	}
	raw, err := p.UUID.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = sink.Write(raw)
	return err
}

func (p *FragmentAllocate) ReadPayload(source io.Reader, payloadLen uint32) error {
	count, err := wire.ReadUint32(source)
	if err != nil {
		return err
	}
	raw, err := wire.ReadExact(source, 16)
	if err != nil {
		return err
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return ErrCodecFailure
	}
	p.FragmentCount = count
	p.UUID = id
	p.set = true
	return nil
}

// FragmentAllocation is the receiver's reply to a FragmentAllocate:
// the assigned packet-id (meaningless when Success is false), the
// allocation uuid it is replying to, and whether allocation succeeded.
// Tag (254, 2).
type FragmentAllocation struct {
	pidHeader
	UUID    uuid.UUID
	Success bool
}

func NewFragmentAllocation(packetID uint32, id uuid.UUID, success bool) *FragmentAllocation {
	return &FragmentAllocation{pidHeader: pidHeader{PacketID: packetID, set: true}, UUID: id, Success: success}
}

func (p *FragmentAllocation) Tag() wire.ProtocolTag { return wire.NewProtocolTag(254, 2) }
func (p *FragmentAllocation) IsValid() bool         { return p.set }

func (p *FragmentAllocation) WritePayload(sink io.Writer) error {
	if err := p.writePID(sink); err != nil {
		return err
	}
	if err := wire.WriteBool(sink, p.Success); err != nil {
		return err
	}
	raw, err := p.UUID.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = sink.Write(raw)
	return err
}

func (p *FragmentAllocation) ReadPayload(source io.Reader, payloadLen uint32) error {
	if err := p.readPID(source); err != nil {
		return err
	}
	success, ok, err := wire.ReadBool(source)
	if err != nil {
		return err
	}
	p.Success = success
	p.set = p.set && ok
	raw, err := wire.ReadExact(source, 16)
	if err != nil {
		return err
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return ErrCodecFailure
	}
	p.UUID = id
	return nil
}

// FragmentMessage carries one fragment's body. Tag (254, 3). The
// payload must be non-empty (spec §3 invariants).
type FragmentMessage struct {
	pidHeader
	FragmentID uint32
	Body       []byte
}

func NewFragmentMessage(packetID, fragmentID uint32, body []byte) *FragmentMessage {
	return &FragmentMessage{pidHeader: pidHeader{PacketID: packetID, set: true}, FragmentID: fragmentID, Body: body}
}

func (p *FragmentMessage) Tag() wire.ProtocolTag { return wire.NewProtocolTag(254, 3) }
func (p *FragmentMessage) IsValid() bool         { return p.set && len(p.Body) > 0 }

func (p *FragmentMessage) WritePayload(sink io.Writer) error {
	if err := p.writePID(sink); err != nil {
		return err
	}
	if err := wire.WriteUint32(sink, p.FragmentID); err != nil {
		return err
	}
	_, err := sink.Write(p.Body)
	return err
}

func (p *FragmentMessage) ReadPayload(source io.Reader, payloadLen uint32) error {
	if err := p.readPID(source); err != nil {
		return err
	}
	fragID, err := wire.ReadUint32(source)
	if err != nil {
		return err
	}
	p.FragmentID = fragID
	remaining := int(payloadLen) - 8
	if remaining < 0 {
		return ErrCodecFailure
	}
	body, err := wire.ReadExact(source, remaining)
	if err != nil {
		return err
	}
	p.Body = body
	return nil
}

// FragmentMessageResponse acknowledges a fragment, optionally echoing
// its body back for equality verification. Tag (254, 4). Unlike
// FragmentMessage, an empty body is valid here (verify_responses off).
type FragmentMessageResponse struct {
	pidHeader
	FragmentID uint32
	Body       []byte
}

func NewFragmentMessageResponse(packetID, fragmentID uint32, body []byte) *FragmentMessageResponse {
	return &FragmentMessageResponse{pidHeader: pidHeader{PacketID: packetID, set: true}, FragmentID: fragmentID, Body: body}
}

func (p *FragmentMessageResponse) Tag() wire.ProtocolTag { return wire.NewProtocolTag(254, 4) }
func (p *FragmentMessageResponse) IsValid() bool         { return p.set }

func (p *FragmentMessageResponse) WritePayload(sink io.Writer) error {
	if err := p.writePID(sink); err != nil {
		return err
	}
	if err := wire.WriteUint32(sink, p.FragmentID); err != nil {
		return err
	}
	_, err := sink.Write(p.Body)
	return err
}

func (p *FragmentMessageResponse) ReadPayload(source io.Reader, payloadLen uint32) error {
	if err := p.readPID(source); err != nil {
		return err
	}
	fragID, err := wire.ReadUint32(source)
	if err != nil {
		return err
	}
	p.FragmentID = fragID
	remaining := int(payloadLen) - 8
	if remaining < 0 {
		return ErrCodecFailure
	}
	body, err := wire.ReadExact(source, remaining)
	if err != nil {
		return err
	}
	p.Body = body
	return nil
}

// FragmentSendComplete signals that the sender (or, echoed back, the
// receiver) considers a message's transfer complete. Tag (254, 5).
type FragmentSendComplete struct {
	pidHeader
	Ack bool
}

func NewFragmentSendComplete(packetID uint32, ack bool) *FragmentSendComplete {
	return &FragmentSendComplete{pidHeader: pidHeader{PacketID: packetID, set: true}, Ack: ack}
}

func (p *FragmentSendComplete) Tag() wire.ProtocolTag { return wire.NewProtocolTag(254, 5) }
func (p *FragmentSendComplete) IsValid() bool         { return p.set }

func (p *FragmentSendComplete) WritePayload(sink io.Writer) error {
	if err := p.writePID(sink); err != nil {
		return err
	}
	return wire.WriteBool(sink, p.Ack)
}

func (p *FragmentSendComplete) ReadPayload(source io.Reader, payloadLen uint32) error {
	if err := p.readPID(source); err != nil {
		return err
	}
	ack, ok, err := wire.ReadBool(source)
	if err != nil {
		return err
	}
	p.Ack = ack
	p.set = p.set && ok
	return nil
}

// FragmentRetrySend requests (or, echoed back as a marker, announces)
// a re-send pass for a message. Tag (254, 6).
type FragmentRetrySend struct {
	pidHeader
	Ack bool
}

func NewFragmentRetrySend(packetID uint32, ack bool) *FragmentRetrySend {
	return &FragmentRetrySend{pidHeader: pidHeader{PacketID: packetID, set: true}, Ack: ack}
}

func (p *FragmentRetrySend) Tag() wire.ProtocolTag { return wire.NewProtocolTag(254, 6) }
func (p *FragmentRetrySend) IsValid() bool         { return p.set }

func (p *FragmentRetrySend) WritePayload(sink io.Writer) error {
	if err := p.writePID(sink); err != nil {
		return err
	}
	return wire.WriteBool(sink, p.Ack)
}

func (p *FragmentRetrySend) ReadPayload(source io.Reader, payloadLen uint32) error {
	if err := p.readPID(source); err != nil {
		return err
	}
	ack, ok, err := wire.ReadBool(source)
	if err != nil {
		return err
	}
	p.Ack = ack
	p.set = p.set && ok
	return nil
}

// FragmentSendStop cancels a message's transfer outright. Tag (254, 7).
type FragmentSendStop struct {
	pidHeader
}

func NewFragmentSendStop(packetID uint32) *FragmentSendStop {
	return &FragmentSendStop{pidHeader: pidHeader{PacketID: packetID, set: true}}
}

func (p *FragmentSendStop) Tag() wire.ProtocolTag { return wire.NewProtocolTag(254, 7) }
func (p *FragmentSendStop) IsValid() bool         { return p.set }

func (p *FragmentSendStop) WritePayload(sink io.Writer) error {
	return p.writePID(sink)
}

func (p *FragmentSendStop) ReadPayload(source io.Reader, payloadLen uint32) error {
	return p.readPID(source)
}

// FragmentSendVerifyComplete terminates the equality-verification loop
// (spec §9, open question 3: assigned tag (254, 8), not present in the
// original factory's enumerated tags).
type FragmentSendVerifyComplete struct {
	pidHeader
}

func NewFragmentSendVerifyComplete(packetID uint32) *FragmentSendVerifyComplete {
	return &FragmentSendVerifyComplete{pidHeader: pidHeader{PacketID: packetID, set: true}}
}

func (p *FragmentSendVerifyComplete) Tag() wire.ProtocolTag { return wire.NewProtocolTag(254, 8) }
func (p *FragmentSendVerifyComplete) IsValid() bool         { return p.set }

func (p *FragmentSendVerifyComplete) WritePayload(sink io.Writer) error {
	return p.writePID(sink)
}

func (p *FragmentSendVerifyComplete) ReadPayload(source io.Reader, payloadLen uint32) error {
	return p.readPID(source)
}
