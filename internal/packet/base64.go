package packet

import (
	"bytes"
	"encoding/base64"
	"io"

	"github.com/Pablu23/calmnet/internal/wire"
)

// Base64Packet envelopes one inner packet; its body is the base64
// encoding of the inner packet's framed form. Tag (255, 251).
type Base64Packet struct {
	Inner   Packet
	factory Factory
	cache   envelopeCache
}

// NewBase64Packet wraps inner for base64 transport. The inner packet is
// owned exclusively by the envelope for its lifetime (spec §3).
func NewBase64Packet(inner Packet, factory Factory) *Base64Packet {
	return &Base64Packet{Inner: inner, factory: factory}
}

// SetInner replaces the wrapped packet, invalidating the cache.
func (p *Base64Packet) SetInner(inner Packet) {
	p.Inner = inner
	p.cache.invalidate()
}

func (p *Base64Packet) Tag() wire.ProtocolTag { return wire.NewProtocolTag(255, 251) }
func (p *Base64Packet) IsValid() bool         { return p.Inner != nil && p.Inner.IsValid() }

func (p *Base64Packet) innerFramed() ([]byte, error) {
	if cached, ok := p.cache.get(); ok {
		return cached, nil
	}
	var buf bytes.Buffer
	if err := NewLoader().Write(&buf, p.Inner, true); err != nil {
		return nil, err
	}
	p.cache.store(buf.Bytes())
	return buf.Bytes(), nil
}

func (p *Base64Packet) WritePayload(sink io.Writer) error {
	framed, err := p.innerFramed()
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(framed)
	_, err = io.WriteString(sink, encoded)
	return err
}

func (p *Base64Packet) ReadPayload(source io.Reader, payloadLen uint32) error {
	raw, err := wire.ReadExact(source, int(payloadLen))
	if err != nil {
		return err
	}
	framed, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return ErrCodecFailure
	}
	inner, err := NewLoader().Read(bytes.NewReader(framed), p.factory, nil)
	if err != nil {
		return err
	}
	p.Inner = inner
	return nil
}

// WritePayloadStreamed pipes the framed inner packet through the
// standard base64 encoder directly to sink, the streaming write path
// of spec §4.2.1 (size: ceil(inner_framed_len/3)*4, spec §4.2.2).
func (p *Base64Packet) WritePayloadStreamed(sink io.Writer) error {
	framed, err := p.innerFramed()
	if err != nil {
		return err
	}
	enc := base64.NewEncoder(base64.StdEncoding, sink)
	if _, err := enc.Write(framed); err != nil {
		return err
	}
	return enc.Close()
}

// ReadPayloadStreamed constructs a base64 decoder bounded by the
// declared payload length, so the inner decoder cannot overrun the
// outer stream (spec §4.2.1's streaming write/read-bound discipline).
func (p *Base64Packet) ReadPayloadStreamed(source io.Reader, payloadLen uint32) error {
	clamped := &wire.ClampedReader{R: source, N: int64(payloadLen)}
	dec := base64.NewDecoder(base64.StdEncoding, clamped)
	inner, err := NewLoader().ReadStreamed(dec, p.factory, nil)
	if err != nil {
		return err
	}
	p.Inner = inner
	return nil
}
