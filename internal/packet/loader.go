package packet

import (
	"bytes"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/calmnet/internal/wire"
)

// Loader frames a packet as tag + length + payload, with an optional
// digest trailer, and dispatches decoding to a Factory (spec §4.4).
type Loader struct {
	digest       DigestProvider
	oldFormat    bool
	allowInvalid bool
}

// LoaderOption configures a Loader at construction time.
type LoaderOption func(*Loader)

// WithDigestProvider selects the long-frame digest trailer. Omitting it
// leaves the loader in short-frame mode (spec §4.4).
func WithDigestProvider(d DigestProvider) LoaderOption {
	return func(l *Loader) { l.digest = d }
}

// WithOldPacketFormat switches the loader to the legacy digest framing:
// no flag bit, implicit digest length (spec §4.4, §6).
func WithOldPacketFormat(old bool) LoaderOption {
	return func(l *Loader) { l.oldFormat = old }
}

// WithAllowInvalidPackets makes the loader skip the post-load validity
// predicate (spec §6 "allow-invalid-packets").
func WithAllowInvalidPackets(allow bool) LoaderOption {
	return func(l *Loader) { l.allowInvalid = allow }
}

// NewLoader constructs a Loader in short-frame mode by default.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SizeOf computes the exact size of p's frame by serializing its
// payload. It does not change p's fields; for an envelope packet the
// serialization may fill its cache, and for EncryptedPacket it also
// consumes the cipher factory's Modified flag. With ignoreDigest, the
// trailer is excluded even if a digest provider is configured — for
// callers pre-declaring only the body length.
func (l *Loader) SizeOf(p Packet, includeTag, ignoreDigest bool) (int, error) {
	var buf bytes.Buffer
	if err := p.WritePayload(&buf); err != nil {
		return 0, err
	}
	size := 4 + buf.Len()
	if includeTag {
		size += 2
	}
	if !ignoreDigest && l.digest != nil {
		if !l.oldFormat {
			size++
		}
		size += l.digest.Length()
	}
	return size, nil
}

// Write serializes packet as a full frame to sink.
func (l *Loader) Write(sink io.Writer, p Packet, includeTag bool) error {
	if !l.allowInvalid && !p.IsValid() {
		return ErrInvalidInput
	}
	var payload bytes.Buffer
	if err := p.WritePayload(&payload); err != nil {
		return err
	}
	return l.writeFrame(sink, p.Tag(), includeTag, payload.Bytes())
}

// WriteStreamed is Write's streaming counterpart: for a StreamedPacket
// it pipes the body out via WritePayloadStreamed instead of a single
// buffered WritePayload call.
func (l *Loader) WriteStreamed(sink io.Writer, p Packet, includeTag bool) error {
	streamed, ok := p.(StreamedPacket)
	if !ok {
		return l.Write(sink, p, includeTag)
	}
	if !l.allowInvalid && !p.IsValid() {
		return ErrInvalidInput
	}
	// The frame format requires the length before the payload bytes;
	// SizeOf serializes the payload once to measure it, and the streamed
	// write below encodes it again (reusing cached bytes when the
	// envelope's cache is enabled).
	size, err := l.SizeOf(p, false, true)
	if err != nil {
		return err
	}
	payloadLen := uint32(size - 4)

	if includeTag {
		if err := p.Tag().Write(sink); err != nil {
			return err
		}
	}

	if l.digest == nil {
		if err := l.writeLength(sink, payloadLen, false); err != nil {
			return err
		}
		return streamed.WritePayloadStreamed(sink)
	}

	if err := l.writeLength(sink, payloadLen, true); err != nil {
		return err
	}
	wrapped, sum := l.digest.WrapWriter(sink)
	if err := streamed.WritePayloadStreamed(wrapped); err != nil {
		return err
	}
	return l.writeDigestTrailer(sink, sum())
}

func (l *Loader) writeFrame(sink io.Writer, tag wire.ProtocolTag, includeTag bool, payload []byte) error {
	if includeTag {
		if err := tag.Write(sink); err != nil {
			return err
		}
	}
	if l.digest == nil {
		if err := l.writeLength(sink, uint32(len(payload)), false); err != nil {
			return err
		}
		_, err := sink.Write(payload)
		return err
	}

	if err := l.writeLength(sink, uint32(len(payload)), true); err != nil {
		return err
	}
	wrapped, sum := l.digest.WrapWriter(sink)
	if _, err := wrapped.Write(payload); err != nil {
		return err
	}
	return l.writeDigestTrailer(sink, sum())
}

func (l *Loader) writeLength(sink io.Writer, length uint32, digestPresent bool) error {
	if digestPresent && !l.oldFormat {
		return wire.WriteFlaggedLength(sink, length)
	}
	return wire.WriteUint32(sink, length)
}

func (l *Loader) writeDigestTrailer(sink io.Writer, digest []byte) error {
	if !l.oldFormat {
		if _, err := sink.Write([]byte{byte(len(digest))}); err != nil {
			return err
		}
	}
	_, err := sink.Write(digest)
	return err
}

// Read decodes a frame from source using factory to construct the
// right variant. If tag is non-nil, the caller supplies the tag
// out-of-band (it was not written on the wire) and Read does not
// consume tag bytes from source. Returns (nil, nil) if factory rejects
// the tag — not an error, per spec §4.3/§4.4's "skip" contract.
func (l *Loader) Read(source io.Reader, factory Factory, tag *wire.ProtocolTag) (Packet, error) {
	return l.read(source, factory, tag, false)
}

// ReadStreamed is Read's streaming counterpart: StreamedPacket variants
// are materialized via ReadPayloadStreamed instead of being buffered
// whole first.
func (l *Loader) ReadStreamed(source io.Reader, factory Factory, tag *wire.ProtocolTag) (Packet, error) {
	return l.read(source, factory, tag, true)
}

func (l *Loader) read(source io.Reader, factory Factory, tag *wire.ProtocolTag, streamed bool) (Packet, error) {
	resolvedTag := wire.ProtocolTag{}
	if tag != nil {
		resolvedTag = *tag
	} else {
		t, err := wire.ReadProtocolTag(source)
		if err != nil {
			return nil, err
		}
		resolvedTag = t
	}

	length, flagged, err := wire.ReadFlaggedLength(source)
	if err != nil {
		return nil, err
	}
	// trailerOnWire is true whenever the writer declared a digest
	// trailer, independent of whether this loader has a DigestProvider
	// configured to verify it; the trailer bytes must be consumed
	// either way to keep the stream positioned for whatever follows.
	// digestPresent narrows that to the subset this loader can actually
	// verify.
	trailerOnWire := flagged || l.oldFormat
	digestPresent := l.digest != nil && trailerOnWire
	bodyLen := int(length)

	p := factory.Create(resolvedTag)
	if p == nil {
		// Unknown variant: skip the remainder of the frame and report
		// "nothing" per spec §4.3.
		if _, err := wire.ReadExact(source, bodyLen); err != nil {
			return nil, err
		}
		if trailerOnWire {
			if err := l.skipDigestTrailer(source); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	var payloadErr error
	if streamed {
		if sp, ok := p.(StreamedPacket); ok {
			limited := io.LimitReader(source, int64(bodyLen))
			if digestPresent {
				wrapped, sum := l.wrapDigestReader(limited)
				payloadErr = sp.ReadPayloadStreamed(wrapped, uint32(bodyLen))
				if payloadErr == nil {
					payloadErr = l.verifyDigestTrailer(source, sum())
				}
				return finishRead(p, payloadErr, l.allowInvalid)
			}
			payloadErr = sp.ReadPayloadStreamed(limited, uint32(bodyLen))
			if payloadErr == nil && trailerOnWire {
				payloadErr = l.skipDigestTrailer(source)
			}
			return finishRead(p, payloadErr, l.allowInvalid)
		}
	}

	if digestPresent {
		body, err := wire.ReadExact(source, bodyLen)
		if err != nil {
			return nil, err
		}
		digest, err := l.readDigestTrailer(source)
		if err != nil {
			return nil, err
		}
		recomputed := l.digest.Sum(body)
		if !l.digest.Equal(recomputed, digest) {
			log.WithField("tag", resolvedTag.String()).Warn("packet: digest mismatch, dropping frame")
			return nil, nil
		}
		payloadErr = p.ReadPayload(bytes.NewReader(body), uint32(bodyLen))
		return finishRead(p, payloadErr, l.allowInvalid)
	}

	payloadErr = p.ReadPayload(io.LimitReader(source, int64(bodyLen)), uint32(bodyLen))
	if payloadErr == nil && trailerOnWire {
		payloadErr = l.skipDigestTrailer(source)
	}
	return finishRead(p, payloadErr, l.allowInvalid)
}

func finishRead(p Packet, err error, allowInvalid bool) (Packet, error) {
	if err != nil {
		return nil, err
	}
	if !allowInvalid && !p.IsValid() {
		return nil, ErrCodecFailure
	}
	return p, nil
}

func (l *Loader) digestTrailerLen() int {
	if l.digest == nil {
		return 0
	}
	return l.digest.Length()
}

func (l *Loader) readDigestTrailer(source io.Reader) ([]byte, error) {
	n := l.digestTrailerLen()
	if !l.oldFormat {
		declared, err := wire.ReadByte(source)
		if err != nil {
			return nil, err
		}
		n = int(declared)
	}
	return wire.ReadExact(source, n)
}

func (l *Loader) skipDigestTrailer(source io.Reader) error {
	_, err := l.readDigestTrailer(source)
	return err
}

func (l *Loader) wrapDigestReader(source io.Reader) (io.Reader, func() []byte) {
	return l.digest.WrapReader(source)
}

func (l *Loader) verifyDigestTrailer(source io.Reader, computed []byte) error {
	digest, err := l.readDigestTrailer(source)
	if err != nil {
		return err
	}
	if !l.digest.Equal(computed, digest) {
		return ErrCodecFailure
	}
	return nil
}
