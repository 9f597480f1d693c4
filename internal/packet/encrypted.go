package packet

import (
	"bytes"
	"io"

	"github.com/Pablu23/calmnet/internal/wire"
)

// EncryptedPacket envelopes one inner packet plus an optional trailing
// password. Body layout (spec §4.2.1):
//
//	trailer-flag[1] || settings-len[4] || settings[settings-len] ||
//	  opt(trailer-len[4] when trailer-flag&1) || ciphertext[*]
//
// The plaintext sealed into ciphertext is the framed inner packet
// concatenated with the optional trailing password (UTF-8). Tag
// (255, 252).
type EncryptedPacket struct {
	Inner         Packet
	TrailingWord  string
	hasTrailer    bool
	factory       Factory
	cipherFactory CipherFactory
	cache         envelopeCache
}

// NewEncryptedPacket wraps inner for encrypted transport, using cf to
// seal/open. The inner packet is owned exclusively by the envelope for
// its lifetime (spec §3).
func NewEncryptedPacket(inner Packet, cf CipherFactory, factory Factory) *EncryptedPacket {
	return &EncryptedPacket{Inner: inner, cipherFactory: cf, factory: factory}
}

// SetInner replaces the wrapped packet, invalidating the cache.
func (p *EncryptedPacket) SetInner(inner Packet) {
	p.Inner = inner
	p.cache.invalidate()
}

// SetTrailingWord sets (or clears, via "") the optional trailing
// password, invalidating the cache.
func (p *EncryptedPacket) SetTrailingWord(word string) {
	p.TrailingWord = word
	p.hasTrailer = word != ""
	p.cache.invalidate()
}

func (p *EncryptedPacket) Tag() wire.ProtocolTag { return wire.NewProtocolTag(255, 252) }
func (p *EncryptedPacket) IsValid() bool {
	return p.Inner != nil && p.Inner.IsValid() && p.cipherFactory != nil
}

// cacheValid additionally depends on the cipher factory's
// "settings-modified" signal (spec §9 "Envelope caches").
func (p *EncryptedPacket) cacheValid() ([]byte, bool) {
	if p.cipherFactory.Modified() {
		p.cache.invalidate()
		return nil, false
	}
	return p.cache.get()
}

func (p *EncryptedPacket) plaintext() ([]byte, error) {
	var buf bytes.Buffer
	if err := NewLoader().Write(&buf, p.Inner, true); err != nil {
		return nil, err
	}
	if p.hasTrailer {
		buf.WriteString(p.TrailingWord)
	}
	return buf.Bytes(), nil
}

func (p *EncryptedPacket) seal() ([]byte, error) {
	if cached, ok := p.cacheValid(); ok {
		return cached, nil
	}
	plain, err := p.plaintext()
	if err != nil {
		return nil, err
	}
	cipher, err := p.cipherFactory.NewCipher(CipherEncrypt)
	if err != nil {
		return nil, err
	}
	sealed, err := cipher.Seal(plain)
	if err != nil {
		return nil, err
	}
	p.cache.store(sealed)
	return sealed, nil
}

func (p *EncryptedPacket) WritePayload(sink io.Writer) error {
	// The cleartext header never carries key material: settings here is
	// SettingsWithoutSecrets, the same algorithm-identifying blob
	// NetworkEncryptionUpgrade advertises (spec §8 S4). The actual key
	// reaches both ends through the out-of-band negotiation that
	// configures cipherFactory via ApplySettings before this packet is
	// ever written or read; the envelope itself is not the key's
	// transport.
	settings := p.cipherFactory.SettingsWithoutSecrets()
	if err := p.writeHeader(sink, settings); err != nil {
		return err
	}
	sealed, err := p.seal()
	if err != nil {
		return err
	}
	_, err = sink.Write(sealed)
	return err
}

// writeHeader emits the envelope's cleartext prefix: trailer-flag,
// settings, and — only when a trailing password is present — its
// cleartext length, per spec §4.2.1's literal wire layout.
func (p *EncryptedPacket) writeHeader(sink io.Writer, settings []byte) error {
	flag := byte(0)
	if p.hasTrailer {
		flag = 1
	}
	if _, err := sink.Write([]byte{flag}); err != nil {
		return err
	}
	if err := wire.WriteByteArray(sink, settings); err != nil {
		return err
	}
	if p.hasTrailer {
		return wire.WriteUint32(sink, uint32(len(p.TrailingWord)))
	}
	return nil
}

func (p *EncryptedPacket) ReadPayload(source io.Reader, payloadLen uint32) error {
	flag, err := wire.ReadByte(source)
	if err != nil {
		return err
	}
	// settings is SettingsWithoutSecrets (no key material); it is
	// consumed here only to stay positioned for the ciphertext that
	// follows. The key itself comes from whatever prior negotiation
	// already called cipherFactory.ApplySettings with the shared secret.
	if _, err := wire.ReadByteArray(source); err != nil {
		return err
	}
	if flag&1 != 0 {
		// Cleartext trailer length; the actual trailer is recovered
		// from the plaintext after decryption (the inner frame is
		// self-delimiting), so this field is consumed but not load-
		// bearing for decode — it exists so the layout matches what a
		// peer advertises before any decryption takes place.
		if _, err := wire.ReadUint32(source); err != nil {
			return err
		}
	}
	// The remainder of the declared payload is ciphertext; the loader
	// already bounds source to payloadLen via a LimitReader, so reading
	// to EOF here is exact.
	ciphertext, err := io.ReadAll(source)
	if err != nil {
		return err
	}
	cipher, err := p.cipherFactory.NewCipher(CipherDecrypt)
	if err != nil {
		return err
	}
	plain, err := cipher.Open(ciphertext)
	if err != nil {
		return ErrCodecFailure
	}
	return p.decodePlaintext(plain, flag&1 != 0)
}

func (p *EncryptedPacket) decodePlaintext(plain []byte, hasTrailer bool) error {
	r := bytes.NewReader(plain)
	inner, err := NewLoader().Read(r, p.factory, nil)
	if err != nil {
		return err
	}
	p.Inner = inner
	p.hasTrailer = hasTrailer
	if hasTrailer {
		rest, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		p.TrailingWord = string(rest)
	} else {
		p.TrailingWord = ""
	}
	return nil
}

// WritePayloadStreamed emits the header then pipes the inner packet
// through the cipher's output transform and finalizes, per spec
// §4.2.1's streaming read (write-side) path. Since this implementation's
// Cipher is a whole-buffer AEAD seal rather than a stream cipher, the
// "pipe" collapses to the whole-buffer seal: this writes exactly what
// WritePayload writes, reusing the cached ciphertext when the cache is
// warm.
func (p *EncryptedPacket) WritePayloadStreamed(sink io.Writer) error {
	return p.WritePayload(sink)
}

// ReadPayloadStreamed constructs a cipher input transform bounded by a
// byte-clamped slice of the outer stream, per spec §4.2.1, so the inner
// decoder cannot overrun. The AEAD cipher used here still requires the
// whole ciphertext before it can authenticate, so clamping is what
// actually enforces the bound rather than true incremental decryption.
func (p *EncryptedPacket) ReadPayloadStreamed(source io.Reader, payloadLen uint32) error {
	flag, err := wire.ReadByte(source)
	if err != nil {
		return err
	}
	// settings is SettingsWithoutSecrets, read only to stay positioned;
	// see ReadPayload for why it is never passed to ApplySettings here.
	settings, err := wire.ReadByteArray(source)
	if err != nil {
		return err
	}
	consumed := int64(1 + 4 + len(settings))
	if flag&1 != 0 {
		if _, err := wire.ReadUint32(source); err != nil {
			return err
		}
		consumed += 4
	}
	clamped := &wire.ClampedReader{R: source, N: int64(payloadLen) - consumed}
	ciphertext, err := io.ReadAll(clamped)
	if err != nil {
		return err
	}
	cipher, err := p.cipherFactory.NewCipher(CipherDecrypt)
	if err != nil {
		return err
	}
	plain, err := cipher.Open(ciphertext)
	if err != nil {
		return ErrCodecFailure
	}
	return p.decodePlaintext(plain, flag&1 != 0)
}
