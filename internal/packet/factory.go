package packet

import "github.com/Pablu23/calmnet/internal/wire"

// Factory maps a protocol tag to a freshly constructed, empty packet of
// that variant, ready to receive ReadPayload. It returns nil for an
// unrecognized tag; the loader treats that as "skip".
type Factory interface {
	Create(tag wire.ProtocolTag) Packet
}

// PacketFactory is the default Factory, covering every variant in
// spec.md §3. Construct with NewPacketFactory; configure via the
// With* options before first use.
type PacketFactory struct {
	streamPreferred bool
	chained         Factory
	cipherFactory   CipherFactory
	seed            Packet
	useCache        bool
}

// FactoryOption configures a PacketFactory at construction time.
type FactoryOption func(*PacketFactory)

// WithStreamPreferred records whether streaming-capable envelope
// variants are preferred. Create does not consult it: Base64Packet and
// EncryptedPacket always implement StreamedPacket, so the same types are
// returned either way.
func WithStreamPreferred(preferred bool) FactoryOption {
	return func(f *PacketFactory) { f.streamPreferred = preferred }
}

// WithChainedFactory overrides the factory envelope variants use to
// decode their inner packet. Defaults to the factory itself.
func WithChainedFactory(chained Factory) FactoryOption {
	return func(f *PacketFactory) { f.chained = chained }
}

// WithCipherFactory supplies the CipherFactory EncryptedPacket uses.
// Encrypted is only produced by Create when a cipher factory is
// configured.
func WithCipherFactory(cf CipherFactory) FactoryOption {
	return func(f *PacketFactory) { f.cipherFactory = cf }
}

// WithSeedPacket supplies a specific inner packet for envelope variants
// to use instead of constructing one from scratch, for tests or
// templated construction.
func WithSeedPacket(seed Packet) FactoryOption {
	return func(f *PacketFactory) { f.seed = seed }
}

// WithEnvelopeCache enables the useCache behaviour (spec §6) on
// envelope packets this factory produces.
func WithEnvelopeCache(use bool) FactoryOption {
	return func(f *PacketFactory) { f.useCache = use }
}

// NewPacketFactory constructs a factory whose chained sub-factory
// defaults to itself (a fixed-point reference, not cyclic ownership:
// PacketFactory is a small value struct, cheap to hold by pointer from
// the envelope packets it creates, per spec §9 "Factory self-reference").
func NewPacketFactory(opts ...FactoryOption) *PacketFactory {
	f := &PacketFactory{}
	for _, opt := range opts {
		opt(f)
	}
	if f.chained == nil {
		f.chained = f
	}
	return f
}

// Create implements Factory.
func (f *PacketFactory) Create(tag wire.ProtocolTag) Packet {
	switch {
	case tag.Equals(wire.NewProtocolTag(255, 255)):
		return &NetworkIdentifier{}
	case tag.Equals(wire.NewProtocolTag(255, 254)):
		return &NetworkSSLUpgrade{}
	case tag.Equals(wire.NewProtocolTag(255, 253)):
		return &NetworkEncryptionUpgrade{}
	case tag.Equals(wire.NewProtocolTag(255, 250)):
		return &NetworkEncryptionCipher{}
	case tag.Equals(wire.NewProtocolTag(255, 251)):
		return f.newBase64Packet()
	case tag.Equals(wire.NewProtocolTag(255, 252)):
		if f.cipherFactory == nil {
			return nil
		}
		return f.newEncryptedPacket()
	case tag.Equals(wire.NewProtocolTag(254, 1)):
		return &FragmentAllocate{}
	case tag.Equals(wire.NewProtocolTag(254, 2)):
		return &FragmentAllocation{}
	case tag.Equals(wire.NewProtocolTag(254, 3)):
		return &FragmentMessage{}
	case tag.Equals(wire.NewProtocolTag(254, 4)):
		return &FragmentMessageResponse{}
	case tag.Equals(wire.NewProtocolTag(254, 5)):
		return &FragmentSendComplete{}
	case tag.Equals(wire.NewProtocolTag(254, 6)):
		return &FragmentRetrySend{}
	case tag.Equals(wire.NewProtocolTag(254, 7)):
		return &FragmentSendStop{}
	case tag.Equals(wire.NewProtocolTag(254, 8)):
		return &FragmentSendVerifyComplete{}
	default:
		return nil
	}
}

func (f *PacketFactory) newBase64Packet() *Base64Packet {
	p := &Base64Packet{factory: f.chained}
	p.cache.enabled = f.useCache
	if f.seed != nil {
		p.Inner = f.seed
	}
	return p
}

func (f *PacketFactory) newEncryptedPacket() *EncryptedPacket {
	p := &EncryptedPacket{factory: f.chained, cipherFactory: f.cipherFactory}
	p.cache.enabled = f.useCache
	if f.seed != nil {
		p.Inner = f.seed
	}
	return p
}
