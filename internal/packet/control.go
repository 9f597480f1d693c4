package packet

import (
	"io"

	"github.com/Pablu23/calmnet/internal/wire"
)

// NetworkIdentifier signals a UTF-8 peer identifier. Tag (255, 255).
type NetworkIdentifier struct {
	ID string
	// set distinguishes an explicitly empty ID from one never
	// assigned; IsValid requires it before serialization.
	set bool
}

func NewNetworkIdentifier(id string) *NetworkIdentifier {
	return &NetworkIdentifier{ID: id, set: true}
}

func (p *NetworkIdentifier) Tag() wire.ProtocolTag { return wire.NewProtocolTag(255, 255) }
func (p *NetworkIdentifier) IsValid() bool         { return p.set }

// WritePayload writes the id as raw UTF-8 bytes. No internal length
// prefix: the frame's own length field is what delimits the payload
// (spec §4.2 table: NetworkIdentifier's layout is just "utf8").
func (p *NetworkIdentifier) WritePayload(sink io.Writer) error {
	_, err := io.WriteString(sink, p.ID)
	return err
}

func (p *NetworkIdentifier) ReadPayload(source io.Reader, payloadLen uint32) error {
	buf, err := wire.ReadExact(source, int(payloadLen))
	if err != nil {
		return err
	}
	p.ID = string(buf)
	p.set = true
	return nil
}

// NetworkSSLUpgrade signals an acknowledgement-only SSL/TLS upgrade
// request. Tag (255, 254).
type NetworkSSLUpgrade struct {
	Ack    bool
	ackSet bool
}

func NewNetworkSSLUpgrade(ack bool) *NetworkSSLUpgrade {
	return &NetworkSSLUpgrade{Ack: ack, ackSet: true}
}

func (p *NetworkSSLUpgrade) Tag() wire.ProtocolTag { return wire.NewProtocolTag(255, 254) }
func (p *NetworkSSLUpgrade) IsValid() bool         { return p.ackSet }

func (p *NetworkSSLUpgrade) WritePayload(sink io.Writer) error {
	return wire.WriteBool(sink, p.Ack)
}

func (p *NetworkSSLUpgrade) ReadPayload(source io.Reader, payloadLen uint32) error {
	v, ok, err := wire.ReadBool(source)
	if err != nil {
		return err
	}
	p.Ack = v
	p.ackSet = ok
	return nil
}

// NetworkEncryptionUpgrade signals: acknowledgement flag, "upgrade vs
// mode-change" flag, "base64 used" flag, optional cipher settings blob.
// Tag (255, 253).
type NetworkEncryptionUpgrade struct {
	Ack         bool
	IsUpgrade   bool
	UsesBase64  bool
	Settings    []byte
	HasSettings bool
	ackSet      bool
}

func NewNetworkEncryptionUpgrade(ack, isUpgrade, usesBase64 bool, settings []byte) *NetworkEncryptionUpgrade {
	return &NetworkEncryptionUpgrade{
		Ack:         ack,
		IsUpgrade:   isUpgrade,
		UsesBase64:  usesBase64,
		Settings:    settings,
		HasSettings: settings != nil,
		ackSet:      true,
	}
}

func (p *NetworkEncryptionUpgrade) Tag() wire.ProtocolTag { return wire.NewProtocolTag(255, 253) }
func (p *NetworkEncryptionUpgrade) IsValid() bool         { return p.ackSet }

func (p *NetworkEncryptionUpgrade) WritePayload(sink io.Writer) error {
	if err := wire.WriteBool(sink, p.Ack); err != nil {
		return err
	}
	var flags byte
	if p.IsUpgrade {
		flags |= 1 << 0
	}
	if p.UsesBase64 {
		flags |= 1 << 1
	}
	if _, err := sink.Write([]byte{flags}); err != nil {
		return err
	}
	if p.HasSettings {
		if _, err := sink.Write(p.Settings); err != nil {
			return err
		}
	}
	return nil
}

func (p *NetworkEncryptionUpgrade) ReadPayload(source io.Reader, payloadLen uint32) error {
	ack, ok, err := wire.ReadBool(source)
	if err != nil {
		return err
	}
	p.Ack, p.ackSet = ack, ok
	flagByte, err := wire.ReadByte(source)
	if err != nil {
		return err
	}
	p.IsUpgrade = flagByte&(1<<0) != 0
	p.UsesBase64 = flagByte&(1<<1) != 0
	remaining := int(payloadLen) - 2
	if remaining > 0 {
		settings, err := wire.ReadExact(source, remaining)
		if err != nil {
			return err
		}
		p.Settings = settings
		p.HasSettings = true
	} else {
		p.Settings = nil
		p.HasSettings = false
	}
	return nil
}

// NetworkEncryptionCipher signals: acknowledgement flag, ordered
// sequence of cipher-name strings. Tag (255, 250).
type NetworkEncryptionCipher struct {
	Ack     bool
	Ciphers []string
	ackSet  bool
}

func NewNetworkEncryptionCipher(ack bool, ciphers []string) *NetworkEncryptionCipher {
	return &NetworkEncryptionCipher{Ack: ack, Ciphers: ciphers, ackSet: true}
}

func (p *NetworkEncryptionCipher) Tag() wire.ProtocolTag { return wire.NewProtocolTag(255, 250) }
func (p *NetworkEncryptionCipher) IsValid() bool         { return p.ackSet }

func (p *NetworkEncryptionCipher) WritePayload(sink io.Writer) error {
	if err := wire.WriteBool(sink, p.Ack); err != nil {
		return err
	}
	if err := wire.WriteUint32(sink, uint32(len(p.Ciphers))); err != nil {
		return err
	}
	for _, c := range p.Ciphers {
		if err := wire.WriteString(sink, c); err != nil {
			return err
		}
	}
	return nil
}

func (p *NetworkEncryptionCipher) ReadPayload(source io.Reader, payloadLen uint32) error {
	ack, ok, err := wire.ReadBool(source)
	if err != nil {
		return err
	}
	p.Ack, p.ackSet = ack, ok
	count, err := wire.ReadUint32(source)
	if err != nil {
		return err
	}
	ciphers := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		s, err := wire.ReadString(source)
		if err != nil {
			return err
		}
		ciphers = append(ciphers, s)
	}
	p.Ciphers = ciphers
	return nil
}
