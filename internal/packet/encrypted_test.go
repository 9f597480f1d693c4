package packet

import (
	"bytes"
	"testing"
)

func TestEncryptedRoundTrip(t *testing.T) {
	cf, err := NewAEADCipherFactory()
	if err != nil {
		t.Fatal(err)
	}
	f := NewPacketFactory(WithCipherFactory(cf))
	inner := NewNetworkIdentifier("secret-peer")
	p := NewEncryptedPacket(inner, cf, f)

	var buf bytes.Buffer
	if err := NewLoader().Write(&buf, p, true); err != nil {
		t.Fatal(err)
	}

	// The envelope's cleartext header never carries the key; a real
	// receiver must already share it from a prior negotiation. Simulate
	// that handshake explicitly rather than pulling the key off the wire.
	decodeCf, err := NewAEADCipherFactory()
	if err != nil {
		t.Fatal(err)
	}
	if err := decodeCf.ApplySettings(cf.SettingsWithSecrets()); err != nil {
		t.Fatal(err)
	}
	decodeFactory := NewPacketFactory(WithCipherFactory(decodeCf))
	got, err := NewLoader().Read(&buf, decodeFactory, nil)
	if err != nil {
		t.Fatal(err)
	}
	enc, ok := got.(*EncryptedPacket)
	if !ok {
		t.Fatalf("got %T", got)
	}
	id, ok := enc.Inner.(*NetworkIdentifier)
	if !ok || id.ID != "secret-peer" {
		t.Errorf("got inner %+v", enc.Inner)
	}
}

// TestEncryptedRejectsUnsharedKey confirms the envelope's cleartext
// header alone cannot decrypt: a reader that never received the key
// through a negotiation must fail to open the payload.
func TestEncryptedRejectsUnsharedKey(t *testing.T) {
	cf, err := NewAEADCipherFactory()
	if err != nil {
		t.Fatal(err)
	}
	f := NewPacketFactory(WithCipherFactory(cf))
	p := NewEncryptedPacket(NewNetworkIdentifier("secret-peer"), cf, f)

	var buf bytes.Buffer
	if err := NewLoader().Write(&buf, p, true); err != nil {
		t.Fatal(err)
	}

	decodeCf, err := NewAEADCipherFactory() // a different, unshared key
	if err != nil {
		t.Fatal(err)
	}
	decodeFactory := NewPacketFactory(WithCipherFactory(decodeCf))
	if _, err := NewLoader().Read(&buf, decodeFactory, nil); err == nil {
		t.Error("expected decoding with an unshared key to fail")
	}
}

func TestEncryptedWithTrailingWord(t *testing.T) {
	cf, err := NewAEADCipherFactory()
	if err != nil {
		t.Fatal(err)
	}
	f := NewPacketFactory(WithCipherFactory(cf))
	p := NewEncryptedPacket(NewNetworkIdentifier("x"), cf, f)
	p.SetTrailingWord("hunter2")

	var buf bytes.Buffer
	if err := NewLoader().Write(&buf, p, true); err != nil {
		t.Fatal(err)
	}

	decodeCf, _ := NewAEADCipherFactory()
	if err := decodeCf.ApplySettings(cf.SettingsWithSecrets()); err != nil {
		t.Fatal(err)
	}
	decodeFactory := NewPacketFactory(WithCipherFactory(decodeCf))
	got, err := NewLoader().Read(&buf, decodeFactory, nil)
	if err != nil {
		t.Fatal(err)
	}
	enc := got.(*EncryptedPacket)
	if enc.TrailingWord != "hunter2" {
		t.Errorf("got trailing word %q", enc.TrailingWord)
	}
}

func TestEncryptedRequiresCipherFactory(t *testing.T) {
	f := NewPacketFactory() // no cipher factory configured
	if p := f.Create(NewEncryptedPacket(nil, nil, nil).Tag()); p != nil {
		t.Error("expected factory without a cipher factory to refuse Encrypted")
	}
}

func TestEncryptedCacheInvalidatesOnSettingsModified(t *testing.T) {
	cf, err := NewAEADCipherFactory()
	if err != nil {
		t.Fatal(err)
	}
	f := NewPacketFactory(WithCipherFactory(cf), WithEnvelopeCache(true))
	p := f.newEncryptedPacket()
	p.SetInner(NewNetworkIdentifier("x"))
	cf.Modified() // drain the "just constructed" modified flag

	first, err := p.seal()
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.seal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("expected cached ciphertext to be reused when settings unchanged")
	}

	if err := cf.ApplySettings(cf.SettingsWithSecrets()); err != nil {
		t.Fatal(err)
	}
	third, err := p.seal()
	if err != nil {
		t.Fatal(err)
	}
	// Re-keying invalidates the cache, so this seal draws a fresh random
	// nonce; a reused cache entry would return first unchanged.
	if bytes.Equal(first, third) {
		t.Error("expected cached ciphertext to be discarded after settings changed")
	}
}
