package packet

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherMode selects which direction a CipherFactory should construct a
// cipher for.
type CipherMode int

const (
	CipherEncrypt CipherMode = iota
	CipherDecrypt
)

// CipherFactory is the external collaborator (spec §6) EncryptedPacket
// depends on. It exposes
// cipher construction plus the settings blobs a peer negotiates:
// settings-with-secrets for local use, settings-without-secrets for
// advertising to a peer, and a "modified since last call" predicate the
// envelope cache uses to invalidate itself.
type CipherFactory interface {
	// NewCipher constructs an AEAD cipher for mode using the factory's
	// currently configured key.
	NewCipher(mode CipherMode) (Cipher, error)
	// SettingsWithSecrets returns the key material bytes.
	SettingsWithSecrets() []byte
	// SettingsWithoutSecrets returns the settings blob safe to send to
	// a peer (algorithm identifier, no key material).
	SettingsWithoutSecrets() []byte
	// ApplySettings reconfigures the factory from a peer-supplied
	// settings blob.
	ApplySettings(settings []byte) error
	// Modified reports whether settings have changed since the last
	// call to Modified, resetting the flag. EncryptedPacket's cache
	// uses this to know when cached ciphertext is stale even though
	// none of the packet's own fields changed.
	Modified() bool
}

// Cipher is a minimal AEAD-style cipher handle that seals and opens
// whole buffers; it has no stream-wrapping form, so EncryptedPacket's
// whole-buffer and streaming paths both use Seal/Open.
type Cipher interface {
	// Seal encrypts plaintext in one shot, returning nonce-prefixed
	// ciphertext.
	Seal(plaintext []byte) ([]byte, error)
	// Open decrypts nonce-prefixed ciphertext produced by Seal.
	Open(ciphertext []byte) ([]byte, error)
	// Overhead is the fixed number of bytes Seal adds beyond the
	// plaintext length (nonce plus AEAD tag).
	Overhead() int
}

// AEADCipherFactory is the default CipherFactory, grounded on
// secure_packet.go's use of golang.org/x/crypto/chacha20poly1305 for
// the teacher's own symmetric packet encryption.
type AEADCipherFactory struct {
	key      [32]byte
	modified bool
}

// NewAEADCipherFactory constructs a factory around a fresh random key.
func NewAEADCipherFactory() (*AEADCipherFactory, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}
	return &AEADCipherFactory{key: key, modified: true}, nil
}

func (f *AEADCipherFactory) NewCipher(mode CipherMode) (Cipher, error) {
	aead, err := chacha20poly1305.NewX(f.key[:])
	if err != nil {
		return nil, err
	}
	return &aeadCipher{aead: aead}, nil
}

func (f *AEADCipherFactory) SettingsWithSecrets() []byte {
	out := make([]byte, 32)
	copy(out, f.key[:])
	return out
}

func (f *AEADCipherFactory) SettingsWithoutSecrets() []byte {
	// XChaCha20-Poly1305 is the only algorithm this factory speaks;
	// advertise that and nothing else.
	return []byte("xchacha20poly1305")
}

func (f *AEADCipherFactory) ApplySettings(settings []byte) error {
	if len(settings) != 32 {
		return ErrInvalidInput
	}
	copy(f.key[:], settings)
	f.modified = true
	return nil
}

func (f *AEADCipherFactory) Modified() bool {
	m := f.modified
	f.modified = false
	return m
}

type aeadCipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
		Overhead() int
	}
}

func (c *aeadCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

func (c *aeadCipher) Open(ciphertext []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, ErrCodecFailure
	}
	return c.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
}

func (c *aeadCipher) Overhead() int {
	return c.aead.NonceSize() + c.aead.Overhead()
}
