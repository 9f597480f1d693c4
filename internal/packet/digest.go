package packet

import (
	"bytes"
	"io"

	"golang.org/x/crypto/blake2b"
)

// DigestProvider is the external collaborator (spec §6) the loader uses
// to compute and verify the optional long-frame digest trailer. A
// streaming and a one-shot form are both exposed because the loader's
// write path computes the digest in line while piping a streaming
// packet's body, while the read path typically has the whole frame
// buffered already.
type DigestProvider interface {
	// Length is the fixed digest length in bytes this provider produces.
	Length() int
	// Sum computes the digest of data in one shot.
	Sum(data []byte) []byte
	// Equal compares two digests byte-for-byte.
	Equal(a, b []byte) bool
	// WrapReader returns a reader that tees everything read through it
	// into a running digest, and a func to retrieve the final digest
	// once the caller is done reading.
	WrapReader(r io.Reader) (wrapped io.Reader, sum func() []byte)
	// WrapWriter is the write-side counterpart of WrapReader.
	WrapWriter(w io.Writer) (wrapped io.Writer, sum func() []byte)
}

// Blake2bDigestProvider implements DigestProvider with BLAKE2b-256,
// the digest algorithm the teacher's dependency set already carries
// under golang.org/x/crypto (alongside chacha20poly1305).
type Blake2bDigestProvider struct{}

// NewBlake2bDigestProvider constructs the default digest provider.
func NewBlake2bDigestProvider() Blake2bDigestProvider {
	return Blake2bDigestProvider{}
}

func (Blake2bDigestProvider) Length() int {
	return blake2b.Size256
}

func (Blake2bDigestProvider) Sum(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

func (Blake2bDigestProvider) Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}

func (Blake2bDigestProvider) WrapReader(r io.Reader) (io.Reader, func() []byte) {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 with a nil key never fails; this mirrors the
		// teacher's treatment of cipher-construction errors it
		// considers unreachable (secure_packet.go panics on
		// chacha20poly1305.NewX error for the same reason).
		panic(err)
	}
	tee := io.TeeReader(r, h)
	return tee, func() []byte { return h.Sum(nil) }
}

func (Blake2bDigestProvider) WrapWriter(w io.Writer) (io.Writer, func() []byte) {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	mw := io.MultiWriter(w, h)
	return mw, func() []byte { return h.Sum(nil) }
}
