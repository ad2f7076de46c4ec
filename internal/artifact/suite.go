package artifact

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// DigestSize is the size of an evidence digest in bytes.
const DigestSize = 64

// Digest is a 512-bit evidence digest.
type Digest [DigestSize]byte

var ErrBadDigest = errors.New("artifact: malformed digest")

func (d Digest) Hex() string    { return hex.EncodeToString(d[:]) }
func (d Digest) String() string { return d.Hex() }
func (d Digest) IsZero() bool   { return d == Digest{} }
func (d Digest) Short() string  { return d.Hex()[:16] }
func (d Digest) Bytes() []byte  { return append([]byte(nil), d[:]...) }

func (d Digest) MarshalText() ([]byte, error) { return []byte(d.Hex()), nil }

func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a hex-encoded evidence digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrBadDigest, err)
	}
	if len(b) != DigestSize {
		return d, fmt.Errorf("%w: %d bytes, want %d", ErrBadDigest, len(b), DigestSize)
	}
	copy(d[:], b)
	return d, nil
}

// Suite names the 512-bit hash function used for evidentiary material.
type Suite string

const (
	SHA512    Suite = "sha512"
	SHA3_512  Suite = "sha3-512"
	BLAKE3512 Suite = "blake3-512"
)

// DefaultSuite is used when none is configured.
const DefaultSuite = SHA512

var ErrUnknownSuite = errors.New("artifact: unknown hash suite")

// ParseSuite accepts a suite name, case-insensitively. An empty name selects
// the default suite.
func ParseSuite(s string) (Suite, error) {
	switch Suite(strings.ToLower(strings.TrimSpace(s))) {
	case "", SHA512:
		return SHA512, nil
	case SHA3_512:
		return SHA3_512, nil
	case BLAKE3512, "blake3":
		return BLAKE3512, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSuite, s)
	}
}

// New returns a fresh hash for the suite.
func (s Suite) New() hash.Hash {
	switch s {
	case SHA3_512:
		return sha3.New512()
	case BLAKE3512:
		return &blake3x512{h: blake3.New()}
	default:
		return sha512.New()
	}
}

// blake3x512 reads 64 bytes of BLAKE3 extendable output.
type blake3x512 struct {
	h *blake3.Hasher
}

func (b *blake3x512) Write(p []byte) (int, error) { return b.h.Write(p) }
func (b *blake3x512) Reset()                      { b.h.Reset() }
func (b *blake3x512) Size() int                   { return DigestSize }
func (b *blake3x512) BlockSize() int              { return 64 }

func (b *blake3x512) Sum(in []byte) []byte {
	out := make([]byte, DigestSize)
	// Digest reads from a snapshot; further writes are unaffected.
	if _, err := b.h.Digest().Read(out); err != nil {
		panic(fmt.Sprintf("blake3 xof: %v", err))
	}
	return append(in, out...)
}
