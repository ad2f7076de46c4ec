// Package artifact reads submitted artifacts and computes their digests.
//
// Evidence, reports and certificates are hashed with a 512-bit suite;
// bookkeeping material uses SHA-256 (see Aux). The package holds no state
// beyond its configuration and never keeps artifact bytes past the hashing
// pass, apart from the bounded excerpt a caller explicitly asks for.
package artifact

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"unicode/utf8"
)

var (
	ErrNoSource  = errors.New("artifact: no content source")
	ErrEmptyName = errors.New("artifact: original name required")
)

// Artifact is a caller-owned input. The core only reads it.
type Artifact struct {
	OriginalName string
	ContentType  string

	open func() (io.ReadCloser, error)
}

// FromBytes wraps an in-memory artifact. The slice is not copied and must not
// be modified while the artifact is in use.
func FromBytes(name, contentType string, b []byte) Artifact {
	return Artifact{
		OriginalName: name,
		ContentType:  contentType,
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		},
	}
}

// FromFile references a file on disk. An empty content type is guessed from
// the extension, and later from the content while hashing.
func FromFile(path, contentType string) Artifact {
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(path))
	}
	return Artifact{
		OriginalName: filepath.Base(path),
		ContentType:  contentType,
		open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

// Open returns a fresh reader over the content.
func (a Artifact) Open() (io.ReadCloser, error) {
	if a.open == nil {
		return nil, ErrNoSource
	}
	return a.open()
}

// Fingerprint is the result of hashing an artifact.
type Fingerprint struct {
	Suite       Suite
	Digest      Digest
	Size        int64
	ContentType string

	// Excerpt holds at most the hasher's excerpt limit of leading bytes,
	// trimmed to valid UTF-8. It is empty for binary content.
	Excerpt string
}

// DefaultExcerptLimit bounds the text kept for analysis.
const DefaultExcerptLimit = 64 * 1024

// Hasher computes digests with one suite.
type Hasher struct {
	suite        Suite
	excerptLimit int
}

// HasherOption configures a Hasher.
type HasherOption func(*Hasher)

// WithExcerptLimit sets how many leading bytes Evidence keeps as text. Zero
// disables excerpts.
func WithExcerptLimit(n int) HasherOption {
	return func(h *Hasher) { h.excerptLimit = n }
}

// NewHasher returns a hasher for suite. An empty suite selects DefaultSuite.
func NewHasher(suite Suite, opts ...HasherOption) Hasher {
	if suite == "" {
		suite = DefaultSuite
	}
	h := Hasher{suite: suite, excerptLimit: DefaultExcerptLimit}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

// Suite returns the configured suite.
func (h Hasher) Suite() Suite { return h.suite }

// Evidence streams the artifact through the suite hash.
func (h Hasher) Evidence(a Artifact) (Fingerprint, error) {
	if a.OriginalName == "" {
		return Fingerprint{}, ErrEmptyName
	}

	rc, err := a.Open()
	if err != nil {
		return Fingerprint{}, fmt.Errorf("artifact: open %s: %w", a.OriginalName, err)
	}
	defer rc.Close()

	hh := h.suite.New()
	head := &limitedBuffer{limit: max(h.excerptLimit, 512)}
	n, err := io.Copy(io.MultiWriter(hh, head), rc)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("artifact: read %s: %w", a.OriginalName, err)
	}

	fp := Fingerprint{
		Suite:       h.suite,
		Size:        n,
		ContentType: a.ContentType,
	}
	copy(fp.Digest[:], hh.Sum(nil))

	if fp.ContentType == "" {
		fp.ContentType = http.DetectContentType(head.Bytes())
	}
	if h.excerptLimit > 0 {
		fp.Excerpt = textExcerpt(head.Bytes(), h.excerptLimit)
	}
	return fp, nil
}

// Sum hashes derived material such as a rendered report or certificate.
func (h Hasher) Sum(b []byte) Digest {
	hh := h.suite.New()
	hh.Write(b)
	var d Digest
	copy(d[:], hh.Sum(nil))
	return d
}

// SumReader hashes a stream.
func (h Hasher) SumReader(r io.Reader) (Digest, int64, error) {
	hh := h.suite.New()
	n, err := io.Copy(hh, r)
	if err != nil {
		return Digest{}, n, err
	}
	var d Digest
	copy(d[:], hh.Sum(nil))
	return d, n, nil
}

// SumFile hashes a file on disk.
func (h Hasher) SumFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	d, _, err := h.SumReader(f)
	return d, err
}

// Aux returns the SHA-256 bookkeeping digest of b.
func Aux(b []byte) [32]byte {
	return sha256.Sum256(b)
}

type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.limit - l.buf.Len(); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		l.buf.Write(p[:room])
	}
	return len(p), nil
}

func (l *limitedBuffer) Bytes() []byte { return l.buf.Bytes() }

func textExcerpt(b []byte, limit int) string {
	if len(b) > limit {
		b = b[:limit]
	}
	// Drop a rune cut in half by the limit.
	for i := 0; i < utf8.UTFMax && len(b) > 0 && !utf8.Valid(b); i++ {
		b = b[:len(b)-1]
	}
	if !utf8.Valid(b) || bytes.IndexByte(b, 0) >= 0 {
		return ""
	}
	return string(b)
}
