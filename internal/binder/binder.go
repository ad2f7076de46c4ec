// Package binder packs a sealed bundle into a single portable archive.
//
// An archive is a tar stream compressed with zstd and, when recipients are
// given, encrypted with age. Its members are, in order:
//
//	bundle.json        canonical bundle record
//	certificate.txt    certificate of sealing
//	report.<ext>       rendered report
//	original/<name>    the evidence, FULL disclosure only
//
// Readers rely on bundle.json coming first: its hash suite is needed to hash
// the remaining members as they stream past.
package binder

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"forensicseal/internal/artifact"
	"forensicseal/internal/seal"
)

const (
	BundleMember      = "bundle.json"
	CertificateMember = "certificate.txt"
	reportPrefix      = "report."
	originalPrefix    = "original/"

	// Extension is the conventional file extension of an archive.
	Extension = ".tar.zst"

	maxDocumentSize = 64 << 20
	ageHeader       = "age-encryption.org/v1"
)

var (
	ErrDisclosureViolation = errors.New("binder: original evidence must not be included in a REPORT_ONLY bundle")
	ErrMissingOriginal     = errors.New("binder: FULL disclosure requires the original evidence")
	ErrEvidenceChanged     = errors.New("binder: original evidence no longer matches the evidence hash")
	ErrMalformedArchive    = errors.New("binder: malformed archive")
	ErrEncrypted           = errors.New("binder: archive is encrypted and no identity was given")
)

// Contents is what goes into an archive.
type Contents struct {
	Export      seal.Export
	Certificate []byte
	Report      []byte
	ReportExt   string

	// Original is streamed into the archive in FULL mode and must be nil in
	// REPORT_ONLY mode.
	Original *artifact.Artifact
}

type writeConfig struct {
	recipients []age.Recipient
	level      zstd.EncoderLevel
}

// WriteOption configures Write.
type WriteOption func(*writeConfig)

// WithRecipients encrypts the archive to the given age recipients.
func WithRecipients(r ...age.Recipient) WriteOption {
	return func(c *writeConfig) { c.recipients = append(c.recipients, r...) }
}

// WithLevel sets the zstd compression level.
func WithLevel(l zstd.EncoderLevel) WriteOption {
	return func(c *writeConfig) { c.level = l }
}

// Write streams an archive of c to w.
func Write(w io.Writer, c Contents, opts ...WriteOption) error {
	cfg := writeConfig{level: zstd.SpeedDefault}
	for _, opt := range opts {
		opt(&cfg)
	}

	switch c.Export.DisclosureMode {
	case seal.ModeReportOnly:
		if c.Original != nil || c.Export.OriginalArtifactIncluded {
			return ErrDisclosureViolation
		}
	default:
		if c.Original == nil {
			return ErrMissingOriginal
		}
	}

	record, err := c.Export.Encode()
	if err != nil {
		return err
	}
	modTime, err := time.Parse(time.RFC3339Nano, c.Export.Timestamp)
	if err != nil {
		return fmt.Errorf("binder: bundle timestamp: %w", err)
	}
	suite, err := artifact.ParseSuite(c.Export.HashSuite)
	if err != nil {
		return err
	}

	sink := w
	var enc io.WriteCloser
	if len(cfg.recipients) > 0 {
		enc, err = age.Encrypt(w, cfg.recipients...)
		if err != nil {
			return fmt.Errorf("binder: create age encryptor: %w", err)
		}
		sink = enc
	}

	zw, err := zstd.NewWriter(sink, zstd.WithEncoderLevel(cfg.level))
	if err != nil {
		return fmt.Errorf("binder: create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	put := func(name string, size int64, r io.Reader) error {
		hdr := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     size,
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("binder: %s header: %w", name, err)
		}
		if _, err := io.Copy(tw, r); err != nil {
			return fmt.Errorf("binder: write %s: %w", name, err)
		}
		return nil
	}

	ext := strings.TrimPrefix(c.ReportExt, ".")
	if ext == "" {
		ext = "txt"
	}
	docs := []struct {
		name string
		data []byte
	}{
		{BundleMember, record},
		{CertificateMember, c.Certificate},
		{reportPrefix + ext, c.Report},
	}
	for _, d := range docs {
		if err := put(d.name, int64(len(d.data)), bytes.NewReader(d.data)); err != nil {
			return err
		}
	}

	if c.Original != nil {
		if err := putOriginal(put, suite, c.Export, *c.Original); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("binder: close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("binder: close zstd: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("binder: finalize age: %w", err)
		}
	}
	return nil
}

// putOriginal hashes the original once to learn its size and confirm it is
// still the sealed evidence, then streams it into the archive.
func putOriginal(put func(string, int64, io.Reader) error, suite artifact.Suite, e seal.Export, a artifact.Artifact) error {
	want, err := artifact.ParseDigest(e.EvidenceHash)
	if err != nil {
		return err
	}

	h := artifact.NewHasher(suite)
	r, err := a.Open()
	if err != nil {
		return fmt.Errorf("binder: open original: %w", err)
	}
	got, size, err := h.SumReader(r)
	r.Close()
	if err != nil {
		return fmt.Errorf("binder: hash original: %w", err)
	}
	if got != want {
		return ErrEvidenceChanged
	}

	r, err = a.Open()
	if err != nil {
		return fmt.Errorf("binder: reopen original: %w", err)
	}
	defer r.Close()
	return put(originalPrefix+memberName(a.OriginalName, e.OriginalName), size, io.LimitReader(r, size))
}

func memberName(names ...string) string {
	for _, n := range names {
		n = filepath.Base(filepath.Clean(n))
		if n != "" && n != "." && n != ".." && n != string(filepath.Separator) {
			return n
		}
	}
	return "evidence"
}

// WriteFile writes an archive to path via a temporary file and rename.
func WriteFile(path string, c Contents, opts ...WriteOption) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("binder: create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".binder-*")
	if err != nil {
		return fmt.Errorf("binder: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, c, opts...); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("binder: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("binder: close: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Archive is a read-back archive. Documents are held in memory; the
// original is hashed as it streams and never retained.
type Archive struct {
	Export      seal.Export
	Bundle      seal.SealedBundle
	Certificate []byte
	Report      []byte
	ReportName  string

	OriginalName   string
	OriginalSize   int64
	OriginalDigest *artifact.Digest

	Encrypted bool
}

type readConfig struct {
	identities []age.Identity
}

// ReadOption configures Read.
type ReadOption func(*readConfig)

// WithIdentities supplies age identities for encrypted archives.
func WithIdentities(ids ...age.Identity) ReadOption {
	return func(c *readConfig) { c.identities = append(c.identities, ids...) }
}

// Read parses an archive.
func Read(r io.Reader, opts ...ReadOption) (*Archive, error) {
	var cfg readConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	a := &Archive{}
	br := bufio.NewReader(r)
	if head, _ := br.Peek(len(ageHeader)); string(head) == ageHeader {
		a.Encrypted = true
		if len(cfg.identities) == 0 {
			return nil, ErrEncrypted
		}
		dr, err := age.Decrypt(br, cfg.identities...)
		if err != nil {
			return nil, fmt.Errorf("binder: decrypt: %w", err)
		}
		r = dr
	} else {
		r = br
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("binder: open zstd: %w", err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)

	var (
		hasher     artifact.Hasher
		haveBundle bool
	)
	for i := 0; ; i++ {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("%w: unexpected member %q", ErrMalformedArchive, hdr.Name)
		}
		name := path.Clean(hdr.Name)

		if i == 0 {
			if name != BundleMember {
				return nil, fmt.Errorf("%w: first member is %q, want %s", ErrMalformedArchive, name, BundleMember)
			}
			data, err := readDocument(tr, name)
			if err != nil {
				return nil, err
			}
			if a.Export, err = seal.DecodeExport(data); err != nil {
				return nil, err
			}
			if a.Bundle, err = a.Export.Bundle(); err != nil {
				return nil, err
			}
			hasher = artifact.NewHasher(a.Bundle.HashSuite)
			haveBundle = true
			continue
		}

		switch {
		case name == BundleMember:
			return nil, fmt.Errorf("%w: duplicate %s", ErrMalformedArchive, name)
		case name == CertificateMember:
			if a.Certificate, err = readDocument(tr, name); err != nil {
				return nil, err
			}
		case strings.HasPrefix(name, reportPrefix) && !strings.Contains(name, "/"):
			if a.Report, err = readDocument(tr, name); err != nil {
				return nil, err
			}
			a.ReportName = name
		case strings.HasPrefix(name, originalPrefix):
			if a.OriginalDigest != nil {
				return nil, fmt.Errorf("%w: more than one original", ErrMalformedArchive)
			}
			d, n, err := hasher.SumReader(tr)
			if err != nil {
				return nil, fmt.Errorf("binder: hash original: %w", err)
			}
			a.OriginalName = strings.TrimPrefix(name, originalPrefix)
			a.OriginalSize = n
			a.OriginalDigest = &d
		default:
			return nil, fmt.Errorf("%w: unexpected member %q", ErrMalformedArchive, name)
		}
	}

	if !haveBundle {
		return nil, fmt.Errorf("%w: empty archive", ErrMalformedArchive)
	}
	if a.Certificate == nil || a.Report == nil {
		return nil, fmt.Errorf("%w: missing certificate or report", ErrMalformedArchive)
	}
	return a, nil
}

// ReadFile opens and parses an archive file.
func ReadFile(path string, opts ...ReadOption) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("binder: %w", err)
	}
	defer f.Close()
	return Read(f, opts...)
}

func readDocument(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("binder: read %s: %w", name, err)
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrMalformedArchive, name, maxDocumentSize)
	}
	return data, nil
}

// Verify re-hashes every member against the bundle record. An original
// present in a REPORT_ONLY archive, or missing from a FULL one, fails on the
// evidence field.
func (a *Archive) Verify() seal.Verdict {
	h := artifact.NewHasher(a.Bundle.HashSuite)
	report := h.Sum(a.Report)
	certificate := h.Sum(a.Certificate)

	switch {
	case a.Bundle.DisclosureMode == seal.ModeReportOnly && a.OriginalDigest != nil:
		return seal.Verdict{Field: seal.FieldEvidence}
	case a.Bundle.DisclosureMode == seal.ModeFull && a.OriginalDigest == nil:
		return seal.Verdict{Field: seal.FieldEvidence}
	}

	return seal.Verify(a.Bundle, seal.Supplied{
		Evidence:    a.OriginalDigest,
		Report:      &report,
		Certificate: &certificate,
	})
}

// ParseRecipients parses age X25519 public keys.
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(keys))
	for _, k := range keys {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("binder: recipient %q: %w", k, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseIdentityFile reads age identities from a key file.
func ParseIdentityFile(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("binder: %w", err)
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("binder: parse identities: %w", err)
	}
	return ids, nil
}
