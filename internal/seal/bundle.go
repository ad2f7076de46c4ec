// Package seal binds an evidence hash, a report hash and a certificate hash
// into one composite bundle hash, and verifies bundles against supplied
// documents.
package seal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"forensicseal/internal/artifact"
	"forensicseal/internal/logging"
)

const bundleDomain = "forensicseal-bundle-v1"

var (
	ErrMissingHash         = errors.New("seal: missing component hash")
	ErrInvalidJurisdiction = errors.New("seal: invalid jurisdiction")
	ErrInvalidMode         = errors.New("seal: invalid disclosure mode")
)

// Mode is the disclosure mode of a bundle.
type Mode string

const (
	ModeFull       Mode = "FULL"
	ModeReportOnly Mode = "REPORT_ONLY"
)

// ParseMode accepts "full", "report-only" and the canonical upper-case forms.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "", "FULL":
		return ModeFull, nil
	case "REPORT_ONLY":
		return ModeReportOnly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// AnchorStatus is the external timestamping state of a bundle. No anchoring
// service is contacted, so a bundle is either awaiting one or has none.
type AnchorStatus string

const (
	AnchorPending AnchorStatus = "pending"
	AnchorAbsent  AnchorStatus = "absent"
)

// SealedBundle is an immutable sealing record.
type SealedBundle struct {
	BundleID                 string
	EvidenceHash             artifact.Digest
	ReportHash               artifact.Digest
	CertificateHash          artifact.Digest
	Timestamp                time.Time
	Jurisdiction             string
	BundleHash               artifact.Digest
	DisclosureMode           Mode
	OriginalArtifactIncluded bool
	HashSuite                artifact.Suite
	Anchor                   AnchorStatus
}

// SealInput is what Seal binds together. A zero Timestamp means now; an
// empty BundleID is generated.
type SealInput struct {
	BundleID        string
	EvidenceHash    artifact.Digest
	ReportHash      artifact.Digest
	CertificateHash artifact.Digest
	Timestamp       time.Time
	Jurisdiction    string
	Mode            Mode
}

// Sealer produces bundles with one hash suite.
type Sealer struct {
	suite  artifact.Suite
	anchor AnchorStatus
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Sealer.
type Option func(*Sealer)

func WithClock(clock func() time.Time) Option {
	return func(s *Sealer) { s.clock = clock }
}

// WithAnchorPending marks new bundles as awaiting external anchoring.
func WithAnchorPending() Option {
	return func(s *Sealer) { s.anchor = AnchorPending }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sealer) { s.logger = logger }
}

// NewSealer returns a sealer for suite.
func NewSealer(suite artifact.Suite, opts ...Option) *Sealer {
	if suite == "" {
		suite = artifact.DefaultSuite
	}
	s := &Sealer{
		suite:  suite,
		anchor: AnchorAbsent,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	return s
}

// Suite returns the sealer's hash suite.
func (s *Sealer) Suite() artifact.Suite { return s.suite }

// Now returns the sealer's clock reading in UTC.
func (s *Sealer) Now() time.Time { return s.clock().UTC() }

// Anchor returns the anchor status given to new bundles.
func (s *Sealer) Anchor() AnchorStatus { return s.anchor }

// Seal binds the three component hashes. All three are required; the
// jurisdiction is normalized to upper case and validated.
func (s *Sealer) Seal(in SealInput) (SealedBundle, error) {
	switch {
	case in.EvidenceHash.IsZero():
		return SealedBundle{}, fmt.Errorf("%w: evidence", ErrMissingHash)
	case in.ReportHash.IsZero():
		return SealedBundle{}, fmt.Errorf("%w: report", ErrMissingHash)
	case in.CertificateHash.IsZero():
		return SealedBundle{}, fmt.Errorf("%w: certificate", ErrMissingHash)
	}

	jurisdiction, err := NormalizeJurisdiction(in.Jurisdiction)
	if err != nil {
		return SealedBundle{}, err
	}
	if in.Mode == "" {
		in.Mode = ModeFull
	}
	if in.Mode != ModeFull && in.Mode != ModeReportOnly {
		return SealedBundle{}, fmt.Errorf("%w: %q", ErrInvalidMode, in.Mode)
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = s.clock()
	}
	ts = ts.UTC()

	id := in.BundleID
	if id == "" {
		id = uuid.NewString()
	}

	b := SealedBundle{
		BundleID:                 id,
		EvidenceHash:             in.EvidenceHash,
		ReportHash:               in.ReportHash,
		CertificateHash:          in.CertificateHash,
		Timestamp:                ts,
		Jurisdiction:             jurisdiction,
		DisclosureMode:           in.Mode,
		OriginalArtifactIncluded: in.Mode == ModeFull,
		HashSuite:                s.suite,
		Anchor:                   s.anchor,
	}
	b.BundleHash = ComputeBundleHash(s.suite, b.EvidenceHash, b.ReportHash, b.CertificateHash, b.Timestamp, b.Jurisdiction)

	s.logger.Info("bundle sealed",
		"bundle_id", b.BundleID,
		"bundle_hash", b.BundleHash.Short(),
		"mode", b.DisclosureMode,
		"jurisdiction", b.Jurisdiction,
	)
	return b, nil
}

// ComputeBundleHash is the composite hash:
//
//	H(domain ∥ evidence ∥ report ∥ certificate ∥ timestamp ∥ jurisdiction)
//
// with the timestamp in RFC 3339 UTC at nanosecond precision and both
// strings length-prefixed.
func ComputeBundleHash(suite artifact.Suite, evidence, report, certificate artifact.Digest, ts time.Time, jurisdiction string) artifact.Digest {
	h := suite.New()
	writeField(h, []byte(bundleDomain))
	h.Write(evidence[:])
	h.Write(report[:])
	h.Write(certificate[:])
	writeField(h, []byte(FormatTimestamp(ts)))
	writeField(h, []byte(jurisdiction))

	var out artifact.Digest
	copy(out[:], h.Sum(nil))
	return out
}

// FormatTimestamp is the canonical timestamp encoding used in hashes and
// exports.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

func writeField(h hash.Hash, b []byte) {
	binary.Write(h, binary.BigEndian, uint64(len(b)))
	h.Write(b)
}

var jurisdictionPattern = regexp.MustCompile(`^[A-Z]{2}(-[A-Z0-9]{1,3})?$`)

// NormalizeJurisdiction upper-cases and validates an ISO 3166-1 alpha-2
// code, optionally with an ISO 3166-2 subdivision ("ZA", "ZA-GP").
func NormalizeJurisdiction(s string) (string, error) {
	j := strings.ToUpper(strings.TrimSpace(s))
	if !jurisdictionPattern.MatchString(j) {
		return "", fmt.Errorf("%w: %q", ErrInvalidJurisdiction, s)
	}
	return j, nil
}
