package seal

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forensicseal/internal/artifact"
)

var testTime = time.Date(2025, 6, 1, 12, 30, 45, 123456789, time.UTC)

type fixture struct {
	evidence, report, certificate []byte
	hasher                        artifact.Hasher
}

func newFixture() fixture {
	return fixture{
		evidence:    []byte("CASE-001 statement text"),
		report:      []byte("# Report\n\nbaseline"),
		certificate: []byte("CERTIFICATE OF SEALING"),
		hasher:      artifact.NewHasher(artifact.SHA512),
	}
}

func (f fixture) input(mode Mode) SealInput {
	return SealInput{
		EvidenceHash:    f.hasher.Sum(f.evidence),
		ReportHash:      f.hasher.Sum(f.report),
		CertificateHash: f.hasher.Sum(f.certificate),
		Timestamp:       testTime,
		Jurisdiction:    "za",
		Mode:            mode,
	}
}

func TestSealBindsComponents(t *testing.T) {
	f := newFixture()
	s := NewSealer(artifact.SHA512)

	b, err := s.Seal(f.input(ModeFull))
	require.NoError(t, err)

	assert.NotEmpty(t, b.BundleID)
	assert.Equal(t, "ZA", b.Jurisdiction)
	assert.Equal(t, testTime, b.Timestamp)
	assert.True(t, b.OriginalArtifactIncluded)
	assert.Equal(t, AnchorAbsent, b.Anchor)
	assert.Equal(t, ComputeBundleHash(artifact.SHA512, b.EvidenceHash, b.ReportHash, b.CertificateHash, b.Timestamp, b.Jurisdiction), b.BundleHash)
	assert.Equal(t, "MATCH", Verify(b, Supplied{}).String())
}

func TestSealReportOnlyNeverIncludesOriginal(t *testing.T) {
	f := newFixture()
	b, err := NewSealer(artifact.SHA512, WithAnchorPending()).Seal(f.input(ModeReportOnly))
	require.NoError(t, err)

	assert.Equal(t, ModeReportOnly, b.DisclosureMode)
	assert.False(t, b.OriginalArtifactIncluded)
	assert.Equal(t, AnchorPending, b.Anchor)
}

func TestSealValidation(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name   string
		mutate func(*SealInput)
		err    error
	}{
		{"missing evidence", func(in *SealInput) { in.EvidenceHash = artifact.Digest{} }, ErrMissingHash},
		{"missing report", func(in *SealInput) { in.ReportHash = artifact.Digest{} }, ErrMissingHash},
		{"missing certificate", func(in *SealInput) { in.CertificateHash = artifact.Digest{} }, ErrMissingHash},
		{"empty jurisdiction", func(in *SealInput) { in.Jurisdiction = "" }, ErrInvalidJurisdiction},
		{"bad jurisdiction", func(in *SealInput) { in.Jurisdiction = "South Africa" }, ErrInvalidJurisdiction},
		{"bad mode", func(in *SealInput) { in.Mode = "PARTIAL" }, ErrInvalidMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := f.input(ModeFull)
			tt.mutate(&in)
			_, err := NewSealer(artifact.SHA512).Seal(in)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestSealUsesClockWhenNoTimestamp(t *testing.T) {
	f := newFixture()
	in := f.input(ModeFull)
	in.Timestamp = time.Time{}

	s := NewSealer(artifact.SHA512, WithClock(func() time.Time { return testTime.In(time.FixedZone("SAST", 2*3600)) }))
	b, err := s.Seal(in)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, b.Timestamp.Location())
	assert.True(t, b.Timestamp.Equal(testTime))
}

func TestVerifyDetectsEachComponent(t *testing.T) {
	f := newFixture()
	b, err := NewSealer(artifact.SHA512).Seal(f.input(ModeFull))
	require.NoError(t, err)

	tests := []struct {
		name     string
		supplied Supplied
		want     Verdict
	}{
		{"all genuine", SuppliedBytes(b, f.evidence, f.report, f.certificate), Verdict{Match: true}},
		{"evidence only", SuppliedBytes(b, f.evidence, nil, nil), Verdict{Match: true}},
		{"altered evidence", SuppliedBytes(b, []byte("CASE-001 statement text."), nil, nil), Verdict{Field: FieldEvidence}},
		{"altered report", SuppliedBytes(b, nil, []byte("# Report\n\nenriched"), nil), Verdict{Field: FieldReport}},
		{"altered certificate", SuppliedBytes(b, nil, nil, []byte("forged")), Verdict{Field: FieldCertificate}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Verify(b, tt.supplied))
		})
	}
}

func TestVerifyDetectsRecordTamper(t *testing.T) {
	f := newFixture()
	b, err := NewSealer(artifact.SHA512).Seal(f.input(ModeFull))
	require.NoError(t, err)

	tampered := []func(*SealedBundle){
		func(b *SealedBundle) { b.Jurisdiction = "ZW" },
		func(b *SealedBundle) { b.Timestamp = b.Timestamp.Add(time.Nanosecond) },
		func(b *SealedBundle) { b.ReportHash[0] ^= 1 },
		func(b *SealedBundle) { b.OriginalArtifactIncluded = true; b.DisclosureMode = ModeReportOnly },
	}
	for i, mutate := range tampered {
		c := b
		mutate(&c)
		v := Verify(c, Supplied{})
		assert.False(t, v.Match, "case %d", i)
		assert.Equal(t, FieldBundle, v.Field, "case %d", i)
	}
}

func TestVerifyReportOnlyWithoutOriginal(t *testing.T) {
	f := newFixture()
	b, err := NewSealer(artifact.SHA512).Seal(f.input(ModeReportOnly))
	require.NoError(t, err)

	v := Verify(b, SuppliedBytes(b, nil, f.report, f.certificate))
	assert.True(t, v.Match)

	// A produced original can later be checked against the same bundle.
	assert.True(t, Verify(b, SuppliedBytes(b, f.evidence, nil, nil)).Match)
}

func TestSuitesProduceDifferentBundleHashes(t *testing.T) {
	f := newFixture()
	in := f.input(ModeFull)
	a, err := NewSealer(artifact.SHA512).Seal(in)
	require.NoError(t, err)
	b, err := NewSealer(artifact.BLAKE3512).Seal(in)
	require.NoError(t, err)

	assert.NotEqual(t, a.BundleHash, b.BundleHash)
	assert.True(t, Verify(b, Supplied{}).Match)
}

func TestNormalizeJurisdiction(t *testing.T) {
	for in, want := range map[string]string{"za": "ZA", " ZA-gp ": "ZA-GP", "us-ca": "US-CA"} {
		got, err := NormalizeJurisdiction(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"", "Z", "ZAF", "ZA-", "12"} {
		_, err := NormalizeJurisdiction(in)
		assert.ErrorIs(t, err, ErrInvalidJurisdiction, in)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("report-only")
	require.NoError(t, err)
	assert.Equal(t, ModeReportOnly, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)

	_, err = ParseMode("redacted")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestCertificateText(t *testing.T) {
	h := artifact.NewHasher(artifact.SHA512)
	info := CertificateInfo{
		BundleID:     "b-1",
		Timestamp:    testTime,
		Jurisdiction: "ZA",
		Mode:         ModeReportOnly,
		HashSuite:    artifact.SHA512,
		EvidenceHash: h.Sum([]byte("e")),
		ReportHash:   h.Sum([]byte("r")),
		AnalysisMode: "baseline",
		Anchor:       AnchorPending,
	}
	text := string(Certificate(info))

	assert.Contains(t, text, "baseline")
	assert.Contains(t, text, "Original evidence withheld by design")
	assert.Contains(t, text, "Status: pending")
	assert.Contains(t, text, "2025-06-01T12:30:45.123456789Z")
	assert.Contains(t, text, info.EvidenceHash.Hex())
	assert.NotContains(t, strings.ToLower(text), "transaction id:")
	assert.Equal(t, Certificate(info), Certificate(info))

	info.Mode = ModeFull
	info.AnalysisMode = "enriched"
	info.Anchor = AnchorAbsent
	text = string(Certificate(info))
	assert.Contains(t, text, NoticeFull)
	assert.Contains(t, text, "Status: absent")
	assert.NotContains(t, text, "withheld")
}

// Property: verifying with H(bytes) matches iff bytes are the sealed bytes.
func TestPropertyVerifyMatchesOnlyIdenticalEvidence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	sealer := NewSealer(artifact.SHA512)
	h := artifact.NewHasher(artifact.SHA512)

	properties.Property("evidence verifies iff identical", prop.ForAll(
		func(sealed, presented []byte) bool {
			sealed = append([]byte{}, sealed...)
			presented = append([]byte{}, presented...)
			b, err := sealer.Seal(SealInput{
				EvidenceHash:    h.Sum(sealed),
				ReportHash:      h.Sum([]byte("report")),
				CertificateHash: h.Sum([]byte("certificate")),
				Timestamp:       testTime,
				Jurisdiction:    "ZA",
			})
			if err != nil {
				return false
			}
			same := string(sealed) == string(presented)
			v := Verify(b, SuppliedBytes(b, presented, nil, nil))
			return v.Match == same && Verify(b, SuppliedBytes(b, sealed, nil, nil)).Match
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("single byte flip is detected", prop.ForAll(
		func(sealed []byte, pos int) bool {
			if len(sealed) == 0 {
				return true
			}
			b, err := sealer.Seal(SealInput{
				EvidenceHash:    h.Sum(sealed),
				ReportHash:      h.Sum([]byte("report")),
				CertificateHash: h.Sum([]byte("certificate")),
				Timestamp:       testTime,
				Jurisdiction:    "ZA",
			})
			if err != nil {
				return false
			}
			flipped := append([]byte(nil), sealed...)
			flipped[pos%len(flipped)] ^= 0x01
			return Verify(b, SuppliedBytes(b, flipped, nil, nil)) == Verdict{Field: FieldEvidence}
		},
		gen.SliceOfN(64, gen.UInt8()),
		gen.IntRange(0, 1<<16),
	))

	properties.TestingRun(t)
}
