package seal

import (
	"fmt"

	"forensicseal/internal/artifact"
)

// Field names the component that failed verification.
type Field string

const (
	FieldNone        Field = ""
	FieldEvidence    Field = "evidence"
	FieldReport      Field = "report"
	FieldCertificate Field = "certificate"
	FieldBundle      Field = "bundle"
)

// Supplied carries the hashes of documents presented for verification. A nil
// field falls back to the hash stored in the bundle.
type Supplied struct {
	Evidence    *artifact.Digest
	Report      *artifact.Digest
	Certificate *artifact.Digest
}

// SuppliedBytes hashes whichever documents are given with the bundle's suite.
func SuppliedBytes(b SealedBundle, evidence, report, certificate []byte) Supplied {
	h := artifact.NewHasher(b.HashSuite)
	var s Supplied
	if evidence != nil {
		d := h.Sum(evidence)
		s.Evidence = &d
	}
	if report != nil {
		d := h.Sum(report)
		s.Report = &d
	}
	if certificate != nil {
		d := h.Sum(certificate)
		s.Certificate = &d
	}
	return s
}

// Verdict is the outcome of Verify. A mismatch is a finding, not an error.
type Verdict struct {
	Match bool
	Field Field
}

func (v Verdict) String() string {
	if v.Match {
		return "MATCH"
	}
	return fmt.Sprintf("MISMATCH(%s)", v.Field)
}

// Verify compares every supplied hash with the one stored in the bundle, then
// recomputes the composite hash from supplied-or-stored component hashes and
// compares it with the stored bundle hash.
func Verify(b SealedBundle, s Supplied) Verdict {
	evidence, report, certificate := b.EvidenceHash, b.ReportHash, b.CertificateHash

	if s.Evidence != nil {
		if *s.Evidence != b.EvidenceHash {
			return Verdict{Field: FieldEvidence}
		}
		evidence = *s.Evidence
	}
	if s.Report != nil {
		if *s.Report != b.ReportHash {
			return Verdict{Field: FieldReport}
		}
		report = *s.Report
	}
	if s.Certificate != nil {
		if *s.Certificate != b.CertificateHash {
			return Verdict{Field: FieldCertificate}
		}
		certificate = *s.Certificate
	}

	suite := b.HashSuite
	if suite == "" {
		suite = artifact.DefaultSuite
	}
	if ComputeBundleHash(suite, evidence, report, certificate, b.Timestamp, b.Jurisdiction) != b.BundleHash {
		return Verdict{Field: FieldBundle}
	}
	if b.DisclosureMode == ModeReportOnly && b.OriginalArtifactIncluded {
		return Verdict{Field: FieldBundle}
	}
	return Verdict{Match: true}
}
