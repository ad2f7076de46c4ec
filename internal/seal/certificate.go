package seal

import (
	"fmt"
	"strings"
	"time"

	"forensicseal/internal/artifact"
)

// Disclosure notices.
const (
	NoticeFull       = "Original evidence included in this bundle."
	NoticeReportOnly = "Original evidence withheld by design. The evidence hash below allows a produced original to be verified against this bundle without disclosing it here."
)

// Notice returns the disclosure notice for m.
func Notice(m Mode) string {
	if m == ModeReportOnly {
		return NoticeReportOnly
	}
	return NoticeFull
}

// CertificateInfo is everything the certificate states. It cannot carry the
// bundle hash: the certificate's own hash is an input to it.
type CertificateInfo struct {
	BundleID     string
	SessionID    string
	RunID        string
	OriginalName string
	Custodian    string
	Timestamp    time.Time
	Jurisdiction string
	Mode         Mode
	HashSuite    artifact.Suite
	EvidenceHash artifact.Digest
	ReportHash   artifact.Digest
	AnalysisMode string
	Anchor       AnchorStatus
}

// Certificate renders the plain-text certificate of sealing. The output is
// deterministic for a given CertificateInfo.
func Certificate(c CertificateInfo) []byte {
	var b strings.Builder
	rule := strings.Repeat("=", 72)

	b.WriteString(rule + "\n")
	b.WriteString("CERTIFICATE OF SEALING\n")
	b.WriteString(rule + "\n\n")

	line := func(k, v string) { fmt.Fprintf(&b, "%-18s %s\n", k+":", v) }

	line("Bundle ID", c.BundleID)
	if c.SessionID != "" {
		line("Session ID", c.SessionID)
	}
	if c.RunID != "" {
		line("Run ID", c.RunID)
	}
	if c.OriginalName != "" {
		line("Original name", c.OriginalName)
	}
	if c.Custodian != "" {
		line("Custodian", c.Custodian)
	}
	line("Sealed at (UTC)", FormatTimestamp(c.Timestamp))
	line("Jurisdiction", c.Jurisdiction)
	line("Disclosure mode", string(c.Mode))
	line("Hash suite", string(c.HashSuite))
	line("Evidence hash", c.EvidenceHash.Hex())
	line("Report hash", c.ReportHash.Hex())

	b.WriteString("\nANALYSIS\n")
	if c.AnalysisMode == "baseline" {
		b.WriteString("Analysis mode: baseline. The enrichment service was unavailable or not\n")
		b.WriteString("configured; the report was produced by deterministic baseline analysis.\n")
	} else {
		fmt.Fprintf(&b, "Analysis mode: %s. Enrichment text in the report is advisory only.\n", c.AnalysisMode)
	}

	b.WriteString("\nDISCLOSURE\n")
	b.WriteString(Notice(c.Mode) + "\n")

	b.WriteString("\nEXTERNAL ANCHOR\n")
	switch c.Anchor {
	case AnchorPending:
		b.WriteString("Status: pending. No timestamping authority has confirmed this bundle;\n")
		b.WriteString("no transaction identifier exists.\n")
	default:
		b.WriteString("Status: absent. This bundle has not been submitted for external anchoring.\n")
	}

	b.WriteString("\nVERIFICATION\n")
	b.WriteString("The bundle hash binds the evidence, report and certificate hashes with the\n")
	b.WriteString("sealing time and jurisdiction. It is published in the bundle record that\n")
	b.WriteString("accompanies this certificate. Altering any of the three documents changes\n")
	b.WriteString("its hash and the bundle no longer verifies.\n")
	b.WriteString(rule + "\n")

	return []byte(b.String())
}
