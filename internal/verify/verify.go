// Package verify checks a sealed bundle offline: the bundle record, the
// documents it binds, the disclosure rule and the custodian signature. It
// needs nothing but the files handed to it.
package verify

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"filippo.io/age"

	"forensicseal/internal/artifact"
	"forensicseal/internal/binder"
	"forensicseal/internal/seal"
	"forensicseal/internal/signer"
)

var ErrNoBundle = errors.New("verify: no bundle record or archive given")

// Status is the outcome of one component check.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusWarn Status = "warn"
	StatusSkip Status = "skip"
)

// Component names.
const (
	ComponentRecord      = "bundle record"
	ComponentEvidence    = "evidence"
	ComponentReport      = "report"
	ComponentCertificate = "certificate"
	ComponentBundleHash  = "bundle hash"
	ComponentDisclosure  = "disclosure"
	ComponentSignature   = "custodian signature"
	ComponentAnchor      = "external anchor"
)

// ComponentResult is the outcome of checking one part of a bundle.
type ComponentResult struct {
	Component string `json:"component"`
	Status    Status `json:"status"`
	Message   string `json:"message"`
}

// Input names what to verify. Bundle is a bundle.json record or a binder
// archive; the document paths override whatever the archive carries.
type Input struct {
	Bundle      string
	Evidence    string
	Report      string
	Certificate string

	// PublicKey, when set, must be the key that signed the bundle.
	PublicKey ed25519.PublicKey

	// Identities decrypt an encrypted archive.
	Identities []age.Identity
}

// Report is the full verification outcome. Valid is false if any component
// failed; warnings do not affect it.
type Report struct {
	Source         string            `json:"source"`
	Archive        bool              `json:"archive"`
	BundleID       string            `json:"bundle_id"`
	BundleHash     string            `json:"bundle_hash"`
	HashSuite      string            `json:"hash_suite"`
	Timestamp      string            `json:"timestamp"`
	Jurisdiction   string            `json:"jurisdiction"`
	DisclosureMode string            `json:"disclosure_mode"`
	Valid          bool              `json:"valid"`
	MismatchField  string            `json:"mismatch_field,omitempty"`
	Components     []ComponentResult `json:"components"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Warnings       int               `json:"warnings"`
	Skipped        int               `json:"skipped"`
	Duration       time.Duration     `json:"duration_ns"`
}

func (r *Report) add(component string, status Status, format string, args ...any) {
	r.Components = append(r.Components, ComponentResult{
		Component: component,
		Status:    status,
		Message:   fmt.Sprintf(format, args...),
	})
	switch status {
	case StatusPass:
		r.Passed++
	case StatusFail:
		r.Failed++
	case StatusWarn:
		r.Warnings++
	default:
		r.Skipped++
	}
}

// Result returns the status recorded for a component, or "" if it was not
// checked.
func (r *Report) Result(component string) Status {
	for _, c := range r.Components {
		if c.Component == component {
			return c.Status
		}
	}
	return ""
}

// Check verifies a bundle. An error means the bundle could not be read at
// all; every integrity finding is reported in the Report.
func Check(in Input) (*Report, error) {
	start := time.Now()
	if in.Bundle == "" {
		return nil, ErrNoBundle
	}

	var (
		export  seal.Export
		archive *binder.Archive
	)
	data, err := os.ReadFile(in.Bundle)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		if export, err = seal.DecodeExport(data); err != nil {
			return nil, err
		}
	} else {
		if archive, err = binder.Read(bytes.NewReader(data), binder.WithIdentities(in.Identities...)); err != nil {
			return nil, err
		}
		export = archive.Export
	}
	b, err := export.Bundle()
	if err != nil {
		return nil, err
	}

	r := &Report{
		Source:         in.Bundle,
		Archive:        archive != nil,
		BundleID:       b.BundleID,
		BundleHash:     b.BundleHash.Hex(),
		HashSuite:      string(b.HashSuite),
		Timestamp:      export.Timestamp,
		Jurisdiction:   b.Jurisdiction,
		DisclosureMode: string(b.DisclosureMode),
	}
	r.add(ComponentRecord, StatusPass, "schema valid, version %d", export.Version)

	h := artifact.NewHasher(b.HashSuite)
	var supplied seal.Supplied

	// evidence
	switch {
	case in.Evidence != "":
		d, err := h.SumFile(in.Evidence)
		if err != nil {
			return nil, fmt.Errorf("verify: evidence: %w", err)
		}
		supplied.Evidence = &d
	case archive != nil && archive.OriginalDigest != nil:
		supplied.Evidence = archive.OriginalDigest
	}
	r.compare(ComponentEvidence, supplied.Evidence, b.EvidenceHash, evidenceSkip(b.DisclosureMode))

	// report and certificate
	if supplied.Report, err = documentDigest(h, in.Report, archive, func(a *binder.Archive) []byte { return a.Report }); err != nil {
		return nil, err
	}
	r.compare(ComponentReport, supplied.Report, b.ReportHash, "not supplied")

	if supplied.Certificate, err = documentDigest(h, in.Certificate, archive, func(a *binder.Archive) []byte { return a.Certificate }); err != nil {
		return nil, err
	}
	r.compare(ComponentCertificate, supplied.Certificate, b.CertificateHash, "not supplied")

	// The stored component hashes alone must reproduce the bundle hash.
	if v := seal.Verify(b, seal.Supplied{}); v.Field == seal.FieldBundle {
		r.add(ComponentBundleHash, StatusFail, "recomputed hash differs from %s", b.BundleHash.Short())
	} else {
		r.add(ComponentBundleHash, StatusPass, "%s", b.BundleHash.Short())
	}

	r.checkDisclosure(b, archive)
	r.checkSignature(export, in.PublicKey)

	switch b.Anchor {
	case seal.AnchorPending:
		r.add(ComponentAnchor, StatusWarn, "pending: no timestamping authority has confirmed this bundle")
	default:
		r.add(ComponentAnchor, StatusSkip, "absent")
	}

	verdict := seal.Verify(b, supplied)
	if !verdict.Match {
		r.MismatchField = string(verdict.Field)
	}
	r.Valid = r.Failed == 0 && verdict.Match
	r.Duration = time.Since(start)
	return r, nil
}

func (r *Report) compare(component string, got *artifact.Digest, want artifact.Digest, skip string) {
	switch {
	case got == nil:
		r.add(component, StatusSkip, "%s", skip)
	case *got == want:
		r.add(component, StatusPass, "%s", want.Short())
	default:
		r.add(component, StatusFail, "hash %s, sealed %s", got.Short(), want.Short())
	}
}

func (r *Report) checkDisclosure(b seal.SealedBundle, archive *binder.Archive) {
	switch {
	case b.DisclosureMode == seal.ModeReportOnly && b.OriginalArtifactIncluded:
		r.add(ComponentDisclosure, StatusFail, "REPORT_ONLY record claims the original is included")
	case archive == nil:
		r.add(ComponentDisclosure, StatusPass, "%s", b.DisclosureMode)
	case b.DisclosureMode == seal.ModeReportOnly && archive.OriginalDigest != nil:
		r.add(ComponentDisclosure, StatusFail, "REPORT_ONLY archive contains the original %q", archive.OriginalName)
	case b.DisclosureMode == seal.ModeFull && archive.OriginalDigest == nil:
		r.add(ComponentDisclosure, StatusFail, "FULL archive is missing the original")
	default:
		r.add(ComponentDisclosure, StatusPass, "%s", b.DisclosureMode)
	}
}

func (r *Report) checkSignature(e seal.Export, expected ed25519.PublicKey) {
	if e.Custodian == nil && expected == nil {
		r.add(ComponentSignature, StatusSkip, "unsigned")
		return
	}
	if err := signer.VerifyBundle(e, expected); err != nil {
		r.add(ComponentSignature, StatusFail, "%v", err)
		return
	}
	r.add(ComponentSignature, StatusPass, "key %s", shortKey(e.Custodian.PublicKey))
}

func documentDigest(h artifact.Hasher, path string, archive *binder.Archive, member func(*binder.Archive) []byte) (*artifact.Digest, error) {
	if path != "" {
		d, err := h.SumFile(path)
		if err != nil {
			return nil, fmt.Errorf("verify: %w", err)
		}
		return &d, nil
	}
	if archive != nil {
		d := h.Sum(member(archive))
		return &d, nil
	}
	return nil, nil
}

func evidenceSkip(m seal.Mode) string {
	if m == seal.ModeReportOnly {
		return "withheld by design; supply the produced original to check it"
	}
	return "not supplied"
}

func shortKey(k string) string {
	if len(k) > 16 {
		return k[:16]
	}
	return strings.TrimSpace(k)
}
