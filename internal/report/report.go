// Package report builds the structured analysis report that is hashed and
// sealed into every bundle, and renders it to bytes.
package report

import (
	"fmt"
	"time"

	"forensicseal/internal/analysis"
)

// Document describes the sealed artifact.
type Document struct {
	OriginalName string
	ContentType  string
	Size         int64
	HashSuite    string
	EvidenceHash string
}

// Seal describes the sealing that the report belongs to. The bundle hash is
// not part of the report because the report's own hash is one of its inputs.
type Seal struct {
	BundleID       string
	RunID          string
	SessionID      string
	Timestamp      time.Time
	Jurisdiction   string
	DisclosureMode string
	Notice         string
}

// Section is a titled block of paragraphs.
type Section struct {
	Heading    string
	Paragraphs []string
}

// Report is the structured report handed to a Renderer.
type Report struct {
	Title    string
	Document Document
	Analysis analysis.Analysis
	Seal     Seal
	Sections []Section
}

// Build assembles the standard report sections from an analysis.
func Build(title string, doc Document, a analysis.Analysis, seal Seal) Report {
	r := Report{
		Title:    title,
		Document: doc,
		Analysis: a,
		Seal:     seal,
	}
	if r.Title == "" {
		r.Title = "Forensic analysis: " + doc.OriginalName
	}

	r.Sections = append(r.Sections, Section{
		Heading:    "Summary",
		Paragraphs: []string{a.Summary},
	})

	if a.Mode == analysis.ModeEnriched && a.Enrichment != "" {
		r.Sections = append(r.Sections, Section{
			Heading: "Enrichment",
			Paragraphs: []string{
				"The following text was supplied by the enrichment service and is advisory only.",
				a.Enrichment,
			},
		})
	} else {
		r.Sections = append(r.Sections, Section{
			Heading: "Method",
			Paragraphs: []string{
				"Analysis mode: baseline. No enrichment service contributed to this report; all findings were derived deterministically from the artifact content.",
			},
		})
	}

	if len(a.Findings) > 0 {
		var ps []string
		for _, f := range a.Findings {
			ps = append(ps, fmt.Sprintf("%s: %s", f.Kind, f.Value))
		}
		r.Sections = append(r.Sections, Section{Heading: "Extracted references", Paragraphs: ps})
	}

	r.Sections = append(r.Sections, Section{
		Heading:    "Disclosure",
		Paragraphs: []string{seal.Notice},
	})
	return r
}
