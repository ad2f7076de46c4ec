package verify

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// ReportFormat specifies the output format for verification reports.
type ReportFormat string

const (
	FormatJSON     ReportFormat = "json"
	FormatText     ReportFormat = "text"
	FormatMarkdown ReportFormat = "markdown"
)

// ParseReportFormat accepts json, text/txt and markdown/md.
func ParseReportFormat(s string) (ReportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "txt":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unknown format: %s", s)
	}
}

// ReportGenerator writes verification reports.
type ReportGenerator struct {
	format  ReportFormat
	verbose bool
}

// NewReportGenerator creates a new report generator.
func NewReportGenerator(format ReportFormat) *ReportGenerator {
	return &ReportGenerator{format: format}
}

// WithVerbose includes skipped components in text output.
func (g *ReportGenerator) WithVerbose(verbose bool) *ReportGenerator {
	g.verbose = verbose
	return g
}

// Generate produces a report in the configured format.
func (g *ReportGenerator) Generate(report *Report, w io.Writer) error {
	switch g.format {
	case FormatJSON:
		return g.generateJSON(report, w)
	case FormatText:
		return g.generateText(report, w)
	case FormatMarkdown:
		return g.generateMarkdown(report, w)
	default:
		return fmt.Errorf("unknown format: %s", g.format)
	}
}

func (g *ReportGenerator) generateJSON(report *Report, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func (g *ReportGenerator) generateText(report *Report, w io.Writer) error {
	rule := strings.Repeat("=", 80)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "                     FORENSIC BUNDLE VERIFICATION REPORT")
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Result:          %s\n", g.resultString(report))
	fmt.Fprintf(w, "Source:          %s\n", report.Source)
	fmt.Fprintf(w, "Bundle ID:       %s\n", report.BundleID)
	fmt.Fprintf(w, "Bundle Hash:     %s\n", g.truncateHash(report.BundleHash))
	fmt.Fprintf(w, "Hash Suite:      %s\n", report.HashSuite)
	fmt.Fprintf(w, "Sealed At:       %s\n", report.Timestamp)
	fmt.Fprintf(w, "Jurisdiction:    %s\n", report.Jurisdiction)
	fmt.Fprintf(w, "Disclosure:      %s\n", report.DisclosureMode)
	fmt.Fprintf(w, "Duration:        %v\n", report.Duration.Round(time.Millisecond))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "--- Component Verification ---")
	for _, comp := range report.Components {
		if comp.Status == StatusSkip && !g.verbose {
			continue
		}
		fmt.Fprintf(w, "[%s] %-22s %s\n", g.statusSymbol(comp.Status), comp.Component, comp.Message)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "--- Summary ---")
	fmt.Fprintf(w, "Passed:   %d\n", report.Passed)
	fmt.Fprintf(w, "Failed:   %d\n", report.Failed)
	fmt.Fprintf(w, "Warnings: %d\n", report.Warnings)
	fmt.Fprintf(w, "Skipped:  %d\n", report.Skipped)
	fmt.Fprintln(w, rule)
	return nil
}

func (g *ReportGenerator) generateMarkdown(report *Report, w io.Writer) error {
	fmt.Fprintln(w, "# Forensic Bundle Verification Report")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "**Result:** %s\n\n", g.resultString(report))

	fmt.Fprintln(w, "| Field | Value |")
	fmt.Fprintln(w, "|-------|-------|")
	fmt.Fprintf(w, "| Bundle ID | `%s` |\n", report.BundleID)
	fmt.Fprintf(w, "| Bundle hash | `%s` |\n", report.BundleHash)
	fmt.Fprintf(w, "| Hash suite | %s |\n", report.HashSuite)
	fmt.Fprintf(w, "| Sealed at | %s |\n", report.Timestamp)
	fmt.Fprintf(w, "| Jurisdiction | %s |\n", report.Jurisdiction)
	fmt.Fprintf(w, "| Disclosure | %s |\n", report.DisclosureMode)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## Components")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Status | Component | Details |")
	fmt.Fprintln(w, "|--------|-----------|---------|")
	for _, comp := range report.Components {
		fmt.Fprintf(w, "| %s | %s | %s |\n", g.statusSymbol(comp.Status), comp.Component, strings.ReplaceAll(comp.Message, "|", `\|`))
	}
	return nil
}

func (g *ReportGenerator) resultString(report *Report) string {
	if report.Valid {
		return "VERIFIED"
	}
	if report.MismatchField != "" {
		return fmt.Sprintf("FAILED (%s mismatch)", report.MismatchField)
	}
	return "FAILED"
}

func (g *ReportGenerator) statusSymbol(s Status) string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusFail:
		return "FAIL"
	case StatusWarn:
		return "WARN"
	default:
		return "SKIP"
	}
}

func (g *ReportGenerator) truncateHash(h string) string {
	if len(h) > 32 {
		return h[:32] + "..."
	}
	return h
}
