// Package analysis produces the structured analysis attached to every
// sealed report. The baseline analysis is deterministic and needs nothing
// beyond the artifact text, so sealing never waits on enrichment.
package analysis

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/gowebpki/jcs"
)

// Mode records where the analysis text came from.
type Mode string

const (
	ModeBaseline Mode = "baseline"
	ModeEnriched Mode = "enriched"
)

// Stats are simple counts over the excerpt.
type Stats struct {
	Characters int  `json:"characters"`
	Words      int  `json:"words"`
	Lines      int  `json:"lines"`
	Truncated  bool `json:"truncated"`
}

// Finding is one extracted reference.
type Finding struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Term is a frequent word.
type Term struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// Analysis is the structured result fed into the report.
type Analysis struct {
	Mode     Mode      `json:"mode"`
	Summary  string    `json:"summary"`
	Stats    Stats     `json:"stats"`
	Terms    []Term    `json:"terms,omitempty"`
	Findings []Finding `json:"findings,omitempty"`

	// Enrichment is the opaque enrichment text, present only in enriched mode.
	Enrichment string `json:"enrichment,omitempty"`
}

// Digest returns SHA-256 over the canonical JSON of the analysis.
func (a Analysis) Digest() ([32]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return [32]byte{}, fmt.Errorf("analysis: marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return [32]byte{}, fmt.Errorf("analysis: canonicalize: %w", err)
	}
	return sha256.Sum256(canon), nil
}

var extractors = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"case_reference", regexp.MustCompile(`\b[A-Z]{2,6}-\d{1,6}\b`)},
	{"date", regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"amount", regexp.MustCompile(`(?:[$€£]|\bR)\s?\d[\d,]*(?:\.\d{2})?\b`)},
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "with": true,
	"this": true, "was": true, "are": true, "from": true, "have": true,
	"not": true, "but": true, "had": true, "his": true, "her": true,
	"they": true, "you": true, "all": true, "been": true, "were": true,
}

const maxTerms = 10

// Baseline analyzes text without any external service. The same input
// always yields the same Analysis.
func Baseline(text string, truncated bool) Analysis {
	a := Analysis{
		Mode: ModeBaseline,
		Stats: Stats{
			Characters: len([]rune(text)),
			Words:      len(strings.Fields(text)),
			Truncated:  truncated,
		},
	}
	if text != "" {
		a.Stats.Lines = strings.Count(text, "\n") + 1
	}

	a.Terms = topTerms(text)
	a.Findings = extract(text)
	a.Summary = summarize(a)
	return a
}

// Enriched wraps enrichment text around the baseline counts, so the report
// keeps the same structure either way.
func Enriched(text string, truncated bool, enrichment string) Analysis {
	a := Baseline(text, truncated)
	a.Mode = ModeEnriched
	a.Enrichment = enrichment
	return a
}

func topTerms(text string) []Term {
	counts := map[string]int{}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if len([]rune(w)) < 3 || stopwords[w] {
			continue
		}
		counts[w]++
	}

	terms := make([]Term, 0, len(counts))
	for w, c := range counts {
		terms = append(terms, Term{Word: w, Count: c})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Word < terms[j].Word
	})
	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}
	return terms
}

func extract(text string) []Finding {
	var out []Finding
	seen := map[Finding]bool{}
	for _, ex := range extractors {
		for _, m := range ex.re.FindAllString(text, -1) {
			f := Finding{Kind: ex.kind, Value: strings.TrimSpace(m)}
			if seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func summarize(a Analysis) string {
	if a.Stats.Characters == 0 {
		return "No extractable text. The artifact was sealed by content hash only."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Baseline analysis of %d words over %d lines", a.Stats.Words, a.Stats.Lines)
	if a.Stats.Truncated {
		sb.WriteString(" (excerpt)")
	}
	sb.WriteString(".")
	if len(a.Findings) > 0 {
		kinds := map[string]int{}
		for _, f := range a.Findings {
			kinds[f.Kind]++
		}
		names := make([]string, 0, len(kinds))
		for k := range kinds {
			names = append(names, k)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, k := range names {
			parts[i] = fmt.Sprintf("%d %s", kinds[k], strings.ReplaceAll(k, "_", " "))
		}
		fmt.Fprintf(&sb, " Extracted references: %s.", strings.Join(parts, ", "))
	}
	return sb.String()
}
