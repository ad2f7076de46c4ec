package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"forensicseal/internal/artifact"
	"forensicseal/internal/ledger"
	"forensicseal/internal/pipeline"
	"forensicseal/internal/report"
	"forensicseal/internal/seal"
)

type ingestFlags struct {
	jurisdiction string
	mode         string
	title        string
	format       string
	custodian    string
	session      string
	location     string
	seal         bool
}

func newIngestCmd(g *globals) *cobra.Command {
	var f ingestFlags
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest evidence files and seal a bundle for each",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, g, &f, args)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.jurisdiction, "jurisdiction", "", "jurisdiction code, e.g. ZA or ZA-GP (default from config)")
	fl.StringVar(&f.mode, "mode", "", "disclosure mode: full or report-only (default from config)")
	fl.StringVar(&f.title, "title", "", "report title")
	fl.StringVar(&f.format, "format", "", "report format: md, html, txt or json (default from config)")
	fl.StringVar(&f.custodian, "custodian", "", "custodian named on the certificate")
	fl.StringVar(&f.session, "session", "", "extend an open session instead of starting one")
	fl.StringVar(&f.location, "location", "", "lat,lon[,accuracy] recorded when the session starts")
	fl.BoolVar(&f.seal, "seal", false, "seal the session after ingesting")
	return cmd
}

func (f *ingestFlags) options(a *app) (pipeline.Options, error) {
	opts := pipeline.Options{
		Jurisdiction: a.cfg.Sealing.Jurisdiction,
		Title:        f.title,
		Custodian:    f.custodian,
	}
	if f.jurisdiction != "" {
		opts.Jurisdiction = f.jurisdiction
	}

	mode := a.cfg.Sealing.Mode
	if f.mode != "" {
		mode = f.mode
	}
	m, err := seal.ParseMode(mode)
	if err != nil {
		return opts, err
	}
	opts.Mode = m

	if f.format != "" {
		r, err := report.ParseFormat(f.format)
		if err != nil {
			return opts, err
		}
		opts.Format = r.Format()
	}
	return opts, nil
}

func runIngest(cmd *cobra.Command, g *globals, f *ingestFlags, paths []string) error {
	ctx := cmd.Context()
	a, err := openApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	opts, err := f.options(a)
	if err != nil {
		return err
	}
	p, err := a.pipeline()
	if err != nil {
		return err
	}
	key, err := a.signingKey()
	if err != nil {
		return err
	}

	var l *ledger.Ledger
	if f.session != "" {
		l, err = a.resumeSession(ctx, f.session)
	} else {
		loc, lerr := parseLocation(f.location)
		if lerr != nil {
			return lerr
		}
		l, err = a.openSession(ctx, loc)
	}
	if err != nil {
		return err
	}

	arts := make([]artifact.Artifact, len(paths))
	for i, path := range paths {
		arts[i] = artifact.FromFile(path, "")
	}
	results, err := p.SubmitAll(ctx, l, arts, opts, a.cfg.Sealing.Concurrency)
	if err != nil && !errors.Is(err, pipeline.ErrRefusalNotRecorded) {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session: %s\n\n", l.ID())
	refused := 0
	for _, res := range results {
		if res == nil {
			continue
		}
		if !res.OK() {
			refused++
		}
		archive, perr := a.persist(ctx, res, key)
		if perr != nil {
			return perr
		}
		printResult(out, res, archive)
	}
	if err != nil {
		return err
	}

	if f.seal {
		if err := sealSession(ctx, out, l); err != nil {
			return err
		}
	}
	if refused > 0 {
		return fmt.Errorf("%d of %d files refused", refused, len(paths))
	}
	return nil
}

func printResult(w io.Writer, res *pipeline.Result, archive string) {
	if !res.OK() {
		r := res.Refusal
		fmt.Fprintf(w, "REFUSED  %s\n", res.OriginalName)
		fmt.Fprintf(w, "  Step:          %s\n", r.Step)
		fmt.Fprintf(w, "  Reason:        %s\n", r.Reason)
		fmt.Fprintf(w, "  Refusal hash:  %s\n\n", r.RefusalHash.Short())
		return
	}
	b := res.Bundle
	fmt.Fprintf(w, "SEALED   %s\n", res.OriginalName)
	fmt.Fprintf(w, "  Bundle:        %s\n", b.BundleID)
	fmt.Fprintf(w, "  Evidence hash: %s\n", b.EvidenceHash.Short())
	fmt.Fprintf(w, "  Bundle hash:   %s\n", b.BundleHash.Short())
	fmt.Fprintf(w, "  Analysis:      %s (%s)\n", res.Analysis.Mode, res.Enrichment)
	fmt.Fprintf(w, "  Disclosure:    %s\n", b.DisclosureMode)
	fmt.Fprintf(w, "  Archive:       %s\n\n", archive)
}

func sealSession(ctx context.Context, w io.Writer, l *ledger.Ledger) error {
	h, err := l.Seal(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Session %s sealed: %x (%d events)\n", l.ID(), h, l.Len())
	return nil
}
