// Package pipeline drives one submitted artifact from ingestion to a sealed
// bundle. Every run ends in OUTPUT_READY with a bundle or in ERROR with a
// refusal recorded in the session ledger; there is no silent failure.
//
// Enrichment is the only step that may block on something outside the
// process. It is bounded by a timeout, and when it is missing, slow or
// cancelled the run continues with the deterministic baseline analysis.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"forensicseal/internal/analysis"
	"forensicseal/internal/artifact"
	"forensicseal/internal/binder"
	"forensicseal/internal/enrich"
	"forensicseal/internal/ledger"
	"forensicseal/internal/logging"
	"forensicseal/internal/report"
	"forensicseal/internal/seal"
)

// DefaultEnrichTimeout bounds a single enrichment call.
const DefaultEnrichTimeout = 20 * time.Second

var (
	ErrNilLedger          = errors.New("pipeline: nil ledger")
	ErrInvalidOptions     = errors.New("pipeline: invalid options")
	ErrRefusalNotRecorded = errors.New("pipeline: refusal could not be recorded")
)

// Options are per-submission choices.
type Options struct {
	Jurisdiction string
	Mode         seal.Mode
	Title        string

	// Format selects the report renderer; empty uses the pipeline default.
	Format report.Format

	// Custodian names the operator on the certificate.
	Custodian string
}

// Pipeline holds the collaborators shared by all runs. It is safe for
// concurrent use.
type Pipeline struct {
	hasher   artifact.Hasher
	sealer   *seal.Sealer
	enricher enrich.Enricher
	timeout  time.Duration
	renderer report.Renderer
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHasher sets the evidence hash suite and excerpt limit.
func WithHasher(h artifact.Hasher) Option {
	return func(p *Pipeline) { p.hasher = h }
}

// WithSealer replaces the bundle sealer. Its suite should match the hasher's.
func WithSealer(s *seal.Sealer) Option {
	return func(p *Pipeline) { p.sealer = s }
}

// WithEnricher sets the enrichment collaborator and the bound on each call.
// A zero timeout selects DefaultEnrichTimeout.
func WithEnricher(e enrich.Enricher, timeout time.Duration) Option {
	return func(p *Pipeline) {
		p.enricher = e
		p.timeout = timeout
	}
}

// WithRenderer sets the default report renderer.
func WithRenderer(r report.Renderer) Option {
	return func(p *Pipeline) { p.renderer = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New returns a pipeline. Without options it hashes with SHA-512, renders
// Markdown and has no enricher, so every run uses baseline analysis.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		hasher:   artifact.NewHasher(artifact.DefaultSuite),
		enricher: enrich.Disabled{},
		renderer: report.MarkdownRenderer{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.timeout <= 0 {
		p.timeout = DefaultEnrichTimeout
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	p.logger = logging.WithComponent(p.logger, "pipeline")
	if p.sealer == nil {
		p.sealer = seal.NewSealer(p.hasher.Suite(), seal.WithLogger(p.logger))
	}
	return p
}

// EventRef points at a ledger event emitted by a run.
type EventRef struct {
	Index     int
	EventID   string
	Type      ledger.EventType
	EventHash ledger.Digest
}

// Result is the outcome of one run. Exactly one of Bundle (State
// OUTPUT_READY) or Refusal (State ERROR) is meaningful.
type Result struct {
	RunID        string
	State        State
	History      []State
	OriginalName string

	Evidence   artifact.Fingerprint
	Enrichment enrich.Outcome
	Analysis   analysis.Analysis

	Bundle       seal.SealedBundle
	Export       seal.Export
	Report       []byte
	ReportFormat report.Format
	Certificate  []byte

	Events  []EventRef
	Refusal *Refusal

	artifact artifact.Artifact
}

// OK reports whether the run produced a bundle.
func (r *Result) OK() bool { return r.State == StateOutputReady }

// Contents returns the binder contents of a sealed run. The original is
// attached only in FULL disclosure mode.
func (r *Result) Contents() (binder.Contents, error) {
	if !r.OK() {
		return binder.Contents{}, fmt.Errorf("pipeline: run %s ended in %s", r.RunID, r.State)
	}
	c := binder.Contents{
		Export:      r.Export,
		Certificate: r.Certificate,
		Report:      r.Report,
		ReportExt:   string(r.ReportFormat),
	}
	if r.Bundle.DisclosureMode == seal.ModeFull {
		a := r.artifact
		c.Original = &a
	}
	return c, nil
}

// run is the mutable state of one submission. It is discarded once the
// Result is returned.
type run struct {
	*Result
	ledger *ledger.Ledger
	logger *slog.Logger
}

func (r *run) fire(on Trigger) error {
	to, err := Transition(r.State, on)
	if err != nil {
		return err
	}
	r.logger.Debug("transition", "from", r.State, "trigger", on, "to", to)
	r.State = to
	r.History = append(r.History, to)
	return nil
}

func (r *run) record(ctx context.Context, p ledger.Payload) error {
	ev, err := r.ledger.Append(ctx, p)
	if err != nil {
		return err
	}
	r.Events = append(r.Events, EventRef{
		Index:     ev.Index,
		EventID:   ev.EventID,
		Type:      ev.Type,
		EventHash: ev.EventHash,
	})
	return nil
}

// Submit runs one artifact through the pipeline against l.
//
// The returned error is reserved for caller mistakes: a nil or sealed
// ledger, or invalid options. Ingestion failures are reported as a Result in
// StateError carrying a Refusal. If even the refusal cannot be written to the
// ledger, the Result is returned together with ErrRefusalNotRecorded.
//
// Once a run has started, ledger writes are detached from ctx cancellation so
// that a started run always ends in a recorded state. Two ledger conditions
// break that guarantee because nothing more can be written: the session was
// sealed by another writer while the run was in flight, or the ledger's
// journals diverged (ledger.ErrJournalDiverged). Submit then returns the
// partial Result with the ledger error. Its Events list what the run did
// record, typically an evidence_ingested event with no sealed or
// ingestion_refused event after it.
func (p *Pipeline) Submit(ctx context.Context, l *ledger.Ledger, a artifact.Artifact, opts Options) (*Result, error) {
	if l == nil {
		return nil, ErrNilLedger
	}
	if l.Sealed() {
		return nil, ledger.ErrSessionSealed
	}
	if err := l.Broken(); err != nil {
		return nil, err
	}
	opts, renderer, err := p.resolve(opts)
	if err != nil {
		return nil, err
	}

	r := &run{
		Result: &Result{
			RunID:        uuid.NewString(),
			State:        StateIdle,
			History:      []State{StateIdle},
			OriginalName: a.OriginalName,
			artifact:     a,
		},
		ledger: l,
	}
	r.logger = p.logger.With("run_id", r.RunID, "session_id", l.ID())
	lctx := context.WithoutCancel(ctx)

	if err := p.execute(ctx, lctx, r, opts, renderer); err != nil {
		if broken := l.Broken(); broken != nil {
			err = broken
		}
		if errors.Is(err, ledger.ErrSessionSealed) || errors.Is(err, ledger.ErrJournalDiverged) {
			r.logger.Error("run abandoned, ledger closed to writes",
				"state", r.State,
				"events", len(r.Events),
				"error", err,
			)
			return r.Result, err
		}
		return p.refuse(lctx, r, err)
	}
	return r.Result, nil
}

func (p *Pipeline) resolve(opts Options) (Options, report.Renderer, error) {
	j, err := seal.NormalizeJurisdiction(opts.Jurisdiction)
	if err != nil {
		return opts, nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	opts.Jurisdiction = j

	if opts.Mode == "" {
		opts.Mode = seal.ModeFull
	}
	if opts.Mode != seal.ModeFull && opts.Mode != seal.ModeReportOnly {
		return opts, nil, fmt.Errorf("%w: %w: %q", ErrInvalidOptions, seal.ErrInvalidMode, opts.Mode)
	}

	renderer := p.renderer
	if opts.Format != "" {
		if renderer, err = report.ParseFormat(string(opts.Format)); err != nil {
			return opts, nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
	}
	return opts, renderer, nil
}

func (p *Pipeline) execute(ctx, lctx context.Context, r *run, opts Options, renderer report.Renderer) error {
	// IDLE -> INGESTED
	fp, err := p.hasher.Evidence(r.artifact)
	if err != nil {
		return &StepError{Step: StepHash, Err: err}
	}
	r.OriginalName = r.artifact.OriginalName
	excerpt := fp.Excerpt
	truncated := fp.Excerpt != "" && int64(len(fp.Excerpt)) < fp.Size
	fp.Excerpt = ""
	r.Evidence = fp

	if err := r.record(lctx, ledger.EvidenceIngested{
		RunID:        r.RunID,
		OriginalName: r.artifact.OriginalName,
		ContentType:  fp.ContentType,
		Size:         fp.Size,
		HashSuite:    string(fp.Suite),
		EvidenceHash: fp.Digest.Hex(),
	}); err != nil {
		return stepLedger(err)
	}
	if err := r.fire(TriggerSubmit); err != nil {
		return err
	}
	r.logger.Info("evidence ingested", "name", r.artifact.OriginalName, "size", fp.Size, "evidence_hash", fp.Digest.Short())

	// INGESTED -> SCANNING -> ANALYZED
	if err := r.fire(TriggerBeginScan); err != nil {
		return err
	}
	res := enrich.Call(ctx, p.enricher, excerpt, p.timeout)
	r.Enrichment = res.Outcome

	trigger := TriggerEnrichmentUnavailable
	if res.Outcome == enrich.Enriched {
		trigger = TriggerEnrichmentAvailable
		r.Analysis = analysis.Enriched(excerpt, truncated, res.Text)
	} else {
		r.Analysis = analysis.Baseline(excerpt, truncated)
		r.logger.Info("enrichment unavailable, using baseline analysis", "outcome", res.Outcome, "reason", res.Reason)
	}

	analysisDigest, err := r.Analysis.Digest()
	if err != nil {
		return &StepError{Step: StepAnalyze, Err: err}
	}
	if err := r.record(lctx, ledger.ScanPerformed{
		RunID:          r.RunID,
		Baseline:       trigger == TriggerEnrichmentUnavailable,
		Outcome:        scanOutcome(res.Outcome),
		AnalysisDigest: fmt.Sprintf("%x", analysisDigest),
	}); err != nil {
		return stepLedger(err)
	}
	if err := r.fire(trigger); err != nil {
		return err
	}

	// ANALYZED -> SEALED
	if err := p.seal(lctx, r, opts, renderer); err != nil {
		return err
	}
	if err := r.fire(TriggerSeal); err != nil {
		return err
	}

	// SEALED -> OUTPUT_READY
	if err := r.fire(TriggerFinalize); err != nil {
		return err
	}
	r.logger.Info("run complete",
		"bundle_id", r.Bundle.BundleID,
		"bundle_hash", r.Bundle.BundleHash.Short(),
		"analysis", r.Analysis.Mode,
	)
	return nil
}

func (p *Pipeline) seal(lctx context.Context, r *run, opts Options, renderer report.Renderer) error {
	bundleID := uuid.NewString()
	ts := p.sealer.Now()

	doc := report.Build(opts.Title, report.Document{
		OriginalName: r.artifact.OriginalName,
		ContentType:  r.Evidence.ContentType,
		Size:         r.Evidence.Size,
		HashSuite:    string(r.Evidence.Suite),
		EvidenceHash: r.Evidence.Digest.Hex(),
	}, r.Analysis, report.Seal{
		BundleID:       bundleID,
		RunID:          r.RunID,
		SessionID:      r.ledger.ID(),
		Timestamp:      ts,
		Jurisdiction:   opts.Jurisdiction,
		DisclosureMode: string(opts.Mode),
		Notice:         seal.Notice(opts.Mode),
	})
	rendered, err := renderer.Render(doc)
	if err != nil {
		return &StepError{Step: StepRender, Err: err}
	}
	reportHash := p.hasher.Sum(rendered)

	certificate := seal.Certificate(seal.CertificateInfo{
		BundleID:     bundleID,
		SessionID:    r.ledger.ID(),
		RunID:        r.RunID,
		OriginalName: r.artifact.OriginalName,
		Custodian:    opts.Custodian,
		Timestamp:    ts,
		Jurisdiction: opts.Jurisdiction,
		Mode:         opts.Mode,
		HashSuite:    r.Evidence.Suite,
		EvidenceHash: r.Evidence.Digest,
		ReportHash:   reportHash,
		AnalysisMode: string(r.Analysis.Mode),
		Anchor:       p.sealer.Anchor(),
	})

	b, err := p.sealer.Seal(seal.SealInput{
		BundleID:        bundleID,
		EvidenceHash:    r.Evidence.Digest,
		ReportHash:      reportHash,
		CertificateHash: p.hasher.Sum(certificate),
		Timestamp:       ts,
		Jurisdiction:    opts.Jurisdiction,
		Mode:            opts.Mode,
	})
	if err != nil {
		return &StepError{Step: StepSeal, Err: err}
	}

	if err := r.record(lctx, ledger.Sealed{
		RunID:          r.RunID,
		BundleID:       b.BundleID,
		BundleHash:     b.BundleHash.Hex(),
		DisclosureMode: string(b.DisclosureMode),
	}); err != nil {
		return stepLedger(err)
	}

	r.Bundle = b
	r.Report = rendered
	r.ReportFormat = renderer.Format()
	r.Certificate = certificate

	r.Export = seal.ToExport(b)
	r.Export.ReportFormat = string(renderer.Format())
	r.Export.OriginalName = r.artifact.OriginalName
	r.Export.SessionID = r.ledger.ID()
	return nil
}

func scanOutcome(o enrich.Outcome) ledger.ScanOutcome {
	switch o {
	case enrich.Enriched:
		return ledger.ScanEnriched
	case enrich.TimedOut:
		return ledger.ScanTimedOut
	default:
		return ledger.ScanUnavailable
	}
}

// SubmitAll runs the artifacts concurrently against the same ledger, at most
// limit at a time (limit < 1 means one). Results are in input order. Only
// caller mistakes abort the batch; refused artifacts appear as results in
// StateError.
func (p *Pipeline) SubmitAll(ctx context.Context, l *ledger.Ledger, arts []artifact.Artifact, opts Options, limit int) ([]*Result, error) {
	if limit < 1 {
		limit = 1
	}
	results := make([]*Result, len(arts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, a := range arts {
		g.Go(func() error {
			res, err := p.Submit(gctx, l, a, opts)
			if err != nil && !errors.Is(err, ErrRefusalNotRecorded) {
				return fmt.Errorf("submit %s: %w", a.OriginalName, err)
			}
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
