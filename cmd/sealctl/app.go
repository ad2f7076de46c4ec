package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"forensicseal/internal/artifact"
	"forensicseal/internal/binder"
	"forensicseal/internal/config"
	"forensicseal/internal/enrich"
	"forensicseal/internal/geo"
	"forensicseal/internal/ledger"
	"forensicseal/internal/logging"
	"forensicseal/internal/pipeline"
	"forensicseal/internal/report"
	"forensicseal/internal/seal"
	"forensicseal/internal/signer"
	"forensicseal/internal/store"
	"forensicseal/internal/wal"
)

// app is the wiring shared by every subcommand that touches the case store.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	logger  *slog.Logger
	store   *store.Store
	wal     *wal.WAL
	journal ledger.Journal
}

func loadConfig(g *globals) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	lc.Level, _ = logging.ParseLevel(cfg.Logging.Level)
	lc.Format, _ = logging.ParseFormat(cfg.Logging.Format)
	lc.Output = cfg.Logging.Output
	lc.FilePath = cfg.Logging.FilePath
	lc.MaxSize = int64(cfg.Logging.MaxSizeMB)
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.Compress = cfg.Logging.Compress
	lc.Component = "sealctl"
	return logging.New(lc)
}

func openApp(g *globals) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, logger: log.Logger}

	a.store, err = store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.journal = a.store

	if cfg.Journal.Enabled {
		secret, err := cfg.JournalSecret()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("%w (run 'sealctl init' to create one)", err)
		}
		a.wal, err = wal.Open(cfg.Storage.JournalPath, secret, wal.WithLogger(logging.WithComponent(a.logger, "wal")))
		if err != nil {
			a.Close()
			return nil, err
		}
		// The authenticated journal is written first so that a store failure
		// leaves the WAL ahead of the store, never the reverse.
		a.journal = ledger.MultiJournal{a.wal, a.store}
	}
	return a, nil
}

func (a *app) Close() {
	if a.wal != nil {
		if err := a.wal.Close(); err != nil {
			a.logger.Warn("close journal", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
	a.log.Close()
}

func (a *app) ledgerOptions() []ledger.Option {
	return []ledger.Option{
		ledger.WithJournal(a.journal),
		ledger.WithLogger(logging.WithComponent(a.logger, "ledger")),
	}
}

// openSession starts a new session and records who opened it, where.
func (a *app) openSession(ctx context.Context, loc geo.Locator) (*ledger.Ledger, error) {
	l, err := ledger.New(ctx, a.ledgerOptions()...)
	if err != nil {
		return nil, err
	}
	started := ledger.SessionStarted{Operator: operator()}
	started.Host, _ = os.Hostname()
	if fix, ok := loc.CurrentLocation(ctx); ok {
		started.Location = &fix
	}
	if _, err := l.Append(ctx, started); err != nil {
		return nil, err
	}
	return l, nil
}

// resumeSession replays a stored session so it can be extended or sealed.
// A session whose chain no longer verifies is never extended.
func (a *app) resumeSession(ctx context.Context, id string) (*ledger.Ledger, error) {
	sum, records, err := a.store.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	l, c, err := ledger.Replay(sum, records, a.ledgerOptions()...)
	if err != nil {
		return nil, err
	}
	if !c.Valid {
		return nil, fmt.Errorf("session %s: %s", id, c)
	}
	return l, nil
}

func (a *app) hasher() (artifact.Hasher, error) {
	suite, err := artifact.ParseSuite(a.cfg.Sealing.HashSuite)
	if err != nil {
		return artifact.Hasher{}, err
	}
	return artifact.NewHasher(suite, artifact.WithExcerptLimit(a.cfg.Enrichment.ExcerptLimit)), nil
}

func (a *app) pipeline() (*pipeline.Pipeline, error) {
	h, err := a.hasher()
	if err != nil {
		return nil, err
	}
	renderer, err := report.ParseFormat(a.cfg.Sealing.ReportFormat)
	if err != nil {
		return nil, err
	}

	var sealOpts []seal.Option
	sealOpts = append(sealOpts, seal.WithLogger(logging.WithComponent(a.logger, "seal")))
	if a.cfg.Sealing.AnchorPending {
		sealOpts = append(sealOpts, seal.WithAnchorPending())
	}

	var enricher enrich.Enricher = enrich.Disabled{}
	if ep := a.cfg.Enrichment.Endpoint; ep != "" {
		enricher = enrich.NewHTTPEnricher(ep,
			enrich.WithRateLimit(a.cfg.Enrichment.RatePerSecond, a.cfg.Enrichment.Burst),
		)
	}

	return pipeline.New(
		pipeline.WithHasher(h),
		pipeline.WithSealer(seal.NewSealer(h.Suite(), sealOpts...)),
		pipeline.WithEnricher(enricher, a.cfg.Enrichment.Timeout.Duration),
		pipeline.WithRenderer(renderer),
		pipeline.WithLogger(a.logger),
	), nil
}

func (a *app) signingKey() (ed25519.PrivateKey, error) {
	if !a.cfg.Signing.Enabled {
		return nil, nil
	}
	return signer.LoadPrivateKey(a.cfg.Signing.KeyPath)
}

// persist writes the outputs of a finished run and indexes them. It returns
// the archive path for a sealed run and "" for a refusal.
func (a *app) persist(ctx context.Context, res *pipeline.Result, key ed25519.PrivateKey) (string, error) {
	if !res.OK() {
		if res.Refusal == nil {
			return "", fmt.Errorf("run %s ended in %s without a refusal", res.RunID, res.State)
		}
		r := res.Refusal
		return "", a.store.SaveRefusal(ctx, store.RefusalRecord{
			RunID:        r.RunID,
			SessionID:    r.SessionID,
			FailedStep:   string(r.Step),
			Reason:       r.Reason,
			OriginalName: r.OriginalName,
			RefusalHash:  r.RefusalHash.Hex(),
			Timestamp:    r.Timestamp,
		})
	}

	c, err := res.Contents()
	if err != nil {
		return "", err
	}
	if key != nil {
		cust, err := signer.SignBundle(key, c.Export)
		if err != nil {
			return "", err
		}
		c.Export.Custodian = &cust
	}

	opts := []binder.WriteOption{binder.WithLevel(zstd.EncoderLevel(a.cfg.Export.CompressionLevel))}
	if len(a.cfg.Export.Recipients) > 0 {
		recipients, err := binder.ParseRecipients(a.cfg.Export.Recipients)
		if err != nil {
			return "", err
		}
		opts = append(opts, binder.WithRecipients(recipients...))
	}

	base := filepath.Join(a.cfg.Export.OutputDir, c.Export.BundleID)
	archive := base + binder.Extension
	if len(a.cfg.Export.Recipients) > 0 {
		archive += ".age"
	}
	if err := binder.WriteFile(archive, c, opts...); err != nil {
		return "", err
	}
	record, err := c.Export.Encode()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(base+".json", record, 0600); err != nil {
		return "", fmt.Errorf("write bundle record: %w", err)
	}

	err = a.store.SaveBundle(ctx, store.BundleRecord{
		Export:      c.Export,
		RunID:       res.RunID,
		SessionID:   c.Export.SessionID,
		ArchivePath: archive,
	})
	if err != nil {
		return "", err
	}
	return archive, nil
}

func operator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// parseLocation reads "lat,lon" or "lat,lon,accuracy".
func parseLocation(s string) (geo.Locator, error) {
	if s == "" {
		return geo.None{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("location %q: want lat,lon[,accuracy]", s)
	}
	var vals [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("location %q: %w", s, err)
		}
		vals[i] = v
	}
	loc := geo.Location{Lat: vals[0], Lon: vals[1], Accuracy: vals[2]}
	if !loc.Valid() {
		return nil, fmt.Errorf("location %q: out of range", s)
	}
	return geo.Fixed(loc), nil
}
