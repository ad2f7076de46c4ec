package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"forensicseal/internal/artifact"
	"forensicseal/internal/config"
	"forensicseal/internal/logging"
	"forensicseal/internal/pipeline"
	"forensicseal/internal/seal"
	"forensicseal/internal/watcher"
)

type watchFlags struct {
	ingest     ingestFlags
	sealOnExit bool
	resealed   bool
}

func newWatchCmd(g *globals) *cobra.Command {
	var f watchFlags
	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Ingest files as they are dropped into an inbox directory",
		Long: "Watch seals every file that settles in the inbox into one session. Files\n" +
			"whose evidence hash is already sealed are skipped unless --reseal is set.\n" +
			"Jurisdiction and disclosure mode follow edits to the config file.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, g, &f, args)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.ingest.jurisdiction, "jurisdiction", "", "jurisdiction code (default from config)")
	fl.StringVar(&f.ingest.mode, "mode", "", "disclosure mode: full or report-only (default from config)")
	fl.StringVar(&f.ingest.custodian, "custodian", "", "custodian named on the certificate")
	fl.StringVar(&f.ingest.location, "location", "", "lat,lon[,accuracy] recorded when the session starts")
	fl.BoolVar(&f.sealOnExit, "seal-on-exit", false, "seal the session when the watch stops")
	fl.BoolVar(&f.resealed, "reseal", false, "seal files again even if their evidence is already sealed")
	return cmd
}

// liveOptions holds the submission options that follow config reloads.
type liveOptions struct {
	mu    sync.Mutex
	opts  pipeline.Options
	flags *ingestFlags
}

func (o *liveOptions) get() pipeline.Options {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opts
}

// apply takes jurisdiction and mode from a reloaded config unless they were
// pinned on the command line.
func (o *liveOptions) apply(cfg *config.Config) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := o.opts
	if o.flags.jurisdiction == "" {
		j, err := seal.NormalizeJurisdiction(cfg.Sealing.Jurisdiction)
		if err != nil {
			return err
		}
		next.Jurisdiction = j
	}
	if o.flags.mode == "" {
		m, err := seal.ParseMode(cfg.Sealing.Mode)
		if err != nil {
			return err
		}
		next.Mode = m
	}
	o.opts = next
	return nil
}

func runWatch(cmd *cobra.Command, g *globals, f *watchFlags, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(g)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := logging.WithComponent(a.logger, "watch")

	opts, err := f.ingest.options(a)
	if err != nil {
		return err
	}
	live := &liveOptions{opts: opts, flags: &f.ingest}

	path := g.configPath
	if path == "" {
		path = config.ConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		loader := config.NewLoader(path)
		if _, err := loader.Load(); err != nil {
			return err
		}
		loader.OnChange(func(cfg *config.Config) {
			if err := live.apply(cfg); err != nil {
				logger.Warn("ignoring config change", "error", err)
				return
			}
			o := live.get()
			logger.Info("config reloaded", "jurisdiction", o.Jurisdiction, "mode", o.Mode)
		})
		if err := loader.Watch(); err != nil {
			return err
		}
		defer loader.Close()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case err := <-loader.Errors():
					logger.Warn("config watch", "error", err)
				}
			}
		}()
	}

	h, err := a.hasher()
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

	dir := a.cfg.Watch.Inbox
	if len(args) == 1 {
		dir = args[0]
	}
	w, err := watcher.New(dir,
		watcher.WithDebounce(a.cfg.Watch.Debounce.Duration),
		watcher.WithExclude(a.cfg.Watch.ExcludePatterns...),
		watcher.WithHasher(h),
		watcher.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}

	loc, err := parseLocation(f.ingest.location)
	if err != nil {
		return err
	}
	l, err := a.openSession(ctx, loc)
	if err != nil {
		return err
	}

	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Watching %s (session %s). Press Ctrl-C to stop.\n\n", w.Dir(), l.ID())

	for {
		select {
		case <-ctx.Done():
			if f.sealOnExit {
				return sealSession(context.WithoutCancel(ctx), out, l)
			}
			fmt.Fprintf(out, "Stopped. Session %s left open (%d events).\n", l.ID(), l.Len())
			return nil

		case err := <-w.Errors():
			logger.Warn("inbox", "error", err)

		case ev := <-w.Events():
			if !f.resealed {
				existing, err := a.store.FindByEvidence(ctx, ev.Digest)
				if err != nil {
					return err
				}
				if len(existing) > 0 {
					logger.Info("already sealed, skipping", "path", ev.Path, "bundle_id", existing[0].Export.BundleID)
					continue
				}
			}

			res, err := p.Submit(ctx, l, artifact.FromFile(ev.Path, ""), live.get())
			if res == nil || (err != nil && !errors.Is(err, pipeline.ErrRefusalNotRecorded)) {
				return err
			}
			archive, perr := a.persist(context.WithoutCancel(ctx), res, key)
			if perr != nil {
				return perr
			}
			printResult(out, res, archive)
			if err != nil {
				return err
			}
		}
	}
}
