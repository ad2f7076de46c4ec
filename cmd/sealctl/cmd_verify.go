package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"forensicseal/internal/binder"
	"forensicseal/internal/ledger"
	"forensicseal/internal/signer"
	"forensicseal/internal/verify"
)

var errVerifyFailed = errors.New("bundle failed verification")

type verifyFlags struct {
	evidence    string
	report      string
	certificate string
	pubkey      string
	identity    string
	format      string
	session     string
	verbose     bool
}

func newVerifyCmd(g *globals) *cobra.Command {
	var f verifyFlags
	cmd := &cobra.Command{
		Use:   "verify <bundle.json | archive>",
		Short: "Verify a sealed bundle against the documents it binds",
		Long: "Verify recomputes the bundle hash and compares each supplied document\n" +
			"with the hash sealed in the bundle. With --session the outcome is\n" +
			"recorded in that session's ledger.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, g, &f, args[0])
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.evidence, "evidence", "", "original evidence file")
	fl.StringVar(&f.report, "report", "", "report file")
	fl.StringVar(&f.certificate, "certificate", "", "certificate file")
	fl.StringVar(&f.pubkey, "pubkey", "", "custodian public key the bundle must be signed with")
	fl.StringVar(&f.identity, "identity", "", "age identity file for encrypted archives")
	fl.StringVar(&f.format, "format", "text", "output format: text, json or markdown")
	fl.StringVar(&f.session, "session", "", "record the outcome in this open session")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "show skipped checks")
	return cmd
}

func verifyInput(bundle, evidence, report, certificate, pubkey, identity string) (verify.Input, error) {
	in := verify.Input{
		Bundle:      bundle,
		Evidence:    evidence,
		Report:      report,
		Certificate: certificate,
	}
	if pubkey != "" {
		pub, err := signer.LoadPublicKey(pubkey)
		if err != nil {
			return in, err
		}
		in.PublicKey = pub
	}
	if identity != "" {
		ids, err := binder.ParseIdentityFile(identity)
		if err != nil {
			return in, err
		}
		in.Identities = ids
	}
	return in, nil
}

func runVerify(cmd *cobra.Command, g *globals, f *verifyFlags, bundle string) error {
	format, err := verify.ParseReportFormat(f.format)
	if err != nil {
		return err
	}
	in, err := verifyInput(bundle, f.evidence, f.report, f.certificate, f.pubkey, f.identity)
	if err != nil {
		return err
	}
	r, err := verify.Check(in)
	if err != nil {
		return err
	}
	if err := verify.NewReportGenerator(format).WithVerbose(f.verbose).Generate(r, cmd.OutOrStdout()); err != nil {
		return err
	}

	if f.session != "" {
		a, err := openApp(g)
		if err != nil {
			return err
		}
		defer a.Close()
		l, err := a.resumeSession(cmd.Context(), f.session)
		if err != nil {
			return err
		}
		ev, err := l.Append(cmd.Context(), ledger.BundleVerified{
			BundleID:      r.BundleID,
			Match:         r.Valid,
			MismatchField: r.MismatchField,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Recorded as event %d in session %s\n", ev.Index, l.ID())
	}

	if !r.Valid {
		return errVerifyFailed
	}
	return nil
}
