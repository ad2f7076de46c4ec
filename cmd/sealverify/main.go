// Command sealverify verifies forensicseal bundles offline.
//
// It needs no database, journal or config: only the bundle record or binder
// archive and whichever documents are to be checked against it. This makes
// it suitable for opposing counsel, auditors and automated pipelines.
//
// Usage:
//
//	sealverify [flags] <bundle.json | archive.tar.zst>
//
// Examples:
//
//	# Verify an archive against its own members
//	sealverify 6f1c...tar.zst
//
//	# Check a produced original against a REPORT_ONLY bundle record
//	sealverify --evidence statement.pdf bundle.json
//
//	# Require the custodian signature and emit JSON
//	sealverify --pubkey custodian.pub --format json bundle.json
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"forensicseal/internal/binder"
	"forensicseal/internal/signer"
	"forensicseal/internal/verify"
)

// Version information (set at build time)
var version = "dev"

// Exit codes.
const (
	exitOK       = 0
	exitMismatch = 1
	exitUsage    = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var (
		evidence    string
		report      string
		certificate string
		pubkey      string
		identity    string
		formatStr   string
		output      string
		verbose     bool
		quiet       bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("sealverify", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&evidence, "evidence", "e", "", "original evidence file to check against the evidence hash")
	flagSet.StringVarP(&report, "report", "r", "", "report file to check against the report hash")
	flagSet.StringVarP(&certificate, "certificate", "c", "", "certificate file to check against the certificate hash")
	flagSet.StringVar(&pubkey, "pubkey", "", "require a custodian signature made with this public key")
	flagSet.StringVarP(&identity, "identity", "i", "", "age identity file for encrypted archives")
	flagSet.StringVarP(&formatStr, "format", "f", "text", "output format: text, json, markdown")
	flagSet.StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "show skipped checks")
	flagSet.BoolVarP(&quiet, "quiet", "q", false, "print nothing; report the result in the exit code")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flagSet.Usage = func() {
		fmt.Fprintf(stderr, "sealverify - verify forensicseal bundles offline\n\n")
		fmt.Fprintf(stderr, "Usage: sealverify [flags] <bundle.json | archive.tar.zst>\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		flagSet.PrintDefaults()
		fmt.Fprintf(stderr, "\nExit codes: 0 verified, 1 verification failed, 2 usage or read error\n")
	}

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return exitOK
		}
		return exitUsage
	}
	if showVersion {
		fmt.Fprintf(stdout, "sealverify %s\n", version)
		return exitOK
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintf(stderr, "Error: one bundle record or archive required\n\n")
		flagSet.Usage()
		return exitUsage
	}

	format, err := verify.ParseReportFormat(formatStr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	in := verify.Input{
		Bundle:      flagSet.Arg(0),
		Evidence:    evidence,
		Report:      report,
		Certificate: certificate,
	}
	if pubkey != "" {
		if in.PublicKey, err = signer.LoadPublicKey(pubkey); err != nil {
			fmt.Fprintf(stderr, "Error loading public key: %v\n", err)
			return exitUsage
		}
	}
	if identity != "" {
		if in.Identities, err = binder.ParseIdentityFile(identity); err != nil {
			fmt.Fprintf(stderr, "Error loading identity: %v\n", err)
			return exitUsage
		}
	}

	result, err := verify.Check(in)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	if !quiet {
		w := stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				fmt.Fprintf(stderr, "Error creating output file: %v\n", err)
				return exitUsage
			}
			defer f.Close()
			w = f
		}
		if err := verify.NewReportGenerator(format).WithVerbose(verbose).Generate(result, w); err != nil {
			fmt.Fprintf(stderr, "Error writing report: %v\n", err)
			return exitUsage
		}
	}

	if !result.Valid {
		return exitMismatch
	}
	return exitOK
}
