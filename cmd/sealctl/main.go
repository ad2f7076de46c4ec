// sealctl is the operator CLI for forensicseal: it ingests evidence into a
// custody session, seals bundles and inspects the session ledger.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

type globals struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "sealctl",
		Short: "Forensic sealing and chain-of-custody engine",
		Long: "sealctl ingests evidence files, records every step in a hash-chained\n" +
			"session ledger and seals the evidence, report and certificate into a\n" +
			"verifiable bundle.",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		Version: version,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "path to config file (default: data dir config.toml)")
	pf.StringVar(&g.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newInitCmd(g),
		newIngestCmd(g),
		newLedgerCmd(g),
		newSessionCmd(g),
		newLookupCmd(g),
		newWatchCmd(g),
		newVerifyCmd(g),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
