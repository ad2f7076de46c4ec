package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errNotSealed = errors.New("no sealed bundle for this evidence")

func newLookupCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <file>",
		Short: "Find bundles that already seal a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			h, err := a.hasher()
			if err != nil {
				return err
			}
			digest, err := h.SumFile(args[0])
			if err != nil {
				return err
			}
			records, err := a.store.FindByEvidence(cmd.Context(), digest)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Evidence hash (%s): %s\n", h.Suite(), digest.Hex())
			if len(records) == 0 {
				return errNotSealed
			}
			for _, r := range records {
				e := r.Export
				fmt.Fprintf(out, "\n%s\n", e.BundleID)
				fmt.Fprintf(out, "  Sealed at:     %s\n", e.Timestamp)
				fmt.Fprintf(out, "  Jurisdiction:  %s\n", e.Jurisdiction)
				fmt.Fprintf(out, "  Disclosure:    %s\n", e.DisclosureMode)
				fmt.Fprintf(out, "  Session:       %s\n", r.SessionID)
				if r.ArchivePath != "" {
					fmt.Fprintf(out, "  Archive:       %s\n", r.ArchivePath)
				}
			}
			return nil
		},
	}
}
