package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSessionCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "List and seal custody sessions",
	}
	cmd.AddCommand(newSessionListCmd(g), newSessionSealCmd(g))
	return cmd
}

func newSessionListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions in the case store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			sessions, err := a.store.ListSessions(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range sessions {
				state := "open"
				if s.Sealed() {
					state = "sealed " + s.SessionHash[:16]
				}
				bundles, err := a.store.BundlesForSession(ctx, s.SessionID)
				if err != nil {
					return err
				}
				started := time.UnixMilli(s.StartTime).UTC().Format(time.RFC3339)
				fmt.Fprintf(out, "%s  %s  %3d bundles  %s\n", s.SessionID, started, len(bundles), state)
			}

			st, err := a.store.GetStats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d sessions, %d events, %d bundles, %d refusals\n",
				st.Sessions, st.Events, st.Bundles, st.Refusals)
			return nil
		},
	}
}

func newSessionSealCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "seal <session-id>",
		Short: "Seal a session so no further events can be appended",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			l, err := a.resumeSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return sealSession(cmd.Context(), cmd.OutOrStdout(), l)
		},
	}
}
