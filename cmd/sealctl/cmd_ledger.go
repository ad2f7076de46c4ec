package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"forensicseal/internal/ledger"
)

func newLedgerCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify session ledgers",
	}
	cmd.AddCommand(newLedgerShowCmd(g), newLedgerVerifyCmd(g))
	return cmd
}

func newLedgerShowCmd(g *globals) *cobra.Command {
	var jsonl bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the events of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			l, c, err := a.replay(cmd, args[0], false)
			if err != nil {
				return err
			}
			if jsonl {
				return ledger.WriteJSONL(cmd.OutOrStdout(), l)
			}
			printLedger(cmd.OutOrStdout(), l, c)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonl, "jsonl", false, "write the session as JSON Lines")
	return cmd
}

func newLedgerVerifyCmd(g *globals) *cobra.Command {
	var fromJournal bool
	cmd := &cobra.Command{
		Use:   "verify <session-id | export.jsonl>",
		Short: "Check the continuity and seal of a session",
		Long: "Verify recomputes every event hash and the session hash. The argument is\n" +
			"a session id in the case store, or a JSON Lines export written by\n" +
			"'sealctl ledger show --jsonl'.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				l   *ledger.Ledger
				c   ledger.Continuity
				err error
			)
			if _, statErr := os.Stat(args[0]); statErr == nil {
				l, c, err = replayFile(args[0])
			} else {
				a, aerr := openApp(g)
				if aerr != nil {
					return aerr
				}
				defer a.Close()
				l, c, err = a.replay(cmd, args[0], fromJournal)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session:    %s\n", l.ID())
			fmt.Fprintf(out, "Events:     %d\n", c.Length)
			fmt.Fprintf(out, "Continuity: %s\n", c)
			if from, to, ok := c.BrokenRange(); ok {
				fmt.Fprintf(out, "Untrusted:  events %d..%d\n", from, to-1)
			}
			sealOK := l.VerifySeal()
			if _, sealed := l.SessionHash(); sealed {
				fmt.Fprintf(out, "Seal:       %s\n", okText(sealOK))
			} else {
				fmt.Fprintln(out, "Seal:       open")
			}
			if !c.Valid || !sealOK {
				return fmt.Errorf("session %s failed verification", l.ID())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromJournal, "journal", false, "read the session from the HMAC journal instead of the database")
	return cmd
}

func (a *app) replay(cmd *cobra.Command, id string, fromJournal bool) (*ledger.Ledger, ledger.Continuity, error) {
	if fromJournal {
		if a.wal == nil {
			return nil, ledger.Continuity{}, fmt.Errorf("journal is disabled in the config")
		}
		return a.wal.Replay(id)
	}
	sum, records, err := a.store.LoadSession(cmd.Context(), id)
	if err != nil {
		return nil, ledger.Continuity{}, err
	}
	return ledger.Replay(sum, records)
}

func replayFile(path string) (*ledger.Ledger, ledger.Continuity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ledger.Continuity{}, err
	}
	defer f.Close()
	sum, records, err := ledger.ReadJSONL(f)
	if err != nil {
		return nil, ledger.Continuity{}, err
	}
	return ledger.Replay(sum, records)
}

func printLedger(w io.Writer, l *ledger.Ledger, c ledger.Continuity) {
	fmt.Fprintf(w, "Session %s (started %s)\n", l.ID(), l.StartTime().Format(time.RFC3339))
	for _, ev := range l.Events() {
		ts := time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339Nano)
		fmt.Fprintf(w, "%4d  %s  %-18s %x\n", ev.Index, ts, ev.Type, ev.EventHash[:8])
	}
	fmt.Fprintf(w, "Continuity: %s\n", c)
	if h, ok := l.SessionHash(); ok {
		fmt.Fprintf(w, "Session hash: %x\n", h)
	}
}

func okText(ok bool) string {
	if ok {
		return "OK"
	}
	return "MISMATCH"
}
