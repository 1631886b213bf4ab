package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/park285/cheese-sync/internal/store"
)

type snapshotSummary struct {
	GameID   string    `json:"gameId"`
	Phase    string    `json:"phase"`
	Active   bool      `json:"active"`
	Ply      int       `json:"ply"`
	Position string    `json:"position"`
	SavedAt  time.Time `json:"savedAt"`
}

func summarize(rec *store.Record) snapshotSummary {
	return snapshotSummary{
		GameID:   rec.GameID,
		Phase:    string(rec.Phase),
		Active:   rec.Active,
		Ply:      len(rec.MoveLog),
		Position: rec.Position,
		SavedAt:  rec.SavedAt,
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			ids, err := st.List(ctx)
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}
			out := make([]snapshotSummary, 0, len(ids))
			for _, id := range ids {
				rec, err := st.Load(ctx, id)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "skip %s: %v\n", id, err)
					continue
				}
				if rec != nil {
					out = append(out, summarize(rec))
				}
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GAME\tPHASE\tPLY\tSAVED")
			for _, s := range out {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.GameID, s.Phase, s.Ply, s.SavedAt.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <game-id>",
		Short: "Print one stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := st.Load(ctx, args[0])
			if err != nil {
				return fmt.Errorf("load snapshot: %w", err)
			}
			if rec == nil {
				return fmt.Errorf("no snapshot for game %q", args[0])
			}

			if opts.Format == "json" {
				raw, err := store.Encode(rec)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return err
			}
			return writeRecord(cmd.OutOrStdout(), rec)
		},
	}
}

func newClearCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <game-id>...",
		Short: "Delete stored snapshots",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			for _, id := range args {
				if err := st.Delete(ctx, id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", id)
			}
			return nil
		},
	}
}

func writeRecord(w io.Writer, rec *store.Record) error {
	san := make([]string, 0, len(rec.MoveLog))
	for _, m := range rec.MoveLog {
		san = append(san, m.SAN)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "game:      %s\n", rec.GameID)
	fmt.Fprintf(&b, "schema:    %d\n", rec.SchemaVersion)
	fmt.Fprintf(&b, "mode:      %s\n", rec.Configuration.Mode)
	fmt.Fprintf(&b, "phase:     %s (active=%t)\n", rec.Phase, rec.Active)
	fmt.Fprintf(&b, "position:  %s\n", rec.Position)
	fmt.Fprintf(&b, "ply:       %d\n", len(rec.MoveLog))
	if len(san) > 0 {
		fmt.Fprintf(&b, "moves:     %s\n", strings.Join(san, " "))
	}
	if rec.Outcome != nil {
		winner := string(rec.Outcome.Winner)
		if winner == "" {
			winner = "draw"
		}
		fmt.Fprintf(&b, "outcome:   %s (%s)\n", winner, rec.Outcome.Reason)
	}
	fmt.Fprintf(&b, "saved:     %s\n", rec.SavedAt.UTC().Format(time.RFC3339))
	_, err := io.WriteString(w, b.String())
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
