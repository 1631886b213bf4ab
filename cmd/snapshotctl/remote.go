package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/park285/cheese-sync/internal/domain"
	"github.com/park285/cheese-sync/internal/transport/api"
)

func newStateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <game-id>",
		Short: "Print the live text summary of a game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := opts.client().State(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), text)
			return err
		},
	}
}

func newMoveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "move <game-id> <move>",
		Short: "Submit a move in UCI or SAN notation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Move(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printResponse(cmd, opts, resp)
		},
	}
}

func newResetCommand(opts *rootOptions) *cobra.Command {
	var (
		mode       string
		humanColor string
		skill      int
		depth      int
		moveTime   int
		start      string
	)
	cmd := &cobra.Command{
		Use:   "reset <game-id>",
		Short: "Reset a game, optionally with a new configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *domain.Configuration
			if mode != "" {
				cfg = &domain.Configuration{
					Mode:           domain.Mode(mode),
					HumanColor:     domain.Color(humanColor),
					EngineSkill:    skill,
					EngineDepth:    depth,
					MoveTimeMillis: moveTime,
					StartPosition:  start,
				}
			}
			resp, err := opts.client().Reset(cmd.Context(), args[0], cfg)
			if err != nil {
				return err
			}
			return printResponse(cmd, opts, resp)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "human_vs_human or human_vs_engine")
	cmd.Flags().StringVar(&humanColor, "human-color", "", "side the human plays in engine mode")
	cmd.Flags().IntVar(&skill, "skill", 0, "engine skill level")
	cmd.Flags().IntVar(&depth, "depth", 0, "engine search depth")
	cmd.Flags().IntVar(&moveTime, "movetime", 0, "engine move time in milliseconds")
	cmd.Flags().StringVar(&start, "fen", "", "custom start position")
	return cmd
}

func newEndCommand(opts *rootOptions) *cobra.Command {
	var reason, winner string
	cmd := &cobra.Command{
		Use:   "end <game-id>",
		Short: "End a game by resignation, agreement or abort",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().End(cmd.Context(), args[0], reason, winner)
			if err != nil {
				return err
			}
			return printResponse(cmd, opts, resp)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "termination reason")
	cmd.Flags().StringVar(&winner, "winner", "", "white or black, empty for a draw")
	return cmd
}

func printResponse(cmd *cobra.Command, opts *rootOptions, resp *api.Response) error {
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
	if resp.Result == "rejected" {
		return fmt.Errorf("rejected: %s", resp.Reason)
	}
	return nil
}
