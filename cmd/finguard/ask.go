package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var stream bool
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question and print its trace metrics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := buildApp(cmd.Context(), cfg, logger, logEvent(logger))
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			question := strings.Join(args, " ")
			var onToken func(string)
			if stream {
				onToken = func(tok string) { fmt.Fprint(out, tok) }
			}

			response, m := a.orch.QueryStream(cmd.Context(), question, onToken)
			if stream {
				fmt.Fprintln(out)
			} else {
				fmt.Fprintln(out, response)
			}

			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(m); err != nil {
				return err
			}
			if err := enc.Encode(a.orch.SessionStats()); err != nil {
				return err
			}
			if m.Error != "" {
				return fmt.Errorf("query failed: %s", m.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "print tokens as they are generated")
	return cmd
}
