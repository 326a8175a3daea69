package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hubenschmidt/finguard-observability/internal/pipeline"
)

func newIndexCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "index [path]",
		Short: "Chunk, embed and store policy documents",
		Long:  "Index a file or every .md/.txt document in a directory. Without a path, index.dir from config is used.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			path := cfg.Index.Dir
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no path given and index.dir is not set")
			}

			a, err := buildApp(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			var results []pipeline.IndexResult
			if info.IsDir() {
				results, err = a.orch.IndexDir(cmd.Context(), path)
				if err != nil {
					return err
				}
			} else {
				results = []pipeline.IndexResult{a.orch.Index(cmd.Context(), path)}
			}

			failed := printIndexResults(cmd.OutOrStdout(), results)
			if n, err := a.orch.CollectionInfo(cmd.Context()); err == nil {
				logger.Info("collection size", zap.Int("points", n))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents failed to index", failed, len(results))
			}
			return nil
		},
	}
}

// printIndexResults writes one JSON line per result and returns the number
// of failures.
func printIndexResults(w io.Writer, results []pipeline.IndexResult) int {
	enc := json.NewEncoder(w)
	failed := 0
	for _, r := range results {
		enc.Encode(r)
		if !r.Success {
			failed++
		}
	}
	return failed
}
