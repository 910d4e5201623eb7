package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/WessleyAI/chaingraph/engine/graph"
	"github.com/WessleyAI/chaingraph/engine/ingest"
	"github.com/WessleyAI/chaingraph/pkg/resilience"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"
)

var (
	mergeExport bool
	mergeDump   bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge <tx.json|->...",
	Short: "Merge transaction files into one graph and print the result",
	Long: `Runs every file through the ingest pipeline against a single in-memory
graph, printing one report per transaction and the final graph statistics.
With --export the merged entities are also written to Neo4j.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := settings()
		if err != nil {
			return err
		}
		logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, false)
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		deps := ingest.Deps{
			Graph:    graph.New(graph.WithLogger(logger)),
			PageSize: cfg.PageSize,
			Workers:  cfg.Workers,
			Logger:   logger,
		}
		if mergeExport {
			if cfg.Neo4j.URL == "" {
				return fmt.Errorf("--export needs neo4j.url or NEO4J_URL")
			}
			driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Pass, ""))
			if err != nil {
				return fmt.Errorf("neo4j driver: %w", err)
			}
			defer driver.Close(context.Background())
			deps.Exporter = graph.NewStore(driver)
			deps.Limiter = resilience.NewLimiter(cfg.Neo4j.RatePerSec, cfg.Neo4j.Burst)
		}

		inputs := make([][]byte, len(args))
		for i, name := range args {
			if inputs[i], err = readInput(cmd.InOrStdin(), name); err != nil {
				return err
			}
		}
		return mergeAll(ctx, cmd.OutOrStdout(), deps, args, inputs, mergeDump)
	},
}

func init() {
	mergeCmd.Flags().BoolVar(&mergeExport, "export", false, "write merged entities to Neo4j")
	mergeCmd.Flags().BoolVar(&mergeDump, "dump", false, "print every node and edge after merging")
}

// MergeSummary is the last document merge prints.
type MergeSummary struct {
	Stats  graph.Stats `json:"stats"`
	Failed int         `json:"failed"`
}

// mergeAll runs each input through one pipeline. A failing input is reported
// and skipped; mergeAll errors only when every input failed.
func mergeAll(ctx context.Context, w io.Writer, deps ingest.Deps, names []string, inputs [][]byte, dump bool) error {
	pipeline := ingest.NewPipeline(deps)
	enc := json.NewEncoder(w)
	failed := 0
	for i, data := range inputs {
		rep, err := pipeline(ctx, data).Unwrap()
		if err != nil {
			failed++
			deps.Logger.Error("merge failed", "input", names[i], "err", err)
			continue
		}
		if err := enc.Encode(rep); err != nil {
			return err
		}
	}

	if dump {
		for _, n := range deps.Graph.Nodes() {
			if err := enc.Encode(n); err != nil {
				return err
			}
		}
		for _, e := range deps.Graph.Edges() {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
	}
	if err := enc.Encode(MergeSummary{Stats: deps.Graph.Stats(), Failed: failed}); err != nil {
		return err
	}
	if failed == len(inputs) {
		return fmt.Errorf("all %d inputs failed", failed)
	}
	return nil
}
