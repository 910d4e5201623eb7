package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/WessleyAI/chaingraph/engine/extract"
	"github.com/WessleyAI/chaingraph/engine/pager"
	"github.com/WessleyAI/chaingraph/engine/record"
	"github.com/spf13/cobra"
)

var (
	pageSize      int
	pageFragments bool
)

var pageCmd = &cobra.Command{
	Use:   "page <tx.json|->",
	Short: "Split a transaction into pages, one JSON document per line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := settings()
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("size") {
			pageSize = cfg.PageSize
		}
		data, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, false)
		return writePages(cmd.OutOrStdout(), data, pageSize, pageFragments, logger)
	},
}

func init() {
	pageCmd.Flags().IntVar(&pageSize, "size", pager.DefaultPageSize, "inputs plus outputs per page")
	pageCmd.Flags().BoolVar(&pageFragments, "fragments", false, "print the extracted graph fragment of each page instead")
}

// readInput reads a file, or r when name is "-".
func readInput(r io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(r)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func writePages(w io.Writer, data []byte, size int, fragments bool, logger *slog.Logger) error {
	tx, err := record.Parse(data)
	if err != nil {
		return fmt.Errorf("parse tx: %w", err)
	}
	pages, err := pager.New(nil, logger).Paginate(tx, size)
	if err != nil {
		return err
	}

	if fragments {
		frags, err := extract.Pages(pages, size)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		for _, f := range frags {
			if err := enc.Encode(f); err != nil {
				return err
			}
		}
		return nil
	}

	for _, p := range pages {
		b, err := p.Marshal()
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s\n", b); err != nil {
			return err
		}
	}
	return nil
}
