package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"crabstack.local/projects/crab-cut/internal/catalog"
	"crabstack.local/projects/crab-cut/internal/transition"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the transition catalog",
	}
	cmd.AddCommand(newCatalogSeedCmd(), newCatalogQueryCmd())
	return cmd
}

func newCatalogSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Embed and store transitions from a JSON {name: description} file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.close()

			if file == "" {
				file = rt.cfg.CatalogFile
			}
			if file == "" {
				return errors.New("--file is required")
			}
			entries, err := catalog.LoadEntries(file)
			if err != nil {
				return err
			}

			cat, err := rt.openCatalog(cmd.Context())
			if err != nil {
				return err
			}
			n, err := cat.Seed(cmd.Context(), entries)
			if err != nil {
				return err
			}
			rt.logger.Info("catalog seeded", zap.String("file", file), zap.Int("entries", n))
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d transitions\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the transitions JSON file")
	return cmd
}

func newCatalogQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <vibe>",
		Short: "Show the closest catalog transition for a style descriptor",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.close()

			cat, err := rt.openCatalog(cmd.Context())
			if err != nil {
				return err
			}
			vibe := strings.Join(args, " ")
			entry, err := cat.Query(cmd.Context(), vibe)
			if err != nil {
				if errors.Is(err, transition.ErrNoMatch) {
					return errors.New("catalog is empty, run `crab-cut catalog seed` first")
				}
				return err
			}
			if entry.Name == "" {
				entry.Name = transition.DefaultTransitionName
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"vibe":        vibe,
				"name":        entry.Name,
				"description": entry.Description,
				"score":       entry.Score,
			})
		},
	}
}
