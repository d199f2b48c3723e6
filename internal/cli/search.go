package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"docrag/internal/models"
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the ingested documents of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var (
	searchTenant   string
	searchChunks   int
	searchMinScore float64
	searchUnsorted bool
)

func init() {
	searchCmd.Flags().StringVarP(&searchTenant, "tenant", "t", "", "Tenant whose documents are searched")
	searchCmd.Flags().IntVarP(&searchChunks, "chunks", "n", 0, "Chunks kept per document (default from config)")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "Minimum chunk score (default from config)")
	searchCmd.Flags().BoolVar(&searchUnsorted, "unsorted", false, "Keep documents in first appearance order")
	_ = searchCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	q := models.SearchQuery{
		Query:             args[0],
		TenantID:          searchTenant,
		ChunksPerDocument: cfg.Search.DefaultChunksPerDocument,
		MinScore:          cfg.Search.DefaultMinScore,
		SortByScore:       !searchUnsorted,
	}
	if cmd.Flags().Changed("chunks") {
		q.ChunksPerDocument = searchChunks
	}
	if cmd.Flags().Changed("min-score") {
		q.MinScore = searchMinScore
	}

	result, err := a.coordinator.Search(cmd.Context(), q)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	cmd.Println(string(out))
	return nil
}
