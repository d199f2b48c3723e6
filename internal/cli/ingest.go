package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest uploaded documents of a tenant",
	Long:  `Extracts, splits and embeds the given documents and replaces their indexed chunks.`,
	Args:  cobra.NoArgs,
	RunE:  runIngest,
}

var (
	ingestTenant string
	ingestIDs    []int64
)

func init() {
	ingestCmd.Flags().StringVarP(&ingestTenant, "tenant", "t", "", "Tenant owning the documents")
	ingestCmd.Flags().Int64SliceVar(&ingestIDs, "id", nil, "Document id to ingest, repeatable")
	_ = ingestCmd.MarkFlagRequired("tenant")
	_ = ingestCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.pipeline.Ingest(cmd.Context(), ingestTenant, ingestIDs)
	if report != nil {
		out, mErr := json.MarshalIndent(report, "", "  ")
		if mErr != nil {
			return fmt.Errorf("failed to encode report: %w", mErr)
		}
		cmd.Println(string(out))
	}
	return err
}
