package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"docrag/internal/models"
	"docrag/internal/pathindex"
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the directory tree of a tenant",
	Args:  cobra.NoArgs,
	RunE:  runTree,
}

var (
	treeTenant string
	treePath   string
)

func init() {
	treeCmd.Flags().StringVarP(&treeTenant, "tenant", "t", "", "Tenant whose documents are listed")
	treeCmd.Flags().StringVarP(&treePath, "path", "p", "", "Only list below this directory, e.g. reports/2024")
	_ = treeCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(treeCmd)
}

func runTree(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var base []string
	if p := strings.Trim(treePath, "/"); p != "" {
		base = strings.Split(p, "/")
	}

	docs, err := store.ListDocuments(cmd.Context(), treeTenant)
	if err != nil {
		return err
	}
	nodes, err := pathindex.BuildTree(docs, base)
	if err != nil {
		return err
	}

	renderTree(cmd.OutOrStdout(), nodes)
	fmt.Fprintf(cmd.OutOrStdout(), "%d documents\n", pathindex.CountFiles(nodes))
	return nil
}

// renderTree prints one node per line, indented by depth. Files show their id and
// a star once they are ingested.
func renderTree(w io.Writer, nodes []*models.DirectoryNode) {
	renderLevel(w, nodes, 0)
}

func renderLevel(w io.Writer, nodes []*models.DirectoryNode, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, n := range nodes {
		if !n.IsFile() {
			fmt.Fprintf(w, "%s%s/\n", indent, n.Name)
			renderLevel(w, n.Children, depth+1)
			continue
		}
		mark, id := " ", int64(0)
		if n.Document != nil {
			id = n.Document.ID
			if n.Document.IsIngested {
				mark = "*"
			}
		}
		fmt.Fprintf(w, "%s%s %s [%d]\n", indent, mark, n.Name, id)
	}
}
