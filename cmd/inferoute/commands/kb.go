package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/castilho/inferoute/pkg/inferoute/retrieval"
)

// newKBCmd creates the `inferoute kb` command group for the knowledge base.
func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage the knowledge base",
		Long: `Index documents into a retrieval group and query them. Topic-scoped
chats automatically search the group TASKPROMPT:<topic>.

Examples:
  inferoute kb index TASKPROMPT:billing ./docs/billing.md ./docs/refunds.md
  inferoute kb search TASKPROMPT:billing "when are invoices issued"`,
	}
	cmd.AddCommand(newKBIndexCmd(), newKBSearchCmd())
	return cmd
}

func newKBIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index <group> <file>...",
		Short: "Index files into a retrieval group",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runKBIndex,
	}
	cmd.Flags().Int64("user", 0, "owner id for the indexed chunks (0 = shared)")
	return cmd
}

func runKBIndex(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	userID, _ := cmd.Flags().GetInt64("user")
	group := args[0]

	var chunks []retrieval.Chunk
	for _, path := range args[1:] {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		source := filepath.Base(path)
		for _, text := range splitChunks(string(data)) {
			chunks = append(chunks, retrieval.Chunk{Text: text, Source: source})
		}
	}
	if len(chunks) == 0 {
		return fmt.Errorf("nothing to index")
	}

	if err := a.Retrieval.Index(cmd.Context(), userID, group, chunks); err != nil {
		return err
	}
	fmt.Printf("Indexed %d chunk(s) into %s\n", len(chunks), group)
	return nil
}

func newKBSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <group> <query>",
		Short: "Query a retrieval group",
		Args:  cobra.ExactArgs(2),
		RunE:  runKBSearch,
	}
	cmd.Flags().Int64("user", 0, "owner id scope")
	cmd.Flags().Int("limit", 5, "max results")
	return cmd
}

func runKBSearch(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	userID, _ := cmd.Flags().GetInt64("user")
	limit, _ := cmd.Flags().GetInt("limit")

	results, err := a.Retrieval.SemanticSearch(cmd.Context(), args[1], userID, args[0], limit, 0)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No results.")
		return nil
	}
	for i, r := range results {
		fmt.Printf("%d. [%s] (%.3f)\n   %s\n", i+1, r.Source, r.Score, firstLine(r.ChunkText))
	}
	return nil
}

// splitChunks breaks a document on blank lines, dropping tiny fragments.
func splitChunks(text string) []string {
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if len(block) >= 20 {
			out = append(out, block)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
