package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/castilho/inferoute/pkg/inferoute/engine"
)

// newReprocessCmd creates the `inferoute reprocess` command.
func newReprocessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprocess <message-id>",
		Short: "Re-run a past exchange with a forced topic or model",
		Long: `Clone a previously processed message and run it again with explicit
overrides. The clone keeps the original tracking id so all attempts of
the exchange stay grouped.

Examples:
  inferoute reprocess 6f1b... --topic billing
  inferoute reprocess 6f1b... --model 3`,
		Args: cobra.ExactArgs(1),
		RunE: runReprocess,
	}

	cmd.Flags().Int64("user", 1, "user id to act as (must own the message)")
	cmd.Flags().String("topic", "", "force this topic")
	cmd.Flags().Int64("model", 0, "force this catalog model id")
	return cmd
}

func runReprocess(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	userID, _ := cmd.Flags().GetInt64("user")
	topic, _ := cmd.Flags().GetString("topic")
	modelID, _ := cmd.Flags().GetInt64("model")

	result, err := a.Reprocessor.Reprocess(cmd.Context(), engine.ReprocessRequest{
		MessageID: args[0],
		OwnerID:   userID,
		Topic:     topic,
		ModelID:   modelID,
	})
	if err != nil {
		return err
	}

	fmt.Println(result.Outbound.Text)
	if result.Outbound.FilePath != "" {
		fmt.Printf("[%s] %s\n", result.Outbound.FileType, result.Outbound.FilePath)
	}
	fmt.Printf("\nprovider=%s model=%s tracking=%s\n",
		result.Outbound.Provider, result.Outbound.Model, result.Outbound.TrackingID)
	if result.Suggested != nil {
		fmt.Printf("Try next: %s (id %d)\n", result.Suggested.Name, result.Suggested.ID)
	}
	return nil
}
