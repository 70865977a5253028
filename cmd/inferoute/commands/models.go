package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/castilho/inferoute/pkg/inferoute/store"
)

// newModelsCmd creates the `inferoute models` command.
func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List eligible models for a capability",
		Long: `List the selectable models registered in the catalog, best quality
first, and mark the capability default and the suggested next pick.

Examples:
  inferoute models
  inferoute models --capability IMAGE
  inferoute models --min-rating 3`,
		RunE: runModels,
	}

	cmd.Flags().String("capability", store.CapabilityChat, "capability to list (CHAT, SORT, IMAGE, VIDEO, AUDIO)")
	cmd.Flags().Int("min-rating", 0, "minimum rating filter")
	cmd.Flags().Int64("user", 0, "user id for the default lookup")
	cmd.Flags().Int64("after", 0, "show the cyclic successor of this model id")
	return cmd
}

func runModels(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	capability, _ := cmd.Flags().GetString("capability")
	capability = strings.ToUpper(capability)
	minRating, _ := cmd.Flags().GetInt("min-rating")
	userID, _ := cmd.Flags().GetInt64("user")
	after, _ := cmd.Flags().GetInt64("after")

	models, err := a.Catalog.EligibleModels(capability, minRating)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		fmt.Printf("No eligible %s models. Seed the catalog via config.yaml.\n", capability)
		return nil
	}

	defaultID := a.Catalog.DefaultModel(capability, userID)
	next := store.PredictedNext(models, after)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tQUALITY\tRATING\tFEATURES\t")
	for _, m := range models {
		var marks []string
		if m.ID == defaultID {
			marks = append(marks, "default")
		}
		if next != nil && m.ID == next.ID {
			marks = append(marks, "next")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			m.ID, m.Name, m.Provider, m.Quality, m.Rating,
			strings.Join(m.Features, ","), strings.Join(marks, " "))
	}
	return w.Flush()
}
