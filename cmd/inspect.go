package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/newsharvest/internal/app"
	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/retriever"
	"github.com/JakeFAU/newsharvest/internal/stages"
)

// newStagesCmd lists the registered retriever and stage plugins.
func newStagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "stages",
		Short:       "List the available retriever and data processor plugins",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLUGIN\tTYPE\tDESCRIPTION")
			for _, name := range retriever.Names() {
				p, _ := retriever.Lookup(name)
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, harvest.KindRetriever, p.Description)
			}
			for _, name := range stages.Names() {
				p, _ := stages.Lookup(name)
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, harvest.KindDataProcessor, p.Description)
			}
			return w.Flush()
		},
	}
}

// newDedupCmd groups read-only dedup store inspection.
func newDedupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Inspect the dedup store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check URL",
		Short: "Report whether a URL has already been acquired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			key, err := harvest.URLKey(args[0])
			if err != nil {
				return err
			}
			store, err := app.OpenDedup(cmd.Context(), rt.cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			seen, err := store.Exists(cmd.Context(), key)
			if err != nil {
				return err
			}
			state := "new"
			if seen {
				state = "known"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", state, key)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Print the number of recorded keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			store, err := app.OpenDedup(cmd.Context(), rt.cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := store.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "newsharvest", version)
		},
	}
}
