package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load the rule catalog and report skipped rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cat, err := loadCatalog(cfg, logger)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, g := range cat.Groups {
				n := 0
				for _, r := range cat.Rules {
					if r.Group == g.Name {
						n++
					}
				}
				fmt.Fprintf(w, "group %-24s %4d rule(s)  %s\n", g.Name, n, g.File)
			}
			for _, d := range cat.Diagnostics {
				fmt.Fprintf(w, "CONFIG %s\n", d)
			}
			fmt.Fprintf(w, "%d rule(s) loaded, %d skipped\n", len(cat.Rules), len(cat.Diagnostics))

			if strict && len(cat.Diagnostics) > 0 {
				return fmt.Errorf("%d rule(s) failed validation", len(cat.Diagnostics))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any rule is skipped")
	return cmd
}
