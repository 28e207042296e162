package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/use-agent/screener/config"
	"github.com/use-agent/screener/params"
	"github.com/use-agent/screener/planner"
)

func planCmd(cfg *config.Config) *cobra.Command {
	var paramsPath string

	cmd := &cobra.Command{
		Use:   "plan [field...]",
		Short: "Show the order fields are read in and the section switches per page",
		Example: `  screener plan "Market Cap" "Dividend Yield" "PE Ratio"
  screener plan --parameters-path fields.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadParams(cfg.Run.ParamMap)
			if err != nil {
				return err
			}

			fields := args
			if paramsPath != "" {
				fields, err = params.ReadRequested(paramsPath)
				if err != nil {
					return err
				}
			}
			if len(fields) == 0 {
				return fmt.Errorf("no fields given; pass field names or --parameters-path")
			}

			planned, err := planner.Plan(fields, m)
			if err != nil {
				return err
			}
			writePlan(cmd.OutOrStdout(), planned, m)
			return nil
		},
	}

	cmd.Flags().StringVar(&paramsPath, "parameters-path", "", "JSON file with the list of fields")
	return cmd
}

func writePlan(w io.Writer, planned []string, m params.Map) {
	heading := color.New(color.FgCyan, color.Bold)
	faint := color.New(color.Faint)

	current := ""
	for _, f := range planned {
		spec := m[f]
		if spec.Section != current {
			current = spec.Section
			fmt.Fprintln(w, heading.Sprint(current))
		}
		fmt.Fprintf(w, "  %s %s\n", f, faint.Sprintf("(column %d)", spec.Offset))
	}

	runs := planner.Runs(planned, m)
	fmt.Fprintf(w, "%d fields, %d section switches per page\n", len(planned), len(runs))
}
