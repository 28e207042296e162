package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/use-agent/screener/config"
	"github.com/use-agent/screener/params"
)

func fieldsCmd(cfg *config.Config) *cobra.Command {
	var section string

	cmd := &cobra.Command{
		Use:   "fields",
		Short: "List the selectable fields grouped by section",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadParams(cfg.Run.ParamMap)
			if err != nil {
				return err
			}
			if section != "" && !slices.Contains(m.Sections(), section) {
				return fmt.Errorf("unknown section %q", section)
			}
			writeFields(cmd.OutOrStdout(), m, section)
			return nil
		},
	}

	cmd.Flags().StringVar(&section, "section", "", "only list fields of this section")
	return cmd
}

func writeFields(w io.Writer, m params.Map, only string) {
	heading := color.New(color.FgCyan, color.Bold)
	faint := color.New(color.Faint)

	for _, section := range m.Sections() {
		if only != "" && section != only {
			continue
		}
		fields := m.FieldsIn(section)
		fmt.Fprintf(w, "%s %s\n", heading.Sprint(section), faint.Sprintf("(%d)", len(fields)))
		for _, f := range fields {
			fmt.Fprintf(w, "  %s %s\n", faint.Sprintf("%2d", m[f].Offset), f)
		}
	}
}
