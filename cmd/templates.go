package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/servicing-import/internal/fetcher"
	"github.com/sells-group/servicing-import/internal/template"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage mapping templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored mapping templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		templates, err := st.ListTemplates(ctx)
		if err != nil {
			return err
		}
		for _, t := range templates {
			fmt.Printf("%s  %-30s v%-3d  %s  (%d sheets)\n",
				t.ID, t.Name, t.Version, t.FilePattern, len(t.Sheets))
		}
		return nil
	},
}

var templatesAddCmd = &cobra.Command{
	Use:   "add <template.yaml>",
	Short: "Store a mapping template from a YAML definition",
	Long:  "Validates and stores the template. Re-adding an existing name creates a new version; prior versions are kept.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		t, err := template.LoadFile(args[0])
		if err != nil {
			return err
		}
		if err := st.CreateTemplate(ctx, t); err != nil {
			return eris.Wrap(err, "store template")
		}
		fmt.Printf("stored template %s %q version %d\n", t.ID, t.Name, t.Version)
		return nil
	},
}

var templatesSuggestCmd = &cobra.Command{
	Use:   "suggest <file.xlsx|file.csv>",
	Short: "Suggest column mappings for a report file",
	Long:  "Parses the file's headers and prints a starter mapping per sheet, using the known field names of the latest matching template when one exists.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		wb, err := fetcher.ReadFile(args[0], fetcher.Options{HeaderRowOffset: cfg.Import.HeaderRowOffset})
		if err != nil {
			return err
		}

		// Known target fields come from the latest template matching the
		// file, when one exists.
		var fields []string
		tmpl, err := template.FindForFile(ctx, st, args[0])
		if err != nil {
			return err
		}
		if tmpl != nil {
			seen := map[string]bool{}
			for _, sm := range tmpl.Sheets {
				for _, cm := range sm.Columns {
					if cm.TargetField != "" && !seen[cm.TargetField] {
						seen[cm.TargetField] = true
						fields = append(fields, cm.TargetField)
					}
				}
			}
		}

		for _, sheet := range wb.Sheets {
			fmt.Printf("sheet %q:\n", sheet.Name)
			for _, cm := range template.SuggestMappings(sheet.Headers, fields) {
				fmt.Printf("  %-40s -> %s\n", cm.SourceHeader, cm.TargetField)
			}
		}
		return nil
	},
}

func init() {
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesAddCmd)
	templatesCmd.AddCommand(templatesSuggestCmd)
	rootCmd.AddCommand(templatesCmd)
}
