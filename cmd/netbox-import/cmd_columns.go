package main

import (

	"github.com/spf13/cobra"

	"github.com/gustycube/netbox-import/internal/output"
)

var columnsJSON bool

var columnsCmd = &cobra.Command{
	Use:   "columns",
	Short: "List the columns an import would produce",
	Long: `Run the full import and print the sorted union of column names across
all rows, one per line. The list is exactly the key set "import" would emit
with the same configuration.`,
	Example: `  netbox-import columns --config import.yaml
  netbox-import columns --active-only --json`,
	RunE: runColumns,
}

func init() {
	rootCmd.AddCommand(columnsCmd)
	columnsCmd.Flags().BoolVar(&columnsJSON, "json", false, "print a JSON array instead of one name per line")
}

func runColumns(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	cols, err := a.orch.Columns(cmd.Context())
	if err != nil {
		return err
	}

	format := output.FormatJSONL
	if columnsJSON {
		format = output.FormatJSON
	}
	w, err := output.NewStdoutWriter(string(format))
	if err != nil {
		return err
	}
	return w.WriteColumns(cols)
}
