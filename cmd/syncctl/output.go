package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// printJSON writes v as indented JSON to the command's output stream, the
// one shared serialization path every subcommand's RunE ends with.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
