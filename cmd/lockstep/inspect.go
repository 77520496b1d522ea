package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	lockstep "github.com/ehrlich-b/go-lockstep"
)

var (
	inspectPath   string
	inspectOutput string
)

// inspectCmd prints the shared state of a barrier without joining it
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the shared state of a barrier without joining it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if inspectPath == "" {
			return fmt.Errorf("--path is required")
		}
		snap, err := lockstep.Inspect(inspectPath)
		if err != nil {
			return err
		}

		switch inspectOutput {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close()
			return enc.Encode(snap)
		default:
			return fmt.Errorf("unknown output format %q (want yaml or json)", inspectOutput)
		}
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectPath, "path", "", "Barrier backing file")
	inspectCmd.Flags().StringVarP(&inspectOutput, "output", "o", "yaml", "Output format (yaml, json)")
}
