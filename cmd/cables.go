package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/julienar/ixcharged/internal/charger"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var cablesOutput string

var cablesCmd = &cobra.Command{
	Use:   "cables",
	Short: "List supported cable types",
	Long:  `List the cable types accepted by device.cable_type and their current limits.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printCables(cmd.OutOrStdout(), cablesOutput)
	},
}

func init() {
	rootCmd.AddCommand(cablesCmd)
	cablesCmd.Flags().StringVarP(&cablesOutput, "output", "o", "table", "output format: table, json or yaml")
}

type cableOutput struct {
	Type           string `json:"type" yaml:"type"`
	Name           string `json:"name" yaml:"name"`
	MaxCurrentAmps int    `json:"max_current" yaml:"max_current"`
	Description    string `json:"description" yaml:"description"`
}

func printCables(out io.Writer, format string) error {
	cables := make([]cableOutput, 0, len(charger.CableTypes()))
	for _, tag := range charger.CableTypes() {
		spec := charger.ResolveCable(tag)
		cables = append(cables, cableOutput{
			Type:           tag,
			Name:           spec.Name,
			MaxCurrentAmps: spec.MaxCurrentAmps,
			Description:    spec.Description,
		})
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cables)
	case "yaml":
		return yaml.NewEncoder(out).Encode(cables)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tMAX CURRENT\tNAME")
	fmt.Fprintln(w, "----\t-----------\t----")
	for _, c := range cables {
		def := ""
		if c.Type == charger.DefaultCableType {
			def = " (default)"
		}
		fmt.Fprintf(w, "%s%s\t%dA\t%s\n", c.Type, def, c.MaxCurrentAmps, c.Name)
	}
	return w.Flush()
}
