package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/golangast/agentencoder/neural/gobs"
)

// inspectCmd describes a checkpoint
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the config and parameters of a checkpoint",
	Args:  cobra.NoArgs,
	RunE:  runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	cp, err := gobs.ReadCheckpoint(modelPath)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "run_id: %s\ncreated: %s\n", cp.RunID, cp.CreatedAt.Format(time.RFC3339))
	cfgYAML, err := yaml.Marshal(map[string]any{"model": cp.Config})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\n", cfgYAML)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PARAMETER\tSHAPE\tVALUES")
	total := 0
	for _, name := range cp.ParameterNames() {
		p := cp.Params[name]
		total += p.Size()
		fmt.Fprintf(tw, "%s\t%v\t%d\n", name, p.Shape, p.Size())
	}
	fmt.Fprintf(tw, "total\t\t%d\n", total)
	return tw.Flush()
}
