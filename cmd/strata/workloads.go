package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"strata/internal/cdag"
	"strata/internal/texpr"
)

var workloadsCmd = &cobra.Command{
	Use:   "workloads",
	Short: "List the built-in workloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range texpr.WorkloadNames() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

// parseShapeArgs parses a comma-separated shape argument list.
func parseShapeArgs(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad shape argument %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

// resolveWorkloadDAG builds a DAG from --workload/--args flags.
func resolveWorkloadDAG(cmd *cobra.Command) (*cdag.ComputeDAG, error) {
	name, err := cmd.Flags().GetString("workload")
	if err != nil {
		return nil, err
	}
	argsValue, err := cmd.Flags().GetString("args")
	if err != nil {
		return nil, err
	}
	shape, err := parseShapeArgs(argsValue)
	if err != nil {
		return nil, err
	}
	return cdag.BuildWorkload(name, shape)
}
