package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"strata/internal/costmodel"
	"strata/internal/search"
	"strata/internal/task"
)

var sketchesCmd = &cobra.Command{
	Use:   "sketches [flags]",
	Short: "Generate and print the sketches of a workload",
	Long:  `Sketches enumerates the high-level schedule skeletons the search would explore for a workload`,
	RunE:  runSketches,
}

func init() {
	sketchesCmd.Flags().String("workload", "matmul", "built-in workload name")
	sketchesCmd.Flags().String("args", "", "comma-separated workload shape arguments")
	sketchesCmd.Flags().Bool("steps", false, "print each sketch's transform steps")
	sketchesCmd.Flags().Int("num-cores", 4, "target core count")
	sketchesCmd.Flags().Int64("seed", 0, "policy random seed")
}

func runSketches(cmd *cobra.Command, args []string) error {
	dag, err := resolveWorkloadDAG(cmd)
	if err != nil {
		return err
	}
	numCores, err := cmd.Flags().GetInt("num-cores")
	if err != nil {
		return err
	}
	seed, err := cmd.Flags().GetInt64("seed")
	if err != nil {
		return err
	}
	showSteps, err := cmd.Flags().GetBool("steps")
	if err != nil {
		return err
	}

	hw := task.DefaultHardwareParams()
	hw.NumCores = numCores
	t := task.NewSearchTask(dag, "cpu", hw)
	policy := search.NewSketchPolicy(t, costmodel.NewRandomModel(seed), task.DefaultParams(), seed, 0)

	sketches := policy.GenerateSketches()
	fmt.Fprintf(cmd.OutOrStdout(), "workload: %s\n", dag.WorkloadKey)
	fmt.Fprintf(cmd.OutOrStdout(), "sketches: %d\n", len(sketches))
	if showSteps {
		for i, sketch := range sketches {
			fmt.Fprintf(cmd.OutOrStdout(), "\n--- sketch %d ---\n", i)
			fmt.Fprint(cmd.OutOrStdout(), dag.PrintSteps(sketch.Steps))
		}
	}
	return nil
}
