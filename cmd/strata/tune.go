package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"strata/internal/costmodel"
	"strata/internal/loopstate"
	"strata/internal/measure"
	"strata/internal/search"
	"strata/internal/task"
	"strata/internal/trace"
	"strata/internal/ui"
)

var tuneCmd = &cobra.Command{
	Use:   "tune [flags]",
	Short: "Search for the best schedule of a workload",
	Long:  `Tune runs the sketch search loop against the local simulator and reports the best schedule found`,
	RunE:  runTune,
}

func init() {
	tuneCmd.Flags().String("config", "", "strata.toml tuning manifest (overrides workload flags)")
	tuneCmd.Flags().String("workload", "matmul", "built-in workload name")
	tuneCmd.Flags().String("args", "", "comma-separated workload shape arguments")
	tuneCmd.Flags().Int("trials", 64, "measurement budget")
	tuneCmd.Flags().Int("early-stopping", -1, "stop after this many measurements without a new best (-1 disables)")
	tuneCmd.Flags().Int("measures-per-round", 8, "measurements per search round")
	tuneCmd.Flags().Int("num-cores", 4, "target core count")
	tuneCmd.Flags().Int64("seed", 0, "policy random seed")
	tuneCmd.Flags().String("ui", "auto", "progress UI (auto|on|off)")
	tuneCmd.Flags().Bool("save", false, "save the best schedule to the record cache")
}

type tuneOutcome struct {
	best *loopstate.State
	err  error
}

func runTune(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	trials, err := cmd.Flags().GetInt("trials")
	if err != nil {
		return err
	}
	earlyStopping, err := cmd.Flags().GetInt("early-stopping")
	if err != nil {
		return err
	}
	measuresPerRound, err := cmd.Flags().GetInt("measures-per-round")
	if err != nil {
		return err
	}
	seed, err := cmd.Flags().GetInt64("seed")
	if err != nil {
		return err
	}
	uiValue, err := cmd.Flags().GetString("ui")
	if err != nil {
		return err
	}
	save, err := cmd.Flags().GetBool("save")
	if err != nil {
		return err
	}

	var t *task.SearchTask
	var params task.Params
	if configPath != "" {
		cfg, err := task.LoadTuneConfig(configPath)
		if err != nil {
			return err
		}
		t, params, err = cfg.BuildTask()
		if err != nil {
			return err
		}
		if cfg.Search.Trials > 0 {
			trials = cfg.Search.Trials
		}
		if cfg.Search.EarlyStopping != 0 {
			earlyStopping = cfg.Search.EarlyStopping
		}
		if cfg.Search.MeasuresPerRound > 0 {
			measuresPerRound = cfg.Search.MeasuresPerRound
		}
		if cfg.Search.Seed != 0 {
			seed = cfg.Search.Seed
		}
	} else {
		dag, err := resolveWorkloadDAG(cmd)
		if err != nil {
			return err
		}
		numCores, err := cmd.Flags().GetInt("num-cores")
		if err != nil {
			return err
		}
		hw := task.DefaultHardwareParams()
		hw.NumCores = numCores
		t = task.NewSearchTask(dag, "cpu", hw)
		params = task.DefaultParams()
	}

	tracer, err := buildTracer(cmd)
	if err != nil {
		return err
	}
	defer tracer.Close()

	policy := search.NewSketchPolicy(t, costmodel.NewRandomModel(seed), params, seed, 0)
	policy.Tracer = tracer
	measurer := measure.NewProgramMeasurer(&measure.SimRunner{Repeats: 3})

	var best *loopstate.State
	useTUI := uiValue == "on" || (uiValue == "auto" && isTerminal(os.Stdout))
	if useTUI {
		best, err = runSearchWithUI(cmd, policy, measurer, trials, earlyStopping, measuresPerRound)
	} else {
		best, err = policy.Search(context.Background(), trials, earlyStopping, measuresPerRound, measurer)
	}
	if err != nil {
		return err
	}
	if best == nil {
		return fmt.Errorf("no schedule found")
	}

	out := cmd.OutOrStdout()
	cost := measurer.BestCost[t.WorkloadKey]
	fmt.Fprintf(out, "workload: %s\n", t.WorkloadKey)
	if cost > 0 && cost < measure.MaxCost {
		fmt.Fprintf(out, "best: %.6f ms  (%.2f GFLOPS)\n", cost*1e3, policy.BestGFlops(cost))
	}
	fmt.Fprintln(out, "schedule:")
	fmt.Fprint(out, t.DAG.PrintSteps(best.Steps))

	if timings, _ := cmd.Root().PersistentFlags().GetBool("timings"); timings {
		fmt.Fprint(cmd.ErrOrStderr(), policy.Timer.Summary())
	}

	if save {
		cache, err := measure.OpenRecordCache("strata")
		if err != nil {
			return err
		}
		rec := &measure.Record{
			WorkloadKey: t.WorkloadKey,
			Target:      t.Target,
			Steps:       loopstate.FormatSteps(best.Steps),
			MeanCost:    cost,
		}
		if err := cache.Put(rec); err != nil {
			return fmt.Errorf("failed to save record: %w", err)
		}
	}
	return nil
}

// runSearchWithUI runs the search in a goroutine and renders its progress
// events in a Bubble Tea program until the stream closes.
func runSearchWithUI(cmd *cobra.Command, policy *search.SketchPolicy, measurer *measure.ProgramMeasurer,
	trials, earlyStopping, measuresPerRound int) (*loopstate.State, error) {
	events := make(chan search.Event, 256)
	outcomeCh := make(chan tuneOutcome, 1)

	policy.Sink = search.ChannelSink{Ch: events}
	go func() {
		best, err := policy.Search(context.Background(), trials, earlyStopping, measuresPerRound, measurer)
		outcomeCh <- tuneOutcome{best: best, err: err}
		close(events)
	}()

	model := ui.NewTuneModel("tuning "+policy.Task.WorkloadKey, trials, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.best, uiErr
	}
	return outcome.best, outcome.err
}

func buildTracer(cmd *cobra.Command) (trace.Tracer, error) {
	levelValue, err := cmd.Root().PersistentFlags().GetString("trace")
	if err != nil {
		return nil, err
	}
	level, err := trace.ParseLevel(levelValue)
	if err != nil {
		return nil, err
	}
	outputPath, err := cmd.Root().PersistentFlags().GetString("trace-output")
	if err != nil {
		return nil, err
	}
	return trace.New(trace.Config{Level: level, Mode: trace.ModeStream, OutputPath: outputPath})
}
