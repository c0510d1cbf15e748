package task

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"

	"strata/internal/cdag"
)

// TuneConfig mirrors a strata.toml tuning manifest.
type TuneConfig struct {
	Workload struct {
		Name string  `toml:"name"`
		Args []int64 `toml:"args"`
	} `toml:"workload"`
	Hardware struct {
		NumCores        int `toml:"num_cores"`
		VectorUnitBytes int `toml:"vector_unit_bytes"`
		CacheLineBytes  int `toml:"cache_line_bytes"`
	} `toml:"hardware"`
	Search struct {
		Trials           int            `toml:"trials"`
		EarlyStopping    int            `toml:"early_stopping"`
		MeasuresPerRound int            `toml:"measures_per_round"`
		Seed             int64          `toml:"seed"`
		Params           map[string]any `toml:"params"`
	} `toml:"search"`
}

var (
	// ErrWorkloadSectionMissing indicates that [workload] is missing.
	ErrWorkloadSectionMissing = errors.New("missing [workload]")
	// ErrWorkloadNameMissing indicates that [workload].name is missing.
	ErrWorkloadNameMissing = errors.New("missing [workload].name")
)

// LoadTuneConfig parses a strata.toml tuning manifest.
func LoadTuneConfig(path string) (*TuneConfig, error) {
	var cfg TuneConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if !meta.IsDefined("workload") {
		return nil, fmt.Errorf("%s: %w", path, ErrWorkloadSectionMissing)
	}
	if !meta.IsDefined("workload", "name") || cfg.Workload.Name == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrWorkloadNameMissing)
	}
	return &cfg, nil
}

// BuildTask resolves the config into a SearchTask plus policy parameters.
func (cfg *TuneConfig) BuildTask() (*SearchTask, Params, error) {
	dag, err := cdag.BuildWorkload(cfg.Workload.Name, cfg.Workload.Args)
	if err != nil {
		return nil, nil, err
	}
	hw := DefaultHardwareParams()
	if cfg.Hardware.NumCores > 0 {
		hw.NumCores = cfg.Hardware.NumCores
	}
	if cfg.Hardware.VectorUnitBytes > 0 {
		hw.VectorUnitBytes = cfg.Hardware.VectorUnitBytes
	}
	if cfg.Hardware.CacheLineBytes > 0 {
		hw.CacheLineBytes = cfg.Hardware.CacheLineBytes
	}
	params := DefaultParams()
	for k, v := range cfg.Search.Params {
		params[k] = v
	}
	return NewSearchTask(dag, "cpu", hw), params, nil
}
