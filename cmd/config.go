package cmd

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/impurity-sim/impurity-sim/qmc"
	"github.com/impurity-sim/impurity-sim/qmc/model"
)

// Config is the YAML parameter file. Unknown keys are rejected so a typo
// never silently falls back to a default.
type Config struct {
	Model struct {
		Beta    float64 `yaml:"beta"`
		Flavors int     `yaml:"flavors"`
		Mu      float64 `yaml:"mu"`
		U       float64 `yaml:"u"`
	} `yaml:"model"`

	Hybridization struct {
		Type string  `yaml:"type"` // "single_pole" or "constant"
		V    float64 `yaml:"v"`
		Eps  float64 `yaml:"eps"`
	} `yaml:"hybridization"`

	Sampling struct {
		Seed           int64    `yaml:"seed"`
		ThermSweeps    int64    `yaml:"therm_sweeps"`
		Sweeps         int64    `yaml:"sweeps"`
		WindowSegments int      `yaml:"window_segments"`
		GlobalInterval int64    `yaml:"global_interval"`
		InsertRank     int      `yaml:"insert_rank"`
		WormSpaces     []string `yaml:"worm_spaces"`
		TimeLimit      string   `yaml:"time_limit"`
		SelfCheck      bool     `yaml:"self_check"`
		SelfCheckEvery int64    `yaml:"self_check_every"`
		ConvergeTarget float64  `yaml:"convergence_target"`
	} `yaml:"sampling"`

	Measure struct {
		TauBins       int    `yaml:"tau_bins"`
		LegendreOrder int    `yaml:"legendre_order"`
		Output        string `yaml:"output"`
	} `yaml:"measure"`
}

// DefaultConfig returns the built-in parameter set: a single-orbital Anderson
// model at moderate coupling, small enough to run in seconds.
func DefaultConfig() *Config {
	c := &Config{}
	c.Model.Beta = 10
	c.Model.Flavors = 2
	c.Model.Mu = 1
	c.Model.U = 2
	c.Hybridization.Type = "single_pole"
	c.Hybridization.V = 0.5
	c.Hybridization.Eps = 0
	c.Sampling.Seed = 42
	c.Sampling.ThermSweeps = 2000
	c.Sampling.Sweeps = 10000
	c.Sampling.WindowSegments = 10
	c.Sampling.GlobalInterval = 20
	c.Sampling.InsertRank = 1
	c.Sampling.WormSpaces = []string{"G1", "Equal_time_G1"}
	c.Sampling.ConvergeTarget = 1e-3
	c.Measure.TauBins = 200
	c.Measure.LegendreOrder = 30
	return c
}

// LoadConfig reads and strictly decodes a parameter file over the defaults.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening parameter file %s", path)
	}
	defer f.Close()

	c := DefaultConfig()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, errors.Wrapf(err, "parsing parameter file %s", path)
	}
	return c, nil
}

// Validate checks everything that must hold before the simulator is built.
func (c *Config) Validate() error {
	if c.Model.Beta <= 0 {
		return errors.Errorf("model.beta must be positive, got %g", c.Model.Beta)
	}
	if c.Model.Flavors < 1 || c.Model.Flavors > 8 {
		return errors.Errorf("model.flavors must be in [1, 8], got %d", c.Model.Flavors)
	}
	switch c.Hybridization.Type {
	case "single_pole", "constant":
	default:
		return errors.Errorf("unknown hybridization.type %q", c.Hybridization.Type)
	}
	if c.Sampling.ThermSweeps < 0 || c.Sampling.Sweeps < 0 {
		return errors.New("sweep counts must be non-negative")
	}
	if c.Sampling.WindowSegments < 1 {
		return errors.Errorf("sampling.window_segments must be at least 1, got %d", c.Sampling.WindowSegments)
	}
	if c.Sampling.InsertRank < 1 {
		return errors.Errorf("sampling.insert_rank must be at least 1, got %d", c.Sampling.InsertRank)
	}
	if c.Sampling.TimeLimit != "" {
		if _, err := time.ParseDuration(c.Sampling.TimeLimit); err != nil {
			return errors.Wrapf(err, "sampling.time_limit %q", c.Sampling.TimeLimit)
		}
	}
	if _, err := c.wormKinds(); err != nil {
		return err
	}
	if c.Measure.TauBins < 1 {
		return errors.Errorf("measure.tau_bins must be at least 1, got %d", c.Measure.TauBins)
	}
	if c.Measure.LegendreOrder < 0 {
		return errors.Errorf("measure.legendre_order must be non-negative, got %d", c.Measure.LegendreOrder)
	}
	return nil
}

func (c *Config) wormKinds() ([]qmc.WormKind, error) {
	var kinds []qmc.WormKind
	for _, name := range c.Sampling.WormSpaces {
		switch name {
		case "G1":
			kinds = append(kinds, qmc.WormG1)
		case "Equal_time_G1":
			kinds = append(kinds, qmc.WormEqualTimeG1)
		case "Two_time_N2":
			kinds = append(kinds, qmc.WormTwoTimeN2)
		default:
			return nil, errors.Errorf("unknown worm space %q", name)
		}
	}
	return kinds, nil
}

// Build converts a validated Config into the simulator's inputs.
func (c *Config) Build() (*model.LocalModel, model.Hybridization, qmc.Settings, error) {
	lm, err := model.NewLocalModel(c.Model.Beta, c.Model.Flavors, c.Model.Mu, c.Model.U)
	if err != nil {
		return nil, nil, qmc.Settings{}, err
	}

	var hyb model.Hybridization
	switch c.Hybridization.Type {
	case "constant":
		hyb = &model.ConstantHybridization{V: c.Hybridization.V, NumFlavors: c.Model.Flavors}
	default:
		hyb = &model.SinglePoleHybridization{
			V:          c.Hybridization.V,
			Eps:        c.Hybridization.Eps,
			Beta:       c.Model.Beta,
			NumFlavors: c.Model.Flavors,
		}
	}

	kinds, err := c.wormKinds()
	if err != nil {
		return nil, nil, qmc.Settings{}, err
	}
	var limit time.Duration
	if c.Sampling.TimeLimit != "" {
		limit, _ = time.ParseDuration(c.Sampling.TimeLimit)
	}
	set := qmc.Settings{
		Seed:           c.Sampling.Seed,
		ThermSweeps:    c.Sampling.ThermSweeps,
		Sweeps:         c.Sampling.Sweeps,
		WindowSegments: c.Sampling.WindowSegments,
		GlobalInterval: c.Sampling.GlobalInterval,
		InsertRank:     c.Sampling.InsertRank,
		WormKinds:      kinds,
		WallClock:      limit,
		SelfCheck:      c.Sampling.SelfCheck,
		SelfCheckEvery: c.Sampling.SelfCheckEvery,
		ConvergeTarget: c.Sampling.ConvergeTarget,
	}
	return lm, hyb, set, nil
}
