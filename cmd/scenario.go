package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Scenario is a YAML alternative to passing every run parameter as a flag.
// Explicit flags take precedence over scenario values.
type Scenario struct {
	Platform       string  `yaml:"platform"`
	Workload       string  `yaml:"workload"`
	Verbosity      string  `yaml:"verbosity"`
	SimulationTime float64 `yaml:"simulation_time"`
	Address        string  `yaml:"address"`
	Engine         string  `yaml:"engine"`
	OutputDir      string  `yaml:"output_dir"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	scenario := &Scenario{}
	if err := yaml.Unmarshal(data, scenario); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if scenario.Platform == "" {
		return nil, fmt.Errorf("scenario %s: platform is required", path)
	}
	if scenario.Workload == "" {
		return nil, fmt.Errorf("scenario %s: workload is required", path)
	}
	if scenario.SimulationTime < 0 {
		return nil, fmt.Errorf("scenario %s: simulation_time must be non-negative, got %g", path, scenario.SimulationTime)
	}
	return scenario, nil
}

// apply copies scenario values into the flag variables, skipping any flag the
// user set explicitly on the command line.
func (s *Scenario) apply(cmd *cobra.Command) {
	if !cmd.Flags().Changed("platform") {
		platformFile = s.Platform
	}
	if !cmd.Flags().Changed("workload") {
		workloadFile = s.Workload
	}
	if !cmd.Flags().Changed("verbosity") && s.Verbosity != "" {
		verbosity = s.Verbosity
	}
	if !cmd.Flags().Changed("simulation-time") {
		simulationTime = s.SimulationTime
	}
	if !cmd.Flags().Changed("address") {
		address = s.Address
	}
	if !cmd.Flags().Changed("engine") && s.Engine != "" {
		engineCommand = s.Engine
	}
	if !cmd.Flags().Changed("output-dir") {
		outputDir = s.OutputDir
	}
}
