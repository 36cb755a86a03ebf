package cmd

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sim "github.com/gemsanyu/batsim-go/sim"
)

var (
	// CLI flags for the simulation run
	platformFile   string  // Platform description file (SimGrid XML) passed to the engine
	workloadFile   string  // Workload description file (JSON) passed to the engine
	verbosity      string  // Engine verbosity level
	simulationTime float64 // Explicit simulation time limit (0 = run until the workload completes)
	logLevel       string  // Client log verbosity level
	scenarioFile   string  // Optional YAML scenario file providing the values above

	// CLI flags for the engine deployment
	address       string // tcp://host:port endpoint the engine connects to (empty = free local port)
	engineCommand string // Engine executable name or path
	outputDir     string // Directory for the engine's result files
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "batsim-go",
	Short: "Control-plane client for the Batsim simulation engine",
}

// runCmd drives one full simulation with a first-fit allocation, mainly as a
// smoke harness for the client library.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workload to completion with first-fit allocation",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if scenarioFile != "" {
			scenario, err := LoadScenario(scenarioFile)
			if err != nil {
				logrus.Fatalf("Unable to read scenario file: %v", err)
			}
			scenario.apply(cmd)
		}
		if platformFile == "" || workloadFile == "" {
			logrus.Fatalf("Both --platform and --workload are required.")
		}

		handler, err := sim.NewSimulatorHandler(sim.Config{
			Address:       address,
			EngineCommand: engineCommand,
			OutputDir:     outputDir,
		})
		if err != nil {
			logrus.Fatalf("Unable to set up the simulation handler: %v", err)
		}

		submitted := 0
		handler.Subscribe(sim.SimulationEnds, func(h *sim.SimulatorHandler) {
			logrus.Infof("Run finished at t=%.1f after %d submissions", h.CurrentTime(), submitted)
		})

		if err := handler.Start(platformFile, workloadFile, sim.Verbosity(verbosity), simulationTime); err != nil {
			logrus.Fatalf("Unable to start the simulation: %v", err)
		}
		defer handler.Close()

		for handler.IsRunning() {
			submitted += dispatchFirstFit(handler)
			if err := handler.Proceed(); err != nil {
				if errors.Is(err, sim.ErrDeadlock) {
					logrus.Fatalf("Simulation deadlocked: %v (some queued jobs could not be placed)", err)
				}
				logrus.Fatalf("Simulation failed: %v", err)
			}
		}
	},
}

// dispatchFirstFit allocates each queued job on the first idle hosts that
// fit. It returns the number of jobs placed. This is deliberately the
// simplest possible policy: the point is exercising the client, not
// scheduling quality.
func dispatchFirstFit(h *sim.SimulatorHandler) int {
	placed := 0
	for _, job := range h.Queue() {
		var free []int
		for _, host := range h.Platform().Hosts() {
			if host.IsIdle() && len(host.Jobs()) == 0 {
				free = append(free, host.ID)
			}
			if len(free) == job.Res {
				break
			}
		}
		if len(free) < job.Res {
			continue
		}
		if err := h.Allocate(job.ID, free); err != nil {
			logrus.Warnf("Allocating job %s: %v", job.ID, err)
			continue
		}
		placed++
	}
	return placed
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&platformFile, "platform", "", "Platform description file (SimGrid XML)")
	runCmd.Flags().StringVar(&workloadFile, "workload", "", "Workload description file (JSON)")
	runCmd.Flags().StringVar(&verbosity, "verbosity", string(sim.VerbosityQuiet), "Engine verbosity (quiet, network-only, information, debug)")
	runCmd.Flags().Float64Var(&simulationTime, "simulation-time", 0, "Explicit simulation time limit in simulated seconds (0 = none)")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&scenarioFile, "scenario", "", "YAML scenario file; explicit flags override its values")

	runCmd.Flags().StringVar(&address, "address", "", "tcp://host:port endpoint for the engine (empty = free local port)")
	runCmd.Flags().StringVar(&engineCommand, "engine", "batsim", "Engine executable name or path")
	runCmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory for engine result files (empty = fresh temp dir)")

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
