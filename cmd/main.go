package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deadline-sched/internal/collectors"
	"deadline-sched/internal/config"
	"deadline-sched/internal/database"
	"deadline-sched/internal/host"
	"deadline-sched/internal/logging"
	"deadline-sched/internal/sim"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const Version = "1.0.0"

func loadEnvFiles() {
	// Best effort; the config file can also reference ${VARS} directly.
	for _, envFile := range []string{".env", ".deadline-sched.env"} {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				logging.GetLogger().WithField("file", envFile).WithError(err).Warn("Failed to load env file")
			}
		}
	}
}

// resolveScales determines the per-CPU performance scales for a run: explicit
// config values win, then hardware calibration, then cpufreq discovery.
func resolveScales(cfg *config.SimulationConfig) ([]float64, error) {
	logger := logging.GetLogger()
	cpus := cfg.Simulation.CPUs

	if len(cpus.PerformanceScales) > 0 {
		return cpus.PerformanceScales, nil
	}

	hostConfig, err := host.GetHostConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to discover host topology: %w", err)
	}

	ids := hostConfig.LogicalCPUs()
	scales := hostConfig.PerformanceScales()

	if cpus.Cpuset != "" {
		subset, err := config.ParseCPUSpec(cpus.Cpuset)
		if err != nil {
			return nil, err
		}
		if err := hostConfig.ValidateCPUs(subset); err != nil {
			return nil, err
		}
		byID := make(map[int]float64, len(ids))
		for i, id := range ids {
			byID[id] = scales[i]
		}
		ids = subset
		scales = make([]float64, len(subset))
		for i, id := range subset {
			scales[i] = byID[id]
		}
	}

	if cpus.Count > 0 && cpus.Count < len(ids) {
		ids = ids[:cpus.Count]
		scales = scales[:cpus.Count]
	}

	if cpus.Calibrate {
		calibrated, err := collectors.CalibratePerformanceScales(ids, 50*time.Millisecond)
		if err != nil {
			logger.WithError(err).Warn("Hardware calibration failed, using discovered scales")
		} else {
			scales = calibrated
		}
	}

	if cpus.Count > len(ids) {
		logger.WithFields(logrus.Fields{
			"requested": cpus.Count,
			"available": len(ids),
		}).Warn("Fewer host CPUs than requested, padding with unit-scale virtual CPUs")
		for len(scales) < cpus.Count {
			scales = append(scales, 1.0)
		}
	}

	return scales, nil
}

func runSimulation(configFile string) error {
	logger := logging.GetLogger()
	loadEnvFiles()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if cfg.Simulation.LogLevel != "" {
		if err := logging.SetLogLevel(cfg.Simulation.LogLevel); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		if err := logging.SetBalancerLogLevel(cfg.Simulation.LogLevel); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}

	scales, err := resolveScales(cfg)
	if err != nil {
		return err
	}

	recorder := database.NewRecorder()
	simulation, err := sim.New(cfg, scales, recorder)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("Interrupted, stopping simulation")
		cancel()
	}()

	startTime := time.Now()
	result, err := simulation.Run(ctx)
	if err != nil {
		return err
	}
	endTime := time.Now()

	logger.WithFields(logrus.Fields{
		"simulated": result.Elapsed,
		"cycles":    result.Cycles,
		"wall":      endTime.Sub(startTime).Round(time.Millisecond),
	}).Info("Simulation complete")
	for _, t := range result.Tasks {
		logger.WithFields(logrus.Fields{
			"task":       t.ID,
			"workload":   t.Workload,
			"weight":     t.Weight,
			"served":     t.Served,
			"dispatches": t.Dispatches,
			"migrations": t.Migrations,
			"done":       t.Done,
		}).Info("Task summary")
	}

	return persistMetrics(cfg, recorder, startTime, endTime)
}

func persistMetrics(cfg *config.SimulationConfig, recorder *database.Recorder, startTime, endTime time.Time) error {
	logger := logging.GetLogger()
	records := recorder.Records()
	if len(records) == 0 {
		return nil
	}

	runName := cfg.Simulation.Name
	if !cfg.HasDatabase() {
		logger.Debug("No database configured, skipping metrics upload")
		return nil
	}

	uploadErr := func() error {
		db, err := database.NewInfluxDBClient(cfg.Simulation.Data.DB)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return db.WriteCycleRecords(ctx, runName, records)
	}()
	if uploadErr == nil {
		return nil
	}

	logger.WithError(uploadErr).Warn("Metrics upload failed, spooling to disk")
	artifact := database.BuildSpoolArtifact(runName, records, startTime, endTime)
	path, err := database.WriteSpoolArtifact("", artifact)
	if err != nil {
		return fmt.Errorf("failed to spool metrics: %w", err)
	}
	logger.WithField("path", path).Info("Spooled metrics artifact")
	return nil
}

func validateConfigFile(configFile string) error {
	if _, err := config.LoadConfig(configFile); err != nil {
		return err
	}
	logging.GetLogger().WithField("config", configFile).Info("Configuration is valid")
	return nil
}

func showTopology() error {
	logger := logging.GetLogger()
	hostConfig, err := host.GetHostConfig()
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"hostname":  hostConfig.Hostname,
		"cpu_model": hostConfig.CPUModel,
		"sockets":   hostConfig.NumSockets,
	}).Info("Host")
	for _, cpu := range hostConfig.CPUs {
		logger.WithFields(logrus.Fields{
			"cpu":               cpu.LogicalID,
			"max_freq_khz":      cpu.MaxFreqKHz,
			"performance_scale": fmt.Sprintf("%.3f", cpu.PerformanceScale),
		}).Info("Logical CPU")
	}
	return nil
}

func main() {
	var configFile string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:     "deadline-sched",
		Short:   "Deadline scheduler core with global load balancing",
		Long:    "A deadline-aware per-CPU scheduler core with a periodic global load balancer, driven by a configurable simulation harness",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
				if err := logging.SetBalancerLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scheduling simulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(configFile)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a simulation configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfigFile(configFile)
		},
	}

	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Show discovered host CPU topology and performance scales",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showTopology()
		},
	}

	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to simulation configuration file")
	runCmd.MarkFlagRequired("config")

	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to simulation configuration file")
	validateCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(topologyCmd)

	if err := rootCmd.Execute(); err != nil {
		logging.GetLogger().WithError(err).Error("Command failed")
		os.Exit(1)
	}
}
