package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/batch"
	"github.com/cuemby/burrow/pkg/catalog"
	"github.com/cuemby/burrow/pkg/factory"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow-factory",
	Short: "Burrow factory - elastic worker provisioning for workflow managers",
	Long: `The factory watches the directory service for managers matching a name
pattern and keeps a matching fleet of ephemeral workers submitted into a
batch backend, scaling with the managers' published demand.`,
	Version: Version,
	RunE:    runFactory,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow factory version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().StringP("config-file", "C", "", "YAML configuration file, re-read every cycle")
	rootCmd.Flags().StringP("manager-name", "M", "", "Regex selecting managers to serve")
	rootCmd.Flags().StringP("batch-type", "T", "", fmt.Sprintf("Backend type (one of: %v)", batch.Types()))
	rootCmd.Flags().Int("min-workers", -1, "Minimum workers to keep submitted")
	rootCmd.Flags().Int("max-workers", -1, "Maximum workers to keep submitted")
	rootCmd.Flags().Int("workers-per-cycle", -1, "Maximum new workers per control cycle")
	rootCmd.Flags().Int("tasks-per-worker", 0, "Tasks one worker is expected to carry")
	rootCmd.Flags().Int("timeout", 0, "Per-worker idle timeout in seconds")
	rootCmd.Flags().Int("period", int(factory.DefaultPeriod.Seconds()), "Control cycle interval in seconds")
	rootCmd.Flags().String("catalog", "", "Directory service host")
	rootCmd.Flags().Int("catalog-port", 0, "Directory service port")
	rootCmd.Flags().Bool("parent-death", false, "Exit when the parent process exits")
	rootCmd.Flags().String("metrics-addr", "", "Listen address for Prometheus metrics (empty disables)")
}

func runFactory(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	cfgPath, _ := cmd.Flags().GetString("config-file")

	cfg := factory.DefaultConfig()
	if cfgPath != "" {
		loaded, err := factory.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// CLI flags override the file for the initial cycle.
	if v, _ := cmd.Flags().GetString("manager-name"); v != "" {
		cfg.ManagerName = v
	}
	if v, _ := cmd.Flags().GetString("batch-type"); v != "" {
		cfg.BatchType = v
	}
	if v, _ := cmd.Flags().GetInt("min-workers"); v >= 0 {
		cfg.MinWorkers = v
	}
	if v, _ := cmd.Flags().GetInt("max-workers"); v >= 0 {
		cfg.MaxWorkers = v
	}
	if v, _ := cmd.Flags().GetInt("workers-per-cycle"); v >= 0 {
		cfg.WorkersPerCycle = v
	}
	if v, _ := cmd.Flags().GetInt("tasks-per-worker"); v > 0 {
		cfg.TasksPerWorker = v
	}
	if v, _ := cmd.Flags().GetInt("timeout"); v > 0 {
		cfg.WorkerTimeout = v
	}

	queue, err := batch.Create(cfg.BatchType)
	if err != nil {
		return fmt.Errorf("couldn't create batch queue: %w", err)
	}
	defer queue.Close()

	catalogHost, _ := cmd.Flags().GetString("catalog")
	catalogPort, _ := cmd.Flags().GetInt("catalog-port")
	cat := catalog.NewClient(catalogHost, catalogPort)

	f, err := factory.New(cfg, cfgPath, queue, cat)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetInt("period"); v > 0 {
		f.Period = time.Duration(v) * time.Second
	}
	f.ExitOnParentDeath, _ = cmd.Flags().GetBool("parent-death")

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Errorf("Metrics listener failed", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return f.Run(ctx)
}
