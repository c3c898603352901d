package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/batch"
	"github.com/cuemby/burrow/pkg/dag"
	"github.com/cuemby/burrow/pkg/engine"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/parser"
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
	Use:   "burrow",
	Short: "Burrow - Workflow engine for batch execution backends",
	Long: `Burrow reads a declarative description of a directed acyclic graph of
interdependent rules and drives them to completion across batch execution
backends: local processes, cluster schedulers, cloud instances, containers,
and distributed task queues.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(cleanCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func addWorkflowFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("batch-type", "T", "local", fmt.Sprintf("Remote backend type (one of: %v)", batch.Types()))
	cmd.Flags().StringP("journal", "l", "", "Journal file (default <workflow>.journal)")
	cmd.Flags().StringP("batch-log", "L", "", "Backend event log (default <workflow>.<type>log)")
	cmd.Flags().IntP("local-jobs", "j", 0, "Max local jobs at once (default: number of cores)")
	cmd.Flags().IntP("remote-jobs", "J", 0, "Max remote jobs at once (default depends on backend)")
	cmd.Flags().IntP("retry", "r", 0, "Retry failed jobs up to n times")
	cmd.Flags().IntP("submit-timeout", "S", 3600, "Seconds to keep retrying rejected submissions")
	cmd.Flags().BoolP("preserve-symlinks", "P", false, "Do not clean sandbox symlinks on exit")
}

// loadWorkflow parses the named workflow file.
func loadWorkflow(args []string) (*dag.Dag, string, error) {
	workflow := "./Workflow"
	if len(args) == 1 {
		workflow = args[0]
	} else if _, err := os.Stat(workflow); err != nil {
		return nil, "", fmt.Errorf("no workflow specified and ./Workflow could not be found")
	}

	d, err := parser.Parse(workflow)
	if err != nil {
		return nil, "", err
	}
	return d, workflow, nil
}

// engineConfig assembles the engine configuration from flags and the
// environment.
func engineConfig(cmd *cobra.Command, workflow, backendType string) engine.Config {
	localMax, _ := cmd.Flags().GetInt("local-jobs")
	remoteMax, _ := cmd.Flags().GetInt("remote-jobs")
	retries, _ := cmd.Flags().GetInt("retry")
	submitTimeout, _ := cmd.Flags().GetInt("submit-timeout")
	journalPath, _ := cmd.Flags().GetString("journal")
	batchLog, _ := cmd.Flags().GetString("batch-log")
	preserve, _ := cmd.Flags().GetBool("preserve-symlinks")

	if localMax <= 0 {
		localMax = runtime.NumCPU()
	}
	if remoteMax <= 0 {
		switch backendType {
		case "local":
			remoteMax = runtime.NumCPU()
		case "taskqueue":
			remoteMax = 1000
		default:
			remoteMax = 100
		}
	}

	// The environment may clamp the caps down, never up.
	if v := os.Getenv("BURROW_MAX_REMOTE_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n < remoteMax {
			remoteMax = n
		}
	}
	if v := os.Getenv("BURROW_MAX_LOCAL_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			if n < localMax {
				localMax = n
			}
			if backendType == "local" && n < remoteMax {
				remoteMax = n
			}
		}
	}

	if journalPath == "" {
		journalPath = workflow + ".journal"
	}
	if batchLog == "" {
		batchLog = fmt.Sprintf("%s.%slog", workflow, backendType)
	}

	return engine.Config{
		BackendType:      backendType,
		LocalJobsMax:     localMax,
		RemoteJobsMax:    remoteMax,
		RetryEnabled:     retries > 0,
		RetryMax:         retries,
		SubmitTimeout:    time.Duration(submitTimeout) * time.Second,
		BatchOptions:     os.Getenv("BATCH_OPTIONS"),
		JournalPath:      journalPath,
		BatchLogPath:     batchLog,
		PreserveSymlinks: preserve,
	}
}

var runCmd = &cobra.Command{
	Use:   "run [workflow]",
	Short: "Run a workflow to completion",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, workflow, err := loadWorkflow(args)
		if err != nil {
			return err
		}

		backendType, _ := cmd.Flags().GetString("batch-type")

		local, err := batch.Create("local")
		if err != nil {
			return fmt.Errorf("couldn't create local job queue: %w", err)
		}
		defer local.Close()

		// Always a distinct queue, even when the remote backend is also
		// the local type: each queue owns its own job table.
		remote, err := batch.Create(backendType)
		if err != nil {
			return fmt.Errorf("couldn't create batch queue: %w", err)
		}
		defer remote.Close()

		cfg := engineConfig(cmd, workflow, backendType)
		e, err := engine.New(d, local, remote, cfg)
		if err != nil {
			return err
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		e.SetBroker(broker)
		go printProgress(broker.Subscribe())

		if err := e.Check(); err != nil {
			return err
		}
		if err := e.Recover(); err != nil {
			return err
		}

		// Handlers only flip the abort flag; the engine notices at the top
		// of its next loop iteration.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		go func() {
			<-sigCh
			e.Abort()
		}()

		return e.Run(context.Background())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [workflow]",
	Short: "Verify that every rule's inputs exist or will be produced",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, workflow, err := loadWorkflow(args)
		if err != nil {
			return err
		}
		backendType, _ := cmd.Flags().GetString("batch-type")

		local, err := batch.Create("local")
		if err != nil {
			return err
		}
		defer local.Close()

		e, err := engine.New(d, local, local, engineConfig(cmd, workflow, backendType))
		if err != nil {
			return err
		}
		if err := e.Check(); err != nil {
			return err
		}
		fmt.Printf("%s: workflow OK\n", workflow)
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean [workflow]",
	Short: "Remove target files, sandbox symlinks and the journal",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, workflow, err := loadWorkflow(args)
		if err != nil {
			return err
		}
		backendType, _ := cmd.Flags().GetString("batch-type")
		intermediates, _ := cmd.Flags().GetBool("intermediates")

		local, err := batch.Create("local")
		if err != nil {
			return err
		}
		defer local.Close()

		cfg := engineConfig(cmd, workflow, backendType)
		e, err := engine.New(d, local, local, cfg)
		if err != nil {
			return err
		}

		mode := engine.CleanAll
		if intermediates {
			mode = engine.CleanIntermediates
		}
		e.Clean(mode)

		if !intermediates {
			os.Remove(cfg.JournalPath)
			os.Remove(cfg.JournalPath + ".lock")
			os.Remove(cfg.BatchLogPath)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, checkCmd, cleanCmd} {
		addWorkflowFlags(cmd)
	}
	cleanCmd.Flags().Bool("intermediates", false, "Remove only intermediate outputs")
}

// printProgress echoes node transitions as they happen.
func printProgress(sub events.Subscriber) {
	for ev := range sub {
		switch ev.Type {
		case events.EventNodeRunning:
			fmt.Printf("burrow: %s\n", ev.Message)
		case events.EventNodeFailed:
			fmt.Fprintf(os.Stderr, "burrow: rule %d failed\n", ev.NodeID)
		case events.EventWorkflowDone:
			fmt.Println("burrow: nothing left to do")
		case events.EventWorkflowAbort:
			fmt.Fprintln(os.Stderr, "burrow: workflow was aborted")
		}
	}
}
