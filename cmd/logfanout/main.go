// Command logfanout delivers centrally collected workload logs to each
// tenant's own log destination.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/spf13/cobra"

	"logfanout/internal/config"
	"logfanout/internal/logging"
	lambdarecv "logfanout/internal/receiver/lambda"
	sqsrecv "logfanout/internal/receiver/sqs"
	stdinrecv "logfanout/internal/receiver/stdin"
)

var version = "dev"

func main() {
	var (
		cfg    config.Config
		logger *slog.Logger
	)

	rootCmd := &cobra.Command{
		Use:           "logfanout",
		Short:         "Fan out centrally collected logs to tenant accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			envFile, _ := cmd.Flags().GetString("env-file")
			if err := config.LoadEnvFile(envFile); err != nil {
				return err
			}
			var err error
			if cfg, err = config.Load(cmd.Flags(), os.LookupEnv); err != nil {
				return err
			}
			logger, err = newLogger(os.Stderr, cfg)
			return err
		},
	}
	rootCmd.PersistentFlags().String("env-file", "", "load environment variables from this file first")
	config.BindFlags(rootCmd.PersistentFlags())

	lambdaCmd := &cobra.Command{
		Use:   "lambda",
		Short: "Run under the Lambda runtime, consuming SQS events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(context.Background(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			lambdarecv.New(lambdarecv.Config{Processor: a.orch, Logger: logger}).Start()
			return nil
		},
	}

	pollCmd := &cobra.Command{
		Use:   "poll",
		Short: "Long-poll an SQS queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.QueueURL == "" {
				return fmt.Errorf("poll mode needs a queue url (--queue-url or SQS_QUEUE_URL)")
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runPoll(ctx, cfg, logger)
		},
	}

	processCmd := &cobra.Command{
		Use:   "process [file]",
		Short: "Process one notification (or SQS event) from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			a, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			_, err = stdinrecv.New(stdinrecv.Config{Processor: a.orch, Logger: logger}).Run(ctx, in)
			return err
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(lambdaCmd, pollCmd, processCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("logfanout failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, "logfanout:", err)
		}
		os.Exit(1)
	}
}

// newLogger builds the base logger and applies per-component levels.
func newLogger(w io.Writer, cfg config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger, filter, err := logging.New(w, logging.Format(cfg.LogFormat), level)
	if err != nil {
		return nil, err
	}
	levels, err := cfg.ComponentLevels()
	if err != nil {
		return nil, err
	}
	for comp, lvl := range levels {
		l, _ := logging.ParseLevel(lvl)
		filter.SetLevel(comp, l)
	}
	return logger, nil
}

func runPoll(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if a.fileStore != nil {
		if err := a.fileStore.Watch(); err != nil {
			logger.Warn("tenant file watch unavailable, changes need a restart", "error", err)
		}
	}
	sched, err := a.startMaintenance()
	if err != nil {
		return err
	}
	a.serveMetrics(ctx)

	recv := sqsrecv.New(sqsrecv.Config{
		API:       sqs.NewFromConfig(a.aws),
		QueueURL:  cfg.QueueURL,
		Processor: a.orch,
		Logger:    logger,
	})
	runErr := recv.Run(ctx)

	logger.Info("shutting down")
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop", "error", err)
	}
	logger.Info("shutdown complete")
	return runErr
}
