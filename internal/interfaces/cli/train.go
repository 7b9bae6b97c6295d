package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/ic50bert/internal/config"
	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/internal/intelligence/baseline"
	"github.com/turtacn/ic50bert/internal/intelligence/training"
)

const shutdownTimeout = 15 * time.Second

type trainOptions struct {
	device    string
	epochs    int
	result    string
	runID     string
	watch     bool
	printJSON bool
}

// NewTrainCmd trains the regressor and reports the per-epoch losses.
func NewTrainCmd() *cobra.Command {
	opts := &trainOptions{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train on the configured dataset",
		Long: "Train reads the configured table, tokenizes ligand/protein pairs and\n" +
			"runs the epoch loop, printing one loss line per epoch.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			return runTrain(cmd, cliCtx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.device, "device", "", "override trainer.device (cpu, accelerator)")
	f.IntVar(&opts.epochs, "epochs", 0, "override trainer.num_epochs")
	f.StringVar(&opts.result, "result", "", "override trainer.result_path (local path or s3://bucket/key)")
	f.StringVar(&opts.runID, "run-id", "", "run identifier (default: random UUID)")
	f.BoolVar(&opts.watch, "watch", false, "reload log.level when the config file changes")
	f.BoolVar(&opts.printJSON, "json", false, "print the result as JSON after training")
	return cmd
}

// applyOverrides copies flag values onto cfg and revalidates it.
func (o *trainOptions) applyOverrides(cfg *config.Config) error {
	if o.device != "" {
		cfg.Trainer.Device = o.device
	}
	if o.epochs != 0 {
		cfg.Trainer.NumEpochs = o.epochs
	}
	if o.result != "" {
		cfg.Trainer.ResultPath = o.result
	}
	return cfg.Validate()
}

func runTrain(cmd *cobra.Command, cliCtx *CLIContext, opts *trainOptions) error {
	cfg := *cliCtx.Config
	if err := opts.applyOverrides(&cfg); err != nil {
		return err
	}
	logger := cliCtx.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.watch && cliCtx.ConfigPath != "" {
		watchLogLevel(cliCtx.ConfigPath, logger)
	}

	rt := newRuntime(&cfg, logger)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = rt.close(sctx)
	}()

	tcfg, err := cfg.TrainingConfig()
	if err != nil {
		return err
	}
	if err := rt.openStore(); err != nil {
		return err
	}
	if err := rt.buildCollator(ctx); err != nil {
		return err
	}
	if err := rt.buildSources(ctx); err != nil {
		return err
	}
	model, optimizer, err := rt.buildModel()
	if err != nil {
		return err
	}
	if err := rt.buildObservers(ctx); err != nil {
		return err
	}
	if err := rt.startMonitors(); err != nil {
		return err
	}

	trainerOpts := []training.Option{
		training.WithLogger(logger),
		training.WithOutput(cmd.OutOrStdout()),
		training.WithPrecision(cfg.Trainer.Precision),
		training.WithObserver(rt.observers...),
	}
	if opts.runID != "" {
		trainerOpts = append(trainerOpts, training.WithRunID(opts.runID))
	}
	trainer, err := training.NewTrainer(tcfg, model, baseline.MSELoss{}, optimizer, rt.train, rt.valSource(), trainerOpts...)
	if err != nil {
		return err
	}

	res, err := trainer.Train(ctx)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if cfg.Trainer.ResultPath != "" {
		if err := rt.writeResult(ctx, cfg.Trainer.ResultPath, data); err != nil {
			return err
		}
		logger.Info("result written", logging.String("location", cfg.Trainer.ResultPath))
	}
	if opts.printJSON {
		return printJSON(cmd, res)
	}
	if res.EarlyStopped {
		fmt.Fprintf(cmd.OutOrStdout(), "Early stopped after %d epochs (best validation loss %.*f)\n",
			res.Epochs, cfg.Trainer.Precision, res.BestLoss)
	}
	return nil
}

// watchLogLevel applies log.level from config file changes to logger. Other
// settings take effect on the next run.
func watchLogLevel(path string, logger logging.Logger) {
	setter, ok := logger.(logging.LevelSetter)
	if !ok {
		return
	}
	err := config.Watch(path, func(c *config.Config) {
		if c.Log.Level == setter.Level() {
			return
		}
		if err := setter.SetLevel(c.Log.Level); err != nil {
			logger.Warn("log level not applied", logging.Err(err))
			return
		}
		logger.Info("log level changed", logging.String("level", c.Log.Level))
	}, logger)
	if err != nil {
		logger.Warn("config watch disabled", logging.Err(err))
	}
}
