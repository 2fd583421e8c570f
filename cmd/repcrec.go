package main

import (
	"fmt"
	"os"

	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mingyi850/repcrec2pl/internal"
	"github.com/mingyi850/repcrec2pl/internal/config"
	"github.com/mingyi850/repcrec2pl/internal/domain"
	"github.com/mingyi850/repcrec2pl/internal/utils"
)

var (
	configPath  string
	logLevel    string
	showMetrics bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "repcrec [script]",
		Short: "Replicated concurrency control and recovery simulator",
		Long: "Runs a script of transactions against replicated sites using strict two phase locking and available copies.\n" +
			"Without a script, commands are read interactively, one tick per line.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "diagnostic log level: debug, info, warn or error")
	rootCmd.Flags().BoolVar(&showMetrics, "metrics", false, "print transaction counters when the run completes")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	logger, err := utils.NewLogger(conf.LogLevel, conf.LogFile, conf.LogMaxSizeMB, conf.LogMaxBackups)
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics := utils.NewMetrics()
	siteCoordinator := domain.CreateSiteCoordinator(conf.SiteCount, conf.VariableCount)
	transactionManager := domain.CreateTransactionManager(siteCoordinator, logger, metrics)
	logger.Info("simulation starting",
		zap.Int("sites", conf.SiteCount), zap.Int("variables", conf.VariableCount), zap.Strings("args", args))

	if len(args) == 1 {
		file, err := os.Open(args[0])
		if err != nil {
			return errors.Trace(err)
		}
		defer file.Close()
		err = internal.Simulation(file, transactionManager)
		if err != nil {
			return err
		}
	} else if err := internal.Interactive(transactionManager, conf.Prompt, conf.HistoryFile); err != nil {
		return err
	}

	fmt.Printf("Completed Successfully, %d operations still buffered\n", transactionManager.BufferedOperationCount())
	if showMetrics {
		summary, err := metrics.Summary()
		if err != nil {
			return err
		}
		fmt.Println(summary)
	}
	return nil
}
