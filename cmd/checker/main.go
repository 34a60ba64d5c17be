// Command checker executes one monitoring run: pull state from S3, scrape
// the current Last Bottle offer, score it for every configured user, send
// the alerts that clear each user's bar, then push state back to S3.
//
// The process is designed to run from cron or a scheduled Lambda; a single
// invocation does one run and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cellarwatch/lastbottle-monitor/internal/config"
	"github.com/cellarwatch/lastbottle-monitor/internal/digest"
	"github.com/cellarwatch/lastbottle-monitor/internal/notify"
	"github.com/cellarwatch/lastbottle-monitor/internal/oracle"
	"github.com/cellarwatch/lastbottle-monitor/internal/profile"
	"github.com/cellarwatch/lastbottle-monitor/internal/repository/sqlite"
	"github.com/cellarwatch/lastbottle-monitor/internal/runner"
	"github.com/cellarwatch/lastbottle-monitor/internal/scoring"
	"github.com/cellarwatch/lastbottle-monitor/internal/scraper"
	"github.com/cellarwatch/lastbottle-monitor/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	dataDir := flag.String("data", "", "override the data directory from the config")
	flag.Parse()

	if err := run(*configPath, *dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "checker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, dataDirOverride string) error {
	ctx := context.Background()

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if dataDirOverride != "" {
		cfg.DataDir = dataDirOverride
	}

	collector := digest.NewCollector()
	logger, err := newLogger(collector)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting monitoring run",
		zap.String("data_dir", cfg.DataDir),
		zap.String("url", cfg.Scraper.URL))

	sync, err := storage.NewS3Sync(ctx, cfg.S3, cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("initializing s3 sync: %w", err)
	}
	if err := sync.Pull(ctx); err != nil {
		return fmt.Errorf("pulling state from s3: %w", err)
	}

	store, err := sqlite.NewStore(filepath.Join(cfg.DataDir, "wines.db"))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	sender, err := notify.NewSESSender(ctx, cfg.SES)
	if err != nil {
		return fmt.Errorf("initializing email sender: %w", err)
	}
	scorer, err := oracle.NewBedrock(ctx, cfg.Bedrock)
	if err != nil {
		return fmt.Errorf("initializing scoring model: %w", err)
	}
	templates, err := notify.NewTemplates(cfg.Scraper.URL)
	if err != nil {
		return fmt.Errorf("parsing email templates: %w", err)
	}
	prompts, err := scoring.NewPromptBuilder()
	if err != nil {
		return fmt.Errorf("parsing prompt template: %w", err)
	}

	r := runner.New(runner.Params{
		Store:           store,
		Profiles:        profile.NewDirSource(filepath.Join(cfg.DataDir, "user_configs")),
		Source:          scraper.New(cfg.Scraper.URL, cfg.Scraper.UserAgent, cfg.Scraper.Timeout()),
		Oracle:          scorer,
		Sender:          sender,
		Templates:       templates,
		Prompts:         prompts,
		Collector:       collector,
		Logger:          logger,
		DuplicateWindow: cfg.Run.DuplicateWindow(),
		MaxConcurrent:   cfg.Run.MaxConcurrentUsers,
		OperatorEmail:   cfg.Run.OperatorEmail,
	})

	report, runErr := r.Run(ctx)

	// State flows back to S3 whether the run succeeded or not; a half
	// finished run may still have recorded the offer.
	if err := sync.Push(ctx); err != nil {
		logger.Error("pushing state to s3 failed", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("run finished", zap.String("outcome", string(report.Outcome)))
	return nil
}

// newLogger builds the production logger with the digest collector teed in,
// so every error logged during the run is also buffered for the operator
// email.
func newLogger(collector *digest.Collector) (*zap.Logger, error) {
	base, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return zap.New(zapcore.NewTee(base.Core(), collector.Core())), nil
}
