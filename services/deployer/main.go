package deployer

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"omniloyalty/ledger"
	"omniloyalty/ledger/evm"
	"omniloyalty/ledger/simulated"
	"omniloyalty/observability/logging"
	telemetry "omniloyalty/observability/otel"
	"omniloyalty/orchestration"
)

// PassphraseFactory returns the passphrase source for the keystore, reading
// envVar before falling back to an interactive prompt.
type PassphraseFactory func(envVar string) Passphrase

// Main loads configuration, runs one bootstrap and persists its report. The
// returned error maps to an exit code via ExitCode.
func Main(passphrase PassphraseFactory) error {
	var (
		cfgPath    string
		planPath   string
		reportPath string
		dryRun     bool
	)
	flag.StringVar(&cfgPath, "config", "services/deployer/config.yaml", "path to deployer configuration")
	flag.StringVar(&planPath, "plan", "", "path to a TOML or YAML program plan (overrides config)")
	flag.StringVar(&reportPath, "report", "", "write the run report to this path (- for stdout)")
	flag.BoolVar(&dryRun, "dry-run", false, "run against an in-memory ledger")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if planPath != "" {
		cfg.Plan = planPath
		cfg.Programs = nil
	}
	if reportPath != "" {
		cfg.Report = reportPath
	}
	cfg.DryRun = cfg.DryRun || dryRun

	env := strings.TrimSpace(os.Getenv("OMNI_ENV"))
	logOpts := []logging.Option{logging.WithLevel(cfg.Log.Level)}
	if cfg.Log.File != "" {
		logOpts = append(logOpts, logging.WithFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups))
	}
	logger, logCloser := logging.Setup("loyalty-deployer", env, logOpts...)
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("loyalty-deployer", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	entries := cfg.Programs
	if cfg.Plan != "" {
		if entries, err = LoadPlan(cfg.Plan); err != nil {
			return err
		}
	}
	specs, err := BuildSpecs(entries)
	if err != nil {
		return fmt.Errorf("build plan: %w", err)
	}
	if len(specs) == 0 {
		logger.Warn("plan lists no programs; only token and factory will be deployed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, deployer, chainID, err := openLedger(ctx, cfg, passphrase, logger)
	if err != nil {
		return err
	}

	var archive *Archive
	if cfg.Archive != "" {
		if archive, err = OpenArchive(cfg.Archive, nil); err != nil {
			return err
		}
		defer archive.Close()
	}

	if cfg.Admin.Listen != "" {
		var reader RunReader
		if archive != nil {
			reader = archive
		}
		server := &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           NewAdminHandler(reader, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("admin api listening", "addr", cfg.Admin.Listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin api stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				_ = server.Close()
			}
		}()
	}

	logger.Info("starting bootstrap",
		"network", cfg.Network.Name,
		"chain_id", chainID,
		"deployer", deployer.Hex(),
		"programs", len(specs),
		"dry_run", cfg.DryRun,
	)
	sequencer := orchestration.NewSequencer(client,
		orchestration.WithConfirmTimeout(cfg.Timeouts.Confirm.Duration),
		orchestration.WithEventTimeout(cfg.Timeouts.Event.Duration),
		orchestration.WithMetrics(NewMetrics()),
		orchestration.WithLogger(logger),
	)
	result, runErr := sequencer.Run(ctx, specs)
	if result == nil {
		return runErr
	}

	report := Report{
		Network:  cfg.Network.Name,
		ChainID:  chainID,
		Deployer: deployer,
		DryRun:   cfg.DryRun,
		Result:   result,
	}
	LogSummary(logger, report)
	if cfg.Report != "" {
		if err := WriteReport(cfg.Report, report); err != nil {
			logger.Error("write report", "error", err)
		}
	}
	if archive != nil {
		if err := archive.Save(report); err != nil {
			logger.Error("archive run", "error", err)
		}
	}
	return runError(result, runErr)
}

func openLedger(ctx context.Context, cfg Config, passphrase PassphraseFactory, logger *slog.Logger) (ledger.Client, common.Address, uint64, error) {
	if cfg.DryRun {
		sim := simulated.New()
		return sim, sim.Deployer(), cfg.Network.ChainID, nil
	}
	artifacts, err := evm.LoadArtifacts(cfg.Artifacts.Paths())
	if err != nil {
		return nil, common.Address{}, 0, err
	}
	var source Passphrase
	if passphrase != nil && cfg.Signer.Keystore != "" {
		source = passphrase(cfg.Signer.PassphraseEnv)
	}
	key, err := LoadSigner(cfg.Signer, source)
	if err != nil {
		return nil, common.Address{}, 0, fmt.Errorf("load signer: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	client, err := evm.Dial(dialCtx, evm.Config{
		Endpoint:     cfg.Network.RPC,
		ChainID:      cfg.Network.ChainID,
		Key:          key,
		Artifacts:    artifacts,
		PollInterval: cfg.Network.PollInterval.Duration,
		RateLimit:    cfg.Network.RateLimit,
		Burst:        cfg.Network.Burst,
		Logger:       logger,
	})
	if err != nil {
		return nil, common.Address{}, 0, err
	}
	logger.Info("ledger connected",
		"rpc", cfg.Network.RPC,
		"chain_id", client.ChainID(),
		"address", client.From().Hex(),
		logging.MaskField("keystore", cfg.Signer.Keystore),
	)
	return client, client.From(), client.ChainID(), nil
}
