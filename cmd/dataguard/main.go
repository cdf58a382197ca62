// Command dataguard runs maintenance operations against the engine's store:
// master key rotation and retention reporting.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dataguardlabs/dataguard/internal/access"
	"github.com/dataguardlabs/dataguard/internal/crypto"
	"github.com/dataguardlabs/dataguard/internal/dlp"
	"github.com/dataguardlabs/dataguard/internal/infrastructure/cache"
	"github.com/dataguardlabs/dataguard/internal/infrastructure/config"
	"github.com/dataguardlabs/dataguard/internal/infrastructure/database"
	"github.com/dataguardlabs/dataguard/internal/infrastructure/telemetry"
	"github.com/dataguardlabs/dataguard/internal/service/protection"
)

func main() {
	var (
		action     = flag.String("action", "", "Action: rotate-keys, retention-report")
		configPath = flag.String("config", "", "Path to config file")
	)
	flag.Parse()

	if err := run(*action, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(action, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	pool, err := database.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	vaultCfg, err := cfg.Vault.VaultCryptoConfig()
	if err != nil {
		return err
	}
	vault, err := crypto.New(vaultCfg)
	if err != nil {
		return err
	}

	var ruleStore dlp.RuleStore = database.NewRuleRepository(pool)
	if cfg.DLP.CacheEnabled {
		cached, err := cache.NewRuleCache(cfg.Redis, cfg.DLP.RuleCacheTTL, ruleStore, logger)
		if err != nil {
			logger.Warn("rule cache unavailable, using store directly", zap.Error(err))
		} else {
			ruleStore = cached
		}
	}

	svc := protection.NewService(
		database.NewRecordRepository(pool),
		vault,
		dlp.NewEngine(ruleStore, logger),
		access.NewController(logger),
		protection.Config{
			RetentionDays:        cfg.Retention.Days(),
			DefaultRetentionDays: cfg.Retention.DefaultDays,
		},
		logger,
	)

	switch action {
	case "rotate-keys":
		rotated, err := svc.RotateMasterKey(ctx)
		if err != nil {
			return fmt.Errorf("rotating master keys: %w", err)
		}
		fmt.Printf("rotated %d record keys to %s\n", rotated, vault.ActiveMasterKeyID())
		return nil

	case "retention-report":
		report, err := svc.RetentionReport(ctx)
		if err != nil {
			return fmt.Errorf("building retention report: %w", err)
		}
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil

	default:
		return fmt.Errorf("unknown action %q (want rotate-keys or retention-report)", action)
	}
}
