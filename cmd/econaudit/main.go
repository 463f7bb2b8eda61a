// Command econaudit audits smart contracts for economic exploits. In audit
// mode it checks one contract and prints the result; in server mode it
// serves the audit API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/econaudit/internal/app"
	"github.com/alanyoungcy/econaudit/internal/config"
	"github.com/alanyoungcy/econaudit/internal/crypto"
	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "operating mode (audit, server); overrides the config file")
	target := flag.String("target", "", "contract address to audit")
	chain := flag.String("chain", "bsc", "chain the target is deployed on")
	tokens := flag.String("tokens", "", "comma-separated token symbols to price")
	validate := flag.Bool("validate", false, "prove opportunities on a local fork")
	findingsPath := flag.String("findings", "", "JSON file of external findings to validate")
	sourcePath := flag.String("source", "", "Solidity file to use instead of the explorer")
	block := flag.Uint64("block", 0, "fork block; zero forks at the chain head")
	sealKey := flag.String("seal-key", "", "write the deployer key, sealed with the key password, to this file and exit")
	flag.Parse()

	logger := newLogger("info", "json")
	slog.SetDefault(logger)

	if *sealKey != "" {
		if err := sealDeployerKey(*sealKey); err != nil {
			logger.Error("failed to seal deployer key", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	logger = newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	application := app.New(cfg, logger)
	defer application.Close()

	if cfg.Mode == "audit" {
		req, err := auditRequest(*target, *chain, *tokens, *validate, *findingsPath, *sourcePath, *block)
		if err != nil {
			logger.Error("invalid audit request", slog.String("error", err.Error()))
			os.Exit(2)
		}
		application.WithAuditRequest(req)
	}

	logger.Info("econaudit starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error", slog.String("error", err.Error()))
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("econaudit stopped")
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	// Results go to stdout in audit mode, so logs go to stderr.
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// sealDeployerKey seals ECONAUDIT_EXECUTOR_DEPLOYER_KEY under
// ECONAUDIT_EXECUTOR_KEY_PASSWORD into a keyfile at path.
func sealDeployerKey(path string) error {
	key, password := os.Getenv("ECONAUDIT_EXECUTOR_DEPLOYER_KEY"), os.Getenv("ECONAUDIT_EXECUTOR_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("set ECONAUDIT_EXECUTOR_DEPLOYER_KEY and ECONAUDIT_EXECUTOR_KEY_PASSWORD")
	}
	blob, err := crypto.EncryptKey(key, password)
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}

func auditRequest(target, chain, tokens string, validate bool, findingsPath, sourcePath string, block uint64) (pipeline.AuditRequest, error) {
	if !common.IsHexAddress(target) {
		return pipeline.AuditRequest{}, fmt.Errorf("-target %q is not an address", target)
	}
	req := pipeline.AuditRequest{
		Chain:    domain.Chain(strings.ToLower(chain)),
		Target:   common.HexToAddress(target),
		Validate: validate,
		Block:    block,
	}
	for _, t := range strings.Split(tokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			req.Tokens = append(req.Tokens, t)
		}
	}
	if sourcePath != "" {
		src, err := os.ReadFile(sourcePath)
		if err != nil {
			return req, fmt.Errorf("read source: %w", err)
		}
		req.Source = string(src)
	}
	if findingsPath != "" {
		raw, err := os.ReadFile(findingsPath)
		if err != nil {
			return req, fmt.Errorf("read findings: %w", err)
		}
		if err := json.Unmarshal(raw, &req.Findings); err != nil {
			return req, fmt.Errorf("parse findings: %w", err)
		}
		// Supplied findings imply validation.
		req.Validate = req.Validate || len(req.Findings) > 0
	}
	return req, nil
}
