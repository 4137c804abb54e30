package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gateway-fm/nearload/internal/account"
	"github.com/gateway-fm/nearload/internal/config"
	"github.com/gateway-fm/nearload/internal/contract"
	"github.com/gateway-fm/nearload/internal/keys"
	"github.com/gateway-fm/nearload/internal/metrics"
	"github.com/gateway-fm/nearload/internal/patcher"
	"github.com/gateway-fm/nearload/internal/rpc"
	"github.com/gateway-fm/nearload/internal/runner"
	"github.com/gateway-fm/nearload/internal/statekey"
	"github.com/gateway-fm/nearload/internal/storage"
	"github.com/gateway-fm/nearload/internal/transport"
	"github.com/gateway-fm/nearload/pkg/types"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, cli, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		var help *config.HelpError
		if errors.As(err, &help) {
			fmt.Fprintln(os.Stderr, "usage: nearload [-config file.yaml] [-scenario load|passive-registration|gas-limit|dump] [flags]")
			fmt.Fprint(os.Stderr, help.Usage)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, cli, logger); err != nil {
		logger.Error("nearload failed", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context, cfg *config.Config, cli *config.CLIConfig, logger *slog.Logger) error {
	prom := metrics.NewPrometheusMetrics(nil)

	clientCfg := rpc.DefaultClientConfig(cfg.RPCURL)
	clientCfg.Logger = logger
	clientCfg.Observer = prom
	client := rpc.NewHTTPClient(clientCfg)

	logger.Info("resolved node capabilities",
		slog.String("rpc", cfg.RPCURL),
		slog.String("node", cfg.Capabilities.Name),
		slog.Bool("statePatch", cfg.Capabilities.SupportsStatePatch),
		slog.Bool("devAccounts", cfg.Capabilities.SupportsDevAccounts),
		slog.String("prefix", cfg.Prefix.String()),
	)

	if cli != nil && cli.Scenario == config.ScenarioDump {
		return dumpState(ctx, client, cfg, cli.Contract, logger)
	}

	vk, err := keys.LoadValidatorKey(cfg.NearHome)
	if err != nil {
		return err
	}
	root := account.FromValidatorKey(vk)
	if err := root.Resync(ctx, client); err != nil {
		return fmt.Errorf("failed to fetch nonce of %s: %w", root.ID, err)
	}
	logger.Info("loaded validator key", slog.String("account", root.ID.String()), slog.Uint64("nextNonce", root.PeekNonce()))

	wasm, err := contract.LoadWasm(cfg.WasmPath)
	if err != nil {
		return err
	}

	var store storage.Storage
	if cfg.DatabasePath != "" {
		sqlite, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer sqlite.Close()
		store = sqlite
		logger.Info("initialized storage", slog.String("path", cfg.DatabasePath))
	}

	r := runner.New(runner.Config{
		Client:       client,
		Accounts:     account.NewManager(root, logger),
		Metrics:      metrics.NewMemoryCollector(prom),
		Prometheus:   prom,
		Storage:      store,
		Capabilities: cfg.Capabilities,
		Wasm:         wasm,
		Prefix:       cfg.Prefix,
		RPCURL:       cfg.RPCURL,
		Load: runner.LoadOptions{
			Calls:         cfg.Calls,
			Concurrency:   cfg.Concurrency,
			SubmitTimeout: cfg.SubmitTimeout,
			Mode:          cfg.Mode,
			Amount:        cfg.Amount,
			RateLimit:     cfg.RateLimit,
			FailFast:      cfg.FailFast,
			VerifySample:  cfg.VerifySample,
		},
		Logger: logger,
	})

	if cli != nil {
		res, err := r.Run(ctx, types.StartRunRequest{Kind: types.RunKind(cli.Scenario)})
		if err != nil {
			return err
		}
		logger.Info("scenario completed",
			slog.String("runId", res.ID),
			slog.String("kind", string(res.Kind)),
			slog.String("contract", res.Contract.String()),
			slog.Int("calls", res.Calls),
			slog.Int("succeeded", res.Succeeded),
			slog.Int("failed", res.Failed),
		)
		return nil
	}

	return serve(ctx, cfg, r, logger)
}

func serve(ctx context.Context, cfg *config.Config, r *runner.Runner, logger *slog.Logger) error {
	server := transport.NewServer(r, r, logger, cfg.CORSAllowedOrigins)
	defer server.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", slog.String("addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	r.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}

// dumpState prints the contract's rows under the configured prefix as JSON lines.
func dumpState(ctx context.Context, client rpc.Client, cfg *config.Config, contractID types.AccountID, logger *slog.Logger) error {
	p := patcher.New(patcher.Config{Client: client, Capabilities: cfg.Capabilities, Logger: logger})
	items, err := p.Dump(ctx, contractID, cfg.Prefix)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, item := range items {
		row := map[string]string{
			"key":   statekey.FormatKey(item.Key),
			"value": statekey.FormatKey(item.Value),
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	logger.Info("state dumped", slog.String("contract", contractID.String()), slog.Int("rows", len(items)))
	return nil
}
