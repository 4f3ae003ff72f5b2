package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"panelsim/internal/api"
	"panelsim/internal/config"
	"panelsim/internal/credit"
	"panelsim/internal/engine"
	"panelsim/internal/gateway"
	"panelsim/internal/retrieval"
	"panelsim/internal/store"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "panelsim",
	Short: "panelsim - simulated qualitative research panels",
	Long: `panelsim runs simulated focus groups and in-depth interviews.

Personas answer a moderator's questions through a language model, with
responses grounded in uploaded study documents and billed against a
per-user credit balance.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// applyLoggingConfig rebuilds the logger from the config file's logging
// section. The --verbose flag wins over the configured level.
func applyLoggingConfig(lc config.LoggingConfig) error {
	zcfg := zap.NewProductionConfig()
	if lc.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if lc.Level != "" {
		lvl, err := zapcore.ParseLevel(lc.Level)
		if err != nil {
			return fmt.Errorf("invalid logging.level %q: %w", lc.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	rebuilt, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	_ = logger.Sync()
	logger = rebuilt
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Server.JWTSecret == "" {
			return errors.New("no JWT secret configured (set server.jwt_secret or PANELSIM_JWT_SECRET)")
		}
		if err := applyLoggingConfig(cfg.Logging); err != nil {
			return err
		}

		st, err := store.New(cfg.Store.DatabasePath, cfg.Embedding.Dimensions, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		if cfg.Store.RequireVec && !st.VectorSearchEnabled() {
			return errors.New("sqlite-vec extension required but not available (build with -tags sqlite_vec)")
		}

		gw, err := gateway.New(cfg, logger)
		if err != nil {
			return err
		}
		meter := credit.NewMeter(
			credit.NewRateTable(cfg.Credit.Rates),
			credit.NewTiktokenCounter(),
			st,
			cfg.Credit.ExpectedOutputTokens,
			logger,
		)
		augmenter := retrieval.NewAugmenter(gw, st, cfg.Retrieval.TopK, cfg.Retrieval.TokenBudget, cfg.GetRetrievalTimeout(), logger)
		orch := engine.New(st, gw, meter, augmenter, logger)

		mux := http.NewServeMux()
		api.NewRouter(st, orch, meter, gw, api.NewAuth(cfg.Server.JWTSecret), logger).Register(mux)

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		gw.WarmUp(cmd.Context())

		errCh := make(chan error, 1)
		go func() {
			logger.Info("server listening",
				zap.String("addr", cfg.Server.Addr),
				zap.String("name", cfg.Name),
				zap.String("version", cfg.Version))
			errCh <- srv.ListenAndServe()
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errCh:
			return err
		case sig := <-stop:
			logger.Info("shutting down", zap.String("signal", sig.String()))
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and adjust credit balances",
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance [user-id]",
	Short: "Show a user's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		st, err := store.New(cfg.Store.DatabasePath, cfg.Embedding.Dimensions, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		balance, err := st.Balance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %.4f credits\n", args[0], balance)
		return nil
	},
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant [user-id] [amount]",
	Short: "Add credits to a user's balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("parsing amount: %w", err)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		st, err := store.New(cfg.Store.DatabasePath, cfg.Embedding.Dimensions, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		balance, err := st.Grant(cmd.Context(), args[0], amount)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %.4f credits\n", args[0], balance)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Issue a bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Server.JWTSecret == "" {
			return errors.New("no JWT secret configured (set server.jwt_secret or PANELSIM_JWT_SECRET)")
		}
		ttl, err := cmd.Flags().GetDuration("ttl")
		if err != nil {
			return err
		}
		tok, err := api.NewAuth(cfg.Server.JWTSecret).SignToken(args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = "panelsim.yaml"
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	creditsCmd.AddCommand(creditsBalanceCmd, creditsGrantCmd)
	rootCmd.AddCommand(serveCmd, creditsCmd, tokenCmd, configInitCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
