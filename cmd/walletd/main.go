package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/internal/config"
	"github.com/MarkoPoloResearchLab/wallet/internal/httpapi"
	"github.com/MarkoPoloResearchLab/wallet/internal/oplog"
	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	flagTokenSubject    = "subject"
	flagTokenRole       = "role"
	flagTokenTTL        = "ttl"
	defaultTokenTTL     = 24 * time.Hour
	readHeaderTimeout   = 10 * time.Second
	defaultTokenSubject = "payments"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Referral wallet ledger service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(viper.New(), cmd.Flags())
			if err != nil {
				return err
			}
			*cfg = loaded
			return nil
		},
	}
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCommand(cfg), newMigrateCommand(cfg), newRebuildCacheCommand(cfg), newTokenCommand(cfg))
	return cmd
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, *cfg)
		},
	}
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateStorage(); err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			backend, err := openBackend(cmd.Context(), *cfg, logger)
			if err != nil {
				return err
			}
			defer backend.close()
			if err := backend.migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("schema migrated", zap.String("driver", backend.driver))
			return nil
		},
	}
}

func newRebuildCacheCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-cache",
		Short: "Recompute every cached balance from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateStorage(); err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			walletService, backend, err := openWallet(cmd.Context(), *cfg, logger)
			if err != nil {
				return err
			}
			defer backend.close()

			refreshed, err := walletService.Registry.RebuildCaches(cmd.Context())
			if err != nil {
				return fmt.Errorf("rebuild cache after %d accounts: %w", refreshed, err)
			}
			logger.Info("balance caches rebuilt", zap.Int("accounts", refreshed))
			return nil
		},
	}
}

func newTokenCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a service token for the internal routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ServiceTokenSecret == "" {
				return fmt.Errorf("%s is required", config.FlagServiceTokenSecret)
			}
			subject, _ := cmd.Flags().GetString(flagTokenSubject)
			role, _ := cmd.Flags().GetString(flagTokenRole)
			ttl, _ := cmd.Flags().GetDuration(flagTokenTTL)
			token, err := httpapi.IssueServiceToken(cfg.ServiceTokenSecret, subject, role, time.Now().UTC(), ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String(flagTokenSubject, defaultTokenSubject, "calling service name")
	cmd.Flags().String(flagTokenRole, httpapi.RoleService, "service or admin")
	cmd.Flags().Duration(flagTokenTTL, defaultTokenTTL, "token lifetime")
	return cmd
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	walletService, backend, err := openWallet(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}
	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins:     cfg.AllowedOrigins,
		RequestTimeout:     cfg.RequestTimeout,
		ServiceTokenSecret: cfg.ServiceTokenSecret,
	}, walletService, sessionValidator, logger)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return httpapi.Serve(ctx, server, logger)
}

// openWallet opens the configured backend, applies the schema where the driver
// allows it implicitly, and wires the wallet services over it.
func openWallet(ctx context.Context, cfg config.Config, logger *zap.Logger) (*wallet.Wallet, *backend, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, nil, err
	}
	opened, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if opened.autoMigrate {
		if err := opened.migrate(ctx); err != nil {
			opened.close()
			return nil, nil, err
		}
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	walletService, err := wallet.New(opened.store, opened.cache, policy, clock, wallet.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		opened.close()
		return nil, nil, fmt.Errorf("wallet init: %w", err)
	}
	logger.Info("wallet backend ready",
		zap.String("driver", opened.driver),
		zap.Bool("redis_cache", cfg.RedisAddr != ""),
	)
	return walletService, opened, nil
}
