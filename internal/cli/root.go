// Package cli implements the trustctl operator commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"trustlayer/internal/audit"
	"trustlayer/internal/auth/service"
	refreshtoken "trustlayer/internal/auth/store/refresh-token"
	jwttoken "trustlayer/internal/jwt_token"
	"trustlayer/internal/platform/config"
	"trustlayer/internal/platform/database"
	"trustlayer/internal/platform/logger"
	"trustlayer/migrations"
)

var errChainBroken = errors.New("audit chain broken")

// purger removes ledger records whose retention has elapsed.
type purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type backend struct {
	ledger   *audit.Ledger
	purger   purger
	sessions *service.Service
	close    func()
}

// openBackend connects to the configured database. Tests replace it.
var openBackend = func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backend, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL must be set")
	}
	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.DatabaseURL
	pool, err := database.New(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.Migrate(ctx, pool.DB(), migrations.FS); err != nil {
		_ = pool.Close()
		return nil, err
	}

	store := audit.NewPostgresStore(pool.DB())
	ledger := audit.NewLedger(store,
		audit.WithLogger(log),
		audit.WithStoreTimeout(cfg.StoreTimeout),
		audit.WithRetention(cfg.AuditRetention),
	)
	tokens := jwttoken.NewJWTService(jwttoken.Config{
		AccessSecret:       cfg.AccessTokenSecret,
		RefreshSecret:      cfg.RefreshTokenSecret,
		Issuer:             cfg.TokenIssuer,
		AccessTTL:          cfg.AccessTokenTTL,
		RefreshTTL:         cfg.RefreshTokenTTL,
		AbsoluteSessionTTL: cfg.AbsoluteSessionTTL,
	}, jwttoken.WithLogger(log))
	sessions := service.New(refreshtoken.NewPostgres(pool.DB()), tokens, ledger,
		service.WithLogger(log),
		service.WithStoreTimeout(cfg.StoreTimeout),
	)
	return &backend{
		ledger:   ledger,
		purger:   store,
		sessions: sessions,
		close:    func() { _ = pool.Close() },
	}, nil
}

// NewRootCommand builds the trustctl command tree writing to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "trustctl",
		Short:         "Operator tool for the trust layer",
		Long:          "Verifies and purges the audit ledger and administers refresh sessions directly against the configured database.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log store operations to stderr")

	run := func(cmd *cobra.Command, fn func(ctx context.Context, b *backend, cfg *config.Config) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := logger.NewWithWriter(io.Discard, cfg.Env)
		if verbose {
			log = logger.NewWithWriter(os.Stderr, cfg.Env)
		}
		b, err := openBackend(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer b.close()
		return fn(cmd.Context(), b, cfg)
	}

	root.AddCommand(newLedgerCommand(run), newSessionCommand(run))
	return root
}

type runner func(cmd *cobra.Command, fn func(ctx context.Context, b *backend, cfg *config.Config) error) error

// Execute runs trustctl and exits non-zero on failure.
func Execute() {
	root := NewRootCommand(os.Stdout)
	if err := root.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errChainBroken) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}
