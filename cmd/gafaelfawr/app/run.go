package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/gafaelfawr/pkg/api"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/issuer"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/providers"
	"github.com/lsst-sqre/gafaelfawr/pkg/providers/github"
	"github.com/lsst-sqre/gafaelfawr/pkg/providers/oidc"
	"github.com/lsst-sqre/gafaelfawr/pkg/service"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/rediscache"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlite"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

const (
	serverReadTimeout     = 15 * time.Second
	serverWriteTimeout    = 60 * time.Second
	serverIdleTimeout     = 120 * time.Second
	serverShutdownTimeout = 10 * time.Second

	// mintLifetime bounds internal tokens per the delegation contract.
	mintLifetime = 15 * time.Minute

	// expireInterval is how often the expired-token purge pass runs.
	expireInterval = time.Hour
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Gafaelfawr server",
	RunE:  runServe,
}

func init() {
	runCmd.Flags().String("address", ":8080", "Address to listen on")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(settingsPath(cmd))
	if err != nil {
		return err
	}

	db, err := sqlite.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	cache, err := rediscache.New(ctx, cfg.RedisURL, cfg.SessionSecret)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	svc := service.New(
		sqlite.NewTokenStore(db),
		sqlite.NewHistoryStore(db),
		sqlite.NewAdminStore(db),
		cache,
		service.Options{
			SessionLifetime: cfg.SessionLifetime,
			MintLifetime:    mintLifetime,
			KnownScopes:     cfg.KnownScopes,
		},
	)
	if err := seedAdmins(ctx, svc, cfg.InitialAdmins); err != nil {
		return err
	}

	sessions, err := session.NewStore(cfg.SessionSecret, cfg.SessionLifetime)
	if err != nil {
		return err
	}
	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}

	var iss *issuer.Issuer
	if cfg.Issuer.Key != nil {
		iss, err = issuer.New(cfg.Issuer)
		if err != nil {
			return fmt.Errorf("creating issuer: %w", err)
		}
	}

	address, _ := cmd.Flags().GetString("address")
	server := &http.Server{
		Addr:         address,
		Handler:      api.NewServer(cfg, svc, sessions, provider, iss).Router(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go expireLoop(ctx, svc)

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("starting server", "address", address, "provider", provider.Name())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Infof("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func newProvider(ctx context.Context, cfg *config.Config) (providers.Provider, error) {
	if cfg.GitHub != nil {
		return github.New(cfg.GitHub, cfg.ProviderTimeout)
	}
	return oidc.New(ctx, cfg.OIDC, cfg.ProviderTimeout)
}

// expireLoop periodically purges expired token rows. An expired parent
// with live children is left for a later pass.
func expireLoop(ctx context.Context, svc *service.Service) {
	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.ExpireTokens(ctx)
			if err != nil {
				logger.Warnw("expired-token purge failed", "error", err)
			} else if n > 0 {
				logger.Infow("purged expired tokens", "count", n)
			}
		}
	}
}

func seedAdmins(ctx context.Context, svc *service.Service, admins []string) error {
	for _, username := range admins {
		if err := svc.AddAdmin(ctx, username, token.BootstrapUsername, ""); err != nil {
			return fmt.Errorf("seeding admin %s: %w", username, err)
		}
	}
	return nil
}
