package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/service"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/rediscache"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlite"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and seed the admin list",
	Long: `Apply the schema migrations to the configured database and seed the
administrator list from initial_admins. Safe to run repeatedly.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(settingsPath(cmd))
	if err != nil {
		return err
	}

	// Open applies any pending migrations.
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

	logger.Infow("database initialized", "admins", cfg.InitialAdmins)
	return nil
}
