package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/config"
	registrymigrate "github.com/chirino/chat-ledger/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Store plugins register their migrators alongside their primary interface.
	_ "github.com/chirino/chat-ledger/internal/plugin/store/postgres"
	_ "github.com/chirino/chat-ledger/internal/plugin/store/sqlite"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-url",
				Sources: cli.EnvVars("CHAT_LEDGER_DB_URL"),
				Usage:   "Database connection URL",
				Value:   config.DefaultConfig().DBURL,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("CHAT_LEDGER_DB_KIND"),
				Usage:   "Store backend (sqlite|postgres)",
				Value:   "sqlite",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			cfg.DatastoreMigrateAtStart = true
			if err := cfg.ApplyEnvCompat(); err != nil {
				return err
			}
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "db", cfg.DatastoreType)
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
