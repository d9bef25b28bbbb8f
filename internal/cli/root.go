package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/yungbote/omop-automapper/internal/app"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

// env is shared by every subcommand. Config is resolved lazily so that
// --help works without a database.
type env struct {
	v          *viper.Viper
	configFile string
}

func (e *env) load() (app.Config, *logger.Logger, error) {
	cfg, err := app.LoadConfig(e.v, e.configFile)
	if err != nil {
		return app.Config{}, nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return app.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

// openApp wires the full pipeline. The caller closes it.
func (e *env) openApp(ctx context.Context) (*app.App, error) {
	cfg, log, err := e.load()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}
	return a, nil
}

// openDB connects to the database only.
func (e *env) openDB() (*gorm.DB, *logger.Logger, func(), error) {
	cfg, log, err := e.load()
	if err != nil {
		return nil, nil, nil, err
	}
	conn, err := app.OpenDB(log, cfg)
	if err != nil {
		log.Sync()
		return nil, nil, nil, err
	}
	closeFn := func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
		log.Sync()
	}
	return conn, log, closeFn, nil
}

// RootCommand creates the automapper command tree.
func RootCommand() *cobra.Command {
	e := &env{v: app.NewViper()}

	root := &cobra.Command{
		Use:           "automapper",
		Short:         "Map local source concepts to OMOP standard concepts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&e.configFile, "config", "", "Path to a config file (yaml, toml or json)")
	root.PersistentFlags().String("log-mode", "", "Log mode: development or production")
	root.PersistentFlags().String("db-driver", "", "Database driver: postgres or sqlite")
	bindFlag(e.v, "log.mode", root.PersistentFlags().Lookup("log-mode"))
	bindFlag(e.v, "db.driver", root.PersistentFlags().Lookup("db-driver"))

	root.AddCommand(
		serveCommand(e),
		migrateCommand(e),
		embedCommand(e),
		automapCommand(e),
		atc7Command(e),
		configCommand(e),
	)
	return root
}
