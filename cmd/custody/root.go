package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/erazemk/custody/internal/config"
	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/ledger"
	"github.com/erazemk/custody/internal/registry"
	"github.com/erazemk/custody/internal/store"
)

// app carries what every command needs once the root command has loaded
// configuration and opened the database.
type app struct {
	v          *viper.Viper
	cfg        *config.Config
	db         *db.DB
	configFile string
	envFile    string
	asHolder   int64
	jsonOutput bool
	closeLog   func()
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:   "custody",
		Short: "Custody ledger for gemstone inventory",
		Long: `custody records who physically holds each parcel and stone, every
handoff between holders, and whether the receiving party confirmed it.

Run "custody serve" for the HTTP API; the remaining commands work directly
against the configured database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default: ./custody.yaml if present)")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded into the environment if present")
	pf.String("driver", "", "database driver: sqlite or postgres")
	pf.StringP("db", "d", "", "database path (sqlite) or connection URL (postgres)")
	pf.StringP("log", "l", "", "log file path (default: no file, stdout/stderr only)")
	pf.Int64Var(&a.asHolder, "as", 0, "holder ID to record as the creator (default: the admin's holder)")
	pf.BoolVar(&a.jsonOutput, "json", false, "output as JSON")
	_ = a.v.BindPFlag(config.KeyDatabaseDriver, pf.Lookup("driver"))
	_ = a.v.BindPFlag(config.KeyDatabaseDSN, pf.Lookup("db"))
	_ = a.v.BindPFlag(config.KeyLogFile, pf.Lookup("log"))

	root.AddCommand(
		newServeCmd(a),
		newInitCmd(a),
		newHolderCmd(a),
		newItemCmd(a),
		newTransferCmd(a),
		newConfirmCmd(a),
		newLocationCmd(a),
		newHistoryCmd(a),
		newSplitCmd(a),
	)
	return root
}

// setup loads configuration, configures logging and opens the database.
// Batch commands log warnings and errors only; serve logs everything.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v, a.configFile, a.envFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := slog.LevelWarn
	if cmd.Name() == "serve" {
		level = slog.LevelInfo
	}
	closeLog, err := setupLogger(cfg.Log.File, level)
	if err != nil {
		return err
	}
	a.closeLog = closeLog

	database, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := db.EnsureSchema(database); err != nil {
		database.Close()
		return fmt.Errorf("ensuring database schema: %w", err)
	}
	a.db = database

	slog.Info("database ready", "driver", cfg.Database.Driver)
	return nil
}

func (a *app) close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
	}
	if a.closeLog != nil {
		a.closeLog()
		a.closeLog = nil
	}
	return err
}

func (a *app) ledger(opts ...ledger.Option) *ledger.Ledger {
	return ledger.New(a.db, append([]ledger.Option{ledger.WithLogger(slog.Default())}, opts...)...)
}

func (a *app) registry(l *ledger.Ledger) *registry.Registry {
	return registry.New(a.db, l, slog.Default())
}

// actor returns the holder recorded as the creator of ledger writes: the
// --as flag, or else the holder linked to the configured admin account.
func (a *app) actor(ctx context.Context) (int64, error) {
	if a.asHolder != 0 {
		return a.asHolder, nil
	}
	user, err := store.GetUserByUsername(ctx, a.db, a.cfg.Auth.AdminUser)
	if err != nil {
		return 0, err
	}
	if user == nil || user.HolderID == nil {
		return 0, errors.New(`no acting holder: pass --as or run "custody init" first`)
	}
	return *user.HolderID, nil
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}
