package main

import (
	"errors"
	"flag"
	"os"
	"strconv"

	"github.com/cassiomorais/paygate/internal/infrastructure/config"
	"github.com/cassiomorais/paygate/internal/infrastructure/observability"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
)

// migrate applies the order/channel/merchant schema.
//
//	migrate [-db URL] [-path DIR] up|down|version|steps N|force V
//
// Without -db the connection comes from the service configuration
// (config.yaml and PAYGATE_DATABASE_* variables), falling back to DATABASE_URL.
func main() {
	dbURL := flag.String("db", "", "database URL; overrides configuration")
	path := flag.String("path", "internal/infrastructure/postgres/migrations", "migration files directory")
	flag.Parse()

	logger := observability.Component(observability.InitLogger("info", "console", os.Stderr), "migrate")

	url := *dbURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		cfg, err := config.Load()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load config")
		}
		url = cfg.Database.MigrateURL()
	}

	m, err := migrate.New("file://"+*path, url)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open migrations")
	}
	defer m.Close()

	args := flag.Args()
	cmd := "up"
	if len(args) > 0 {
		cmd = args[0]
	}
	if err := run(m, cmd, args[1:]); err != nil {
		logger.Fatal().Err(err).Str("command", cmd).Msg("Migration failed")
	}
	report(logger, m)
}

func run(m *migrate.Migrate, cmd string, args []string) error {
	intArg := func() (int, error) {
		if len(args) != 1 {
			return 0, errors.New(cmd + " takes exactly one integer argument")
		}
		return strconv.Atoi(args[0])
	}

	var err error
	switch cmd {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "steps":
		n, aerr := intArg()
		if aerr != nil {
			return aerr
		}
		err = m.Steps(n)
	case "force":
		v, aerr := intArg()
		if aerr != nil {
			return aerr
		}
		err = m.Force(v)
	case "version":
		return nil
	default:
		return errors.New("unknown command " + strconv.Quote(cmd) + " (up, down, version, steps N, force V)")
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func report(logger zerolog.Logger, m *migrate.Migrate) {
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		logger.Info().Msg("Schema empty")
	case err != nil:
		logger.Error().Err(err).Msg("Failed to read schema version")
	default:
		logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("Schema version")
	}
}
