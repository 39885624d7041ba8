package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"

	"github.com/hpungsan/forma/internal/config"
	"github.com/hpungsan/forma/internal/form"
	"github.com/hpungsan/forma/internal/forms"
	"github.com/hpungsan/forma/internal/kv"
	"github.com/hpungsan/forma/internal/notes"
	"github.com/hpungsan/forma/internal/sequence"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// homeEnv overrides the data directory (default ~/.forma).
const homeEnv = "FORMA_HOME"

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return true
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// baseDir returns $FORMA_HOME or ~/.forma.
func baseDir() (string, error) {
	if dir := os.Getenv(homeEnv); dir != "" {
		return filepath.Abs(dir)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(homeDir, config.DirName), nil
}

func main() {
	// Handle --help/--version before DB init (no DB needed)
	if isHelpOrVersion() {
		if err := newCLIApp(nil).Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(context.Background()); err != nil {
		// Command errors are already formatted as "[CODE] message"
		var exit cli.ExitCoder
		if stderrors.As(err, &exit) {
			fmt.Fprintln(os.Stderr, exit.Error())
			os.Exit(exit.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	dir, err := baseDir()
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("could not determine working directory: %w", err)
	}
	cfg, err := config.LoadWithRepo(dir, cwd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	d, closeStore, err := openDeps(ctx, dir, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeStore()

	d.clipboard = systemClipboard{}
	return newCLIApp(d).RunContext(ctx, os.Args)
}

// openDeps opens the store under dir and loads the form index.
func openDeps(ctx context.Context, dir string, cfg *config.Config, logger *slog.Logger) (*deps, func(), error) {
	database, err := kv.OpenSQLite(dir)
	if err != nil {
		return nil, nil, err
	}
	database.ConfigurePool(kv.PoolConfig{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	closeStore := func() { database.Close() }

	// Sequence reads go to the database so Next verifies what was persisted.
	store, err := kv.NewCached(database, cfg.CacheSize, form.SequenceKey)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	index, err := forms.Open(ctx, store, sequence.New(store, logger), forms.WithLogger(logger))
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	return &deps{
		index:      index,
		notes:      notes.NewStore(store, index, notes.WithLogger(logger)),
		cfg:        cfg,
		exportsDir: filepath.Join(dir, "exports"),
		logger:     logger,
		now:        time.Now,
	}, closeStore, nil
}
