package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/goliatone/go-civic/config"
	"github.com/goliatone/go-civic/logging"
	"github.com/goliatone/go-civic/persistence"
	"github.com/goliatone/go-civic/server"
	"github.com/goliatone/go-print"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/app.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(configPath); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	lgr, err := logging.New(cfg.LogConfig())
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer lgr.Sync()

	if cfg.App.Debug {
		fmt.Println(print.MaybePrettyJSON(cfg.HTTP))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := persistence.Open(ctx, persistence.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Debug:  cfg.Database.Debug,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := persistence.Migrate(ctx, db, cfg.Database.Driver); err != nil {
			return err
		}
		lgr.Info("database migrated", "driver", cfg.Database.Driver)
	}

	app, err := server.New(ctx, cfg, db, lgr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Serve()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		lgr.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	lgr.Info("server stopped")
	return nil
}
