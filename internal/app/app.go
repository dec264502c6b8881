package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"kestrel/internal/app/bootstrap"
	"kestrel/internal/app/version"
	"kestrel/internal/config"
	"kestrel/internal/jobs/runtime"
	"kestrel/internal/support"
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	logLevelFlag := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	warmPoolFlag := flag.Bool("warm-pool", true, "Load the free proxy pool at startup")
	flag.Parse()

	log.SetLevel(resolveLogLevel("LOG_LEVEL", *logLevelFlag))
	config.SetProductionMode(*productionFlag)

	info := version.Get()
	log.Info("Starting kestrel", "version", info.BuildVersion, "built_at", info.BuiltAt)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := support.GetRedisClient()
	if err != nil {
		return fmt.Errorf("failed to get redis client: %w", err)
	}
	defer func() {
		if err := support.CloseRedisClient(); err != nil {
			log.Warn("error closing redis client", "error", err)
		}
	}()

	services, err := bootstrap.Setup(ctx, redisClient)
	if err != nil {
		return err
	}
	defer config.DisableRedisSynchronization()

	if *warmPoolFlag && services.Router.FreePoolEnabled() {
		go services.Pool.Initialize(ctx)
	}

	go runtime.StartTokenMaintenanceRoutine(ctx, services.Lifecycle)
	go runtime.StartPoolSweepRoutine(ctx, services.Prober, services.Router.FreePoolEnabled)
	go runtime.StartGeoLiteUpdateRoutine(ctx)

	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}

func resolveLogLevel(envKey, fallback string) log.Level {
	raw := strings.TrimSpace(os.Getenv(envKey))
	if raw == "" {
		raw = fallback
	}
	level, err := log.ParseLevel(strings.ToLower(raw))
	if err != nil {
		log.Warn("invalid log level", "value", raw)
		return log.InfoLevel
	}
	return level
}
