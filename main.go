package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	units "github.com/docker/go-units"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"cutout/internal/api"
	"cutout/internal/config"
	"cutout/internal/logging"
	"cutout/internal/models"
	"cutout/internal/redis"
	"cutout/internal/service/cutout"
	"cutout/internal/service/removal"
	"cutout/internal/storage"
)

const shutdownTimeout = 10 * time.Second

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "cutout",
		Short:         "Image background-removal gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (defaults to $CUTOUT_CONFIG, then config.json)")
	root.AddCommand(newServeCmd(), newSweepCmd())
	// bare invocation serves
	root.RunE = runServe

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func newSweepCmd() *cobra.Command {
	var hours float64
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete scratch files older than the given age and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("hours") {
				hours = cfg.BasicConfig.SweepMaxAgeHours
			}
			maxAge, err := cutout.HoursToAge(hours)
			if err != nil {
				return err
			}
			store := storage.New(cfg.BasicConfig.UploadDir, cfg.BasicConfig.OutputDir, logger)
			svc := cutout.New(store, nil, cutout.Options{Logger: logger})
			deleted, err := svc.Sweep(cmd.Context(), maxAge)
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d files older than %g hours\n", deleted, hours)
			for _, role := range []models.Role{models.RoleInput, models.RoleOutput} {
				names, listErr := store.List(role)
				if listErr != nil {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d remaining in %s\n", role, len(names), store.Dir(role))
			}
			return err
		},
	}
	cmd.Flags().Float64Var(&hours, "hours", cutout.DefaultSweepMaxAge.Hours(), "delete files last modified at least this many hours ago")
	return cmd
}

func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogFormat, os.Stderr)
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	store := storage.New(cfg.BasicConfig.UploadDir, cfg.BasicConfig.OutputDir, logger)
	if err := store.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare scratch dirs: %w", err)
	}

	timeout := time.Duration(cfg.AIService.TimeoutSeconds) * time.Second
	remover := removal.NewClient(removal.Config{
		BaseURL:       cfg.AIService.BaseURL,
		Timeout:       timeout,
		HealthTimeout: time.Duration(cfg.AIService.HealthTimeoutSeconds) * time.Second,
		HealthRetries: *cfg.AIService.HealthRetries,
	}, logger)

	opts := cutout.Options{MaxUploadBytes: cfg.MaxUploadBytes(), Logger: logger}
	switch cfg.BasicConfig.ProcessLock {
	case config.LockLocal:
		opts.Locker = cutout.NewLocalLocker()
	case config.LockRedis:
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
		// outlive the remote call so a slow job never loses its lock
		opts.Locker = redis.NewLocker(rdb, timeout+time.Minute, logger)
	}
	svc := cutout.New(store, remover, opts)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	maxAge, err := cutout.HoursToAge(cfg.BasicConfig.SweepMaxAgeHours)
	if err != nil {
		return err
	}
	if interval := time.Duration(cfg.BasicConfig.SweepIntervalMinutes) * time.Minute; interval > 0 {
		svc.StartSweeper(ctx, interval, maxAge)
	}

	router := gin.Default()
	api.NewHandler(svc, cfg.BasicConfig.RoutePrefix, cfg.BasicConfig.SweepMaxAgeHours, logger).RegisterRoutes(router)

	server := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("ai_service", cfg.AIService.BaseURL).
			Str("max_upload", units.BytesSize(float64(cfg.MaxUploadBytes()))).
			Str("process_lock", cfg.BasicConfig.ProcessLock).
			Msg("server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
