package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/config"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/jobs"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/logging"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/scheduler"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Earth-observation and weather sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), runServer)
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the job, health and share endpoints",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(cmd.Context(), runServer)
			},
		},
		&cobra.Command{
			Use:   "schedule",
			Short: "Run the batch syncs on their cron schedules",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(cmd.Context(), runScheduler)
			},
		},
		newSyncCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the shared rate limiter")
	cmd.PersistentFlags().String("ratelimit-backend", defaults.GetString("ratelimit.backend"), "Rate limit backend (memory, redis)")
	cmd.PersistentFlags().Int("jobs-concurrency", defaults.GetInt("jobs.concurrency"), "Targets processed in parallel per job")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("service-secret", "", "Shared secret for the job endpoints (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "ratelimit.backend", "ratelimit-backend")
	bindFlag(cmd, "jobs.concurrency", "jobs-concurrency")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.service_secret", "service-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newSyncCommand() *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync immediately and print its summary",
	}

	var weatherRequest struct {
		fieldID string
		lat     float64
		lng     float64
		date    string
	}
	weatherCmd := &cobra.Command{
		Use:   "weather",
		Short: "Sync daily weather for every field, or for --field-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			request := jobs.WeatherRequest{Mode: jobs.ModeBatch, Date: weatherRequest.date}
			if weatherRequest.fieldID != "" {
				request.Mode = jobs.ModeSingle
				request.FieldID = weatherRequest.fieldID
				if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng") {
					request.Lat = &weatherRequest.lat
					request.Lng = &weatherRequest.lng
				}
			}
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				return printSummary(app.weather.Run(ctx, request))
			})
		},
	}
	weatherCmd.Flags().StringVar(&weatherRequest.fieldID, "field-id", "", "Sync a single field")
	weatherCmd.Flags().Float64Var(&weatherRequest.lat, "lat", 0, "Latitude override for --field-id")
	weatherCmd.Flags().Float64Var(&weatherRequest.lng, "lng", 0, "Longitude override for --field-id")
	weatherCmd.Flags().StringVar(&weatherRequest.date, "date", "", "Observation date (YYYY-MM-DD), defaults to today")

	var ndviRequest jobs.NDVIRequest
	ndviCmd := &cobra.Command{
		Use:   "ndvi",
		Short: "Sync NDVI for every field, or for --field-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			request := ndviRequest
			request.Mode = jobs.ModeBatch
			if request.FieldID != "" {
				request.Mode = jobs.ModeSingle
			}
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				return printSummary(app.ndvi.Run(ctx, request))
			})
		},
	}
	ndviCmd.Flags().StringVar(&ndviRequest.FieldID, "field-id", "", "Sync a single field")
	ndviCmd.Flags().StringVar(&ndviRequest.StartDate, "start-date", "", "Imagery range start (YYYY-MM-DD)")
	ndviCmd.Flags().StringVar(&ndviRequest.EndDate, "end-date", "", "Observation date (YYYY-MM-DD), defaults to today")

	var reportRequest jobs.ReportRequest
	reportsCmd := &cobra.Command{
		Use:   "reports",
		Short: "Generate monthly reports for every organization, or for --org-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			request := reportRequest
			request.Mode = jobs.ModeBatch
			if request.OrgID != "" {
				request.Mode = jobs.ModeSingle
			}
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				return printSummary(app.reports.Run(ctx, request))
			})
		},
	}
	reportsCmd.Flags().StringVar(&reportRequest.OrgID, "org-id", "", "Generate for a single organization")
	reportsCmd.Flags().StringVar(&reportRequest.Month, "month", "", "Report month (YYYY-MM), defaults to the current month")

	syncCmd.AddCommand(weatherCmd, ndviCmd, reportsCmd)
	return syncCmd
}

// withApplication loads configuration, wires the services and runs fn until
// it returns or the process is interrupted.
func withApplication(ctx context.Context, fn func(ctx context.Context, app *application) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(signalCtx, appConfig, logger, appOptions{})
	if err != nil {
		logger.Error("application wiring failed", zap.Error(err))
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("application close failed", zap.Error(err))
		}
	}()

	return fn(signalCtx, app)
}

func runServer(ctx context.Context, app *application) error {
	handler, err := app.httpHandler()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runScheduler(ctx context.Context, app *application) error {
	cronScheduler, err := scheduler.New(scheduler.Config{
		Tasks:  app.schedulerTasks(),
		Logger: app.logger,
	})
	if err != nil {
		return err
	}
	return cronScheduler.Run(ctx)
}

func printSummary(summary jobs.Summary, err error) error {
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(summary)
}
