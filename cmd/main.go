package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"schedsync/internal/api"
	"schedsync/internal/appointments"
	"schedsync/internal/availability"
	"schedsync/internal/cache"
	"schedsync/internal/config"
	"schedsync/internal/google"
	"schedsync/internal/icloud"
	"schedsync/internal/logging"
	"schedsync/internal/metrics"
	"schedsync/internal/microsoft"
	"schedsync/internal/provider"
	"schedsync/internal/schedule"
	"schedsync/internal/scheduler"
	"schedsync/internal/store"
	"schedsync/internal/syncer"
	"schedsync/internal/zoom"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "schedsync",
		Usage: "Compute availability and keep appointments in sync with external calendars.",
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
			availabilityCommand(),
			migrateCommand(),
			authCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", logging.Err(err))
		os.Exit(1)
	}
}

// engine is the wired set of components shared by every command.
type engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	registry *provider.Registry
	cache    *cache.BusyCache
	metrics  *metrics.Recorder
	busy     *availability.Aggregator
	avail    *availability.Service
	appts    *appointments.Manager
	syncer   *syncer.Syncer
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if err := cfg.RequireDatabase(); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// newEngine connects storage and every configured provider. rec may be nil.
func newEngine(ctx context.Context, rec *metrics.Recorder) (*engine, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry(cfg, st, logger, rec)
	if err != nil {
		return nil, err
	}
	logger.Info("Providers registered", "providers", registry.Names())

	e := &engine{cfg: cfg, logger: logger, store: st, registry: registry, metrics: rec}
	e.busy = availability.NewAggregator(st, registry, logger)
	e.busy.SetTimeout(cfg.ProviderTimeout)
	e.avail = availability.NewService(schedule.NewResolver(st), e.busy)
	e.appts = appointments.NewManager(st, registry, e.avail, logger, rec)
	e.syncer = syncer.NewSyncer(st, registry, logger, rec)

	if cfg.RedisAddr != "" {
		e.cache = cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.BusyCacheTTL, logger)
		if err := e.cache.Ping(ctx); err != nil {
			logger.Warn("Redis unavailable, busy cache disabled", logging.Err(err))
			_ = e.cache.Close()
			e.cache = nil
		} else {
			e.busy.SetCache(e.cache)
			e.appts.SetCache(e.cache)
			e.syncer.SetCache(e.cache)
			logger.Info("Busy cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.BusyCacheTTL)
		}
	}
	return e, nil
}

func (e *engine) Close() {
	if e.cache != nil {
		_ = e.cache.Close()
	}
	if db, err := e.store.DB().DB(); err == nil {
		_ = db.Close()
	}
}

// newRegistry registers the OAuth providers whose client credentials are configured, and
// CalDAV, which authenticates per integration.
func newRegistry(cfg *config.Config, st *store.Store, logger *slog.Logger, rec *metrics.Recorder) (*provider.Registry, error) {
	registry := provider.NewRegistry(icloud.NewClient(cfg.CalDAVEndpoint, st, logger, rec))

	if cfg.Google.Configured() {
		oauthCfg, err := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get google oauth config: %w", err)
		}
		registry.Register(google.NewClient(google.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
			Endpoint:     cfg.GoogleEndpoint,
		}, oauthCfg, st, logger, rec))
	}
	if cfg.Microsoft.Configured() {
		oauthCfg := microsoft.OAuthConfig(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.MicrosoftTenant, cfg.Microsoft.RedirectURL)
		registry.Register(microsoft.NewClient(cfg.GraphBaseURL, oauthCfg, st, logger, rec))
	}
	if cfg.Zoom.Configured() {
		oauthCfg := zoom.OAuthConfig(cfg.Zoom.ClientID, cfg.Zoom.ClientSecret, cfg.Zoom.RedirectURL)
		registry.Register(zoom.NewClient(cfg.ZoomBaseURL, oauthCfg, st, logger, rec))
	}
	return registry, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the scheduled sync.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "no-scheduler", Usage: "Do not run the scheduled sync."},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			rec, metricsHandler, err := metrics.NewPrometheus()
			if err != nil {
				return fmt.Errorf("failed to set up metrics: %w", err)
			}
			e, err := newEngine(ctx, rec)
			if err != nil {
				return err
			}
			defer e.Close()

			if !c.Bool("no-scheduler") {
				sched, err := scheduler.New(e.cfg.SyncCron, e.syncer, 0, e.logger)
				if err != nil {
					return err
				}
				sched.Start(ctx)
				defer sched.Stop()
			}

			h := api.NewHandler(api.Deps{
				Availability: e.avail,
				Busy:         e.busy,
				Appointments: e.appts,
				Syncer:       e.syncer,
				Store:        e.store,
				Logger:       e.logger,
			})
			srv := &http.Server{
				Addr:              e.cfg.HTTPAddr,
				Handler:           api.NewRouter(h, metricsHandler),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				e.logger.Info("HTTP server listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server failed: %w", err)
				}
			case <-ctx.Done():
				e.logger.Info("Shutting down")
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Pull changes from external calendars.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "company", Usage: "Only sync this company's integrations."},
			&cli.StringFlag{Name: "integration", Usage: "Only sync this integration."},
			&cli.IntFlag{Name: "watch", Usage: "Run sync every N seconds."},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := newEngine(ctx, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			run := func() error {
				switch {
				case c.String("integration") != "":
					res, err := e.syncer.RunSyncByID(ctx, c.String("integration"))
					if res != nil {
						printResult(res)
					}
					return err
				case c.String("company") != "":
					results, err := e.syncer.RunSyncAll(ctx, c.String("company"))
					for _, res := range results {
						printResult(res)
					}
					return err
				default:
					return e.syncer.RunAll(ctx)
				}
			}

			// --watch keeps running until interrupted
			if c.IsSet("watch") {
				interval := time.Duration(c.Int("watch")) * time.Second
				if interval <= 0 {
					return fmt.Errorf("--watch must be a positive number of seconds")
				}
				e.logger.Info("Starting watcher.", "interval", interval)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					if err := run(); err != nil {
						e.logger.Error("Sync cycle failed", logging.Err(err))
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			}

			e.logger.Info("Running a single sync cycle.")
			if err := run(); err != nil {
				return fmt.Errorf("single sync cycle failed: %w", err)
			}
			return nil
		},
	}
}

func printResult(res *syncer.Result) {
	fmt.Printf("%s %s (%s): created=%d updated=%d cancelled=%d skipped=%d pushed=%d",
		res.Provider, res.IntegrationID, res.SyncType, res.Created, res.Updated, res.Cancelled, res.Skipped, res.Pushed)
	if res.Error != "" {
		fmt.Printf(" error=%q", res.Error)
	}
	fmt.Println()
}

func availabilityCommand() *cli.Command {
	return &cli.Command{
		Name:  "availability",
		Usage: "Print the bookable slots of a company for one day.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "company", Required: true},
			&cli.StringFlag{Name: "date", Usage: "Day as YYYY-MM-DD (default today)."},
		},
		Action: func(c *cli.Context) error {
			date := time.Now()
			if v := c.String("date"); v != "" {
				d, err := time.Parse("2006-01-02", v)
				if err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
				date = d
			}

			e, err := newEngine(c.Context, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			day, err := e.avail.GetAvailability(c.Context, c.String("company"), date, nil)
			if err != nil {
				return err
			}
			switch {
			case day.IsHoliday:
				fmt.Printf("%s is a holiday (%s)\n", day.Date, day.HolidayName)
			case !day.IsWorkingDay:
				fmt.Printf("%s is not a working day\n", day.Date)
			}
			loc, err := time.LoadLocation(day.TimeZone)
			if err != nil {
				loc = time.UTC
			}
			for _, s := range day.AvailableSlots {
				fmt.Printf("%s - %s\n", s.Start.In(loc).Format("15:04"), s.End.In(loc).Format("15:04"))
			}
			fmt.Printf("%d available, %d busy (%s)\n", len(day.AvailableSlots), len(day.BusySlots), day.TimeZone)
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the database schema.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(c.Context, cfg)
			if err != nil {
				return err
			}
			if db, err := st.DB().DB(); err == nil {
				defer db.Close()
			}
			logger.Info("Database schema is up to date.")
			return nil
		},
	}
}
