package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/scribescope/backend/internal/api"
	"github.com/scribescope/backend/internal/batch"
	"github.com/scribescope/backend/internal/config"
	"github.com/scribescope/backend/internal/logging"
	"github.com/scribescope/backend/internal/metrics"
	"github.com/scribescope/backend/internal/preview"
	"github.com/scribescope/backend/internal/session"
	"github.com/scribescope/backend/internal/storage"
	"github.com/scribescope/backend/internal/upload"
	"github.com/scribescope/backend/internal/web"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(info BuildInfo) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			if configPath == "" {
				exePath, err := os.Executable()
				if err != nil {
					return fmt.Errorf("failed to get executable path: %w", err)
				}
				configPath = filepath.Join(filepath.Dir(exePath), "scribescope.xml")
			}

			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port, _ = cmd.Flags().GetInt("port")
			}
			if !cmd.Flags().Changed("log-level") && cfg.Advanced.LogLevel != "" {
				json, _ := cmd.Flags().GetBool("json")
				if err := logging.Setup(cfg.Advanced.LogLevel, json || cfg.Advanced.LogJSON); err != nil {
					return err
				}
			}

			srv, err := newServer(cfg, info)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			printBanner(cfg, info, configPath)
			return srv.run(ctx)
		},
	}

	serveCmd.Flags().StringP("config", "c", "", "Path to an XML or YAML config file (created with defaults if missing)")
	serveCmd.Flags().IntP("port", "p", 0, "Override the listen port")
	return serveCmd
}

// server holds the wired components of the web server.
type server struct {
	cfg      *config.AppConfig
	echo     *echo.Echo
	sessions *session.Manager
	previews *preview.Manager
}

func newServer(cfg *config.AppConfig, info BuildInfo) (*server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if cfg.Storage.InMemory {
		store = storage.NewMemoryStore()
	} else {
		local, err := storage.NewLocalStore(cfg.Storage.PreviewsDirectory)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		if n, err := local.PurgeUntracked(); err != nil {
			logrus.WithField("err", err.Error()).Warn("failed to purge stale previews")
		} else if n > 0 {
			logrus.WithField("files", n).Info("purged stale previews")
		}
		store = local
	}
	previews := preview.NewManager(store)

	executor := upload.NewExecutor(upload.Config{
		Endpoint:  cfg.Search.Endpoint,
		Token:     cfg.Search.Token,
		UserAgent: cfg.Search.UserAgent,
		Timeout:   cfg.SearchTimeout(),
	})

	var sessionMgr *session.Manager
	var observer batch.Observer
	var collector *metrics.Collector
	if cfg.Advanced.EnableMetrics {
		collector = metrics.New("scribescope_", previews.Outstanding, func() int { return sessionMgr.Len() })
		observer = collector
	}
	sessionMgr = session.NewManager(previews, batch.NewRunner(executor, observer))
	sessionMgr.SetMaxSessions(cfg.Processing.MaxSessions)

	deps := &api.Dependencies{
		SessionMgr: sessionMgr,
		Previews:   previews,
		Limits: api.UploadLimits{
			AllowedExtensions: cfg.AllowedExtensions(),
			MaxFileSize:       maxUpload,
		},
		ThumbSize: cfg.Processing.ThumbnailSize,
		Version:   info.Version,
	}
	if collector != nil {
		deps.Metrics = collector.Handler()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.NewErrorHandler(cfg.Advanced.LogLevel == "debug")
	configureMiddleware(e, cfg)
	api.RegisterRoutes(e, api.NewHandlers(deps))

	if web.HasEmbeddedFiles() {
		if err := web.RegisterStaticRoutes(e); err != nil {
			logrus.WithField("err", err.Error()).Warn("failed to register static routes")
		}
	}

	return &server{cfg: cfg, echo: e, sessions: sessionMgr, previews: previews}, nil
}

func configureMiddleware(e *echo.Echo, cfg *config.AppConfig) {
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			if !cfg.Advanced.EnableRequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return api.IsStreamingPath(path) ||
				strings.HasPrefix(path, "/api/previews/") ||
				path == "/api/health" ||
				path == "/metrics"
		},
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := logrus.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.Round(time.Microsecond).String(),
			})
			if v.Error != nil {
				entry.WithField("err", v.Error.Error()).Warn("request")
				return nil
			}
			entry.Info("request")
			return nil
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		Skipper: func(c echo.Context) bool {
			return api.IsStreamingPath(c.Request().URL.Path) ||
				c.Request().Method == http.MethodPost
		},
		ErrorMessage: "Request timeout",
	}))

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return api.IsStreamingPath(path) || strings.HasPrefix(path, "/api/previews/")
		},
	}))

	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 1 && origins[0] == "" {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}
}

// run serves until ctx is cancelled, then drains connections and closes
// every session.
func (s *server) run(ctx context.Context) error {
	go s.cleanupLoop(ctx)

	httpServer := &http.Server{
		Addr:         s.cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.StartServer(httpServer)
	}()

	select {
	case err := <-errCh:
		s.sessions.Shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logrus.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.echo.Shutdown(shutdownCtx)
	s.sessions.Shutdown()

	stats := s.previews.Stats()
	logrus.WithFields(logrus.Fields{
		"acquired": stats.Acquired,
		"released": stats.Released,
	}).Info("previews released")
	return err
}

func (s *server) cleanupLoop(ctx context.Context) {
	interval := s.cfg.CleanupInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.sessions.CleanupOldSessions(s.cfg.SessionTimeout()); n > 0 {
				logrus.WithField("sessions", n).Info("cleaned up idle sessions")
			}
		case <-ctx.Done():
			return
		}
	}
}

func printBanner(cfg *config.AppConfig, info BuildInfo, configPath string) {
	mode := "API only"
	if web.HasEmbeddedFiles() {
		mode = "Embedded client"
	}
	storageMode := cfg.Storage.PreviewsDirectory
	if cfg.Storage.InMemory {
		storageMode = "in memory"
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           ScribeScope Server                              ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", info.Version)
	fmt.Printf("║  Build Time: %-45s║\n", info.BuildTime)
	fmt.Printf("║  Mode:       %-45s║\n", mode)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Search:    %-46s║\n", cfg.Search.Endpoint)
	fmt.Printf("║  Previews:  %-46s║\n", storageMode)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
