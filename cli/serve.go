package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/asaidimu/go-loom/core/router"
	"github.com/asaidimu/go-loom/core/schema"
	"github.com/asaidimu/go-loom/core/storage"
	"github.com/asaidimu/go-loom/server"
	"github.com/asaidimu/go-loom/sqlite"
)

// serveConfig is the daemon configuration, read from file and environment.
type serveConfig struct {
	Addr         string
	DB           string
	LogFile      string
	PingInterval time.Duration
	IdleTimeout  time.Duration
}

func loadServeConfig(opts *options) (*serveConfig, error) {
	v := viper.New()
	v.SetConfigName("loom")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("db", opts.dbPath)
	v.SetDefault("log_file", "")
	v.SetDefault("ping_interval", 20*time.Second)
	v.SetDefault("idle_timeout", 60*time.Second)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return &serveConfig{
		Addr:         v.GetString("addr"),
		DB:           v.GetString("db"),
		LogFile:      v.GetString("log_file"),
		PingInterval: v.GetDuration("ping_interval"),
		IdleTimeout:  v.GetDuration("idle_timeout"),
	}, nil
}

// newServeLogger builds the daemon logger, rotating to a file when one is
// configured.
func newServeLogger(cfg *serveConfig, verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	if cfg.LogFile == "" {
		zcfg := zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(level)
		logger, err := zcfg.Build()
		if err != nil {
			return zap.NewNop()
		}
		return logger
	}

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    50, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, level)
	return zap.New(core)
}

func newServeCmd(s *schema.Schema, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(opts)
			if err != nil {
				return err
			}
			logger := newServeLogger(cfg, opts.verbose)
			defer logger.Sync()

			db, err := sql.Open("sqlite3", cfg.DB)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			engine, err := storage.New(s, sqlite.NewInteractor(db, s, logger), &storage.Options{Logger: logger})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := engine.Init(ctx); err != nil {
				return err
			}

			rt := router.FromSchema(engine)
			syncServer := server.New(rt, engine, &server.Options{
				Logger:       logger,
				PingInterval: cfg.PingInterval,
				IdleTimeout:  cfg.IdleTimeout,
			})

			mux := chi.NewRouter()
			mux.Use(cors.Handler(cors.Options{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"*"},
			}))
			mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			mux.Handle("/sync", syncServer)

			httpServer := &http.Server{Addr: cfg.Addr, Handler: mux}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("sync server listening", zap.String("addr", cfg.Addr))
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				err := syncServer.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}
