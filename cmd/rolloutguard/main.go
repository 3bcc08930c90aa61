package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/gin-gonic/gin"
	"github.com/qiniu/rolloutguard/internal/config"
	"github.com/qiniu/rolloutguard/internal/middleware"
	"github.com/qiniu/rolloutguard/internal/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// load config first
	log.Info().Msg("Starting rolloutguard server")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// configure log level from config
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if strings.EqualFold(cfg.Logging.Format, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create rolloutguard server")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger)
	router.Use(middleware.Authentication(cfg.Server.APIToken))
	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	srv.UseApi(router)

	metricsRouter := fox.New()
	if err := srv.UseMetricsApi(metricsRouter); err != nil {
		log.Fatal().Err(err).Msg("bind metrics api failed.")
	}

	srv.Start(ctx)

	apiServer := &http.Server{Addr: cfg.Server.BindAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	metricsServer := &http.Server{Addr: cfg.Server.MetricsBindAddr, Handler: metricsRouter, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	for _, hs := range []*http.Server{apiServer, metricsServer} {
		hs := hs
		g.Go(func() error {
			log.Info().Msgf("Starting server on %s", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, hs := range []*http.Server{apiServer, metricsServer} {
			if err := hs.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Str("addr", hs.Addr).Msg("http server shutdown failed")
			}
		}
		return srv.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("rolloutguard server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("rolloutguard server exit...")
}
