// licensed is the ClearKey license gateway daemon. It loads the key
// store, serves the license and health endpoints, and optionally
// serves packaged content for the demo players.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/clearkey-license-gateway/internal/api"
	"github.com/kenneth/clearkey-license-gateway/internal/audit"
	"github.com/kenneth/clearkey-license-gateway/internal/config"
	"github.com/kenneth/clearkey-license-gateway/internal/debug"
	"github.com/kenneth/clearkey-license-gateway/internal/keys"
	"github.com/kenneth/clearkey-license-gateway/internal/license"
	"github.com/kenneth/clearkey-license-gateway/internal/metrics"
	"github.com/kenneth/clearkey-license-gateway/internal/middleware"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	keyStorePath := flag.String("keystore", "", "Key store path (overrides config)")
	flag.Parse()

	// Existing environment variables win over .env contents.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *keyStorePath != "" {
		cfg.KeyStore.Path = *keyStorePath
	}

	logger := newLogger(cfg.Logging)
	debug.InitFromLogLevel(cfg.Logging.Level)

	m := metrics.New()

	auditLog, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure audit log")
	}
	defer auditLog.Close()

	store := keys.NewFileStore(cfg.KeyStore.Path)
	holder := keys.NewHolder()
	if err := holder.LoadFrom(store); err != nil {
		// Corrupt stores are an operator problem; refuse to serve
		// mismatched key material.
		logger.WithError(err).WithField("path", store.Path()).
			Fatal("Failed to load key store")
	}
	if holder.Loaded() {
		logger.WithField("kid", holder.Active().KID.Hex).Info("Key record loaded")
		m.SetKeysLoaded(1)
	} else {
		logger.WithField("path", store.Path()).
			Warn("No key record found, license requests will fail until keys are generated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.KeyStore.Watch {
		err := holder.Watch(ctx, store, logger, func(ok bool) {
			m.RecordKeyStoreReload(ok)
			loaded := 0
			if holder.Loaded() {
				loaded = 1
			}
			m.SetKeysLoaded(loaded)
			auditLog.Log(&audit.Event{
				Timestamp: time.Now().UTC(),
				EventType: audit.EventTypeKeyReload,
				Outcome:   reloadOutcome(ok),
			})
		})
		if err != nil {
			logger.WithError(err).Warn("Key store watch unavailable, reload requires restart")
		}
	}

	authority := license.NewAuthority(cfg.Auth.Tokens, holder)
	if authority.TokenCount() == 0 {
		logger.Warn("No auth tokens configured, every license request will be rejected")
	}

	handler := api.NewHandler(authority, holder, store.Path(), cfg.Server.ContentDir, logger, m, auditLog)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	var root http.Handler = router
	root = middleware.LoggingMiddleware(logger)(root)
	root = middleware.RecoveryMiddleware(logger)(root)

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: root,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server shutdown error")
		}
	}()

	logger.WithFields(logrus.Fields{
		"addr":        cfg.Server.ListenAddr,
		"key_store":   cfg.KeyStore.Path,
		"auth_tokens": authority.TokenCount(),
	}).Info("License gateway listening")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("Server error")
	}
	logger.Info("Server stopped")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func reloadOutcome(ok bool) string {
	if ok {
		return "reloaded"
	}
	return "reload_failed"
}
