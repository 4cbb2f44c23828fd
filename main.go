package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/keyword-insight/api"
	"github.com/brettboylen/keyword-insight/db"
	"github.com/brettboylen/keyword-insight/server"
	"github.com/brettboylen/keyword-insight/stats"
	"github.com/brettboylen/keyword-insight/utils"
)

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.Parse()

	log := setupLogger(*logLevel)
	log.Info("Starting Keyword Insight")

	config, err := utils.LoadConfig(*envPath, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	log.WithFields(logrus.Fields{
		"gemini_models":  config.Gemini.Models,
		"max_loops":      config.Search.MaxLoops,
		"comment_prefix": config.Search.CommentPrefix,
		"cache_ttl":      config.Cache.TTL,
		"server_port":    config.Server.Port,
	}).Info("Configuration loaded")

	database, err := db.NewDatabase(config.Database.Path, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close()

	youtubeAPI := api.NewYouTubeAPI(
		config.YouTube.BaseURL,
		config.YouTube.MaxRequestsPerMinute,
		config.YouTube.RequestTimeout,
		log,
	)

	geminiAPI := api.NewGeminiAPI(
		config.Gemini.BaseURL,
		config.Gemini.Models,
		config.Gemini.RequestTimeout,
		log,
	)

	collector := stats.NewCollector(
		youtubeAPI,
		stats.Limits{
			MaxLoops:         config.Search.MaxLoops,
			BatchSize:        config.Search.BatchSize,
			CommentPrefix:    config.Search.CommentPrefix,
			CommentsPerVideo: config.Search.CommentsPerVideo,
		},
		log,
	)

	srv, err := server.New(collector, youtubeAPI, geminiAPI, database, server.Options{
		YouTubeKey:           config.YouTube.APIKey,
		GeminiKey:            config.Gemini.APIKey,
		MaxRequestsPerMinute: config.Server.MaxRequestsPerMinute,
		CacheSize:            config.Cache.Size,
		CacheTTL:             config.Cache.TTL,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create API server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		srv.Start(ctx, config.Server.Port)
		close(done)
	}()

	waitForShutdown(cancel, done, log)
}

// setupLogger sets up the logger with the specified log level
func setupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)

	return log
}

// waitForShutdown waits for a shutdown signal, then for the server to drain
func waitForShutdown(cancel context.CancelFunc, done <-chan struct{}, log *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Shutdown signal received")

	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("Timed out waiting for API server to stop")
	}
	log.Info("Keyword Insight stopped")
}
