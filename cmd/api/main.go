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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/starsearch/internal/ai"
	"github.com/seanblong/starsearch/internal/api"
	"github.com/seanblong/starsearch/internal/auth"
	"github.com/seanblong/starsearch/internal/config"
	"github.com/seanblong/starsearch/internal/github"
	"github.com/seanblong/starsearch/internal/ingest"
	"github.com/seanblong/starsearch/internal/search"
	"github.com/seanblong/starsearch/internal/store"
	"github.com/spf13/pflag"
)

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("starsearch-api", pflag.ExitOnError)

	// Load configuration
	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}
	fs.Usage = cfg.Usage

	// Set up logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s': %v\n", cfg.LogLevel, err)
		os.Exit(2)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting starsearch api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("api server stopped")
		if errors.Is(err, config.ErrConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Specification, logger zerolog.Logger) error {
	clientConfig, err := ai.ConfigFromSpecification(cfg)
	if err != nil {
		return err
	}
	c, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		return fmt.Errorf("create AI client: %w", err)
	}

	// Use the AI client's dimension for database migration
	dim := c.Dim()
	if err := ai.CheckDimension(ctx, c, dim); err != nil {
		return err
	}
	logger.Info().Int("embedding_dim", dim).Str("embed_model", c.EmbedModel()).Msg("AI client initialized")

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx, dim); err != nil {
		return err
	}

	gh := github.New(github.Options{
		BaseURL:       cfg.Github.APIURL,
		Token:         cfg.Github.Token,
		PageSize:      cfg.Github.PageSize,
		ListTimeout:   cfg.Ingestion.ListTimeout,
		ReadmeTimeout: cfg.Ingestion.ReadmeTimeout,
	})
	orch, err := ingest.New(gh, c, st, ingest.Options{
		ChunkSize:     cfg.Chunking.Size,
		ChunkOverlap:  cfg.Chunking.Overlap,
		EmbedAttempts: cfg.Ingestion.EmbedAttempts,
		EmbedBackoff:  ingest.DefaultEmbedBackoff,
		EmbedTimeout:  cfg.Ingestion.EmbedTimeout,
		StoreTimeout:  cfg.Ingestion.StoreTimeout,
	})
	if err != nil {
		return err
	}
	runs, err := ingest.NewPool(orch, cfg.Ingestion.MaxConcurrent)
	if err != nil {
		return err
	}
	defer runs.Release()

	opts := search.Options{
		Threshold:   cfg.Search.Threshold,
		TopK:        cfg.Search.TopK,
		AnswerLimit: cfg.Search.AnswerLimit,
	}
	if cfg.Search.DistinctRepositories {
		opts.Reranker = search.DistinctRepositories{}
	}
	svc := search.NewService(ai.NewCachedEmbedder(c, c.EmbedModel(), cfg.Search.CacheSize), st, c, opts)

	authn := auth.New(auth.Config{
		JwtSecret:    cfg.Auth.JwtSecret,
		ClientID:     cfg.Auth.GithubClientID,
		ClientSecret: cfg.Auth.GithubClientSecret,
		RedirectURL:  cfg.Auth.GithubRedirectURL,
		AllowedOrg:   cfg.Auth.GithubAllowedOrg,
		Enabled:      cfg.Auth.Enabled,
	})
	if authn.Enabled() {
		logger.Info().Msg("authentication is ENABLED")
	} else {
		logger.Info().Msg("authentication is DISABLED - running in open mode")
	}

	server := api.NewServer(runs, svc, st, st, authn, api.Options{
		Threshold:      cfg.Search.Threshold,
		TopK:           cfg.Search.TopK,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	s := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Handler(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.Addr).Msg("api server listening")
		errc <- s.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
