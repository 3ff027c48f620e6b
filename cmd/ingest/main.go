// Command ingest runs one ingestion of a user's starred repositories from
// the terminal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/starsearch/internal/ai"
	"github.com/seanblong/starsearch/internal/config"
	"github.com/seanblong/starsearch/internal/github"
	"github.com/seanblong/starsearch/internal/ingest"
	"github.com/seanblong/starsearch/internal/store"
	"github.com/seanblong/starsearch/pkg/models"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("starsearch-ingest", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s': %v\n", cfg.LogLevel, err)
		os.Exit(2)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	user := cfg.Github.User
	if fs.NArg() > 0 {
		user = fs.Arg(0)
	}
	if strings.TrimSpace(user) == "" {
		fmt.Fprintln(os.Stderr, "usage: ingest [flags] <github-user>")
		fs.PrintDefaults()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := run(ctx, cfg, user, os.Stderr)
	if err != nil {
		log.Error().Err(err).Str("user", user).Msg("ingestion failed")
		if errors.Is(err, config.ErrConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		log.Fatal().Err(err).Msg("write summary")
	}
}

func run(ctx context.Context, cfg config.Specification, user string, progress io.Writer) (models.IngestionSummary, error) {
	clientConfig, err := ai.ConfigFromSpecification(cfg)
	if err != nil {
		return models.IngestionSummary{}, err
	}
	c, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		return models.IngestionSummary{}, fmt.Errorf("create AI client: %w", err)
	}
	if err := ai.CheckDimension(ctx, c, c.Dim()); err != nil {
		return models.IngestionSummary{}, err
	}

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		return models.IngestionSummary{}, err
	}
	defer st.Close()
	if err := st.Migrate(ctx, c.Dim()); err != nil {
		return models.IngestionSummary{}, err
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
		return models.IngestionSummary{}, err
	}

	events := make(chan models.ProgressEvent, 16)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			printProgress(progress, ev)
		}
	}()
	summary, err := orch.Run(ctx, user, events)
	close(events)
	<-printed
	return summary, err
}

func printProgress(w io.Writer, ev models.ProgressEvent) {
	switch {
	case ev.Status == models.StatusError:
		fmt.Fprintf(w, "error after %d/%d: %s\n", ev.Processed, ev.Total, ev.Message)
	case ev.Terminal():
		fmt.Fprintf(w, "done: %d/%d repositories\n", ev.Processed, ev.Total)
	default:
		fmt.Fprintf(w, "[%d/%d] %s\n", ev.Processed, ev.Total, ev.CurrentRepo)
	}
}
