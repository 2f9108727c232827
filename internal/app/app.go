// Package app wires configuration into the two pipeline jobs and runs their
// lifecycle: storage, adapters, executor, monitor, driver.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"TopPhotos/internal/config"
	"TopPhotos/internal/domain"
	"TopPhotos/internal/infrastructure/embedding"
	"TopPhotos/internal/infrastructure/images"
	"TopPhotos/internal/infrastructure/llm"
	"TopPhotos/internal/infrastructure/storage"
	"TopPhotos/internal/retry"
	"TopPhotos/internal/usecase"
	"TopPhotos/pkg/executor"
)

// validateSelection rejects a start without a place selection: an unscoped
// run over the whole planet is always a configuration mistake.
func validateSelection(cfg config.Config) error {
	if cfg.Pipeline.Quad == "" && len(cfg.Pipeline.SelectedPlaces()) == 0 {
		return errors.New("either QUAD or SELECTED_PLACE_IDS is required")
	}
	return nil
}

func repositoryConfig(cfg config.Config) storage.RepositoryConfig {
	return storage.RepositoryConfig{
		Version:          cfg.Pipeline.Version,
		MinElo:           cfg.Pipeline.MinElo,
		MinEloSubtype:    cfg.Pipeline.MinEloSubtype,
		POISubtypes:      cfg.Pipeline.POISubtypes(),
		ProcessPlaces:    cfg.Pipeline.ProcessPlaces,
		MaxPlacesPerQuad: cfg.Pipeline.MaxPlacesPerQuad,
	}
}

func retryPolicy(cfg config.Config) retry.Policy {
	p := retry.Default()
	if cfg.Scoring.RetryDelaySec > 0 {
		p.Delay = time.Duration(cfg.Scoring.RetryDelaySec) * time.Second
	}
	return p
}

// runPipeline drives one job: submits places through the bounded executor
// with the stuck-task monitor attached, then drains everything and reports
// the final counts.
func runPipeline(
	ctx context.Context,
	cfg config.Config,
	logger *slog.Logger,
	runID int64,
	repo *storage.Repository,
	process func(context.Context, usecase.PlaceRequest) domain.PlaceResult,
	unscored func(context.Context, []int64) ([]int64, error),
) error {
	rc := &usecase.RunContext{}
	exec := executor.New(
		func(ctx context.Context, req usecase.PlaceRequest) (domain.PlaceResult, error) {
			return process(ctx, req), nil
		},
		func(f *executor.Future[usecase.PlaceRequest, domain.PlaceResult]) {
			res, _ := f.Outcome()
			rc.Record(res)
		},
		cfg.Pipeline.Parallel,
		logger.With("component", "executor"),
	)

	statusInterval := time.Duration(cfg.Pipeline.StatusTimeoutSec) * time.Second
	monitor := executor.NewMonitor(statusInterval, func(olderThan time.Duration) []string {
		pending := exec.Inflight(olderThan)
		out := make([]string, 0, len(pending))
		for _, p := range pending {
			out = append(out, fmt.Sprintf("Q%d:%.0fs",
				p.Args.Place.ID, time.Since(p.Submitted).Seconds()))
		}
		return out
	}, logger.With("component", "monitor"))
	monitor.Start()

	runner := usecase.NewRunner(usecase.RunnerDeps{
		Places:   repo,
		Unscored: unscored,
		Submit: func(ctx context.Context, req usecase.PlaceRequest) error {
			_, err := exec.Submit(ctx, req)
			return err
		},
		Logger:         logger.With("component", "runner"),
		Quad:           cfg.Pipeline.Quad,
		QuadAlphabet:   cfg.Pipeline.QuadAlphabet,
		SelectedPlaces: cfg.Pipeline.SelectedPlaces(),
		SelectedMedia:  cfg.Pipeline.SelectedMedia(),
		ProcessPlaces:  cfg.Pipeline.ProcessPlaces,
	})

	runErr := runner.Run(ctx, runID, rc)
	exec.Close()
	monitor.Stop()

	logger.Info("run finished", "run", runID,
		"places", rc.Processed(), "stopped", rc.Stopped())
	if runErr != nil {
		return runErr
	}
	if rc.Stopped() {
		return errors.New("run stopped by fatal place failure")
	}
	return nil
}

// RunDupsFinder executes one duplicate-detection pass.
func RunDupsFinder(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if err := validateSelection(cfg); err != nil {
		return err
	}

	db, err := storage.Open(cfg.ClickHouse)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()
	repo := storage.NewRepository(db, repositoryConfig(cfg), logger.With("component", "storage"))

	encoder, err := embedding.NewEncoder(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("load image encoder: %w", err)
	}
	defer encoder.Close()

	finder := usecase.NewDupsFinder(usecase.DupsFinderDeps{
		Places:     repo,
		Similarity: repo,
		Fetcher:    images.NewFetcher(cfg.Images, logger.With("component", "images")),
		Embedder:   encoder,
		Retry:      retryPolicy(cfg),
		Logger:     logger.With("component", "dupsfinder"),
		Version:    cfg.Pipeline.Version,
	})

	maxRun, err := repo.MaxDupsRunID(ctx)
	if err != nil {
		return fmt.Errorf("resolve run id: %w", err)
	}
	runID := maxRun + 1

	logger.Info("starting duplicate detection", "run", runID,
		"parallel", cfg.Pipeline.Parallel, "quad", cfg.Pipeline.Quad,
		"selected", cfg.Pipeline.SelectedPlaceIDs,
		"minElo", cfg.Pipeline.MinElo)
	return runPipeline(ctx, cfg, logger, runID, repo,
		finder.ProcessPlace, repo.UnscoredDupPlaces)
}

// RunScorer executes one scoring pass.
func RunScorer(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if err := validateSelection(cfg); err != nil {
		return err
	}
	if cfg.LLM.Model == "" || cfg.LLM.APIKey == "" {
		return errors.New("MODEL and API_KEY are required")
	}

	prompts, err := config.LoadPrompts(cfg.Scoring.PromptsPath)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	db, err := storage.Open(cfg.ClickHouse)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()
	repo := storage.NewRepository(db, repositoryConfig(cfg), logger.With("component", "storage"))

	scorer := usecase.NewScorer(usecase.ScorerDeps{
		Places:              repo,
		Scores:              repo,
		Blocks:              repo,
		Chat:                llm.NewClient(cfg.LLM),
		Fetcher:             images.NewFetcher(cfg.Images, logger.With("component", "images")),
		Prompts:             prompts,
		Retry:               retryPolicy(cfg),
		Logger:              logger.With("component", "scorer"),
		Version:             cfg.Pipeline.Version,
		PhotosPerPlace:      cfg.Pipeline.PhotosPerPlace,
		MaxPhotosPerRequest: cfg.Scoring.MaxPhotosPerRequest,
		Weights:             cfg.Scoring.WeightList(),
	})

	maxRun, err := repo.MaxScoreRunID(ctx)
	if err != nil {
		return fmt.Errorf("resolve run id: %w", err)
	}
	runID := maxRun + 1

	logger.Info("starting photo scoring", "run", runID,
		"model", cfg.LLM.Model, "parallel", cfg.Pipeline.Parallel,
		"quad", cfg.Pipeline.Quad, "selected", cfg.Pipeline.SelectedPlaceIDs,
		"photosPerPlace", cfg.Pipeline.PhotosPerPlace,
		"photosPerRequest", cfg.Scoring.MaxPhotosPerRequest)
	return runPipeline(ctx, cfg, logger, runID, repo,
		scorer.ProcessPlace, repo.UnscoredScorePlaces)
}
