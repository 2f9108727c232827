// Package usecase orchestrates the two pipeline jobs: near-duplicate
// detection and LLM scoring of place photos.
package usecase

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"TopPhotos/internal/domain"
	"TopPhotos/internal/ports"
	"TopPhotos/internal/retry"
	"TopPhotos/internal/similarity"
)

// PlaceRequest is one unit of work handed to the executor.
type PlaceRequest struct {
	RunID int64
	Place domain.Place
	// Selected means the place was named explicitly; processed images are
	// re-evaluated instead of skipped.
	Selected bool
	// MediaIDs, when non-empty, restricts work to these images.
	MediaIDs []int64
}

// DupsFinderDeps wires the driven adapters into the duplicate finder.
type DupsFinderDeps struct {
	Places     ports.PlaceStore
	Similarity ports.SimilarityStore
	Fetcher    ports.ImageFetcher
	Embedder   ports.Embedder
	Retry      retry.Policy
	Logger     *slog.Logger
	Version    int
}

// DupsFinder computes the near-duplicate adjacency of each place's images.
type DupsFinder struct {
	places   ports.PlaceStore
	sims     ports.SimilarityStore
	fetcher  ports.ImageFetcher
	embedder ports.Embedder
	retry    retry.Policy
	logger   *slog.Logger
	version  int
}

// NewDupsFinder constructs the duplicate-detection job.
func NewDupsFinder(deps DupsFinderDeps) *DupsFinder {
	return &DupsFinder{
		places:   deps.Places,
		sims:     deps.Similarity,
		fetcher:  deps.Fetcher,
		embedder: deps.Embedder,
		retry:    deps.Retry,
		logger:   deps.Logger,
		version:  deps.Version,
	}
}

// ProcessPlace handles one place end to end. It always returns a result,
// never panics through: a single place's failure must not corrupt executor
// bookkeeping. Transient failures sleep the retry delay before returning so
// an immediate resubmission does not hammer a struggling store; fatal
// failures request a run stop; anything else persists an error row and moves
// on.
func (d *DupsFinder) ProcessPlace(ctx context.Context, req PlaceRequest) domain.PlaceResult {
	started := time.Now()
	err := d.processPlace(ctx, req, started)
	if err == nil {
		return domain.PlaceResult{PlaceID: req.Place.ID}
	}

	kind := domain.KindOf(err)
	switch kind {
	case domain.KindTransient:
		d.logger.Warn("place hit transient error, backing off",
			"place", req.Place.ID, "error", err)
		_ = d.retry.Sleep(ctx)
		return domain.PlaceResult{PlaceID: req.Place.ID, Kind: kind, Err: err}
	case domain.KindFatal:
		d.logger.Error("place hit fatal error, stopping run",
			"place", req.Place.ID, "error", err)
		return domain.PlaceResult{PlaceID: req.Place.ID, Stop: true, Kind: kind, Err: err}
	default:
		d.logger.Error("place failed", "place", req.Place.ID, "error", err)
		d.insertError(ctx, req, started, err.Error())
		return domain.PlaceResult{PlaceID: req.Place.ID, Kind: kind, Err: err}
	}
}

func (d *DupsFinder) processPlace(ctx context.Context, req PlaceRequest, started time.Time) error {
	placeID := req.Place.ID
	items, err := d.places.DupImageItems(ctx, placeID)
	if err != nil {
		return fmt.Errorf("load image items: %w", err)
	}

	// The target set decides which images get fresh similarity rows; the
	// whole set still participates as search candidates.
	var targets []string
	switch {
	case len(req.MediaIDs) > 0:
		wanted := map[int64]bool{}
		for _, id := range req.MediaIDs {
			wanted[id] = true
		}
		for _, item := range items {
			if wanted[item.MediaID] {
				targets = append(targets, item.Path)
			}
		}
	case !req.Selected:
		for _, item := range items {
			if !item.Processed {
				targets = append(targets, item.Path)
			}
		}
	}

	if !req.Selected && len(targets) == 0 {
		d.logger.Info("place is up to date", "place", placeID, "images", len(items))
		return nil
	}

	d.logger.Info("loading place images",
		"place", placeID, "images", len(items), "new", len(targets))
	images, paths, sizes := d.downloadAll(ctx, items)
	if len(images) == 0 {
		d.logger.Warn("place skipped, no loadable images", "place", placeID)
		return d.insert(ctx, req, domain.SimilarityRun{
			Started: started, Error: "No images.",
		})
	}

	adjacency, err := d.similarityGraph(ctx, images, paths, targets)
	if err != nil {
		return err
	}

	sizeMap := make(map[string]int64, len(paths))
	for i, p := range paths {
		sizeMap[p] = sizes[i]
	}
	run := domain.SimilarityRun{
		Sizes:     sizeMap,
		Neighbors: adjacency,
		Started:   started,
	}
	if err := d.insert(ctx, req, run); err != nil {
		return err
	}

	d.logger.Info("place similarity saved",
		"place", placeID, "images", len(images), "linked", len(adjacency),
		"elapsed", time.Since(started).Round(time.Second))
	return nil
}

// downloadAll fetches every candidate image, skipping failures and
// zero-size rows. One unloadable image must never sink the place.
func (d *DupsFinder) downloadAll(ctx context.Context, items []domain.ImageItem) ([]image.Image, []string, []int64) {
	var (
		images []image.Image
		paths  []string
		sizes  []int64
	)
	for _, item := range items {
		if item.Size == 0 {
			continue
		}
		img, err := d.fetcher.Fetch(ctx, item.Path)
		if err != nil {
			d.logger.Warn("image skipped", "title", item.Path, "error", err)
			continue
		}
		images = append(images, img)
		paths = append(paths, item.Path)
		sizes = append(sizes, item.Size)
	}
	return images, paths, sizes
}

// similarityGraph embeds every image and searches each target's two nearest
// neighbours (itself plus the best other). The result is symmetrized: if A
// lists B, B lists A with the same score.
func (d *DupsFinder) similarityGraph(ctx context.Context, images []image.Image, paths, targets []string) (domain.Adjacency, error) {
	vectors := make([][]float32, 0, len(images))
	for i, img := range images {
		vec, err := d.embedder.EmbedImage(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("embed %s: %w", paths[i], err)
		}
		vectors = append(vectors, vec)
	}
	similarity.Normalize(vectors)

	index := similarity.NewFlatIndex(len(vectors[0]))
	if err := index.Add(vectors...); err != nil {
		return nil, fmt.Errorf("index images: %w", err)
	}

	queryRange := make([]int, 0, len(paths))
	if len(targets) == 0 {
		for i := range paths {
			queryRange = append(queryRange, i)
		}
	} else {
		position := map[string]int{}
		for i, p := range paths {
			position[p] = i
		}
		for _, t := range targets {
			if i, ok := position[t]; ok {
				queryRange = append(queryRange, i)
			}
		}
	}

	type pair struct{ from, to string }
	sims := map[pair]float64{}
	for _, i := range queryRange {
		for _, hit := range index.Search(vectors[i], 2) {
			if hit.Index == i {
				continue
			}
			sims[pair{paths[i], paths[hit.Index]}] = similarity.Clamp01(float64(hit.Score))
		}
	}
	for p, v := range sims {
		if _, ok := sims[pair{p.to, p.from}]; !ok {
			sims[pair{p.to, p.from}] = v
		}
	}

	adjacency := domain.Adjacency{}
	for p, v := range sims {
		adjacency[p.from] = append(adjacency[p.from], domain.Neighbor{Path: p.to, Score: v})
	}
	return adjacency, nil
}

func (d *DupsFinder) insert(ctx context.Context, req PlaceRequest, run domain.SimilarityRun) error {
	run.RunID = req.RunID
	run.PlaceID = req.Place.ID
	run.Duration = time.Since(run.Started).Seconds()
	run.Version = d.version
	if err := d.sims.InsertSimilarity(ctx, run); err != nil {
		return fmt.Errorf("persist similarity: %w", err)
	}
	return nil
}

// insertError records a failed place so the failure is visible in the run
// history. A second failure here is only logged; the original error matters
// more.
func (d *DupsFinder) insertError(ctx context.Context, req PlaceRequest, started time.Time, msg string) {
	err := d.insert(ctx, req, domain.SimilarityRun{Started: started, Error: msg})
	if err != nil {
		d.logger.Error("could not persist place error", "place", req.Place.ID, "error", err)
	}
}
