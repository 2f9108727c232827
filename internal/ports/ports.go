package ports

import (
	"context"
	"image"

	"TopPhotos/internal/domain"
)

// PlaceStore reads places and their candidate images from the analytical
// store. All reads are snapshots; the pipeline never mutates place data.
type PlaceStore interface {
	MaxDupsRunID(ctx context.Context) (int64, error)
	MaxScoreRunID(ctx context.Context) (int64, error)
	Places(ctx context.Context, ids []int64) ([]domain.Place, error)
	PlacesPerQuad(ctx context.Context, quad string) ([]domain.Place, error)
	// UnscoredDupPlaces filters ids down to places that still have downloaded,
	// unblocked images without a similarity row at the current version.
	UnscoredDupPlaces(ctx context.Context, ids []int64) ([]int64, error)
	UnscoredScorePlaces(ctx context.Context, ids []int64) ([]int64, error)
	// DupImageItems returns the place's candidate images for duplicate
	// detection, P18-first, de-duplicated by identity.
	DupImageItems(ctx context.Context, placeID int64) ([]domain.ImageItem, error)
	// ScoreImageItems is the scoring variant (processed flag from score rows),
	// truncated to limit when limit >= 0.
	ScoreImageItems(ctx context.Context, placeID int64, limit int) ([]domain.ImageItem, error)
	Description(ctx context.Context, placeID int64) (string, error)
}

// SimilarityStore appends duplicate-detection outcomes.
type SimilarityStore interface {
	InsertSimilarity(ctx context.Context, run domain.SimilarityRun) error
}

// ScoreStore appends one batch of scores plus its run row.
type ScoreStore interface {
	InsertPlaceBatch(ctx context.Context, run domain.PlaceRun, photos []domain.ScoreRecord) error
}

// BlockList is the process-wide set of image titles excluded from all
// pipelines. Block is insert-if-absent: concurrent discoveries of the same
// title both attempt the insert and rely on store-level idempotence.
type BlockList interface {
	Block(ctx context.Context, titles []string, reason string) error
	Blocked(ctx context.Context, reason string) ([]string, error)
}

// ChatClient talks to an OpenAI-compatible vision model. Prohibited-content
// refusals surface as an error wrapping domain.ErrProhibited, distinct from
// generic failures; token usage is reported for every call, including failed
// ones.
type ChatClient interface {
	AskWithImages(ctx context.Context, systemPrompt string, images []domain.EncodedImage, imagePrompt string) (string, domain.TokenUsage, error)
}

// ImageFetcher downloads candidate images from the mirror, already downscaled
// to the configured maximum dimension. A failed fetch is an error the caller
// treats as "skip this image", never "abort the place".
type ImageFetcher interface {
	Fetch(ctx context.Context, title string) (image.Image, error)
	FetchBase64(ctx context.Context, title string) (string, error)
}

// Embedder turns an image into a fixed-length vector. The model is loaded
// once per process and shared read-only across workers.
type Embedder interface {
	EmbedImage(ctx context.Context, img image.Image) ([]float32, error)
}
