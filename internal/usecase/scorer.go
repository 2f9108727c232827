package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"TopPhotos/internal/config"
	"TopPhotos/internal/domain"
	"TopPhotos/internal/ports"
	"TopPhotos/internal/retry"
	"TopPhotos/internal/scoring"
)

// User-side instructions attached to each image part; the real work is
// described by the system prompt.
const (
	scoreImagePrompt = "Score image and provide justifying reasons."
	checkImagePrompt = "Check image."
)

// ScorerDeps wires the driven adapters into the scoring job.
type ScorerDeps struct {
	Places  ports.PlaceStore
	Scores  ports.ScoreStore
	Blocks  ports.BlockList
	Chat    ports.ChatClient
	Fetcher ports.ImageFetcher
	Prompts config.Prompts
	Retry   retry.Policy
	Logger  *slog.Logger

	Version             int
	PhotosPerPlace      int
	MaxPhotosPerRequest int
	Weights             []float64
}

// Scorer sends place photos to the vision model in batches and persists the
// per-image scores.
type Scorer struct {
	places  ports.PlaceStore
	scores  ports.ScoreStore
	blocks  ports.BlockList
	chat    ports.ChatClient
	fetcher ports.ImageFetcher
	prompts config.Prompts
	retry   retry.Policy
	logger  *slog.Logger

	version             int
	photosPerPlace      int
	maxPhotosPerRequest int
	weights             []float64
}

// NewScorer constructs the scoring job.
func NewScorer(deps ScorerDeps) *Scorer {
	return &Scorer{
		places:              deps.Places,
		scores:              deps.Scores,
		blocks:              deps.Blocks,
		chat:                deps.Chat,
		fetcher:             deps.Fetcher,
		prompts:             deps.Prompts,
		retry:               deps.Retry,
		logger:              deps.Logger,
		version:             deps.Version,
		photosPerPlace:      deps.PhotosPerPlace,
		maxPhotosPerRequest: deps.MaxPhotosPerRequest,
		weights:             deps.Weights,
	}
}

// ProcessPlace scores one place's photos. Results persist incrementally per
// batch, so a mid-place failure keeps the batches already scored. Only fatal
// provider and query errors request a run stop.
func (s *Scorer) ProcessPlace(ctx context.Context, req PlaceRequest) domain.PlaceResult {
	run := domain.PlaceRun{
		RunID:      req.RunID,
		WikidataID: req.Place.ID,
		WikiTitle:  req.Place.WikiTitle,
		Started:    time.Now(),
		Version:    s.version,
	}

	err := s.processPlace(ctx, req, &run)
	if err == nil {
		return domain.PlaceResult{PlaceID: req.Place.ID}
	}

	kind := domain.KindOf(err)
	switch kind {
	case domain.KindTransient:
		s.logger.Warn("place hit transient error, backing off",
			"place", req.Place.ID, "error", err)
		_ = s.retry.Sleep(ctx)
		return domain.PlaceResult{PlaceID: req.Place.ID, Kind: kind, Err: err}
	case domain.KindFatal:
		s.logger.Error("place hit fatal error, stopping run",
			"place", req.Place.ID, "error", err)
		return domain.PlaceResult{PlaceID: req.Place.ID, Stop: true, Kind: kind, Err: err}
	default:
		s.logger.Error("place failed", "place", req.Place.ID, "error", err)
		run.Error = err.Error()
		if insErr := s.insertBatch(ctx, &run, nil); insErr != nil {
			s.logger.Error("could not persist place error",
				"place", req.Place.ID, "error", insErr)
		}
		return domain.PlaceResult{PlaceID: req.Place.ID, Kind: kind, Err: err}
	}
}

func (s *Scorer) processPlace(ctx context.Context, req PlaceRequest, run *domain.PlaceRun) error {
	started := time.Now()
	items, err := s.places.ScoreImageItems(ctx, req.Place.ID, s.photosPerPlace)
	if err != nil {
		return fmt.Errorf("load image items: %w", err)
	}

	images := s.mixImages(ctx, req, items)
	if len(images) == 0 {
		s.logger.Warn("place skipped, no images to score", "place", req.Place.ID)
		return nil
	}

	placePrompt := s.placePrompt(req.Place)
	batches := splitArray(images, batchCount(len(images), s.maxPhotosPerRequest))
	scoredTotal := 0
	for batchIx, batch := range batches {
		run.BatchID = batchIx * s.maxPhotosPerRequest
		run.PromptPhotoIDs = mediaIDs(batch)
		run.ScoredPhotoIDs = nil
		run.Error = ""

		results, usage, err := s.callBatch(ctx, placePrompt, batch)
		run.PromptTokens += usage.PromptTokens
		run.CompletionTokens += usage.CompletionTokens
		run.CachedTokens += usage.CachedTokens
		run.Duration += usage.Duration.Seconds()
		if err != nil {
			if kind := domain.KindOf(err); kind == domain.KindFatal || kind == domain.KindTransient {
				return err
			}
			// Model misbehavior: record it and give the place up without
			// failing the run.
			run.Error = err.Error()
			if insErr := s.insertBatch(ctx, run, nil); insErr != nil {
				return insErr
			}
			return nil
		}

		records := s.buildRecords(req, run, batch, results)
		if len(run.ScoredPhotoIDs) != len(run.PromptPhotoIDs) {
			run.Error = "Missing some scoring results"
			s.logger.Warn("model returned partial results", "place", req.Place.ID,
				"scored", len(run.ScoredPhotoIDs), "requested", len(run.PromptPhotoIDs))
		}
		scoredTotal += len(records)

		sort.SliceStable(records, func(a, b int) bool {
			return records[a].Score > records[b].Score
		})
		if err := s.insertBatch(ctx, run, records); err != nil {
			return err
		}
	}

	s.logger.Info("place scored", "place", req.Place.ID,
		"elo", int(req.Place.Elo), "shortlink", req.Place.ShortLink,
		"images", scoredTotal, "elapsed", time.Since(started).Round(time.Second))
	return nil
}

// mixImages assembles the photo payload for one place: explicitly selected
// images first, then unscored and already-scored photos interleaved 2:1 so
// re-runs refresh old scores without starving new photos. Download failures
// just shrink the set.
func (s *Scorer) mixImages(ctx context.Context, req PlaceRequest, items []domain.ImageItem) []domain.EncodedImage {
	wanted := map[int64]bool{}
	for _, id := range req.MediaIDs {
		wanted[id] = true
	}

	var nonScored, scored, selected []domain.ImageItem
	for _, item := range items {
		if wanted[item.MediaID] {
			selected = append(selected, item)
		}
		if item.Processed {
			scored = append(scored, item)
		} else {
			nonScored = append(nonScored, item)
		}
	}
	s.logger.Info("mixing place photos", "place", req.Place.ID,
		"unscored", len(nonScored), "scored", len(scored), "selected", len(selected))
	if !req.Selected && len(nonScored) == 0 && len(selected) == 0 {
		return nil
	}

	var images []domain.EncodedImage
	count := 0
	for _, item := range selected {
		if img, ok := s.encode(ctx, item); ok {
			images = append(images, img)
			count++
		}
	}

	if len(selected) > 0 {
		inSelected := map[domain.ImageKey]bool{}
		for _, item := range selected {
			inSelected[item.Key()] = true
		}
		scored = withoutKeys(scored, inSelected)
		nonScored = withoutKeys(nonScored, inSelected)
	}

	scoredIx, nonScoredIx := 0, 0
	for count < s.photosPerPlace {
		var item domain.ImageItem
		switch {
		case count%3 == 2 && scoredIx < len(scored):
			item = scored[scoredIx]
			scoredIx++
		case nonScoredIx < len(nonScored):
			item = nonScored[nonScoredIx]
			nonScoredIx++
		case scoredIx < len(scored) && (req.Selected || (0 < count && count < s.maxPhotosPerRequest)):
			item = scored[scoredIx]
			scoredIx++
		default:
			return images
		}

		if img, ok := s.encode(ctx, item); ok {
			images = append(images, img)
			count++
		}
	}
	return images
}

func (s *Scorer) encode(ctx context.Context, item domain.ImageItem) (domain.EncodedImage, bool) {
	payload, err := s.fetcher.FetchBase64(ctx, item.Path)
	if err != nil {
		s.logger.Warn("image skipped", "title", item.Path, "error", err)
		return domain.EncodedImage{}, false
	}
	return domain.EncodedImage{Title: item.Path, Base64: payload, MediaID: item.MediaID}, true
}

// callBatch sends one batch to the model. A prohibited-content refusal
// triggers recovery: each image is rechecked alone, refused ones go to the
// block list with their refusal reason, and the reduced batch is retried
// once. The per-image refusal records come back appended to the results so
// their safe scores persist.
func (s *Scorer) callBatch(ctx context.Context, placePrompt string, batch []domain.EncodedImage) ([]map[string]any, domain.TokenUsage, error) {
	var usage domain.TokenUsage

	answer, callUsage, err := s.chat.AskWithImages(ctx,
		batchPrompt(placePrompt, batch), batch, scoreImagePrompt)
	usage.Add(callUsage)

	var prohibited []map[string]any
	if err != nil && errors.Is(err, domain.ErrProhibited) {
		allowed, refused := s.filterProhibited(ctx, batch)
		prohibited = refused
		answer, callUsage, err = s.chat.AskWithImages(ctx,
			batchPrompt(placePrompt, allowed), allowed, scoreImagePrompt)
		usage.Add(callUsage)
	}
	if err != nil {
		return nil, usage, err
	}

	results := parseScoreJSON(answer)
	if results == nil {
		s.logger.Warn("unparseable model response", "response", truncate(answer, 400))
		results = make([]map[string]any, len(batch))
	} else {
		results = append(results, prohibited...)
	}

	if len(results) != len(batch) {
		s.logger.Warn("model returned wrong result count",
			"expected", len(batch), "got", len(results))
		if len(results) > len(batch) {
			results = results[:len(batch)]
		} else {
			for len(results) < len(batch) {
				results = append(results, nil)
			}
		}
	}
	return results, usage, nil
}

// filterProhibited rechecks each image of a refused batch individually. The
// refused titles are blocked permanently so no later run resubmits them.
func (s *Scorer) filterProhibited(ctx context.Context, batch []domain.EncodedImage) ([]domain.EncodedImage, []map[string]any) {
	var (
		allowed []domain.EncodedImage
		refused []map[string]any
		titles  []string
	)
	for _, img := range batch {
		_, _, err := s.chat.AskWithImages(ctx, s.prompts.CheckPrompt,
			[]domain.EncodedImage{img}, checkImagePrompt)
		if err != nil && errors.Is(err, domain.ErrProhibited) {
			refused = append(refused, map[string]any{
				"photo_id":    img.MediaID,
				"safe_reason": err.Error(),
			})
			titles = append(titles, img.Title)
			continue
		}
		allowed = append(allowed, img)
	}

	if len(titles) > 0 {
		if err := s.blocks.Block(ctx, titles, domain.BlockProhibited); err != nil {
			s.logger.Error("could not block prohibited images", "error", err)
		}
	}
	return allowed, refused
}

// buildRecords resolves the model's answers back to the batch images by
// photo id, computes final scores and fills the run's scored set.
func (s *Scorer) buildRecords(req PlaceRequest, run *domain.PlaceRun, batch []domain.EncodedImage, results []map[string]any) []domain.ScoreRecord {
	var records []domain.ScoreRecord
	for i, result := range results {
		if result == nil {
			continue
		}
		photoID, ok := asPhotoID(result["photo_id"])
		if !ok {
			continue
		}
		found := false
		for _, img := range batch {
			if img.MediaID == photoID {
				found = true
				break
			}
		}
		if !found {
			continue
		}

		rec := recordFromResult(result)
		rec.PhotoID = photoID
		rec.RunID = run.RunID
		rec.ProcID = req.Place.ID
		if i < len(batch) {
			rec.ImageTitle = batch[i].Title
		}
		rec.Timestamp = time.Now()
		rec.Version = s.version

		score, err := scoring.Derive(rec, s.weights, -1)
		if err != nil {
			s.logger.Warn("score derivation failed", "photo", photoID, "error", err)
			continue
		}
		rec.Score = score

		run.ScoredPhotoIDs = append(run.ScoredPhotoIDs, photoID)
		records = append(records, rec)
	}
	return records
}

func (s *Scorer) insertBatch(ctx context.Context, run *domain.PlaceRun, records []domain.ScoreRecord) error {
	if err := s.scores.InsertPlaceBatch(ctx, *run, records); err != nil {
		return fmt.Errorf("persist place batch: %w", err)
	}
	return nil
}

// placePrompt substitutes the per-place placeholders; the per-batch ones
// (%PHOTO_COUNT%, %PHOTO_IDS%) stay for batchPrompt.
func (s *Scorer) placePrompt(place domain.Place) string {
	r := strings.NewReplacer(
		"%PLACE_TITLE%", place.WikiTitle,
		"%PLACE_ID%", strconv.FormatInt(place.ID, 10),
		"%POI%", strings.TrimSpace(place.POIType+" "+place.POISubtype),
		"%CATEGORIES%", place.Categories,
		"%LAT%", strconv.FormatFloat(place.Lat, 'f', -1, 64),
		"%LON%", strconv.FormatFloat(place.Lon, 'f', -1, 64),
	)
	return r.Replace(s.prompts.TagPrompt)
}

func batchPrompt(placePrompt string, batch []domain.EncodedImage) string {
	ids := make([]string, len(batch))
	for i, img := range batch {
		ids[i] = strconv.FormatInt(img.MediaID, 10)
	}
	r := strings.NewReplacer(
		"%PHOTO_COUNT%", strconv.Itoa(len(batch)),
		"%PHOTO_IDS%", "["+strings.Join(ids, ", ")+"]",
	)
	return r.Replace(placePrompt)
}

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

// parseScoreJSON extracts the first JSON array from the model's answer.
// Models wrap answers in prose and code fences; the array is all we need.
func parseScoreJSON(answer string) []map[string]any {
	raw := jsonArrayPattern.FindString(answer)
	if raw == "" {
		return nil
	}
	var items []map[string]any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		var single map[string]any
		if err := json.Unmarshal([]byte(raw), &single); err != nil {
			return nil
		}
		items = []map[string]any{single}
	}
	return items
}

// recordFromResult converts one result object into a score record, coercing
// each sub-score and defaulting anything malformed to the undefined
// sentinel.
func recordFromResult(result map[string]any) domain.ScoreRecord {
	rec := domain.NewScoreRecord()
	assign := func(key string, target *float64) {
		v, ok := result[key]
		if !ok {
			return
		}
		// A non-numeric value keeps the undefined sentinel.
		score, _ := scoring.CoerceScore(v)
		*target = score
	}
	assign("value_score", &rec.ValueScore)
	assign("technical_score", &rec.TechnicalScore)
	assign("overview_score", &rec.OverviewScore)
	assign("safe_score", &rec.SafeScore)
	assign("reality_score", &rec.RealityScore)

	rec.ValueReason = asString(result["value_reason"])
	rec.TechnicalReason = asString(result["technical_reason"])
	rec.OverviewReason = asString(result["overview_reason"])
	rec.SafeReason = asString(result["safe_reason"])
	rec.RealityReason = asString(result["reality_reason"])

	if raw, ok := result["tags"].([]any); ok {
		for _, t := range raw {
			rec.Tags = append(rec.Tags, asString(t))
		}
	}
	return rec
}

func asPhotoID(v any) (int64, bool) {
	switch value := v.(type) {
	case float64:
		return int64(value), true
	case int64:
		return value, true
	case json.Number:
		id, err := value.Int64()
		return id, err == nil
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func mediaIDs(batch []domain.EncodedImage) []int64 {
	ids := make([]int64, len(batch))
	for i, img := range batch {
		ids[i] = img.MediaID
	}
	return ids
}

func withoutKeys(items []domain.ImageItem, skip map[domain.ImageKey]bool) []domain.ImageItem {
	var out []domain.ImageItem
	for _, item := range items {
		if !skip[item.Key()] {
			out = append(out, item)
		}
	}
	return out
}

// batchCount mirrors the batch sizing the prompt budget allows: one batch up
// to the per-request maximum, then enough batches to keep them balanced.
func batchCount(total, perRequest int) int {
	if perRequest <= 0 || total <= perRequest {
		return 0
	}
	return total/perRequest + 1
}

// splitArray splits arr into n slices whose lengths differ by at most one.
// n <= 0 keeps everything in one batch.
func splitArray[T any](arr []T, n int) [][]T {
	if n <= 0 {
		return [][]T{arr}
	}

	length := len(arr)
	base := length / n
	remainder := length % n
	start := 0

	result := make([][]T, 0, n)
	for i := 0; i < n; i++ {
		end := start + base
		if i < remainder {
			end++
		}
		if end > length {
			end = length
		}
		result = append(result, arr[start:end])
		start = end
	}
	return result
}
