package usecase

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"TopPhotos/internal/domain"
	"TopPhotos/internal/logging"
	"TopPhotos/internal/retry"
)

type fakePlaceStore struct {
	mu         sync.Mutex
	dupItems   []domain.ImageItem
	scoreItems []domain.ImageItem
	places     []domain.Place
	unscored   []int64
	itemsErr   error
	itemCalls  int
}

func (f *fakePlaceStore) MaxDupsRunID(ctx context.Context) (int64, error)  { return 0, nil }
func (f *fakePlaceStore) MaxScoreRunID(ctx context.Context) (int64, error) { return 0, nil }

func (f *fakePlaceStore) Places(ctx context.Context, ids []int64) ([]domain.Place, error) {
	return f.places, nil
}

func (f *fakePlaceStore) PlacesPerQuad(ctx context.Context, quad string) ([]domain.Place, error) {
	return f.places, nil
}

func (f *fakePlaceStore) UnscoredDupPlaces(ctx context.Context, ids []int64) ([]int64, error) {
	return f.unscored, nil
}

func (f *fakePlaceStore) UnscoredScorePlaces(ctx context.Context, ids []int64) ([]int64, error) {
	return f.unscored, nil
}

func (f *fakePlaceStore) DupImageItems(ctx context.Context, placeID int64) ([]domain.ImageItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.itemCalls++
	return f.dupItems, f.itemsErr
}

func (f *fakePlaceStore) ScoreImageItems(ctx context.Context, placeID int64, limit int) ([]domain.ImageItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.itemCalls++
	items := f.scoreItems
	if limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, f.itemsErr
}

func (f *fakePlaceStore) Description(ctx context.Context, placeID int64) (string, error) {
	return "", nil
}

type fakeSimilarityStore struct {
	mu   sync.Mutex
	runs []domain.SimilarityRun
	err  error
}

func (f *fakeSimilarityStore) InsertSimilarity(ctx context.Context, run domain.SimilarityRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return f.err
}

type fakeFetcher struct {
	mu      sync.Mutex
	failing map[string]bool
	fetched []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, title string) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[title] {
		return nil, fmt.Errorf("download %s: connection reset", title)
	}
	f.fetched = append(f.fetched, title)
	return image.NewRGBA(image.Rect(0, 0, 2, 2)), nil
}

func (f *fakeFetcher) FetchBase64(ctx context.Context, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[title] {
		return "", fmt.Errorf("download %s: connection reset", title)
	}
	f.fetched = append(f.fetched, title)
	return "ZmFrZQ==", nil
}

// queueEmbedder returns pre-seeded vectors in call order.
type queueEmbedder struct {
	mu      sync.Mutex
	vectors [][]float32
	next    int
}

func (q *queueEmbedder) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.next >= len(q.vectors) {
		return nil, errors.New("no more vectors")
	}
	vec := make([]float32, len(q.vectors[q.next]))
	copy(vec, q.vectors[q.next])
	q.next++
	return vec, nil
}

func newDupsFinder(store *fakePlaceStore, sims *fakeSimilarityStore, fetcher *fakeFetcher, embedder *queueEmbedder) *DupsFinder {
	return NewDupsFinder(DupsFinderDeps{
		Places:     store,
		Similarity: sims,
		Fetcher:    fetcher,
		Embedder:   embedder,
		Retry:      retry.Policy{Delay: time.Millisecond},
		Logger:     logging.Discard(),
	})
}

func item(path string, mediaID int64, processed bool) domain.ImageItem {
	return domain.ImageItem{PlaceID: 7, Path: path, Size: 1024, MediaID: mediaID, Processed: processed}
}

func TestDupsFinderUpToDatePlaceSkipsDownloads(t *testing.T) {
	t.Parallel()

	store := &fakePlaceStore{dupItems: []domain.ImageItem{
		item("a.jpg", 1, true),
		item("b.jpg", 2, true),
	}}
	sims := &fakeSimilarityStore{}
	fetcher := &fakeFetcher{}
	finder := newDupsFinder(store, sims, fetcher, &queueEmbedder{})

	res := finder.ProcessPlace(context.Background(), PlaceRequest{RunID: 1, Place: domain.Place{ID: 7}})
	if res.Stop || res.Err != nil {
		t.Fatalf("result = %+v, want clean skip", res)
	}
	if len(fetcher.fetched) != 0 {
		t.Fatalf("fetched %v, want none for an up-to-date place", fetcher.fetched)
	}
	if len(sims.runs) != 0 {
		t.Fatalf("inserted %d runs, want none", len(sims.runs))
	}
}

func TestDupsFinderToleratesDownloadFailures(t *testing.T) {
	t.Parallel()

	store := &fakePlaceStore{dupItems: []domain.ImageItem{
		item("a.jpg", 1, false),
		item("b.jpg", 2, false),
		item("c.jpg", 3, false),
		item("broken1.jpg", 4, false),
		item("broken2.jpg", 5, false),
	}}
	sims := &fakeSimilarityStore{}
	fetcher := &fakeFetcher{failing: map[string]bool{"broken1.jpg": true, "broken2.jpg": true}}
	embedder := &queueEmbedder{vectors: [][]float32{
		{1, 0},
		{1, 0},
		{0, 1},
	}}
	finder := newDupsFinder(store, sims, fetcher, embedder)

	res := finder.ProcessPlace(context.Background(), PlaceRequest{RunID: 1, Place: domain.Place{ID: 7}})
	if res.Stop || res.Err != nil {
		t.Fatalf("result = %+v, want success", res)
	}
	if len(sims.runs) != 1 {
		t.Fatalf("inserted %d runs, want 1", len(sims.runs))
	}

	run := sims.runs[0]
	if run.Error != "" {
		t.Fatalf("run error = %q, want empty", run.Error)
	}
	if len(run.Neighbors) == 0 {
		t.Fatal("adjacency is empty despite three loadable images")
	}
	// a and b are identical vectors: both must list each other with
	// similarity 1.
	foundB := false
	for _, n := range run.Neighbors["a.jpg"] {
		if n.Path == "b.jpg" && n.Score > 0.99 {
			foundB = true
		}
	}
	if !foundB {
		t.Fatalf("a.jpg neighbors = %+v, want b.jpg with similarity 1", run.Neighbors["a.jpg"])
	}
	if got := run.Neighbors["b.jpg"]; len(got) == 0 {
		t.Fatalf("b.jpg has no neighbors, adjacency not symmetric: %+v", run.Neighbors)
	}
	if _, ok := run.Sizes["broken1.jpg"]; ok {
		t.Fatal("failed download leaked into the size map")
	}
}

func TestDupsFinderAdjacencyIsSymmetric(t *testing.T) {
	t.Parallel()

	store := &fakePlaceStore{dupItems: []domain.ImageItem{
		item("a.jpg", 1, false),
		item("b.jpg", 2, true),
	}}
	sims := &fakeSimilarityStore{}
	embedder := &queueEmbedder{vectors: [][]float32{
		{1, 0},
		{0.9, 0.1},
	}}
	finder := newDupsFinder(store, sims, &fakeFetcher{}, embedder)

	// Only a.jpg is unprocessed, so only a.jpg is queried; b.jpg must still
	// receive the mirrored edge.
	res := finder.ProcessPlace(context.Background(), PlaceRequest{RunID: 2, Place: domain.Place{ID: 7}})
	if res.Err != nil {
		t.Fatalf("result = %+v", res)
	}

	run := sims.runs[0]
	aEdges, bEdges := run.Neighbors["a.jpg"], run.Neighbors["b.jpg"]
	if len(aEdges) != 1 || len(bEdges) != 1 {
		t.Fatalf("neighbors = %+v, want one edge each way", run.Neighbors)
	}
	if aEdges[0].Score != bEdges[0].Score {
		t.Fatalf("asymmetric scores: %f vs %f", aEdges[0].Score, bEdges[0].Score)
	}
	if aEdges[0].Score < 0 || aEdges[0].Score > 1 {
		t.Fatalf("similarity %f outside [0,1]", aEdges[0].Score)
	}
}

func TestDupsFinderNoLoadableImagesWritesMarkerRow(t *testing.T) {
	t.Parallel()

	store := &fakePlaceStore{dupItems: []domain.ImageItem{
		item("broken.jpg", 1, false),
	}}
	sims := &fakeSimilarityStore{}
	fetcher := &fakeFetcher{failing: map[string]bool{"broken.jpg": true}}
	finder := newDupsFinder(store, sims, fetcher, &queueEmbedder{})

	res := finder.ProcessPlace(context.Background(), PlaceRequest{RunID: 1, Place: domain.Place{ID: 7}})
	if res.Stop || res.Err != nil {
		t.Fatalf("result = %+v, want non-stop success", res)
	}
	if len(sims.runs) != 1 || sims.runs[0].Error != "No images." {
		t.Fatalf("runs = %+v, want single 'No images.' row", sims.runs)
	}
}

func TestDupsFinderTransientErrorDoesNotStop(t *testing.T) {
	t.Parallel()

	store := &fakePlaceStore{
		itemsErr: domain.WrapKind(domain.KindTransient, errors.New("store down")),
	}
	sims := &fakeSimilarityStore{}
	finder := newDupsFinder(store, sims, &fakeFetcher{}, &queueEmbedder{})

	res := finder.ProcessPlace(context.Background(), PlaceRequest{RunID: 1, Place: domain.Place{ID: 7}})
	if res.Stop {
		t.Fatal("transient error must not stop the run")
	}
	if res.Kind != domain.KindTransient {
		t.Fatalf("kind = %s, want transient", res.Kind)
	}
	if len(sims.runs) != 0 {
		t.Fatalf("transient failure persisted %d rows, want none", len(sims.runs))
	}
}

func TestDupsFinderFatalErrorStopsRun(t *testing.T) {
	t.Parallel()

	store := &fakePlaceStore{
		itemsErr: domain.WrapKind(domain.KindFatal, errors.New("syntax error")),
	}
	finder := newDupsFinder(store, &fakeSimilarityStore{}, &fakeFetcher{}, &queueEmbedder{})

	res := finder.ProcessPlace(context.Background(), PlaceRequest{RunID: 1, Place: domain.Place{ID: 7}})
	if !res.Stop {
		t.Fatal("fatal error must stop the run")
	}
	if res.Kind != domain.KindFatal {
		t.Fatalf("kind = %s, want fatal", res.Kind)
	}
}

func TestDupsFinderUnknownErrorWritesErrorRow(t *testing.T) {
	t.Parallel()

	store := &fakePlaceStore{dupItems: []domain.ImageItem{
		item("a.jpg", 1, false),
	}}
	sims := &fakeSimilarityStore{}
	embedder := &queueEmbedder{} // empty queue: embedding fails
	finder := newDupsFinder(store, sims, &fakeFetcher{}, embedder)

	res := finder.ProcessPlace(context.Background(), PlaceRequest{RunID: 1, Place: domain.Place{ID: 7}})
	if res.Stop {
		t.Fatal("unknown error must not stop the run")
	}
	if res.Err == nil {
		t.Fatal("expected an error result")
	}
	if len(sims.runs) != 1 || sims.runs[0].Error == "" {
		t.Fatalf("runs = %+v, want one error row", sims.runs)
	}
}

func TestDupsFinderSelectedMediaProcessesOnlyThose(t *testing.T) {
	t.Parallel()

	store := &fakePlaceStore{dupItems: []domain.ImageItem{
		item("a.jpg", 1, true),
		item("b.jpg", 2, true),
	}}
	sims := &fakeSimilarityStore{}
	embedder := &queueEmbedder{vectors: [][]float32{
		{1, 0},
		{0, 1},
	}}
	finder := newDupsFinder(store, sims, &fakeFetcher{}, embedder)

	res := finder.ProcessPlace(context.Background(), PlaceRequest{
		RunID: 3, Place: domain.Place{ID: 7}, Selected: true, MediaIDs: []int64{2},
	})
	if res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if len(sims.runs) != 1 {
		t.Fatalf("inserted %d runs, want 1", len(sims.runs))
	}
	// b.jpg was the target; its edge to a.jpg plus the mirror must exist.
	if _, ok := sims.runs[0].Neighbors["b.jpg"]; !ok {
		t.Fatalf("neighbors = %+v, want b.jpg present", sims.runs[0].Neighbors)
	}
}
