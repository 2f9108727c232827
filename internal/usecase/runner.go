package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"TopPhotos/internal/domain"
	"TopPhotos/internal/ports"
)

// RunContext carries the mutable state of one pipeline run: the processed
// counter and the stop flag. Done callbacks update it from executor
// goroutines, the driver reads it between submissions.
type RunContext struct {
	mu        sync.Mutex
	stop      bool
	processed int
}

// Record folds one place result into the run state. Stop latches: once any
// place reports a fatal failure no further places are admitted.
func (rc *RunContext) Record(res domain.PlaceResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.processed++
	if res.Stop {
		rc.stop = true
	}
}

// Stopped reports whether the run should stop admitting places.
func (rc *RunContext) Stopped() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stop
}

// Processed returns how many places have finished, successfully or not.
func (rc *RunContext) Processed() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.processed
}

// ExpandQuad expands every '*' in pattern to the full alphabet, producing the
// cartesian product of all positions. A pattern without wildcards maps to
// itself.
func ExpandQuad(pattern, alphabet string) []string {
	if !strings.Contains(pattern, "*") {
		return []string{pattern}
	}

	quads := []string{""}
	for _, ch := range pattern {
		options := string(ch)
		if ch == '*' {
			options = alphabet
		}
		next := make([]string, 0, len(quads)*len(options))
		for _, prefix := range quads {
			for _, o := range options {
				next = append(next, prefix+string(o))
			}
		}
		quads = next
	}
	return quads
}

// RunnerDeps configures the place-selection driver shared by both jobs.
type RunnerDeps struct {
	Places ports.PlaceStore
	// Unscored filters place ids down to the ones still needing work; the
	// dups and scoring jobs plug in their respective store queries.
	Unscored func(context.Context, []int64) ([]int64, error)
	// Submit hands one place to the executor; it blocks while all workers
	// are busy.
	Submit func(context.Context, PlaceRequest) error
	Logger *slog.Logger

	Quad           string
	QuadAlphabet   string
	SelectedPlaces []int64
	SelectedMedia  []int64
	ProcessPlaces  int
}

// Runner walks the configured quads (or the explicit place selection) and
// feeds places to the executor until the selection is exhausted, the place
// budget is spent, or a fatal failure stops the run.
type Runner struct {
	deps RunnerDeps
}

// NewRunner constructs the driver.
func NewRunner(deps RunnerDeps) *Runner {
	return &Runner{deps: deps}
}

// Run executes one pass. Submission errors and selection-query errors end
// the pass; per-place failures are the executor's business.
func (r *Runner) Run(ctx context.Context, runID int64, rc *RunContext) error {
	d := r.deps
	selected := len(d.SelectedPlaces) > 0

	quads := []string{""}
	if d.Quad != "" && !selected {
		quads = ExpandQuad(d.Quad, d.QuadAlphabet)
	}

	started := time.Now()
	for _, quad := range quads {
		if rc.Stopped() || rc.Processed() >= d.ProcessPlaces {
			break
		}

		var (
			places []domain.Place
			err    error
		)
		if selected {
			places, err = d.Places.Places(ctx, d.SelectedPlaces)
		} else {
			places, err = d.Places.PlacesPerQuad(ctx, quad)
		}
		if err != nil {
			return fmt.Errorf("load places for quad %q: %w", quad, err)
		}

		pending := map[int64]bool{}
		for _, p := range places {
			pending[p.ID] = true
		}
		if !selected && len(places) > 0 {
			ids := make([]int64, 0, len(places))
			for _, p := range places {
				ids = append(ids, p.ID)
			}
			unscored, err := d.Unscored(ctx, ids)
			if err != nil {
				return fmt.Errorf("filter unscored places for quad %q: %w", quad, err)
			}
			pending = map[int64]bool{}
			for _, id := range unscored {
				pending[id] = true
			}
		}

		d.Logger.Info("processing quad", "run", runID, "quad", quad,
			"places", len(pending), "candidates", len(places))

		quadStarted := time.Now()
		for _, place := range places {
			if !pending[place.ID] {
				continue
			}
			if rc.Stopped() {
				break
			}
			err := d.Submit(ctx, PlaceRequest{
				RunID:    runID,
				Place:    place,
				Selected: selected,
				MediaIDs: d.SelectedMedia,
			})
			if err != nil {
				return fmt.Errorf("submit place %d: %w", place.ID, err)
			}
		}
		d.Logger.Info("quad submitted", "run", runID, "quad", quad,
			"processed", rc.Processed(),
			"elapsed", time.Since(quadStarted).Round(time.Second))

		if selected {
			break
		}
	}

	d.Logger.Info("run finished submitting", "run", runID,
		"processed", rc.Processed(), "stopped", rc.Stopped(),
		"elapsed", time.Since(started).Round(time.Second))
	return nil
}
