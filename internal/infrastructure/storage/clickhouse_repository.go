package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"TopPhotos/internal/domain"
	"TopPhotos/internal/ports"
)

const idBatchSize = 1000

// RepositoryConfig carries the place-selection knobs queries depend on.
type RepositoryConfig struct {
	Version          int
	MinElo           int
	MinEloSubtype    int
	POISubtypes      []string
	ProcessPlaces    int
	MaxPlacesPerQuad int
}

// Repository implements every store port over one ClickHouse connection pool.
type Repository struct {
	db     *sql.DB
	cfg    RepositoryConfig
	logger *slog.Logger
}

var (
	_ ports.PlaceStore      = (*Repository)(nil)
	_ ports.SimilarityStore = (*Repository)(nil)
	_ ports.ScoreStore      = (*Repository)(nil)
	_ ports.BlockList       = (*Repository)(nil)
)

// NewRepository wires a sql.DB implementation.
func NewRepository(db *sql.DB, cfg RepositoryConfig, logger *slog.Logger) *Repository {
	return &Repository{db: db, cfg: cfg, logger: logger}
}

// MaxDupsRunID returns the highest run id in the similarity table, 0 when
// empty.
func (r *Repository) MaxDupsRunID(ctx context.Context) (int64, error) {
	return r.maxRunID(ctx, "top_images_dups")
}

// MaxScoreRunID returns the highest run id in the scoring run table.
func (r *Repository) MaxScoreRunID(ctx context.Context) (int64, error) {
	return r.maxRunID(ctx, "top_images_run")
}

func (r *Repository) maxRunID(ctx context.Context, table string) (int64, error) {
	var id sql.NullInt64
	query, args, err := sq.Select("max(run_id)").From(table).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build max run query: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, classify(fmt.Errorf("max run id of %s: %w", table, err))
	}
	return id.Int64, nil
}

const placeColumns = "id, wikiTitle, lat, lon, poitype, poisubtype, categories, shortlink, elo"

// Places loads the explicitly selected places, best rated first.
func (r *Repository) Places(ctx context.Context, ids []int64) ([]domain.Place, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sq.Select(placeColumns).
		From("elo_rating").
		Where(sq.Eq{"id": ids}).
		OrderBy("elo DESC", "id").
		Limit(uint64(r.cfg.ProcessPlaces)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build places query: %w", err)
	}
	return r.queryPlaces(ctx, query, args...)
}

// PlacesPerQuad loads the rating-filtered places of one shortlink quad.
// Subtype-listed places pass with a lower rating floor.
func (r *Repository) PlacesPerQuad(ctx context.Context, quad string) ([]domain.Place, error) {
	elo := sq.Or{sq.Expr("elo >= ?", r.cfg.MinElo)}
	if len(r.cfg.POISubtypes) > 0 {
		elo = append(elo, sq.And{
			sq.Eq{"poisubtype": r.cfg.POISubtypes},
			sq.Expr("elo >= ?", r.cfg.MinEloSubtype),
		})
	}

	limit := r.cfg.ProcessPlaces
	if r.cfg.MaxPlacesPerQuad < limit {
		limit = r.cfg.MaxPlacesPerQuad
	}

	query, args, err := sq.Select(placeColumns).
		From("elo_rating").
		Where(sq.And{sq.Expr("startsWith(shortlink, ?)", quad), elo}).
		OrderBy("elo DESC", "shortlink", "id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build quad places query: %w", err)
	}
	return r.queryPlaces(ctx, query, args...)
}

func (r *Repository) queryPlaces(ctx context.Context, query string, args ...any) ([]domain.Place, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query places: %w", err))
	}
	defer rows.Close()

	var places []domain.Place
	for rows.Next() {
		var p domain.Place
		if err := rows.Scan(&p.ID, &p.WikiTitle, &p.Lat, &p.Lon, &p.POIType,
			&p.POISubtype, &p.Categories, &p.ShortLink, &p.Elo); err != nil {
			return nil, fmt.Errorf("scan place: %w", err)
		}
		places = append(places, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate places: %w", err))
	}
	return places, nil
}

// UnscoredDupPlaces filters ids down to places that still have a downloaded,
// unblocked image without a similarity row.
func (r *Repository) UnscoredDupPlaces(ctx context.Context, ids []int64) ([]int64, error) {
	const tmpl = `
SELECT DISTINCT id FROM wikiimages
INNER JOIN (SELECT name FROM wiki_images_downloaded
    WHERE name IN (SELECT imageTitle FROM wikiimages WHERE id IN (%[1]s))) AS d ON d.name = wikiimages.imageTitle
LEFT JOIN (SELECT 1 AS is_processed, imageTitle, wikidata_id FROM top_images_dups
    WHERE wikidata_id IN (%[1]s)) AS i ON i.imageTitle = wikiimages.imageTitle AND i.wikidata_id = wikiimages.id
WHERE id IN (%[1]s) AND is_processed = 0
    AND wikiimages.imageTitle NOT IN (SELECT imageTitle FROM blocked_images)`
	return r.unprocessedPlaces(ctx, tmpl, ids)
}

// UnscoredScorePlaces is the scoring variant: processed means a score row
// exists for the image at this place.
func (r *Repository) UnscoredScorePlaces(ctx context.Context, ids []int64) ([]int64, error) {
	const tmpl = `
SELECT DISTINCT id FROM wikiimages
INNER JOIN (SELECT name FROM wiki_images_downloaded
    WHERE name IN (SELECT imageTitle FROM wikiimages WHERE id IN (%[1]s))) AS d ON d.name = wikiimages.imageTitle
LEFT JOIN (SELECT 1 AS is_processed, imageTitle, proc_id AS wikidata_id FROM top_images_score
    WHERE wikidata_id IN (%[1]s)) AS i ON i.imageTitle = wikiimages.imageTitle AND i.wikidata_id = wikiimages.id
WHERE id IN (%[1]s) AND is_processed = 0
    AND wikiimages.imageTitle NOT IN (SELECT imageTitle FROM blocked_images)`
	return r.unprocessedPlaces(ctx, tmpl, ids)
}

// unprocessedPlaces runs the filter in id batches; huge quads would otherwise
// blow past the query size limit. Ids come from our own place queries, so
// inlining them as literals is safe and keeps the correlated subqueries
// simple.
func (r *Repository) unprocessedPlaces(ctx context.Context, tmpl string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	seen := map[int64]bool{}
	var out []int64
	for start := 0; start < len(ids); start += idBatchSize {
		end := start + idBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		query := fmt.Sprintf(tmpl, int64List(ids[start:end]))
		rows, err := r.db.QueryContext(ctx, query)
		if err != nil {
			return nil, classify(fmt.Errorf("query unprocessed places: %w", err))
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan place id: %w", err)
			}
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, classify(fmt.Errorf("iterate unprocessed places: %w", err))
		}
		rows.Close()
	}
	return out, nil
}

// DupImageItems returns the place's candidate images for duplicate detection:
// downloaded, unblocked, P18 first then by views, de-duplicated by identity.
func (r *Repository) DupImageItems(ctx context.Context, placeID int64) ([]domain.ImageItem, error) {
	const query = `
SELECT -if(type = 'P18', 1000000, views) AS rank, id, w.imageTitle AS imageTitle, w.mediaId AS mediaId, d.filesize AS filesize, is_processed
FROM wikiimages AS w
    INNER JOIN (SELECT name, filesize FROM wiki_images_downloaded
        WHERE name IN (SELECT imageTitle FROM wikiimages WHERE id = ?)) AS d ON d.name = w.imageTitle
    LEFT JOIN (SELECT 1 AS is_processed, imageTitle, wikidata_id FROM top_images_dups
        WHERE imageTitle IN (SELECT imageTitle FROM wikiimages WHERE id = ?) AND version = ?) AS i
        ON i.imageTitle = w.imageTitle AND i.wikidata_id = w.id
WHERE id = ? AND w.imageTitle NOT IN (SELECT imageTitle FROM blocked_images)`
	return r.queryImageItems(ctx, query, -1, placeID, placeID, r.cfg.Version, placeID)
}

// ScoreImageItems is the scoring variant; processed comes from score rows at
// the current version.
func (r *Repository) ScoreImageItems(ctx context.Context, placeID int64, limit int) ([]domain.ImageItem, error) {
	const query = `
SELECT -if(type = 'P18', 1000000, views) AS rank, id, w.imageTitle AS imageTitle, w.mediaId AS mediaId, d.filesize AS filesize, is_processed
FROM wikiimages AS w
    INNER JOIN (SELECT name, filesize FROM wiki_images_downloaded
        WHERE name IN (SELECT imageTitle FROM wikiimages WHERE id = ?)) AS d ON d.name = w.imageTitle
    LEFT JOIN (SELECT 1 AS is_processed, imageTitle, proc_id FROM top_images_score
        WHERE imageTitle IN (SELECT imageTitle FROM wikiimages WHERE id = ?) AND version = ?) AS i
        ON i.imageTitle = w.imageTitle AND i.proc_id = w.id
WHERE id = ? AND w.imageTitle NOT IN (SELECT imageTitle FROM blocked_images)`
	return r.queryImageItems(ctx, query, limit, placeID, placeID, r.cfg.Version, placeID)
}

func (r *Repository) queryImageItems(ctx context.Context, query string, limit int, args ...any) ([]domain.ImageItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query image items: %w", err))
	}
	defer rows.Close()

	type ranked struct {
		rank int64
		item domain.ImageItem
	}
	var all []ranked
	for rows.Next() {
		var rk ranked
		var processed uint8
		if err := rows.Scan(&rk.rank, &rk.item.PlaceID, &rk.item.Path,
			&rk.item.MediaID, &rk.item.Size, &processed); err != nil {
			return nil, fmt.Errorf("scan image item: %w", err)
		}
		rk.item.Processed = processed != 0
		all = append(all, rk)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate image items: %w", err))
	}

	sort.SliceStable(all, func(a, b int) bool {
		if all[a].rank != all[b].rank {
			return all[a].rank < all[b].rank
		}
		return all[a].item.PlaceID < all[b].item.PlaceID
	})

	seen := map[domain.ImageKey]bool{}
	var items []domain.ImageItem
	for _, rk := range all {
		if seen[rk.item.Key()] {
			continue
		}
		seen[rk.item.Key()] = true
		items = append(items, rk.item)
	}
	if limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Description returns the wikidata description of a place, empty when absent.
func (r *Repository) Description(ctx context.Context, placeID int64) (string, error) {
	var desc string
	err := r.db.QueryRowContext(ctx,
		"SELECT wikiDesc FROM wikidata WHERE id = ? LIMIT 1", placeID).Scan(&desc)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", classify(fmt.Errorf("query place description: %w", err))
	}
	return desc, nil
}

// InsertSimilarity appends one similarity run. A run with no neighbors or an
// error persists as a single marker row so re-runs can skip the place.
func (r *Repository) InsertSimilarity(ctx context.Context, run domain.SimilarityRun) error {
	const insert = `INSERT INTO top_images_dups
(run_id, wikidata_id, imageTitle, filesize, dup_files, dup_sizes, similarity, started, duration, error, version)`

	type row struct {
		title     string
		size      int64
		dupFiles  []string
		dupSizes  []int64
		dupScores []float64
	}
	var data []row
	if len(run.Neighbors) == 0 || run.Error != "" {
		data = append(data, row{dupFiles: []string{}, dupSizes: []int64{}, dupScores: []float64{}})
	} else {
		titles := make([]string, 0, len(run.Neighbors))
		for title := range run.Neighbors {
			titles = append(titles, title)
		}
		sort.Strings(titles)
		for _, title := range titles {
			rw := row{title: title, size: run.Sizes[title],
				dupFiles: []string{}, dupSizes: []int64{}, dupScores: []float64{}}
			for _, n := range run.Neighbors[title] {
				rw.dupFiles = append(rw.dupFiles, n.Path)
				rw.dupSizes = append(rw.dupSizes, run.Sizes[n.Path])
				rw.dupScores = append(rw.dupScores, n.Score)
			}
			data = append(data, rw)
		}
	}

	return r.batch(ctx, insert, func(stmt *sql.Stmt) error {
		for _, rw := range data {
			if _, err := stmt.ExecContext(ctx, run.RunID, run.PlaceID, rw.title, rw.size,
				rw.dupFiles, rw.dupSizes, rw.dupScores,
				run.Started, run.Duration, run.Error, run.Version); err != nil {
				return fmt.Errorf("insert similarity row: %w", err)
			}
		}
		return nil
	})
}

// InsertPlaceBatch appends one batch of score rows plus its run row. Both
// inserts share a transaction; ClickHouse treats it as one buffered batch per
// table.
func (r *Repository) InsertPlaceBatch(ctx context.Context, run domain.PlaceRun, photos []domain.ScoreRecord) error {
	const insertScores = `INSERT INTO top_images_score
(photo_id, value_score, technical_score, overview_score, safe_score, reality_score,
 value_reason, technical_reason, overview_reason, safe_reason, reality_reason,
 tags, run_id, proc_id, timestamp, imageTitle, score, version)`
	const insertRun = `INSERT INTO top_images_run
(run_id, wikidata_id, batch_id, wikititle, started, duration,
 prompt_tokens, completion_tokens, cached_tokens, prompt_photo_ids, scored_photo_ids, error, version)`

	if len(photos) > 0 {
		err := r.batch(ctx, insertScores, func(stmt *sql.Stmt) error {
			for _, p := range photos {
				tags := p.Tags
				if tags == nil {
					tags = []string{}
				}
				if _, err := stmt.ExecContext(ctx, p.PhotoID,
					p.ValueScore, p.TechnicalScore, p.OverviewScore, p.SafeScore, p.RealityScore,
					p.ValueReason, p.TechnicalReason, p.OverviewReason, p.SafeReason, p.RealityReason,
					tags, p.RunID, p.ProcID, p.Timestamp, p.ImageTitle, p.Score, p.Version); err != nil {
					return fmt.Errorf("insert score row: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	prompt := run.PromptPhotoIDs
	if prompt == nil {
		prompt = []int64{}
	}
	scored := run.ScoredPhotoIDs
	if scored == nil {
		scored = []int64{}
	}
	return r.batch(ctx, insertRun, func(stmt *sql.Stmt) error {
		if _, err := stmt.ExecContext(ctx, run.RunID, run.WikidataID, run.BatchID,
			run.WikiTitle, run.Started, run.Duration,
			run.PromptTokens, run.CompletionTokens, run.CachedTokens,
			prompt, scored, run.Error, run.Version); err != nil {
			return fmt.Errorf("insert run row: %w", err)
		}
		return nil
	})
}

// Block inserts titles into the block list, skipping ones already present.
func (r *Repository) Block(ctx context.Context, titles []string, reason string) error {
	if len(titles) == 0 {
		return nil
	}

	query, args, err := sq.Select("imageTitle").
		From("blocked_images").
		Where(sq.Eq{"imageTitle": titles}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build blocked query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return classify(fmt.Errorf("query blocked titles: %w", err))
	}
	already := map[string]bool{}
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			rows.Close()
			return fmt.Errorf("scan blocked title: %w", err)
		}
		already[title] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return classify(fmt.Errorf("iterate blocked titles: %w", err))
	}
	rows.Close()

	var fresh []string
	for _, title := range titles {
		if !already[title] {
			fresh = append(fresh, title)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	for _, title := range fresh {
		r.logger.Info("blocking image", "title", title, "reason", reason)
	}
	return r.batch(ctx, "INSERT INTO blocked_images (imageTitle, blockReason)", func(stmt *sql.Stmt) error {
		for _, title := range fresh {
			if _, err := stmt.ExecContext(ctx, title, reason); err != nil {
				return fmt.Errorf("insert blocked title: %w", err)
			}
		}
		return nil
	})
}

// Blocked lists the titles blocked for one reason, oldest first.
func (r *Repository) Blocked(ctx context.Context, reason string) ([]string, error) {
	builder := sq.Select("imageTitle").From("blocked_images").OrderBy("blockedAt")
	if reason != "" {
		builder = builder.Where(sq.Eq{"blockReason": reason})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build blocked list query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query block list: %w", err))
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, fmt.Errorf("scan block list: %w", err)
		}
		titles = append(titles, title)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate block list: %w", err))
	}
	return titles, nil
}

// batch runs fill against one prepared insert inside a transaction, the
// clickhouse-go buffered batch protocol.
func (r *Repository) batch(ctx context.Context, insert string, fill func(*sql.Stmt) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin batch: %w", err))
	}

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		_ = tx.Rollback()
		return classify(fmt.Errorf("prepare batch: %w", err))
	}

	if err := fill(stmt); err != nil {
		_ = stmt.Close()
		_ = tx.Rollback()
		return classify(err)
	}

	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return classify(fmt.Errorf("close batch statement: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit batch: %w", err))
	}
	return nil
}

func int64List(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
