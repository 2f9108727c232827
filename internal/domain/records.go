package domain

import "time"

// Block reasons recognized by the blocked-images list.
const (
	BlockBanned     = "banned"
	BlockInvalid    = "invalid"
	BlockProhibited = "prohibited"
)

// ScoreUndefined marks a sub-score the model did not evaluate (or returned
// malformed). It weighs as zero in the aggregate.
const ScoreUndefined = -1.0

// Neighbor is one edge of the similarity graph: another image of the same
// place together with the cosine similarity in [0,1].
type Neighbor struct {
	Path  string
	Score float64
}

// Adjacency maps an image path to its near-duplicate neighbors. The map is
// symmetric by construction: if A lists B, B lists A with the same score.
type Adjacency map[string][]Neighbor

// SimilarityRun is the append-only outcome of one duplicate-detection pass
// over one place.
type SimilarityRun struct {
	RunID     int64
	PlaceID   int64
	Sizes     map[string]int64
	Neighbors Adjacency
	Started   time.Time
	Duration  float64
	Error     string
	Version   int
}

// ScoreRecord holds the per-image result of one LLM scoring call.
type ScoreRecord struct {
	PhotoID         int64
	ValueScore      float64
	TechnicalScore  float64
	OverviewScore   float64
	SafeScore       float64
	RealityScore    float64
	ValueReason     string
	TechnicalReason string
	OverviewReason  string
	SafeReason      string
	RealityReason   string
	Tags            []string
	RunID           int64
	ProcID          int64
	Timestamp       time.Time
	ImageTitle      string
	Score           int
	Version         int
}

// NewScoreRecord returns a record with every sub-score set to the undefined
// sentinel, so a field the model omitted stays out of the weighted blend.
func NewScoreRecord() ScoreRecord {
	return ScoreRecord{
		ValueScore:     ScoreUndefined,
		TechnicalScore: ScoreUndefined,
		OverviewScore:  ScoreUndefined,
		SafeScore:      ScoreUndefined,
		RealityScore:   ScoreUndefined,
	}
}

// PlaceRun is one row per place per pipeline invocation: timing, token
// accounting, the photo ids sent to the model and the subset that came back
// scored. Error is empty on success.
type PlaceRun struct {
	RunID            int64
	WikidataID       int64
	BatchID          int
	WikiTitle        string
	Started          time.Time
	Duration         float64
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	PromptPhotoIDs   []int64
	ScoredPhotoIDs   []int64
	Error            string
	Version          int
}

// TokenUsage accumulates per-call LLM accounting onto a PlaceRun.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	Duration         time.Duration
}

// Add merges another call's usage into the receiver.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.CachedTokens += other.CachedTokens
	u.Duration += other.Duration
}
