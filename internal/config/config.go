package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const configPathEnv = "TOP_PHOTOS_CONFIG"

// Config holds every setting the pipeline jobs recognize. Values come from
// defaults, then an optional YAML file, then environment overrides.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	LLM        LLMConfig        `yaml:"llm"`
	Images     ImagesConfig     `yaml:"images"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Scoring    ScoringConfig    `yaml:"scoring"`
}

// LoggingConfig controls slog verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ClickHouseConfig describes the analytical store connection.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// MaxExecutionTime is forwarded as a ClickHouse setting, seconds.
	MaxExecutionTime int `yaml:"maxExecutionTime"`
}

// LLMConfig defines how to contact the OpenAI-compatible scoring model.
type LLMConfig struct {
	Model       string  `yaml:"model"`
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"apiKey"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"topP"`
	MaxTokens   int     `yaml:"maxTokens"`
	// TimeoutSec bounds one completion call end to end.
	TimeoutSec int `yaml:"timeoutSec"`
}

// ImagesConfig describes the wikimedia mirror the fetcher reads from.
type ImagesConfig struct {
	MirrorURL string `yaml:"mirrorUrl"`
	// CommonsURL is the fallback used to resolve originals the mirror lacks.
	CommonsURL      string `yaml:"commonsUrl"`
	MaxDimension    int    `yaml:"maxDimension"`
	ValidExtensions string `yaml:"validExtensions"`
	TimeoutSec      int    `yaml:"timeoutSec"`
}

// EmbeddingConfig locates the ONNX image encoder.
type EmbeddingConfig struct {
	ModelPath   string `yaml:"modelPath"`
	LibraryPath string `yaml:"libraryPath"`
	ImageSize   int    `yaml:"imageSize"`
	Dimension   int    `yaml:"dimension"`
}

// PipelineConfig groups driver-level knobs shared by both jobs.
type PipelineConfig struct {
	Parallel         int    `yaml:"parallel"`
	SelectedPlaceIDs string `yaml:"selectedPlaceIds"`
	SelectedMediaIDs string `yaml:"selectedMediaIds"`
	StatusTimeoutSec int    `yaml:"statusTimeoutSec"`
	ProcessPlaces    int    `yaml:"processPlaces"`
	Quad             string `yaml:"quad"`
	QuadAlphabet     string `yaml:"quadAlphabet"`
	MaxPlacesPerQuad int    `yaml:"maxPlacesPerQuad"`
	MinElo           int    `yaml:"minElo"`
	MinEloSubtype    int    `yaml:"minEloSubtype"`
	POISubtype       string `yaml:"poiSubtype"`
	PhotosPerPlace   int    `yaml:"photosPerPlace"`
	// Version tags every persisted row: 0 production, 1 test.
	Version int `yaml:"version"`
}

// ScoringConfig holds the score-aggregation and batching knobs.
type ScoringConfig struct {
	// Weights blend value, technical, overview and reality sub-scores.
	Weights             string `yaml:"weights"`
	MaxPhotosPerRequest int    `yaml:"maxPhotosPerRequest"`
	PromptsPath         string `yaml:"promptsPath"`
	// RetryDelaySec is applied before a transient failure is handed back to
	// the driver for resubmission.
	RetryDelaySec int `yaml:"retryDelaySec"`
}

// Load reads YAML configuration (if present) and applies environment
// overrides. Missing required settings are the caller's problem: jobs
// validate what they need and abort at startup.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	envStr("LOG_LEVEL", &c.Logging.Level)

	envStr("CLICKHOUSE_HOST", &c.ClickHouse.Host)
	envInt("CLICKHOUSE_PORT", &c.ClickHouse.Port)
	envStr("CLICKHOUSE_PWD", &c.ClickHouse.Password)
	envInt("DB_TIMEOUT", &c.ClickHouse.MaxExecutionTime)

	envStr("MODEL", &c.LLM.Model)
	envStr("API_URL", &c.LLM.Endpoint)
	envStr("API_KEY", &c.LLM.APIKey)
	envFloat("MODEL_TEMPERATURE", &c.LLM.Temperature)
	envFloat("MODEL_TOP_P", &c.LLM.TopP)
	envInt("MAX_TOKENS", &c.LLM.MaxTokens)
	envInt("LLM_TIMEOUT", &c.LLM.TimeoutSec)

	envStr("WIKI_MEDIA_URL", &c.Images.MirrorURL)
	envInt("MAX_IMG_DIMENSION", &c.Images.MaxDimension)
	envStr("VALID_EXTENSIONS", &c.Images.ValidExtensions)

	envStr("ONNX_MODEL_PATH", &c.Embedding.ModelPath)
	envStr("ONNX_LIBRARY_PATH", &c.Embedding.LibraryPath)

	envInt("PARALLEL", &c.Pipeline.Parallel)
	envStr("SELECTED_PLACE_IDS", &c.Pipeline.SelectedPlaceIDs)
	envStr("SELECTED_MEDIA_IDS", &c.Pipeline.SelectedMediaIDs)
	envInt("STATUS_TIME_OUT", &c.Pipeline.StatusTimeoutSec)
	envInt("PROCESS_PLACES", &c.Pipeline.ProcessPlaces)
	envStr("QUAD", &c.Pipeline.Quad)
	envStr("QUAD_ALPHABET", &c.Pipeline.QuadAlphabet)
	envInt("MAX_PLACES_PER_QUAD", &c.Pipeline.MaxPlacesPerQuad)
	envInt("MIN_ELO", &c.Pipeline.MinElo)
	envInt("MIN_ELO_SUBTYPE", &c.Pipeline.MinEloSubtype)
	envStr("POI_SUBTYPE", &c.Pipeline.POISubtype)
	envInt("PHOTOS_PER_PLACE", &c.Pipeline.PhotosPerPlace)
	envInt("SAVE_SCORE_ENV", &c.Pipeline.Version)

	envStr("SCORING_WEIGHTS", &c.Scoring.Weights)
	envInt("MAX_PHOTOS_PER_REQUEST", &c.Scoring.MaxPhotosPerRequest)
	envStr("PROMPTS_PATH", &c.Scoring.PromptsPath)
}

// SelectedPlaces parses SELECTED_PLACE_IDS into ids; empty entries are
// skipped.
func (p PipelineConfig) SelectedPlaces() []int64 {
	return splitInts(p.SelectedPlaceIDs)
}

// SelectedMedia parses SELECTED_MEDIA_IDS into media ids.
func (p PipelineConfig) SelectedMedia() []int64 {
	return splitInts(p.SelectedMediaIDs)
}

// POISubtypes splits the comma-separated subtype filter.
func (p PipelineConfig) POISubtypes() []string {
	return splitStrings(p.POISubtype)
}

// WeightList parses the scoring weights; a malformed list aborts the process,
// as a misconfigured deployment should.
func (s ScoringConfig) WeightList() []float64 {
	parts := splitStrings(s.Weights)
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			log.Fatalf("config: invalid scoring weight %q: %v", part, err)
		}
		out = append(out, v)
	}
	return out
}

// Extensions returns the lowercase set of allowed image extensions.
func (i ImagesConfig) Extensions() map[string]bool {
	out := map[string]bool{}
	for _, ext := range strings.Split(i.ValidExtensions, "|") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" {
			out[ext] = true
		}
	}
	return out
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		ClickHouse: ClickHouseConfig{
			Host:             "localhost",
			Port:             9000,
			Database:         "wiki",
			User:             "wiki",
			MaxExecutionTime: 900,
		},
		LLM: LLMConfig{
			Endpoint:    "http://localhost:11434/v1",
			Temperature: 0.1,
			TopP:        1.0,
			MaxTokens:   8 * 1024,
			TimeoutSec:  120,
		},
		Images: ImagesConfig{
			MirrorURL:       "https://data.osmand.net/wikimedia/images-1280/",
			CommonsURL:      "https://commons.wikimedia.org/wiki/",
			MaxDimension:    720,
			ValidExtensions: "png|jpg|jpeg",
			TimeoutSec:      60,
		},
		Embedding: EmbeddingConfig{
			ImageSize: 224,
			Dimension: 768,
		},
		Pipeline: PipelineConfig{
			Parallel:         10,
			StatusTimeoutSec: 60,
			ProcessPlaces:    999999,
			Quad:             "**",
			QuadAlphabet:     "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_~",
			MaxPlacesPerQuad: 999999,
			MinElo:           1750,
			MinEloSubtype:    1000,
			PhotosPerPlace:   40,
		},
		Scoring: ScoringConfig{
			Weights:             "0.20, 0.20, 0.30, 0.30",
			MaxPhotosPerRequest: 15,
			RetryDelaySec:       30,
		},
	}
}

func envStr(name string, target *string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func envInt(name string, target *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: %s=%q is not an integer, keeping %d", name, v, *target)
		return
	}
	*target = parsed
}

func envFloat(name string, target *float64) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("config: %s=%q is not a number, keeping %g", name, v, *target)
		return
	}
	*target = parsed
}

func splitInts(raw string) []int64 {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Printf("config: skipping non-numeric id %q", part)
			continue
		}
		out = append(out, v)
	}
	return out
}

func splitStrings(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
