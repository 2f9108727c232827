package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Prompts carries the scoring prompt templates. Placeholders:
// %PHOTO_COUNT%, %PHOTO_IDS% are substituted per batch; %PLACE_TITLE%,
// %PLACE_ID%, %POI%, %CATEGORIES%, %LAT%, %LON% once per place.
type Prompts struct {
	TagPrompt   string `yaml:"TAG_PROMPT"`
	CheckPrompt string `yaml:"CHECK_PROMPT"`
}

// LoadPrompts reads the templates from path; an empty path yields the
// built-in defaults. Prompt content itself is deployment data, not code.
func LoadPrompts(path string) (Prompts, error) {
	prompts := defaultPrompts()
	if path == "" {
		return prompts, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, fmt.Errorf("read prompts %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &prompts); err != nil {
		return Prompts{}, fmt.Errorf("parse prompts %s: %w", path, err)
	}

	if prompts.TagPrompt == "" {
		prompts.TagPrompt = defaultPrompts().TagPrompt
	}
	if prompts.CheckPrompt == "" {
		prompts.CheckPrompt = defaultPrompts().CheckPrompt
	}
	return prompts, nil
}

func defaultPrompts() Prompts {
	return Prompts{
		TagPrompt: "You rate %PHOTO_COUNT% photos for the place: '%PLACE_TITLE%' " +
			"(id %PLACE_ID%, %POI% %CATEGORIES% at %LAT%, %LON%). " +
			"For each photo id in %PHOTO_IDS% return a JSON array of objects with " +
			"photo_id, value_score, technical_score, overview_score, safe_score, " +
			"reality_score in [0,1], matching *_reason strings and a tags array.",
		CheckPrompt: "Does image include prohibited content?",
	}
}
