package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Defaults holds the shipped defaults file (uderia.json). Today it carries
// only the default prompt mappings; the file is the last tier of the prompt
// resolution fallback chain.
type Defaults struct {
	// DefaultPromptMappings maps category -> subcategory -> prompt name.
	// A subcategory key of "" is the category-wide default.
	DefaultPromptMappings map[string]map[string]string `json:"default_prompt_mappings"`
}

// builtinMappings are merged into the defaults for two categories that must
// always resolve, even when the defaults file omits them or is missing.
var builtinMappings = map[string]map[string]string{
	"genie_coordination": {
		"":                 "GENIE_COORDINATION_PROMPT",
		"child_delegation": "GENIE_CHILD_DELEGATION_PROMPT",
	},
	"conversation_execution": {
		"": "CONVERSATION_EXECUTION_PROMPT",
	},
}

// LoadDefaults reads the defaults file. A missing file is not an error: the
// built-in mappings still apply. A present-but-malformed file is an error.
func LoadDefaults(path string) (Defaults, error) {
	d := Defaults{DefaultPromptMappings: map[string]map[string]string{}}

	raw, err := os.ReadFile(path) //nolint:gosec // path comes from validated config, not user input
	if err == nil {
		if err := json.Unmarshal(raw, &d); err != nil {
			return Defaults{}, fmt.Errorf("config: parse defaults file %s: %w", path, err)
		}
		if d.DefaultPromptMappings == nil {
			d.DefaultPromptMappings = map[string]map[string]string{}
		}
	} else if !os.IsNotExist(err) {
		return Defaults{}, fmt.Errorf("config: read defaults file %s: %w", path, err)
	}

	// Merge built-ins underneath the file's entries: the file wins per
	// (category, subcategory), built-ins fill the gaps.
	for category, subs := range builtinMappings {
		existing, ok := d.DefaultPromptMappings[category]
		if !ok {
			existing = map[string]string{}
			d.DefaultPromptMappings[category] = existing
		}
		for sub, name := range subs {
			if _, ok := existing[sub]; !ok {
				existing[sub] = name
			}
		}
	}

	return d, nil
}

// PromptNameFor looks up the default prompt name for a category/subcategory.
// Falls back from the exact subcategory to the category-wide default ("").
func (d Defaults) PromptNameFor(category, subcategory string) (string, bool) {
	subs, ok := d.DefaultPromptMappings[category]
	if !ok {
		return "", false
	}
	if name, ok := subs[subcategory]; ok && name != "" {
		return name, true
	}
	if subcategory != "" {
		if name, ok := subs[""]; ok && name != "" {
			return name, true
		}
	}
	return "", false
}
