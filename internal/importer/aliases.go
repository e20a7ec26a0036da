package importer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/icetrack-labs/icetrack-go/internal/domain"
)

// LoadAliases reads an optional YAML table mapping legacy status
// spellings to canonical workflow states, e.g.
//
//	"In Progress (Step 1)": "Process Step 1"
//	"DONE": "Complete"
//
// Every target must be a canonical state; a bad target fails loudly
// rather than silently defaulting at import time.
func LoadAliases(path string) (map[string]domain.WorkflowState, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	aliases := make(map[string]domain.WorkflowState, len(raw))
	for legacy, target := range raw {
		state, err := domain.ParseState(target)
		if err != nil {
			return nil, fmt.Errorf("alias %q: %w", legacy, err)
		}
		aliases[legacy] = state
	}
	return aliases, nil
}
