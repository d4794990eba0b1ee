package hook

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// rawConfig mirrors Config's on-disk JSONC shape: {<event>: [group, ...]}.
type rawConfig map[string][]Group

// LoadConfig reads a hook configuration file (JSONC tolerant: comments and
// trailing commas are stripped before parsing) and validates it against the
// §6 schema (matcher only on tool-scoped events).
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return nil, fmt.Errorf("hook: read config %s: %w", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("hook: parse config %s: %w", path, err)
	}

	cfg := make(Config, len(raw))
	for evName, groups := range raw {
		ev := Event(evName)
		if !validEvent(ev) {
			return nil, fmt.Errorf("hook: unknown event %q in %s", evName, path)
		}
		for _, g := range groups {
			if !toolScoped[ev] && g.Matcher != nil {
				return nil, fmt.Errorf("hook: %s does not permit a matcher in %s", evName, path)
			}
			for _, c := range g.Hooks {
				if c.Type != "" && c.Type != "command" {
					return nil, fmt.Errorf("hook: unsupported hook type %q in %s", c.Type, path)
				}
			}
		}
		cfg[ev] = groups
	}
	return cfg, nil
}

func validEvent(e Event) bool {
	switch e {
	case UserPromptSubmit, PreToolUse, PostToolUse, Stop, SubagentStop, Notification:
		return true
	}
	return false
}
