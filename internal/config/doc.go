// Package config loads and merges wave's configuration and manages its
// on-disk paths.
//
// # Configuration Loading
//
// Load merges configuration from, in priority order:
//
//  1. Global config (~/.config/wave/wave.json, wave.jsonc)
//  2. Project config (<directory>/.wave/wave.json, wave.jsonc)
//  3. Environment variable overrides
//
// Later sources win on scalar fields; maps (providers, agents) are merged
// key by key so a project config can override a single provider's API key
// without redeclaring the rest of the global provider map.
//
// # Supported Formats
//
//   - wave.json - standard JSON
//   - wave.jsonc - JSON with // and /* */ comments stripped before parsing
//
// # Path Management
//
// Paths follows the XDG Base Directory Specification (APPDATA on Windows):
//   - Data: ~/.local/share/wave (XDG_DATA_HOME)
//   - Config: ~/.config/wave (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/wave (XDG_CACHE_HOME)
//   - State: ~/.local/state/wave (XDG_STATE_HOME)
//
// # Environment Variable Overrides
//
//   - WAVE_MODEL - override the default model
//   - WAVE_SMALL_MODEL - override the small/fast model
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY, AWS_ACCESS_KEY_ID -
//     provider API keys, applied only where the config doesn't already set one
package config
