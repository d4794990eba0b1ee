// Package liveconfig implements LiveConfigManager: it watches a project's
// settings and MCP/LSP config files, re-validates on every change, and
// hot-updates the components that care (PermissionManager's default mode,
// HookManager's hook table, McpSupervisor/LspSupervisor's server lists)
// without requiring a restart. It also watches the checked-out git branch
// and forces a reload on every switch, since a checkout can change
// .wave/settings.json's content without a reliable fsnotify write event.
package liveconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/waveterm-ai/wave/internal/config"
	"github.com/waveterm-ai/wave/internal/event"
	"github.com/waveterm-ai/wave/internal/logging"
	"github.com/waveterm-ai/wave/internal/vcs"

	"github.com/fsnotify/fsnotify"
)

// Mode mirrors permission.Mode's string values without importing the
// permission package, keeping liveconfig a leaf dependency of it.
type Mode string

const (
	ModeDefault           Mode = "default"
	ModeBypassPermissions Mode = "bypassPermissions"
	ModeAcceptEdits       Mode = "acceptEdits"
	ModePlan              Mode = "plan"
)

func validMode(m Mode) bool {
	switch m {
	case ModeDefault, ModeBypassPermissions, ModeAcceptEdits, ModePlan:
		return true
	}
	return false
}

// Settings is the merged view of settings.json / settings.local.json at
// project and user scope (§6 "Settings layering").
type Settings struct {
	DefaultMode    Mode              `json:"defaultMode,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Hooks          json.RawMessage   `json:"hooks,omitempty"`
	EnabledPlugins []string          `json:"enabledPlugins,omitempty"`
}

func (s *Settings) validate() error {
	if s.DefaultMode != "" && !validMode(s.DefaultMode) {
		return fmt.Errorf("liveconfig: invalid defaultMode %q", s.DefaultMode)
	}
	return nil
}

// merge overlays src onto dst in place, src taking precedence field by
// field (src's zero values do not clobber dst).
func merge(dst *Settings, src Settings) {
	if src.DefaultMode != "" {
		dst.DefaultMode = src.DefaultMode
	}
	if src.Env != nil {
		if dst.Env == nil {
			dst.Env = make(map[string]string, len(src.Env))
		}
		for k, v := range src.Env {
			dst.Env[k] = v
		}
	}
	if len(src.Hooks) > 0 {
		dst.Hooks = src.Hooks
	}
	if src.EnabledPlugins != nil {
		dst.EnabledPlugins = src.EnabledPlugins
	}
}

// layer is one settings source in ascending precedence order (later layers
// win), per §6: project.local > project > user.local > user, expressed here
// lowest-precedence-first so merge() can fold forward.
type layer struct {
	path      string
	isProject bool
	isLocal   bool
}

func layersFor(workDir string) []layer {
	paths := config.GetPaths()
	return []layer{
		{path: filepath.Join(paths.Config, "settings.json")},
		{path: filepath.Join(paths.Config, "settings.local.json"), isLocal: true},
		{path: filepath.Join(workDir, ".wave", "settings.json"), isProject: true},
		{path: filepath.Join(workDir, ".wave", "settings.local.json"), isProject: true, isLocal: true},
	}
}

func readSettings(path string) (Settings, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Settings{}, false, nil
		}
		return Settings{}, false, fmt.Errorf("liveconfig: read %s: %w", path, err)
	}
	var s Settings
	if err := json.Unmarshal(jsonc.ToJSON(data), &s); err != nil {
		return Settings{}, false, fmt.Errorf("liveconfig: parse %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return Settings{}, false, fmt.Errorf("liveconfig: %s: %w", path, err)
	}
	return s, true, nil
}

// Callback is invoked with the newly merged, validated Settings after every
// successful reload.
type Callback func(Settings)

// FileCallback is invoked when a non-settings watched file (.mcp.json,
// .lsp.json) changes, so its owning supervisor can re-read it itself.
type FileCallback func(path string)

// Manager watches a project's config files and keeps Current() up to date.
type Manager struct {
	workDir string

	mu      sync.RWMutex
	current Settings

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}

	// vcsWatcher tracks HEAD's checked-out branch. A checkout can swap
	// .wave/settings.json's on-disk content without ever producing the
	// fsnotify event that file watch relies on (git replaces the working
	// tree file by rename, which some filesystems coalesce or drop), so a
	// branch change always forces an unconditional reload.
	vcsWatcher *vcs.Watcher
	unwatchVcs func()

	callbacksMu sync.Mutex
	callbacks   []Callback
	fileCbs     []FileCallback
}

// New loads the initial layered settings for workDir and prepares (but does
// not yet start) a watcher over it and the MCP/LSP config files.
func New(workDir string) (*Manager, error) {
	m := &Manager{workDir: workDir, stopCh: make(chan struct{}), doneCh: make(chan struct{})}

	settings, err := m.load()
	if err != nil {
		return nil, err
	}
	m.current = settings

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("liveconfig: new watcher: %w", err)
	}
	m.watcher = w

	for _, p := range m.watchedPaths() {
		dir := filepath.Dir(p)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.Add(dir); err != nil {
			logging.Logger.Warn().Err(err).Str("dir", dir).Msg("liveconfig: failed to watch directory")
		}
	}

	vw, err := vcs.NewWatcher(workDir)
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("liveconfig: failed to start vcs watcher, branch switches won't force a reload")
	} else {
		m.vcsWatcher = vw
	}

	return m, nil
}

func (m *Manager) watchedPaths() []string {
	out := make([]string, 0, 6)
	for _, l := range layersFor(m.workDir) {
		out = append(out, l.path)
	}
	out = append(out, filepath.Join(m.workDir, ".mcp.json"), filepath.Join(m.workDir, ".lsp.json"))
	return out
}

// load re-reads and re-merges every settings layer without touching m.current.
func (m *Manager) load() (Settings, error) {
	var merged Settings
	for _, l := range layersFor(m.workDir) {
		s, ok, err := readSettings(l.path)
		if err != nil {
			return Settings{}, err
		}
		if ok {
			merge(&merged, s)
		}
	}
	return merged, nil
}

// Current returns a snapshot of the merged settings.
func (m *Manager) Current() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a callback invoked after every successful settings
// reload. Start does not trigger a reload and the settings loaded by New are
// not replayed — callers should read Current() themselves for the initial
// value.
func (m *Manager) OnChange(cb Callback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// OnFileChange registers a callback invoked whenever a non-settings watched
// file (.mcp.json, .lsp.json) changes on disk.
func (m *Manager) OnFileChange(cb FileCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.fileCbs = append(m.fileCbs, cb)
}

// Start begins watching for changes in the background.
func (m *Manager) Start() {
	go m.run()
	if m.vcsWatcher != nil {
		m.vcsWatcher.Start()
		m.unwatchVcs = event.Subscribe(event.VcsBranchUpdated, func(e event.Event) {
			m.reloadForBranchChange()
		})
	}
}

func (m *Manager) run() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logging.Logger.Warn().Err(err).Msg("liveconfig: watcher error")
		}
	}
}

func (m *Manager) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	base := filepath.Base(ev.Name)
	switch base {
	case "settings.json", "settings.local.json":
		m.reload(ev)
	case ".mcp.json", ".lsp.json":
		m.callbacksMu.Lock()
		cbs := append([]FileCallback(nil), m.fileCbs...)
		m.callbacksMu.Unlock()
		for _, cb := range cbs {
			cb(ev.Name)
		}
	}
}

// reloadForBranchChange re-reads and re-merges every settings layer after a
// checked-out branch change (§6 "Settings layering" applies per branch, not
// just per directory), unconditionally rather than keyed to a specific
// changed path.
func (m *Manager) reloadForBranchChange() {
	settings, err := m.load()
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("liveconfig: config reload after branch change failed, keeping last-known-good settings")
		event.Publish(event.Event{Type: event.ConfigReloaded, Data: event.ConfigReloadedData{Path: "<branch change>", Error: err.Error()}})
		return
	}

	m.mu.Lock()
	m.current = settings
	m.mu.Unlock()

	event.Publish(event.Event{Type: event.ConfigReloaded, Data: event.ConfigReloadedData{Path: "<branch change>"}})

	m.callbacksMu.Lock()
	cbs := append([]Callback(nil), m.callbacks...)
	m.callbacksMu.Unlock()
	for _, cb := range cbs {
		cb(settings)
	}
}

func (m *Manager) reload(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 && filepath.Base(ev.Name) == "settings.local.json" &&
		filepath.Dir(ev.Name) == filepath.Join(m.workDir, ".wave") {
		if err := addToGlobalGitignore(".wave/settings.local.json"); err != nil {
			logging.Logger.Warn().Err(err).Msg("liveconfig: failed to update global gitignore")
		}
	}

	settings, err := m.load()
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("liveconfig: config reload failed, keeping last-known-good settings")
		event.Publish(event.Event{Type: event.ConfigReloaded, Data: event.ConfigReloadedData{Path: ev.Name, Error: err.Error()}})
		return
	}

	m.mu.Lock()
	m.current = settings
	m.mu.Unlock()

	event.Publish(event.Event{Type: event.ConfigReloaded, Data: event.ConfigReloadedData{Path: ev.Name}})

	m.callbacksMu.Lock()
	cbs := append([]Callback(nil), m.callbacks...)
	m.callbacksMu.Unlock()
	for _, cb := range cbs {
		cb(settings)
	}
}

// Stop halts the watcher goroutine and releases its file descriptors.
func (m *Manager) Stop() error {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh

	if m.vcsWatcher != nil {
		if m.unwatchVcs != nil {
			m.unwatchVcs()
		}
		if err := m.vcsWatcher.Stop(); err != nil {
			logging.Logger.Warn().Err(err).Msg("liveconfig: vcs watcher stop failed")
		}
	}

	return m.watcher.Close()
}

// addToGlobalGitignore appends rel to the user's global gitignore file if
// it isn't already present, creating the file (and configuring git to use
// it) on first use. Called only on a settings.local.json create event, not
// on subsequent modifications (§6).
func addToGlobalGitignore(rel string) error {
	paths := config.GetPaths()
	path := filepath.Join(paths.Config, "gitignore_global")

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("liveconfig: read global gitignore: %w", err)
	}
	for _, line := range splitLines(string(existing)) {
		if line == rel {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("liveconfig: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("liveconfig: open global gitignore: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString(rel + "\n")
	return err
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
