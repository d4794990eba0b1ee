package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/waveterm-ai/wave/internal/agent"
	"github.com/waveterm-ai/wave/internal/background"
	"github.com/waveterm-ai/wave/internal/command"
	"github.com/waveterm-ai/wave/internal/config"
	"github.com/waveterm-ai/wave/internal/executor"
	"github.com/waveterm-ai/wave/internal/foreground"
	"github.com/waveterm-ai/wave/internal/hook"
	"github.com/waveterm-ai/wave/internal/liveconfig"
	"github.com/waveterm-ai/wave/internal/logging"
	"github.com/waveterm-ai/wave/internal/lsp"
	"github.com/waveterm-ai/wave/internal/permission"
	"github.com/waveterm-ai/wave/internal/provider"
	"github.com/waveterm-ai/wave/internal/reversion"
	"github.com/waveterm-ai/wave/internal/server"
	"github.com/waveterm-ai/wave/internal/session"
	"github.com/waveterm-ai/wave/internal/sessionstore"
	"github.com/waveterm-ai/wave/internal/storage"
	"github.com/waveterm-ai/wave/internal/tasklist"
	"github.com/waveterm-ai/wave/internal/tool"
	"github.com/waveterm-ai/wave/pkg/types"
)

// runtime bundles the components every command needs to drive a turn
// loop, built once from the merged config and shared across sessions.
// Per-session state (MessageManager, permission.Manager, AIManager) is
// built per call to newSession.
type runtime struct {
	workDir   string
	appConfig *types.Config

	store      *sessionstore.Store
	providers  *provider.Registry
	tools      *tool.Registry
	agents     *agent.Registry
	hooks      *hook.Manager
	tasks      *tasklist.Registry
	background *background.Manager
	subagents  *executor.Supervisor
	live       *liveconfig.Manager
	asks       *server.AskBroker
	lsp        *lsp.Client
	reversion  *reversion.Manager
	commands   *command.Executor

	defaultProviderID, defaultModelID string

	mu         sync.Mutex
	sessions   map[string]*session.MessageManager
	foreground map[string]*foreground.Stack
}

// newRuntime loads configuration and wires every leaf component once.
func newRuntime(ctx context.Context, workDir string) (*runtime, error) {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return nil, err
	}
	if globalModel := GetGlobalModel(); globalModel != "" {
		appConfig.Model = globalModel
	}

	providers, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to initialize some providers")
	}

	store := sessionstore.New(paths.StoragePath())
	stg := storage.New(paths.StoragePath())
	taskReg := tasklist.NewRegistry(stg)

	agentReg := agent.NewRegistry()
	agentReg.LoadFromConfig(toAgentConfigMap(appConfig))
	if err := agentReg.LoadFromMarkdownDir(filepath.Join(workDir, ".wave", "agents")); err != nil {
		logging.Warn().Err(err).Msg("failed to load agent markdown files")
	}

	toolReg := tool.DefaultRegistry(workDir, stg, taskReg)
	toolReg.RegisterTaskTool(agentReg)

	lspDisabled := appConfig.LSP != nil && appConfig.LSP.Disabled
	lspClient := lsp.NewClient(workDir, lspDisabled)
	if appConfig.LSP != nil {
		for lang, command := range appConfig.LSP.Servers {
			lspClient.OverrideCommand(lang, strings.Fields(command))
		}
	}
	toolReg.RegisterLSPTool(lspClient)

	hookCfg, err := hook.LoadConfig(filepath.Join(workDir, ".wave", "hooks.json"))
	if err != nil {
		logging.Warn().Err(err).Msg("failed to load hook config")
		hookCfg = hook.Config{}
	}
	hookMgr := hook.New(hookCfg, workDir)

	bgMgr := background.New(workDir)
	asks := server.NewAskBroker()
	revMgr := reversion.NewManager(reversion.NewService(paths.ReversionLogPath()), func() int64 { return time.Now().UnixMilli() })
	cmdExec := command.NewExecutor(workDir, appConfig)

	var defaultProviderID, defaultModelID string
	if appConfig.Model != "" {
		defaultProviderID, defaultModelID = provider.ParseModelString(appConfig.Model)
	}

	rt := &runtime{
		workDir:           workDir,
		appConfig:         appConfig,
		store:             store,
		providers:         providers,
		tools:             toolReg,
		agents:            agentReg,
		hooks:             hookMgr,
		tasks:             taskReg,
		background:        bgMgr,
		asks:              asks,
		defaultProviderID: defaultProviderID,
		defaultModelID:    defaultModelID,
		lsp:               lspClient,
		reversion:         revMgr,
		commands:          cmdExec,
		sessions:          make(map[string]*session.MessageManager),
		foreground:        make(map[string]*foreground.Stack),
	}

	rt.subagents = executor.NewSupervisor(executor.Deps{
		Store:            store,
		Providers:        providers,
		AgentRegistry:    agentReg,
		Tools:            toolReg,
		Hooks:            hookMgr,
		Background:       bgMgr,
		ParentLookup:     rt.lookupSession,
		ForegroundLookup: rt.lookupForeground,
		WorkDir:          workDir,
		DefaultProvider: defaultProviderID,
		DefaultModel:    defaultModelID,
		FastModel:       appConfig.SmallModel,
		Mode:            permission.ModeDefault,
		Ask:             asks.Ask,
	})
	toolReg.SetTaskExecutor(rt.subagents)

	live, err := liveconfig.New(workDir)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to start live config manager")
	} else {
		rt.live = live
		live.Start()
	}

	return rt, nil
}

func (rt *runtime) close() {
	if rt.live != nil {
		_ = rt.live.Stop()
	}
	if rt.lsp != nil {
		_ = rt.lsp.Close()
	}
}

func (rt *runtime) lookupSession(sessionID string) (*session.MessageManager, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	mm, ok := rt.sessions[sessionID]
	return mm, ok
}

// lookupForeground resolves a top-level session's ForegroundTaskStack,
// passed to the subagent supervisor as executor.Deps.ForegroundLookup.
func (rt *runtime) lookupForeground(sessionID string) (*foreground.Stack, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	fg, ok := rt.foreground[sessionID]
	return fg, ok
}

func (rt *runtime) registerSession(mm *session.MessageManager) {
	rt.mu.Lock()
	rt.sessions[mm.SessionID()] = mm
	rt.foreground[mm.SessionID()] = foreground.New()
	rt.mu.Unlock()
}

func (rt *runtime) unregisterSession(sessionID string) {
	rt.mu.Lock()
	delete(rt.sessions, sessionID)
	delete(rt.foreground, sessionID)
	rt.mu.Unlock()
}

// toAgentConfigMap adapts types.Config.Agent into the shape
// agent.Registry.LoadFromConfig expects.
func toAgentConfigMap(cfg *types.Config) map[string]agent.AgentConfig {
	out := make(map[string]agent.AgentConfig, len(cfg.Agent))
	for name, a := range cfg.Agent {
		ac := agent.AgentConfig{
			Model:       a.Model,
			Prompt:      a.Prompt,
			Tools:       a.Tools,
			Description: a.Description,
			Mode:        a.Mode,
			Disable:     a.Disable,
		}
		if a.Permission != nil {
			ac.Permission = &agent.AgentPermissionConfig{
				Edit:        a.Permission.Edit,
				WebFetch:    a.Permission.WebFetch,
				ExternalDir: a.Permission.ExternalDir,
				DoomLoop:    a.Permission.DoomLoop,
			}
			if s, ok := a.Permission.Bash.(string); ok {
				ac.Permission.Bash = s
			}
		}
		out[name] = ac
	}
	return out
}

// turnLoop is one session's live components, returned by newSession.
type turnLoop struct {
	mm    *session.MessageManager
	ai    *session.AIManager
	abort *session.AbortHandle
}

// newSession resolves agentName via the agent registry, builds a fresh
// MessageManager (or resumes sess if non-nil) and AIManager, and registers
// the session so subagent Task calls can mirror into it.
func (rt *runtime) newSession(sess *types.Session, agentName, modelOverride string) (*turnLoop, error) {
	if agentName == "" {
		agentName = "build"
	}
	agentCfg, err := rt.agents.Get(agentName)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %q: %w", agentName, err)
	}
	sessionAgent := executor.ToSessionAgent(agentCfg)

	providerID, modelID := rt.defaultProviderID, rt.defaultModelID
	if modelOverride != "" {
		providerID, modelID = provider.ParseModelString(modelOverride)
	}

	var mm *session.MessageManager
	if sess != nil {
		mm = session.Resume(rt.store, sess, session.Callbacks{})
	} else {
		mm = session.NewMessageManager(rt.store, rt.workDir, session.Callbacks{})
	}
	rt.registerSession(mm)

	abort := session.NewAbortHandle()
	ai := session.NewAIManager(session.AIManagerConfig{
		Messages:    mm,
		Providers:   rt.providers,
		Permissions: permission.NewManager(),
		Hooks:       rt.hooks,
		Tools:       rt.tools.Filtered(sessionAgent.ToolEnabled),
		DoomLoop:    permission.NewDoomLoopDetector(),
		Reversion:   rt.reversion,
		Agent:       sessionAgent,
		ModelID:     modelID,
		ProviderID:  providerID,
		Mode:        permission.ModeDefault,
		Ask:         rt.asks.Ask,
	})

	return &turnLoop{mm: mm, ai: ai, abort: abort}, nil
}
