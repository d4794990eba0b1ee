// Package executor wires the Task tool to SubagentSupervisor (§4.6): it
// resolves an agent configuration, builds an isolated child turn loop, and
// mirrors the child's lifecycle into the parent conversation.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/waveterm-ai/wave/internal/agent"
	"github.com/waveterm-ai/wave/internal/background"
	"github.com/waveterm-ai/wave/internal/event"
	"github.com/waveterm-ai/wave/internal/foreground"
	"github.com/waveterm-ai/wave/internal/hook"
	"github.com/waveterm-ai/wave/internal/logging"
	"github.com/waveterm-ai/wave/internal/permission"
	"github.com/waveterm-ai/wave/internal/provider"
	"github.com/waveterm-ai/wave/internal/session"
	"github.com/waveterm-ai/wave/internal/sessionstore"
	"github.com/waveterm-ai/wave/internal/tool"
	"github.com/waveterm-ai/wave/pkg/types"
)

// Status is a child instance's lifecycle state (§4.6).
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusAborted      Status = "aborted"
)

// Instance is one running (or finished) subagent.
type Instance struct {
	ID              string
	AgentName       string
	ParentSessionID string
	SessionID       string

	mu           sync.Mutex
	status       Status
	backgrounded bool
	lastTools    []string // two-element ring, most recent last

	mm    *session.MessageManager
	ai    *session.AIManager
	abort *session.AbortHandle
}

func (inst *Instance) setStatus(s Status) {
	inst.mu.Lock()
	inst.status = s
	inst.mu.Unlock()
}

func (inst *Instance) Status() Status {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.status
}

// recordTool pushes name onto the two-element ring, most recent last.
func (inst *Instance) recordTool(name string) []string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.lastTools = append(inst.lastTools, name)
	if len(inst.lastTools) > 2 {
		inst.lastTools = inst.lastTools[len(inst.lastTools)-2:]
	}
	return append([]string(nil), inst.lastTools...)
}

func (inst *Instance) markBackgrounded() {
	inst.mu.Lock()
	inst.backgrounded = true
	inst.mu.Unlock()
}

func (inst *Instance) isBackgrounded() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.backgrounded
}

// ParentLookup resolves a live top-level session's MessageManager by id, so
// the supervisor can mirror a child's lifecycle into it. The caller (the
// component that owns running sessions) supplies this; the supervisor never
// constructs parent sessions itself.
type ParentLookup func(sessionID string) (*session.MessageManager, bool)

// ForegroundLookup resolves a live top-level session's foreground.Stack by
// id, mirroring ParentLookup. A session that was never registered (or a
// caller that wires no foreground tracking at all) simply skips push/pop.
type ForegroundLookup func(sessionID string) (*foreground.Stack, bool)

// Deps wires a Supervisor to the rest of the engine.
type Deps struct {
	Store            *sessionstore.Store
	Providers        *provider.Registry
	AgentRegistry    *agent.Registry
	Tools            *tool.Registry
	Hooks            *hook.Manager
	Background       *background.Manager
	ParentLookup     ParentLookup
	ForegroundLookup ForegroundLookup

	WorkDir         string
	DefaultProvider string
	DefaultModel    string
	FastModel       string
	Mode            permission.Mode
	Language        string
	Ask             permission.AskFunc
}

// Supervisor implements tool.TaskExecutor, running each Task tool call as an
// isolated child AIManager (§4.6).
type Supervisor struct {
	deps Deps

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewSupervisor creates a Supervisor. deps.Ask defaults to an unconditional
// deny (a subagent has no one to ask).
func NewSupervisor(deps Deps) *Supervisor {
	if deps.Ask == nil {
		deps.Ask = func(ctx context.Context, req permission.Request) permission.Decision {
			return permission.Decision{Allow: false, Message: "subagents cannot prompt for permission"}
		}
	}
	return &Supervisor{deps: deps, instances: make(map[string]*Instance)}
}

// Get returns a tracked instance by id.
func (s *Supervisor) Get(id string) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	return inst, ok
}

// Background marks a running instance as backgrounded, registers it with
// BackgroundTaskManager, and severs parent-abort propagation (§4.6's
// parent-abort propagation rule).
func (s *Supervisor) Background(id string) (*background.Task, error) {
	inst, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("executor: unknown subagent %s", id)
	}
	inst.markBackgrounded()
	return s.deps.Background.TrackSubagent(id, inst.abort.Abort), nil
}

// Stop aborts a running instance regardless of foreground/background state.
func (s *Supervisor) Stop(id string) error {
	inst, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("executor: unknown subagent %s", id)
	}
	inst.abort.Abort()
	return nil
}

func (s *Supervisor) remove(id string) {
	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()
}

// ExecuteSubtask implements tool.TaskExecutor. sessionID is the parent's
// session id (the Task tool call's toolCtx.SessionID).
func (s *Supervisor) ExecuteSubtask(ctx context.Context, sessionID string, agentName string, prompt string, opts tool.TaskOptions) (*tool.TaskResult, error) {
	agentCfg, err := s.deps.AgentRegistry.Get(agentName)
	if err != nil {
		return nil, fmt.Errorf("executor: unknown subagent type %q: %w", agentName, err)
	}
	if !agentCfg.IsSubagent() {
		return nil, fmt.Errorf("executor: agent %q cannot be used as a subagent (mode: %s)", agentName, agentCfg.Mode)
	}

	parentMM, ok := s.deps.ParentLookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("executor: parent session %s not found", sessionID)
	}

	sessionAgent := ToSessionAgent(agentCfg)
	providerID, modelID := s.resolveModel(opts.Model, agentCfg)

	subagentID := ulid.Make().String()
	inst := &Instance{
		ID:              subagentID,
		AgentName:       agentName,
		ParentSessionID: sessionID,
		status:          StatusInitializing,
		abort:           session.NewAbortHandle(),
	}

	childCallbacks := session.Callbacks{
		OnSubagentToolBlockUpdated: func(id string, tb *types.ToolBlock) {
			tools := inst.recordTool(tb.Name)
			parentMM.UpdateSubagentBlock(id, func(sb *types.SubagentBlock) { sb.LastTools = tools })
		},
	}
	childMM := session.NewMessageManager(s.deps.Store, s.deps.WorkDir, childCallbacks)
	inst.mm = childMM
	inst.SessionID = childMM.SessionID()

	s.mu.Lock()
	s.instances[subagentID] = inst
	s.mu.Unlock()
	defer s.remove(subagentID)

	parentMM.AppendSubagentBlock(&types.SubagentBlock{
		SubagentID: subagentID,
		Name:       agentName,
		SessionID:  childMM.SessionID(),
		Status:     string(StatusInitializing),
		Parameters: map[string]any{"description": opts.Description, "prompt": prompt},
	})

	childAI := session.NewAIManager(session.AIManagerConfig{
		Messages:    childMM,
		Providers:   s.deps.Providers,
		Permissions: permission.NewManager(),
		Hooks:       s.deps.Hooks,
		Tools:       s.deps.Tools.Filtered(sessionAgent.ToolEnabled),
		DoomLoop:    permission.NewDoomLoopDetector(),
		Agent:       sessionAgent,
		ModelID:     modelID,
		ProviderID:  providerID,
		Mode:        s.deps.Mode,
		Language:    s.deps.Language,
		Ask:         s.deps.Ask,
		SubagentID:  &subagentID,
	})
	inst.ai = childAI

	// Parent-abort propagation: cancelling ctx aborts the child unless it
	// has since been backgrounded (§4.6).
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			if !inst.isBackgrounded() {
				inst.abort.Abort()
			}
		case <-watchDone:
		}
	}()

	childMM.AddUserMessage(session.AddUserMessageParams{Content: prompt, Source: types.SourceAgent, SubagentID: &subagentID})

	inst.setStatus(StatusActive)
	parentMM.UpdateSubagentBlock(subagentID, func(sb *types.SubagentBlock) { sb.Status = string(StatusActive) })

	// Push this subtask onto the parent session's foreground stack (§4.7) so
	// a UI "background the current task" action can pop it without knowing
	// subagentID, invoking the same Background path as the explicit
	// /subagent/{id}/background route.
	if s.deps.ForegroundLookup != nil {
		if fg, ok := s.deps.ForegroundLookup(sessionID); ok {
			fg.Push(subagentID, func() { _, _ = s.Background(subagentID) })
			defer fg.Pop()
		}
	}

	sendErr := childAI.Send(ctx, session.SendOptions{Abort: inst.abort})

	finalStatus := StatusCompleted
	switch {
	case inst.abort.IsAborted():
		finalStatus = StatusAborted
	case sendErr != nil:
		finalStatus = StatusError
	}
	inst.setStatus(finalStatus)
	parentMM.UpdateSubagentBlock(subagentID, func(sb *types.SubagentBlock) { sb.Status = string(finalStatus) })

	event.Publish(event.Event{
		Type: event.BackgroundTaskUpdated,
		Data: event.BackgroundTaskUpdatedData{TaskID: subagentID, SessionID: sessionID, Status: string(finalStatus)},
	})

	if sendErr != nil && finalStatus == StatusError {
		return &tool.TaskResult{
			Output:    fmt.Sprintf("subagent %s failed: %s", agentName, sendErr.Error()),
			SessionID: childMM.SessionID(),
			AgentID:   agentName,
			Error:     sendErr.Error(),
		}, nil
	}

	return &tool.TaskResult{
		Output:    extractText(childMM.Messages()),
		SessionID: childMM.SessionID(),
		AgentID:   agentName,
	}, nil
}

func (s *Supervisor) resolveModel(modelOption string, agentCfg *agent.Agent) (providerID, modelID string) {
	providerID, modelID = s.deps.DefaultProvider, s.deps.DefaultModel
	if agentCfg.Model != nil && agentCfg.Model.ModelID != "" {
		providerID, modelID = agentCfg.Model.ProviderID, agentCfg.Model.ModelID
	}
	switch modelOption {
	case "sonnet", "opus", "haiku":
		modelID = modelOption
	case "fast":
		if s.deps.FastModel != "" {
			modelID = s.deps.FastModel
		}
	}
	return providerID, modelID
}

// RestoreEntry is one saved subagent instance to rebuild on startup (§4.6
// "Session restoration").
type RestoreEntry struct {
	SubagentID    string
	Session       *types.Session
	Configuration map[string]any
}

// Restore rebuilds instances from previously persisted entries. Invalid
// entries (missing configuration) are logged and skipped; the batch never
// aborts as a whole.
func (s *Supervisor) Restore(entries []RestoreEntry) {
	for _, e := range entries {
		if e.Configuration == nil || e.Session == nil {
			logging.Logger.Warn().Str("subagentID", e.SubagentID).Msg("executor: skipping subagent restore with missing configuration")
			continue
		}
		childMM := session.Resume(s.deps.Store, e.Session, session.Callbacks{})
		inst := &Instance{
			ID:              e.SubagentID,
			ParentSessionID: "",
			SessionID:       childMM.SessionID(),
			status:          StatusCompleted,
			mm:              childMM,
			abort:           session.NewAbortHandle(),
		}
		s.mu.Lock()
		s.instances[e.SubagentID] = inst
		s.mu.Unlock()
	}
}

// ToSessionAgent maps a resolved agent.Agent configuration to the session
// package's turn-loop-facing Agent shape. Exported so cmd/wave can build the
// same profile for a session's own primary agent, not just subagents.
func ToSessionAgent(a *agent.Agent) *session.Agent {
	// session.Agent.ToolEnabled treats an empty Tools list as "all enabled"
	// and otherwise uses Tools as an allow-list; a.Tools instead carries an
	// explicit "*" wildcard plus per-tool overrides, so translate by
	// picking the matching shape: wildcard-allow maps to a deny-list,
	// wildcard-deny (or no wildcard) maps to an allow-list.
	var enabledTools, disabledTools []string
	wildcard, hasWildcard := a.Tools["*"]
	allEnabledByDefault := !hasWildcard || wildcard
	for id, enabled := range a.Tools {
		if id == "*" {
			continue
		}
		if allEnabledByDefault {
			if !enabled {
				disabledTools = append(disabledTools, id)
			}
		} else if enabled {
			enabledTools = append(enabledTools, id)
		}
	}

	bashPerm := "ask"
	if len(a.Permission.Bash) > 0 {
		if action, ok := a.Permission.Bash["*"]; ok {
			bashPerm = string(action)
		}
	}
	writePerm := "ask"
	if a.Permission.Edit != "" {
		writePerm = string(a.Permission.Edit)
	}
	doomLoopPerm := "ask"
	if a.Permission.DoomLoop != "" {
		doomLoopPerm = string(a.Permission.DoomLoop)
	}

	return &session.Agent{
		Name:          a.Name,
		Prompt:        a.Prompt,
		Temperature:   a.Temperature,
		TopP:          a.TopP,
		MaxSteps:      50,
		Tools:         enabledTools,
		DisabledTools: disabledTools,
		Permission: session.AgentPermission{
			DoomLoop: doomLoopPerm,
			Bash:     bashPerm,
			Write:    writePerm,
		},
	}
}

func extractText(messages []*types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != types.RoleAssistant {
			continue
		}
		for j := len(msg.Blocks) - 1; j >= 0; j-- {
			if tb, ok := msg.Blocks[j].(*types.TextBlock); ok && tb.Content != "" {
				return tb.Content
			}
		}
	}
	return ""
}
