package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/waveterm-ai/wave/internal/event"
	"github.com/waveterm-ai/wave/internal/hook"
	"github.com/waveterm-ai/wave/internal/logging"
	"github.com/waveterm-ai/wave/internal/permission"
	"github.com/waveterm-ai/wave/internal/provider"
	"github.com/waveterm-ai/wave/internal/reversion"
	"github.com/waveterm-ai/wave/internal/tool"
	"github.com/waveterm-ai/wave/pkg/types"
)

// mutatingToolPaths maps a tool's ID to the JSON parameter key holding the
// file path it writes, for ReversionManager snapshotting (§4.10). Tools not
// listed here never mutate a file directly and are never snapshotted.
var mutatingToolPaths = map[string]string{
	"Write": "filePath",
	"edit":  "filePath",
}

// AbortHandle is the depth-0 turn's cooperative cancellation token (§5
// Cancellation). Tripping it is idempotent.
type AbortHandle struct {
	mu      sync.Mutex
	ch      chan struct{}
	tripped bool
}

// NewAbortHandle creates an untripped handle.
func NewAbortHandle() *AbortHandle {
	return &AbortHandle{ch: make(chan struct{})}
}

// Abort trips the handle. Safe to call more than once.
func (a *AbortHandle) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.tripped {
		a.tripped = true
		close(a.ch)
	}
}

// Done returns a channel closed when the handle is tripped.
func (a *AbortHandle) Done() <-chan struct{} { return a.ch }

// IsAborted reports whether the handle has been tripped.
func (a *AbortHandle) IsAborted() bool {
	select {
	case <-a.ch:
		return true
	default:
		return false
	}
}

// maxRecursionDepth caps the Stop-hook-restart loop (§4.1 step 10) and the
// tool-call recursion (§4.1 step 9) against runaway turns.
const maxRecursionDepth = 64

// defaultInputTokenLimit is the threshold above which §4.1 step 4 triggers
// compression before the model call, absent an explicit override.
const defaultInputTokenLimit = 150_000

// SendOptions is the input to AIManager.Send (§4.1).
type SendOptions struct {
	// RecursionDepth is 0 for a fresh user turn; AIManager increments it on
	// the tool-call recursion of step 9.
	RecursionDepth int

	// AllowedRules are temporary tool-name-only permission rules installed
	// for this turn, depth 0 only (step 1).
	AllowedRules []string

	// Abort is the cancellation handle. Callers must create a fresh one at
	// depth 0 and pass the same one through every recursive call.
	Abort *AbortHandle
}

// AIManagerConfig wires an AIManager to the session components it
// orchestrates. All fields are required except Language/PlanMode/
// PlanFilePath/AdditionalDirs/AskFunc/InputTokenLimit, which default to
// their zero value (no language section, not in plan mode, no ask
// callback, defaultInputTokenLimit).
type AIManagerConfig struct {
	Messages    *MessageManager
	Providers   *provider.Registry
	Permissions *permission.Manager
	Hooks       *hook.Manager
	Tools       *tool.Registry
	DoomLoop    *permission.DoomLoopDetector

	// Reversion snapshots a mutating tool's target file before it runs and
	// commits/discards that snapshot after (§4.10). Nil disables snapshotting
	// (e.g. a subagent turn loop, which has no undo surface of its own).
	Reversion *reversion.Manager

	Agent      *Agent
	ModelID    string
	ProviderID string
	Mode       permission.Mode

	Language       string
	PlanMode       bool
	PlanFilePath   string
	AdditionalDirs []string

	InputTokenLimit int
	Ask             permission.AskFunc

	// SubagentID, when non-nil, marks every message this manager adds as
	// belonging to a subagent, routing MessageManager's subagent-scoped
	// callbacks (§4.5 fan-out table) and tagging tool.Context.Extra for
	// task-list sharing (§4.6).
	SubagentID *string
}

// AIManager is the turn-loop orchestrator (§4.1): prompt assembly, model
// call, tool dispatch, recursion, compression, abort.
type AIManager struct {
	mm          *MessageManager
	providerReg *provider.Registry
	permMgr     *permission.Manager
	hookMgr     *hook.Manager
	toolReg     *tool.Registry
	doomLoop    *permission.DoomLoopDetector
	reversion   *reversion.Manager

	agent      *Agent
	modelID    string
	providerID string
	mode       permission.Mode

	language       string
	planMode       bool
	planFilePath   string
	additionalDirs []string

	inputTokenLimit int
	ask             permission.AskFunc

	subagentID *string

	lastToolsMu sync.Mutex
	lastTools   []string // two-element ring, most recent last (§4.6)
}

// NewAIManager constructs an AIManager from cfg.
func NewAIManager(cfg AIManagerConfig) *AIManager {
	limit := cfg.InputTokenLimit
	if limit <= 0 {
		limit = defaultInputTokenLimit
	}
	return &AIManager{
		mm:              cfg.Messages,
		providerReg:     cfg.Providers,
		permMgr:         cfg.Permissions,
		hookMgr:         cfg.Hooks,
		toolReg:         cfg.Tools,
		doomLoop:        cfg.DoomLoop,
		reversion:       cfg.Reversion,
		agent:           cfg.Agent,
		modelID:         cfg.ModelID,
		providerID:      cfg.ProviderID,
		mode:            cfg.Mode,
		language:        cfg.Language,
		planMode:        cfg.PlanMode,
		planFilePath:    cfg.PlanFilePath,
		additionalDirs:  cfg.AdditionalDirs,
		inputTokenLimit: limit,
		ask:             cfg.Ask,
		subagentID:      cfg.SubagentID,
	}
}

// LastTools returns a snapshot of the two-element ring tracking the most
// recently dispatched tool names, for SubagentBlock.LastTools mirroring.
func (ai *AIManager) LastTools() []string {
	ai.lastToolsMu.Lock()
	defer ai.lastToolsMu.Unlock()
	out := make([]string, len(ai.lastTools))
	copy(out, ai.lastTools)
	return out
}

func (ai *AIManager) recordToolName(name string) {
	ai.lastToolsMu.Lock()
	defer ai.lastToolsMu.Unlock()
	ai.lastTools = append(ai.lastTools, name)
	if len(ai.lastTools) > 2 {
		ai.lastTools = ai.lastTools[len(ai.lastTools)-2:]
	}
}

// Send runs one turn per §4.1's ten-step algorithm.
func (ai *AIManager) Send(ctx context.Context, opts SendOptions) error {
	if opts.RecursionDepth > maxRecursionDepth {
		ai.mm.AddErrorBlock("turn aborted: recursion limit exceeded")
		return fmt.Errorf("session: aimanager: recursion limit exceeded")
	}

	// step 1: install this turn's temporary permission rules at depth 0,
	// and guarantee removal on every exit path.
	if opts.RecursionDepth == 0 && len(opts.AllowedRules) > 0 && ai.permMgr != nil {
		ai.permMgr.InstallTemporaryRules(opts.AllowedRules)
		defer ai.permMgr.RemoveTemporaryRules(opts.AllowedRules)
	}

	if opts.Abort != nil && opts.Abort.IsAborted() {
		return nil
	}

	// step 2: system prompt.
	systemPrompt := ai.buildSystemPrompt()

	// step 3: convert in-memory (full ancestor thread) to wire shape.
	full, err := ai.mm.LoadFullThread()
	if err != nil {
		ai.mm.AddErrorBlock(fmt.Sprintf("failed to load conversation: %v", err))
		return err
	}

	// step 4: compress if over budget.
	if ai.estimateTokens(full) > ai.inputTokenLimit {
		prov, err := ai.providerReg.Get(ai.providerID)
		if err == nil {
			if cErr := Compress(ctx, ai.mm, prov, ai.modelID); cErr != nil {
				logging.Logger.Warn().Err(cErr).Msg("aimanager: compression failed, continuing uncompressed")
			} else {
				full, err = ai.mm.LoadFullThread()
				if err != nil {
					ai.mm.AddErrorBlock(fmt.Sprintf("failed to load conversation: %v", err))
					return err
				}
			}
		}
	}

	wireMessages := append([]*schema.Message{{Role: schema.System, Content: systemPrompt}}, provider.ConvertToEinoMessages(full)...)

	prov, err := ai.providerReg.Get(ai.providerID)
	if err != nil {
		ai.mm.AddErrorBlock(fmt.Sprintf("provider unavailable: %v", err))
		return err
	}

	var toolInfos []*schema.ToolInfo
	if ai.toolReg != nil {
		toolInfos, _ = ai.toolReg.ToolInfos()
	}

	// step 5: journal, then call the model.
	if err := ai.mm.SaveSession(); err != nil {
		logging.Logger.Warn().Err(err).Msg("aimanager: save before model call failed")
	}

	stream, err := provider.CreateCompletionWithRetry(ctx, prov, &provider.CompletionRequest{
		Model:    ai.modelID,
		Messages: wireMessages,
		Tools:    toolInfos,
	})
	if err != nil {
		// ModelError (§7): add error block, journal, do not recurse.
		ai.mm.AddErrorBlock(fmt.Sprintf("model call failed: %v", err))
		ai.mm.SaveSession()
		return nil
	}
	defer stream.Close()

	assistantMsg := ai.mm.AddAssistantMessage("", nil)

	var content, reasoning strings.Builder
	finishReason := ""
	toolCallAcc := map[int]*accumulatingToolCall{}
	var toolCallOrder []int
	var usage *types.Usage

	for {
		if opts.Abort != nil && opts.Abort.IsAborted() {
			ai.abortOpenToolBlock()
			ai.mm.SaveSession()
			return nil
		}

		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			ai.mm.AddErrorBlock(fmt.Sprintf("model stream failed: %v", err))
			ai.mm.SaveSession()
			return nil
		}

		if chunk.Content != "" {
			content.WriteString(chunk.Content)
			ai.mm.UpdateCurrentMessageContent(content.String())
		}
		if rc := reasoningOf(chunk); rc != "" {
			reasoning.WriteString(rc)
			ai.mm.UpdateCurrentMessageReasoning(reasoning.String())
		}
		for _, tc := range chunk.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := toolCallAcc[idx]
			if !ok {
				acc = &accumulatingToolCall{}
				toolCallAcc[idx] = acc
				toolCallOrder = append(toolCallOrder, idx)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}
		if u := usageOf(chunk); u != nil {
			usage = u
		}
		if fr := finishReasonOf(chunk); fr != "" {
			finishReason = fr
		}
	}

	// step 6: finish_reason == length with no tool calls -> error, stop.
	if finishReason == "length" && len(toolCallOrder) == 0 {
		ai.mm.AddErrorBlock("response truncated: model stopped due to length limit")
		ai.mm.SaveSession()
		return nil
	}

	// step 7: journal assistant message, update latest_total_tokens.
	ai.mm.SetLatestTotalTokens(usage)
	if err := ai.mm.SaveSession(); err != nil {
		logging.Logger.Warn().Err(err).Msg("aimanager: save after model reply failed")
	}

	if len(toolCallOrder) == 0 {
		ai.publishIdle()
		return nil
	}

	// step 8: dispatch tool calls serially, in model order.
	ranAny := false
	for _, idx := range toolCallOrder {
		acc := toolCallAcc[idx]
		if acc.id == "" || acc.name == "" {
			continue
		}
		params := parseToolArgs(acc.args.String())
		ai.dispatchTool(ctx, opts, assistantMsg.ID, acc.id, acc.name, params)
		ranAny = true
		if opts.Abort != nil && opts.Abort.IsAborted() {
			break
		}
	}
	if err := ai.mm.SaveSession(); err != nil {
		logging.Logger.Warn().Err(err).Msg("aimanager: save after tool dispatch failed")
	}

	// step 9: recurse if at least one tool executed and abort isn't tripped.
	if ranAny && (opts.Abort == nil || !opts.Abort.IsAborted()) {
		return ai.Send(ctx, SendOptions{RecursionDepth: opts.RecursionDepth + 1, Abort: opts.Abort})
	}

	ai.runStopHooks(ctx, opts)
	ai.publishIdle()
	return nil
}

// accumulatingToolCall collects one tool call's streamed fields: the id and
// name arrive on the first chunk for that index, arguments accumulate
// across every subsequent chunk and are re-parsed as a whole at the end.
type accumulatingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func parseToolArgs(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return map[string]any{}
	}
	return params
}

// dispatchTool implements step 8's per-call pipeline: start block, PreToolUse
// hooks, permission check, dispatch, PostToolUse hooks, end block.
func (ai *AIManager) dispatchTool(ctx context.Context, opts SendOptions, messageID, id, name string, params map[string]any) {
	ai.mm.AppendToolBlock(&types.ToolBlock{ID: id, Name: name, Parameters: params, Stage: types.ToolStageStart})
	ai.recordToolName(name)

	sessionID := ai.mm.SessionID()
	errStr := func(msg string) *string { return &msg }

	// PreToolUse hooks.
	if ai.hookMgr != nil {
		results := ai.hookMgr.Run(ctx, hook.PreToolUse, name, map[string]string{
			"WAVE_TOOL_NAME": name, "WAVE_SESSION_ID": sessionID,
		})
		outcome := hook.Interpret(hook.PreToolUse, results)
		if outcome.Block {
			ai.mm.UpdateToolBlock(UpdateToolBlockParams{
				ID: id, Stage: types.ToolStageEnd, Error: errStr("hook blocked"), SubagentID: ai.subagentID,
			})
			return
		}
	}

	// Doom-loop check: treated as a pre-permission concern per the
	// resolved-in-a-prior-session design; a detected loop is surfaced the
	// same way a permission denial is.
	if ai.doomLoop != nil && ai.doomLoop.Check(sessionID, name, params) {
		ai.mm.UpdateToolBlock(UpdateToolBlockParams{
			ID: id, Stage: types.ToolStageEnd,
			Error:      errStr("denied: repeated identical tool call detected"),
			SubagentID: ai.subagentID,
		})
		return
	}

	// Permission check.
	if ai.permMgr != nil {
		cc := permission.CreateContext(name, bashCommandOf(params), params, ai.mm.WorkDir(), ai.additionalDirs)
		cc.Mode = ai.mode
		cc.Ask = ai.ask
		cc.SessionID = sessionID
		cc.CallID = id
		cc.PlanFilePath = ai.planFilePath
		decision := ai.permMgr.Check(ctx, cc)
		if !decision.Allow {
			ai.mm.UpdateToolBlock(UpdateToolBlockParams{
				ID: id, Stage: types.ToolStageEnd,
				Error:      errStr("denied: " + decision.Message),
				SubagentID: ai.subagentID,
			})
			return
		}
	}

	// Dispatch.
	t, ok := ai.toolReg.Get(name)
	if !ok {
		ai.mm.UpdateToolBlock(UpdateToolBlockParams{
			ID: id, Stage: types.ToolStageEnd, Error: errStr("unknown tool: " + name), SubagentID: ai.subagentID,
		})
		return
	}
	inputJSON, _ := json.Marshal(params)
	extra := map[string]any{}
	if ai.subagentID != nil {
		extra["main_session_id"] = ai.mm.RootSessionID()
	}
	toolCtx := &tool.Context{
		SessionID: sessionID,
		CallID:    id,
		WorkDir:   ai.mm.WorkDir(),
		Extra:     extra,
		OnMetadata: func(title string, meta map[string]any) {
			ai.mm.UpdateToolBlock(UpdateToolBlockParams{ID: id, SubagentID: ai.subagentID})
		},
	}
	if opts.Abort != nil {
		toolCtx.AbortCh = opts.Abort.Done()
	}

	snapshotPath := ai.snapshotMutatingTool(messageID, name, params)

	result, execErr := t.Execute(ctx, inputJSON, toolCtx)

	ai.mm.SetFilesInContext(params)

	if snapshotPath != "" && ai.reversion != nil {
		if execErr != nil {
			ai.reversion.DiscardSnapshot(messageID, snapshotPath)
		} else if err := ai.reversion.CommitSnapshot(messageID, snapshotPath); err != nil {
			logging.Logger.Warn().Err(err).Str("path", snapshotPath).Msg("aimanager: commit snapshot failed")
		}
	}

	if execErr != nil {
		ai.mm.UpdateToolBlock(UpdateToolBlockParams{
			ID: id, Stage: types.ToolStageEnd, Error: errStr(execErr.Error()), SubagentID: ai.subagentID,
		})
	} else {
		ai.mm.UpdateToolBlock(UpdateToolBlockParams{
			ID: id, Stage: types.ToolStageEnd, Result: &result.Output, Images: attachmentURLs(result), SubagentID: ai.subagentID,
		})
	}

	// PostToolUse hooks: always advisory, inject stdout as a new message.
	if ai.hookMgr != nil {
		results := ai.hookMgr.Run(ctx, hook.PostToolUse, name, map[string]string{
			"WAVE_TOOL_NAME": name, "WAVE_SESSION_ID": sessionID,
		})
		outcome := hook.Interpret(hook.PostToolUse, results)
		if outcome.InjectText != "" {
			ai.mm.AddUserMessage(AddUserMessageParams{Content: outcome.InjectText, Source: types.SourceHook})
		}
	}
}

// snapshotMutatingTool records a pre-write snapshot for a mutating tool call
// (§4.10) and returns the path it snapshotted, or "" if name isn't a
// mutating tool, its path param is missing, or no ReversionManager is wired.
func (ai *AIManager) snapshotMutatingTool(messageID, name string, params map[string]any) string {
	if ai.reversion == nil {
		return ""
	}
	pathKey, ok := mutatingToolPaths[name]
	if !ok {
		return ""
	}
	path, ok := params[pathKey].(string)
	if !ok || path == "" {
		return ""
	}
	ai.reversion.Snapshot(messageID, path)
	return path
}

func attachmentURLs(result *tool.Result) []string {
	if result == nil || len(result.Attachments) == 0 {
		return nil
	}
	out := make([]string, len(result.Attachments))
	for i, a := range result.Attachments {
		out[i] = a.URL
	}
	return out
}

func bashCommandOf(params map[string]any) string {
	if v, ok := params["command"].(string); ok {
		return v
	}
	return ""
}

// abortOpenToolBlock marks the last assistant message's open (non-end) tool
// block, if any, as errored with "aborted" (§4.1 Abort semantics).
func (ai *AIManager) abortOpenToolBlock() {
	msgs := ai.mm.Messages()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	for _, b := range last.Blocks {
		tb, ok := b.(*types.ToolBlock)
		if !ok || tb.Stage == types.ToolStageEnd {
			continue
		}
		msg := "aborted"
		ai.mm.UpdateToolBlock(UpdateToolBlockParams{ID: tb.ID, Stage: types.ToolStageEnd, Error: &msg, SubagentID: ai.subagentID})
	}
}

// runStopHooks implements step 10: on loop completion, run Stop (or
// SubagentStop for a subagent) hooks; a blocking result restarts the loop
// from step 3 instead of terminating, bounded by maxRecursionDepth.
func (ai *AIManager) runStopHooks(ctx context.Context, opts SendOptions) {
	if ai.hookMgr == nil || opts.RecursionDepth >= maxRecursionDepth {
		return
	}
	ev := hook.Stop
	if ai.subagentID != nil {
		ev = hook.SubagentStop
	}
	results := ai.hookMgr.Run(ctx, ev, "", map[string]string{"WAVE_SESSION_ID": ai.mm.SessionID()})
	outcome := hook.Interpret(ev, results)
	if !outcome.Restart {
		return
	}
	ai.mm.AddUserMessage(AddUserMessageParams{Content: outcome.InjectText, Source: types.SourceHook})
	ai.Send(ctx, SendOptions{RecursionDepth: opts.RecursionDepth + 1, Abort: opts.Abort})
}

func (ai *AIManager) publishIdle() {
	event.PublishSync(event.Event{
		Type: event.SessionIdle,
		Data: event.SessionIdleData{SessionID: ai.mm.SessionID()},
	})
}

// buildSystemPrompt implements §4.1 step 2.
func (ai *AIManager) buildSystemPrompt() string {
	sess := &types.Session{ID: ai.mm.SessionID(), RootSessionID: ai.mm.RootSessionID(), Workdir: ai.mm.WorkDir()}
	sp := NewSystemPrompt(SystemPromptInput{
		Session:        sess,
		Agent:          ai.agent,
		ModelID:        ai.modelID,
		ProviderID:     ai.providerID,
		Language:       ai.language,
		PlanMode:       ai.planMode,
		PlanFilePath:   ai.planFilePath,
		AdditionalDirs: ai.additionalDirs,
	})
	return sp.Build()
}

// estimateTokens is the fallback estimator used when no usage record has
// been observed yet (§4.1 step 4: "from last usage or estimator"). It uses
// the conventional ~4-bytes-per-token rule of thumb.
func (ai *AIManager) estimateTokens(messages []*types.Message) int {
	if last := ai.mm.LatestTotalTokens(); last > 0 {
		return last
	}
	total := 0
	for _, m := range messages {
		for _, b := range m.Blocks {
			if tb, ok := b.(*types.TextBlock); ok {
				total += len(tb.Content) / 4
			}
		}
	}
	return total
}

// reasoningOf, usageOf and finishReasonOf read eino's ResponseMeta/Extra
// side channels defensively: different provider adapters populate them
// slightly differently, and a field's absence must never panic a turn.
func reasoningOf(msg *schema.Message) string {
	if msg == nil || msg.Extra == nil {
		return ""
	}
	if v, ok := msg.Extra["reasoning_content"].(string); ok {
		return v
	}
	return ""
}

func finishReasonOf(msg *schema.Message) string {
	if msg == nil || msg.ResponseMeta == nil {
		return ""
	}
	return msg.ResponseMeta.FinishReason
}

// usageOf reads eino's TokenUsage off a stream chunk. eino's schema.TokenUsage
// carries only prompt/completion/total counts; it has no cache-read or
// cache-creation breakdown, so types.Usage's cache fields stay nil here and
// invariant 3's total reduces to TotalTokens. A provider that surfaces cache
// accounting would need to expose it through a richer eino response type or
// CompletionRequest's own usage channel before this could populate them.
func usageOf(msg *schema.Message) *types.Usage {
	if msg == nil || msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return nil
	}
	u := msg.ResponseMeta.Usage
	return &types.Usage{TotalTokens: u.TotalTokens}
}
