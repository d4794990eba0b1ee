// Package session implements the turn loop: MessageManager owns the
// append-only message journal for one conversation, and AIManager drives
// one turn of it - streaming a model completion, dispatching tool calls
// through the permission pipeline, and feeding results back until the
// model stops requesting tools.
//
// # Core Components
//
// ## MessageManager
//
// MessageManager is the session's message journal. It loads and persists
// through sessionstore.Store, and exposes mutation methods the turn loop
// calls as a response streams in:
//
//	mm := session.NewMessageManager(store, workDir, session.Callbacks{
//		OnMessageUpdated: func(msg *types.Message) { ... },
//	})
//	msg := mm.AddUserMessage(session.AddUserMessageParams{Text: "refactor this"})
//
// Resuming an existing session (including a forked/subagent session) uses
// session.Resume instead of NewMessageManager, so root-session bookkeeping
// carries over.
//
// ## AIManager
//
// AIManager runs one turn: it builds the system prompt, converts the
// journal to the model's wire format, streams the completion, and for
// every tool call the model requests, routes it through
// permission.Manager.Check before executing it via the tool registry.
//
//	ai := session.NewAIManager(session.AIManagerConfig{
//		Messages:    mm,
//		Providers:   providerReg,
//		Permissions: permission.NewManager(),
//		Hooks:       hookMgr,
//		Tools:       toolReg.Filtered(agent.ToolEnabled),
//		DoomLoop:    permission.NewDoomLoopDetector(),
//		Agent:       agent,
//		ModelID:     "claude-sonnet-4-20250514",
//		ProviderID:  "anthropic",
//		Mode:        permission.ModeDefault,
//		Ask:         askFn,
//	})
//	err := ai.Send(ctx, session.SendOptions{Text: "refactor this"})
//
// A turn ends when the model's response carries no further tool calls, the
// caller aborts via AbortHandle, or a tool/provider error propagates up.
//
// # Tool Dispatch
//
// Every tool call goes through dispatchTool, which:
//  1. builds a permission.CheckContext from the tool name/args and the
//     agent's policy;
//  2. calls permission.Manager.Check, which may block on Ask;
//  3. on approval, calls the tool's Execute and appends the result block;
//  4. on denial, appends an error block instead of running the tool.
//
// Model completion calls go through provider.CreateCompletionWithRetry,
// which retries transient network failures while establishing the stream
// but never retries mid-stream (output may already be journaled by then).
//
// # Context Management
//
// compact.go implements history compaction: when LatestTotalTokens
// approaches the model's context window, older messages are summarized
// into a single info block and the full messages are truncated out of the
// live thread (TruncateHistory), while the on-disk journal keeps every
// message for audit/resume.
//
// # Subagents
//
// internal/executor builds a child MessageManager/AIManager pair per Task
// tool call, under a root session id shared with the parent so
// SaveSession's tree stays queryable as one unit.
//
// # Integration Points
//
//   - internal/provider: model abstraction and completion streaming
//   - internal/tool: tool registry and execution
//   - internal/permission: the Check pipeline and doom-loop detection
//   - internal/hook: pre/post tool and stop hooks
//   - internal/sessionstore: the append-only on-disk journal
//   - internal/event: publishes message/session lifecycle events for SSE
package session
