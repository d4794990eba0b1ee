package tool

import (
	"sync"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/waveterm-ai/wave/internal/agent"
	"github.com/waveterm-ai/wave/internal/logging"
	"github.com/waveterm-ai/wave/internal/lsp"
	"github.com/waveterm-ai/wave/internal/storage"
	"github.com/waveterm-ai/wave/internal/tasklist"
)

// Registry manages tool registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	workDir string
	storage *storage.Storage
}

// NewRegistry creates a new tool registry.
func NewRegistry(workDir string, store *storage.Storage) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		workDir: workDir,
		storage: store,
	}
}

// Storage returns the storage instance.
func (r *Registry) Storage() *storage.Storage {
	return r.storage
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logging.Logger.Debug().Str("tool", tool.ID()).Msg("registering tool")
	r.tools[tool.ID()] = tool
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	return tool, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	return tools
}

// IDs returns all tool IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}

// EinoTools returns Eino-compatible tools.
func (r *Registry) EinoTools() []einotool.BaseTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]einotool.BaseTool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t.EinoTool())
	}
	return tools
}

// ToolInfos returns Eino tool infos for all tools.
func (r *Registry) ToolInfos() ([]*schema.ToolInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*schema.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		params := parseJSONSchemaToParams(t.Parameters())
		infos = append(infos, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos, nil
}

// DefaultRegistry creates a registry with all built-in tools. taskListReg
// backs the todowrite/todoread tools' shared TaskManager (§4.6/§4.7).
func DefaultRegistry(workDir string, store *storage.Storage, taskListReg *tasklist.Registry) *Registry {
	logging.Logger.Debug().Str("workDir", workDir).Msg("creating default tool registry")
	r := NewRegistry(workDir, store)

	// Register core tools
	r.Register(NewReadTool(workDir))
	r.Register(NewWriteTool(workDir))
	r.Register(NewEditTool(workDir))
	r.Register(NewBashTool(workDir))
	r.Register(NewGlobTool(workDir))
	r.Register(NewGrepTool(workDir))
	r.Register(NewListTool(workDir))
	r.Register(NewWebFetchTool(workDir))

	// Register todo tools
	r.Register(NewTodoWriteTool(workDir, taskListReg))
	r.Register(NewTodoReadTool(workDir, taskListReg))

	// Register batch tool for parallel execution
	r.Register(NewBatchTool(workDir, r))

	// Note: TaskTool requires agent registry, register separately using RegisterTaskTool

	logging.Logger.Debug().Int("count", len(r.tools)).Strs("tools", r.IDs()).Msg("default tool registry ready")
	return r
}

// Filtered returns a new Registry sharing this one's workDir/storage but
// containing only the tools enabled(toolID) accepts — used by
// SubagentSupervisor to scope a child's ToolManager to its agent's
// declared tool list (§4.6).
func (r *Registry) Filtered(enabled func(toolID string) bool) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := NewRegistry(r.workDir, r.storage)
	for id, t := range r.tools {
		if enabled(id) {
			out.tools[id] = t
		}
	}
	return out
}

// RegisterTaskTool registers the task tool with the given agent registry.
// This must be called separately after the agent registry is available.
func (r *Registry) RegisterTaskTool(agentReg *agent.Registry) {
	taskTool := NewTaskTool(r.workDir, agentReg)
	r.Register(taskTool)
	logging.Logger.Debug().Msg("registered task tool with agent registry")
}

// RegisterLSPTool registers the LSP query tool backed by an already-started
// LSP client supervisor. Called separately since the client's lifecycle is
// owned by the caller (it spawns language server subprocesses).
func (r *Registry) RegisterLSPTool(client *lsp.Client) {
	r.Register(NewLSPTool(client))
	logging.Logger.Debug().Msg("registered lsp tool")
}

// SetTaskExecutor sets the executor for the task tool.
// This enables actual subagent execution instead of placeholder responses.
func (r *Registry) SetTaskExecutor(executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool, ok := r.tools["task"]; ok {
		if taskTool, ok := tool.(*TaskTool); ok {
			taskTool.SetExecutor(executor)
			logging.Logger.Debug().Msg("task executor configured")
		}
	}
}
