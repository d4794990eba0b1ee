package tool

import (
	"context"
	"encoding/json"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"

	"github.com/waveterm-ai/wave/internal/tasklist"
)

const todoreadDescription = `Use this tool to read your todo list`

// TodoReadTool reads the current task list for a session from the shared
// TaskManager registry.
type TodoReadTool struct {
	workDir  string
	registry *tasklist.Registry
}

// NewTodoReadTool creates a new todoread tool.
func NewTodoReadTool(workDir string, registry *tasklist.Registry) *TodoReadTool {
	return &TodoReadTool{workDir: workDir, registry: registry}
}

func (t *TodoReadTool) ID() string          { return "todoread" }
func (t *TodoReadTool) Description() string { return todoreadDescription }

func (t *TodoReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {},
		"required": []
	}`)
}

func (t *TodoReadTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	todos := t.registry.Get(listIDFor(toolCtx)).List()

	nonCompleted := 0
	for _, todo := range todos {
		if todo.Status != tasklist.StatusCompleted {
			nonCompleted++
		}
	}

	output, _ := json.MarshalIndent(todos, "", "  ")
	return &Result{
		Title:  fmt.Sprintf("%d todos", nonCompleted),
		Output: string(output),
		Metadata: map[string]any{
			"todos": todos,
		},
	}, nil
}

func (t *TodoReadTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
