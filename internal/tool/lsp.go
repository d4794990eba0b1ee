package tool

import (
	"context"
	"encoding/json"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/waveterm-ai/wave/internal/lsp"
)

const lspDescription = `Queries language server intelligence for a file.

Operations:
- hover: type/doc info at a position
- definition: jump to a symbol's definition
- references: find all references to a symbol
- documentSymbol: list symbols declared in a file
- workspaceSymbol: search symbols across the workspace (query, no file/position needed)
- incomingCalls: find callers of the function/method at a position
- outgoingCalls: find functions/methods called from a position

line/character are zero-indexed, per the Language Server Protocol.`

// LSPTool exposes the LSP client's operations to the agentic loop as a
// single dispatch tool, mirroring how bash/edit expose one concern each.
type LSPTool struct {
	client *lsp.Client
}

// NewLSPTool creates a tool backed by an LSP client supervisor.
func NewLSPTool(client *lsp.Client) *LSPTool {
	return &LSPTool{client: client}
}

// LSPInput is the input for the LSP tool.
type LSPInput struct {
	Operation string `json:"operation"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
	Character int    `json:"character,omitempty"`
	Query     string `json:"query,omitempty"`
}

func (t *LSPTool) ID() string          { return "lsp" }
func (t *LSPTool) Description() string { return lspDescription }

func (t *LSPTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"operation": {
				"type": "string",
				"enum": ["hover", "definition", "references", "documentSymbol", "workspaceSymbol", "incomingCalls", "outgoingCalls"],
				"description": "Which LSP query to run"
			},
			"file": {
				"type": "string",
				"description": "Absolute path to the file (not needed for workspaceSymbol)"
			},
			"line": {
				"type": "integer",
				"description": "Zero-indexed line number"
			},
			"character": {
				"type": "integer",
				"description": "Zero-indexed character offset"
			},
			"query": {
				"type": "string",
				"description": "Search query (workspaceSymbol only)"
			}
		},
		"required": ["operation"]
	}`)
}

func (t *LSPTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params LSPInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	var (
		out any
		err error
	)

	switch params.Operation {
	case "hover":
		out, err = t.client.Hover(ctx, params.File, params.Line, params.Character)
	case "definition":
		out, err = t.client.Definition(ctx, params.File, params.Line, params.Character)
	case "references":
		out, err = t.client.References(ctx, params.File, params.Line, params.Character, true)
	case "documentSymbol":
		out, err = t.client.DocumentSymbol(ctx, params.File)
	case "workspaceSymbol":
		out, err = t.client.WorkspaceSymbol(ctx, params.Query)
	case "incomingCalls":
		out, err = t.client.IncomingCalls(ctx, params.File, params.Line, params.Character)
	case "outgoingCalls":
		out, err = t.client.OutgoingCalls(ctx, params.File, params.Line, params.Character)
	default:
		return nil, fmt.Errorf("unknown lsp operation: %s", params.Operation)
	}
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lsp result: %w", err)
	}

	return &Result{
		Title:  params.Operation,
		Output: string(data),
		Metadata: map[string]any{
			"operation": params.Operation,
			"file":      params.File,
		},
	}, nil
}

func (t *LSPTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
