package types

import "encoding/json"

// Block is the sum type both the renderer and SessionStore understand. Every
// concrete block type satisfies this interface so that heterogeneous block
// slices can be walked, serialized, and folded into a session without a type
// switch at every call site.
type Block interface {
	BlockType() string
}

// ToolStage is the lifecycle stage of a ToolBlock.
type ToolStage string

const (
	ToolStageStart   ToolStage = "start"
	ToolStageRunning ToolStage = "running"
	ToolStageEnd     ToolStage = "end"
)

// TextBlock is assistant prose, streamed by chunks via
// MessageManager.UpdateCurrentMessageContent.
type TextBlock struct {
	Content string `json:"content"`
}

func (b *TextBlock) BlockType() string { return "text" }

// ReasoningBlock is chain-of-thought content. It shares the streaming
// contract of TextBlock but lives on a distinct channel so a renderer can
// fold it away by default.
type ReasoningBlock struct {
	Content string `json:"content"`
}

func (b *ReasoningBlock) BlockType() string { return "reasoning" }

// ToolBlock represents one tool call. ID is stable across stage updates —
// it is how MessageManager.UpdateToolBlock locates the block to merge into.
type ToolBlock struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Stage      ToolStage      `json:"stage"`
	Result     *string        `json:"result,omitempty"`
	Error      *string        `json:"error,omitempty"`
	Images     []string       `json:"images,omitempty"`
}

func (b *ToolBlock) BlockType() string { return "tool" }

// CompressBlock summarizes elided history. It is always the first block of
// a child session created by compression (invariant 5).
type CompressBlock struct {
	Content string `json:"content"`
}

func (b *CompressBlock) BlockType() string { return "compress" }

// ErrorBlock is a synthetic failure notice (model error, truncation,
// unexpected hook failure).
type ErrorBlock struct {
	Content string `json:"content"`
}

func (b *ErrorBlock) BlockType() string { return "error" }

// InfoBlock is a transient system notice (hook stdout injection, state
// warnings) with no bearing on turn-loop control flow.
type InfoBlock struct {
	Content string `json:"content"`
}

func (b *InfoBlock) BlockType() string { return "info" }

// SubagentBlock is a placeholder in the parent's message stream for a
// nested conversation. Status and LastTools mirror the child instance as it
// progresses; see SubagentSupervisor.
type SubagentBlock struct {
	SubagentID    string         `json:"subagentID"`
	Name          string         `json:"name"`
	SessionID     string         `json:"sessionID"`
	Configuration map[string]any `json:"configuration,omitempty"`
	Status        string         `json:"status"` // initializing | active | completed | error | aborted
	Parameters    map[string]any `json:"parameters,omitempty"`
	LastTools     []string       `json:"lastTools,omitempty"`
}

func (b *SubagentBlock) BlockType() string { return "subagent" }

// FileHistoryEntry is one snapshot reference surfaced to the model inside a
// FileHistoryBlock.
type FileHistoryEntry struct {
	Path      string `json:"path"`
	MessageID string `json:"messageID"`
	Existed   bool   `json:"existed"`
}

// FileHistoryBlock surfaces snapshot references taken by ReversionManager.
type FileHistoryBlock struct {
	Entries []FileHistoryEntry `json:"entries"`
}

func (b *FileHistoryBlock) BlockType() string { return "file_history" }

// rawBlock is the wire envelope used only to read the discriminator before
// dispatching to the concrete type.
type rawBlock struct {
	Type string `json:"type"`
}

// blockEnvelope is how a Block is actually written to the journal: the
// discriminator plus the concrete fields flattened alongside it.
type blockEnvelope struct {
	Type string `json:"type"`
	*blockFields
}

// blockFields is a union of every concrete block's fields, used only as an
// intermediate unmarshal target.
type blockFields struct {
	Content       string             `json:"content,omitempty"`
	ID            string             `json:"id,omitempty"`
	Name          string             `json:"name,omitempty"`
	Parameters    map[string]any     `json:"parameters,omitempty"`
	Stage         ToolStage          `json:"stage,omitempty"`
	Result        *string            `json:"result,omitempty"`
	Error         *string            `json:"error,omitempty"`
	Images        []string           `json:"images,omitempty"`
	SubagentID    string             `json:"subagentID,omitempty"`
	SessionID     string             `json:"sessionID,omitempty"`
	Configuration map[string]any     `json:"configuration,omitempty"`
	Status        string             `json:"status,omitempty"`
	LastTools     []string           `json:"lastTools,omitempty"`
	Entries       []FileHistoryEntry `json:"entries,omitempty"`
}

// MarshalBlock serializes a Block with its type discriminator.
func MarshalBlock(b Block) ([]byte, error) {
	env := blockEnvelope{Type: b.BlockType(), blockFields: &blockFields{}}
	switch v := b.(type) {
	case *TextBlock:
		env.Content = v.Content
	case *ReasoningBlock:
		env.Content = v.Content
	case *CompressBlock:
		env.Content = v.Content
	case *ErrorBlock:
		env.Content = v.Content
	case *InfoBlock:
		env.Content = v.Content
	case *ToolBlock:
		env.ID, env.Name, env.Parameters = v.ID, v.Name, v.Parameters
		env.Stage, env.Result, env.Error, env.Images = v.Stage, v.Result, v.Error, v.Images
	case *SubagentBlock:
		env.SubagentID, env.Name, env.SessionID = v.SubagentID, v.Name, v.SessionID
		env.Configuration, env.Status, env.Parameters = v.Configuration, v.Status, v.Parameters
		env.LastTools = v.LastTools
	case *FileHistoryBlock:
		env.Entries = v.Entries
	default:
		return nil, &UnknownBlockTypeError{Type: b.BlockType()}
	}
	return json.Marshal(env)
}

// UnmarshalBlock reads a JSON object back into the concrete Block type its
// "type" discriminator names. Unknown types round-trip as an InfoBlock
// carrying the raw content so that forward-compatible readers never drop
// data outright (see §6 "readers tolerant of unknown fields").
func UnmarshalBlock(data []byte) (Block, error) {
	var raw rawBlock
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	var f blockFields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	switch raw.Type {
	case "text":
		return &TextBlock{Content: f.Content}, nil
	case "reasoning":
		return &ReasoningBlock{Content: f.Content}, nil
	case "tool":
		return &ToolBlock{
			ID: f.ID, Name: f.Name, Parameters: f.Parameters,
			Stage: f.Stage, Result: f.Result, Error: f.Error, Images: f.Images,
		}, nil
	case "compress":
		return &CompressBlock{Content: f.Content}, nil
	case "error":
		return &ErrorBlock{Content: f.Content}, nil
	case "info":
		return &InfoBlock{Content: f.Content}, nil
	case "subagent":
		return &SubagentBlock{
			SubagentID: f.SubagentID, Name: f.Name, SessionID: f.SessionID,
			Configuration: f.Configuration, Status: f.Status,
			Parameters: f.Parameters, LastTools: f.LastTools,
		}, nil
	case "file_history":
		return &FileHistoryBlock{Entries: f.Entries}, nil
	default:
		return &InfoBlock{Content: string(data)}, nil
	}
}

// UnknownBlockTypeError marks a Block implementation MarshalBlock does not
// recognize — only reachable for block types added to the interface without
// a matching MarshalBlock case.
type UnknownBlockTypeError struct {
	Type string
}

func (e *UnknownBlockTypeError) Error() string {
	return "types: unknown block type " + e.Type
}

// Blocks is a slice of Block with its own JSON (de)serialization so it can
// be embedded directly in Message without every call site hand-rolling a
// loop over MarshalBlock/UnmarshalBlock.
type Blocks []Block

func (bs Blocks) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, len(bs))
	for i, b := range bs {
		data, err := MarshalBlock(b)
		if err != nil {
			return nil, err
		}
		raw[i] = data
	}
	return json.Marshal(raw)
}

func (bs *Blocks) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Blocks, 0, len(raw))
	for _, r := range raw {
		b, err := UnmarshalBlock(r)
		if err != nil {
			return err
		}
		out = append(out, b)
	}
	*bs = out
	return nil
}
