// Package provider provides LLM provider abstraction using Eino framework.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/waveterm-ai/wave/pkg/types"
)

// Provider represents an LLM provider with Eino ChatModel.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the list of available models.
	Models() []types.Model

	// ChatModel returns the Eino ChatModel for this provider.
	ChatModel() model.ToolCallingChatModel

	// CreateCompletion creates a streaming completion.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []*schema.Message `json:"messages"`
	Tools       []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens   int               `json:"maxTokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	TopP        float64           `json:"topP,omitempty"`
	StopWords   []string          `json:"stopWords,omitempty"`
}

// CompletionStream wraps an Eino stream reader.
type CompletionStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// NewCompletionStream creates a new completion stream.
func NewCompletionStream(reader *schema.StreamReader[*schema.Message]) *CompletionStream {
	return &CompletionStream{reader: reader}
}

// Recv receives the next message chunk from the stream.
func (s *CompletionStream) Recv() (*schema.Message, error) {
	return s.reader.Recv()
}

// Close closes the stream.
func (s *CompletionStream) Close() {
	s.reader.Close()
}

// maxCompletionRetries bounds retries in CreateCompletionWithRetry; a
// provider that never recovers should surface its error rather than stall
// the turn loop indefinitely.
const maxCompletionRetries = 3

// CreateCompletionWithRetry calls prov.CreateCompletion, retrying with
// exponential backoff on transient network errors (connection failures and
// timeouts) encountered while establishing the stream. It
// does not retry once a stream has started: a mid-stream error surfaces
// straight to the caller since partial output has already been journaled.
func CreateCompletionWithRetry(ctx context.Context, prov Provider, req *CompletionRequest) (*CompletionStream, error) {
	var (
		stream *CompletionStream
		err    error
	)

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxCompletionRetries)
	op := func() error {
		stream, err = prov.CreateCompletion(ctx, req)
		if err != nil && !isRetryableCompletionError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if retryErr := backoff.Retry(op, backoff.WithContext(bo, ctx)); retryErr != nil {
		return nil, retryErr
	}
	return stream, nil
}

// isRetryableCompletionError reports whether a provider error is worth a
// retry: network-level failures and timeouts, not the provider rejecting
// the request outright.
func isRetryableCompletionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, http.ErrHandlerTimeout)
}

// ToolInfo represents a tool definition for the LLM.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ConvertToEinoTools converts internal tool definitions to Eino format.
func ConvertToEinoTools(tools []ToolInfo) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		// Parse parameters from JSON schema
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = parseJSONSchemaToParams(t.Parameters)
		}

		result[i] = &schema.ToolInfo{
			Name: t.Name,
			Desc: t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

// parseJSONSchemaToParams converts JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

// ConvertFromEinoMessage converts an Eino message into an empty internal
// Message shell (caller fills in blocks as the response streams in).
func ConvertFromEinoMessage(msg *schema.Message, sessionID string) *types.Message {
	role := types.RoleAssistant
	if msg.Role == schema.User {
		role = types.RoleUser
	}

	return &types.Message{
		SessionID: sessionID,
		Role:      role,
	}
}

// ConvertToEinoMessages converts the in-memory Block-based conversation into
// Eino's wire shape: text/reasoning blocks fold into message content, and a
// tool block on an assistant message becomes an outgoing ToolCall plus, once
// it carries a result or error, a tool-role result message keyed by the
// originating call id.
func ConvertToEinoMessages(messages []*types.Message) []*schema.Message {
	result := make([]*schema.Message, 0, len(messages))

	for _, msg := range messages {
		role := schema.Assistant
		if msg.Role == types.RoleUser {
			role = schema.User
		}

		var content strings.Builder
		var toolCalls []schema.ToolCall
		var toolResults []*schema.Message

		for _, b := range msg.Blocks {
			switch blk := b.(type) {
			case *types.TextBlock:
				content.WriteString(blk.Content)
			case *types.ReasoningBlock:
				// reasoning is not echoed back on the wire
			case *types.ToolBlock:
				if msg.Role == types.RoleAssistant {
					inputJSON, _ := json.Marshal(blk.Parameters)
					toolCalls = append(toolCalls, schema.ToolCall{
						ID: blk.ID,
						Function: schema.FunctionCall{
							Name:      blk.Name,
							Arguments: string(inputJSON),
						},
					})
					if blk.Result != nil || blk.Error != nil {
						resultContent := ""
						if blk.Result != nil {
							resultContent = *blk.Result
						} else {
							resultContent = "Error: " + *blk.Error
						}
						toolResults = append(toolResults, &schema.Message{
							Role:       schema.Tool,
							Content:    resultContent,
							ToolCallID: blk.ID,
						})
					}
				}
			}
		}

		einoMsg := &schema.Message{
			Role:      role,
			Content:   content.String(),
			ToolCalls: toolCalls,
		}
		result = append(result, einoMsg)
		result = append(result, toolResults...)
	}

	return result
}
