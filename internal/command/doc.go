// Package command implements the slash-command expansion step the run
// entrypoint calls on a raw "/name args" line before it ever reaches
// MessageManager.AddUserMessage: it resolves the command, expands its
// template against the parsed arguments, and hands back the prompt text
// (plus any agent/model override) the entrypoint should send instead.
//
// # Command Sources
//
// Commands can be loaded from two sources:
//
//  1. Configuration files: Commands defined in wave's configuration
//  2. Markdown files: Commands stored as .md files in .wave/command/
//
// # Command Structure
//
// Each command consists of:
//   - Name: Unique identifier for the command
//   - Description: Human-readable description of what the command does
//   - Template: The template string that will be executed with variable substitution
//   - Agent: Optional agent to use for execution
//   - Model: Optional model to use for execution
//   - Subtask: Whether this command represents a subtask
//
// # Template System
//
// Commands use Go templates with additional support for simple variable substitution:
//
//   - ${variable} syntax for variable expansion
//   - $variable syntax for simple variable references
//   - $1, $2, ... for positional arguments
//   - $input for the full input string
//   - --name=value or --name value for named arguments
//
// # Template Context
//
// Templates have access to:
//   - args: Map of parsed arguments
//   - input: The raw input string
//   - vars: Configured prompt variables
//   - env: Environment variables
//   - workDir: Current working directory
//   - Custom template functions (env, default, trim, upper, lower, etc.)
//
// # Markdown Command Format
//
// Markdown commands can include YAML frontmatter:
//
//	---
//	description: Run tests
//	agent: test-agent
//	model: claude-3
//	subtask: true
//	---
//	Run tests for ${1} package
//
// # Built-in Commands
//
// The package provides several built-in commands:
//   - help: Show available commands and help information
//   - clear: Clear the current conversation
//   - compact: Compact the conversation to save context
//   - reset: Reset the session to its initial state
//   - undo: Undo the last message
//   - share: Share the current session
//   - export: Export the conversation
//
// A line that isn't a registered command (or doesn't start with "/" at
// all) passes through Expand unchanged, so free-form messages that happen
// to start with a slash (a path, for instance) are never mistaken for a
// command.
package command