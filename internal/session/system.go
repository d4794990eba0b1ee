package session

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/waveterm-ai/wave/pkg/types"
)

// SystemPromptInput carries everything AIManager.send step 2 needs to
// assemble the system prompt: base prompt, language, memory, plan mode,
// and additional directories.
type SystemPromptInput struct {
	Session            *types.Session
	Agent              *Agent
	ModelID            string
	ProviderID          string
	Language            string // empty means "no # Language section"
	PlanMode            bool
	PlanFilePath        string
	AdditionalDirs      []string
}

// SystemPrompt builds the system prompt for the LLM following §4.1 step 2:
// base prompt, optional # Language section, combined memory, optional
// plan-mode reminder, optional additional-directories notice.
type SystemPrompt struct {
	in SystemPromptInput
}

// NewSystemPrompt creates a new system prompt builder.
func NewSystemPrompt(in SystemPromptInput) *SystemPrompt {
	return &SystemPrompt{in: in}
}

// Build constructs the complete system prompt by concatenating, in order:
// base prompt, # Language section, combined memory, plan-mode reminder,
// additional-directories notice.
func (s *SystemPrompt) Build() string {
	var parts []string

	if header := s.providerHeader(); header != "" {
		parts = append(parts, header)
	}
	if s.in.Agent != nil && s.in.Agent.Prompt != "" {
		parts = append(parts, s.in.Agent.Prompt)
	}
	if modelPrompt := s.modelPrompt(); modelPrompt != "" {
		parts = append(parts, modelPrompt)
	}
	if lang := s.languageSection(); lang != "" {
		parts = append(parts, lang)
	}

	parts = append(parts, s.environmentContext())

	if rules := s.loadCustomRules(); rules != "" {
		parts = append(parts, rules)
	}

	if toolInstructions := s.toolInstructions(); toolInstructions != "" {
		parts = append(parts, toolInstructions)
	}

	if reminder := s.planModeReminder(); reminder != "" {
		parts = append(parts, reminder)
	}

	if notice := s.additionalDirsNotice(); notice != "" {
		parts = append(parts, notice)
	}

	return strings.Join(parts, "\n\n")
}

// languageSection returns the optional # Language section. Per §4.1 step 2
// it must include the technical-terms-preserved clause so a configured
// non-English reply language doesn't corrupt identifiers, paths, or
// command output the model quotes back.
func (s *SystemPrompt) languageSection() string {
	if s.in.Language == "" {
		return ""
	}
	return fmt.Sprintf(`# Language

Respond to the user in %s. Keep technical terms — identifiers, file paths, command names, error messages, and code — in their original form; do not translate them.`, s.in.Language)
}

// planModeReminder returns the plan-mode reminder, whose contents depend
// on whether the plan file already exists on disk (§4.1 step 2).
func (s *SystemPrompt) planModeReminder() string {
	if !s.in.PlanMode {
		return ""
	}
	if s.in.PlanFilePath == "" {
		return "# Plan Mode\n\nYou are in plan mode: investigate and describe an approach, but do not edit files or run mutating commands yet."
	}
	if _, err := os.Stat(s.in.PlanFilePath); err == nil {
		return fmt.Sprintf("# Plan Mode\n\nYou are in plan mode. A plan file already exists at %s — read it before proposing changes, and keep it updated as the plan evolves.", s.in.PlanFilePath)
	}
	return fmt.Sprintf("# Plan Mode\n\nYou are in plan mode. Write your plan to %s as you develop it; it does not exist yet.", s.in.PlanFilePath)
}

// additionalDirsNotice lists the extra directories outside workdir the
// safe zone also covers (§4.2 rule 3's safe-zone definition).
func (s *SystemPrompt) additionalDirsNotice() string {
	if len(s.in.AdditionalDirs) == 0 {
		return ""
	}
	return "# Additional Directories\n\nThe following directories are also in scope beyond the working directory:\n- " + strings.Join(s.in.AdditionalDirs, "\n- ")
}

// providerHeader returns the provider-specific system header.
func (s *SystemPrompt) providerHeader() string {
	switch s.in.ProviderID {
	case "anthropic":
		return `You are Claude, an AI assistant made by Anthropic. You are helpful, harmless, and honest.

IMPORTANT: You have access to tools that can read, write, and execute commands on the user's computer. Use them responsibly.`

	case "openai":
		return `You are a helpful AI assistant with access to tools for reading, writing, and executing commands.

Use tools responsibly and follow user instructions carefully.`

	case "google":
		return `You are a helpful AI assistant with tool access.

You can read files, write code, and execute commands to help the user.`

	default:
		return ""
	}
}

// modelPrompt returns model-specific instructions.
func (s *SystemPrompt) modelPrompt() string {
	switch {
	case strings.Contains(s.in.ModelID, "claude"):
		return `When using tools, be decisive and take action. Don't ask for confirmation unless absolutely necessary.

For file operations:
- Read files before editing to understand context
- Make minimal, focused changes
- Preserve existing code style and formatting`

	case strings.Contains(s.in.ModelID, "gpt"):
		return `When working with files:
- Always read files before making changes
- Make precise, targeted edits
- Follow existing code conventions`

	case strings.Contains(s.in.ModelID, "gemini"):
		return `For code tasks:
- Examine existing code structure first
- Make minimal necessary changes
- Maintain code style consistency`

	default:
		return ""
	}
}

// environmentContext returns environment information.
func (s *SystemPrompt) environmentContext() string {
	var env strings.Builder

	env.WriteString("# Environment Information\n\n")

	workDir := ""
	if s.in.Session != nil {
		workDir = s.in.Session.Workdir
	}
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	env.WriteString(fmt.Sprintf("Working Directory: %s\n", workDir))
	env.WriteString(fmt.Sprintf("Current Date: %s\n", time.Now().Format("2006-01-02")))
	env.WriteString(fmt.Sprintf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH))

	if branch := s.getGitBranch(workDir); branch != "" {
		env.WriteString(fmt.Sprintf("Git Branch: %s\n", branch))
	}
	if projectType := s.detectProjectType(workDir); projectType != "" {
		env.WriteString(fmt.Sprintf("Project Type: %s\n", projectType))
	}

	return env.String()
}

// loadCustomRules loads combined memory (project + user rules) from
// well-known locations — AGENTS.md / CLAUDE.md style files — folding them
// into the "combined memory" piece of §4.1 step 2.
func (s *SystemPrompt) loadCustomRules() string {
	workDir := ""
	if s.in.Session != nil {
		workDir = s.in.Session.Workdir
	}
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	locations := []string{
		filepath.Join(workDir, "AGENTS.md"),
		filepath.Join(workDir, "CLAUDE.md"),
		filepath.Join(workDir, ".wave", "rules.md"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, ".config", "wave", "rules.md"))
	}

	var combined []string
	for _, loc := range locations {
		if content, err := os.ReadFile(loc); err == nil && len(content) > 0 {
			combined = append(combined, string(content))
		}
	}
	if len(combined) == 0 {
		return ""
	}
	return "# Project & User Memory\n\n" + strings.Join(combined, "\n\n---\n\n")
}

// toolInstructions returns general tool usage guidelines.
func (s *SystemPrompt) toolInstructions() string {
	return `# Tool Usage Guidelines

1. **File Operations**
   - Use the Read tool before editing files
   - Use Edit for surgical changes, Write for new files
   - Always provide absolute paths

2. **Bash Commands**
   - Prefer built-in tools over bash when possible
   - Include a description for every bash command
   - Handle errors gracefully

3. **Search**
   - Use Glob for file discovery
   - Use Grep for content search
   - Be specific with patterns to avoid noise

4. **Best Practices**
   - Work iteratively, verify changes work
   - Don't modify files you haven't read
   - Explain your reasoning before acting`
}

// getGitBranch returns the current git branch.
func (s *SystemPrompt) getGitBranch(dir string) string {
	if dir == "" {
		return ""
	}
	cmd := exec.Command("git", "branch", "--show-current")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// detectProjectType detects the project type from files.
func (s *SystemPrompt) detectProjectType(dir string) string {
	if dir == "" {
		return ""
	}
	indicators := map[string][]string{
		"Node.js": {"package.json"},
		"Python":  {"pyproject.toml", "setup.py", "requirements.txt"},
		"Go":      {"go.mod"},
		"Rust":    {"Cargo.toml"},
		"Java":    {"pom.xml", "build.gradle"},
		"Ruby":    {"Gemfile"},
		"PHP":     {"composer.json"},
		"Elixir":  {"mix.exs"},
	}
	for projectType, files := range indicators {
		for _, pattern := range files {
			matches, _ := filepath.Glob(filepath.Join(dir, pattern))
			if len(matches) > 0 {
				return projectType
			}
		}
	}
	return ""
}
