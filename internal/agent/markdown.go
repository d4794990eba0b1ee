package agent

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/waveterm-ai/wave/internal/logging"
)

const frontmatterDelimiter = "---"

// markdownFrontmatter is the YAML header of an agent markdown file. Its
// fields mirror AgentConfig's JSON shape so both sources merge onto Agent
// the same way.
type markdownFrontmatter struct {
	Description string          `yaml:"description"`
	Mode        Mode            `yaml:"mode"`
	Model       string          `yaml:"model"`
	Temperature float64         `yaml:"temperature"`
	TopP        float64         `yaml:"top_p"`
	Color       string          `yaml:"color"`
	Tools       map[string]bool `yaml:"tools"`
}

// LoadFromMarkdownDir loads subagent definitions from *.md files in dir,
// each a YAML frontmatter block followed by the agent's system prompt.
// The agent's name is the file's basename without extension. Missing dir
// is not an error: it simply contributes no agents.
func (r *Registry) LoadFromMarkdownDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read agent dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		agent, err := parseAgentMarkdown(path)
		if err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("skipping malformed agent markdown file")
			continue
		}
		r.Register(agent)
	}
	return nil
}

// parseAgentMarkdown reads one agent markdown file into an *Agent.
func parseAgentMarkdown(path string) (*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var fm markdownFrontmatter
	if err := yaml.Unmarshal(frontmatter, &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if fm.Description == "" {
		return nil, fmt.Errorf("description is required")
	}

	name := strings.TrimSuffix(filepath.Base(path), ".md")
	mode := fm.Mode
	if mode == "" {
		mode = ModeSubagent
	}

	agent := &Agent{
		Name:        name,
		Description: fm.Description,
		Mode:        mode,
		BuiltIn:     false,
		Tools:       fm.Tools,
		Temperature: fm.Temperature,
		TopP:        fm.TopP,
		Color:       fm.Color,
		Prompt:      strings.TrimSpace(string(body)),
	}
	if fm.Model != "" {
		if providerID, modelID, ok := strings.Cut(fm.Model, "/"); ok {
			agent.Model = &ModelRef{ProviderID: providerID, ModelID: modelID}
		}
	}
	return agent, nil
}

// splitFrontmatter separates the leading "---"-delimited YAML block from
// the markdown body that follows it.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var fmLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		fmLines = append(fmLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyBuf bytes.Buffer
	for scanner.Scan() {
		bodyBuf.WriteString(scanner.Text())
		bodyBuf.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	return []byte(strings.Join(fmLines, "\n")), bodyBuf.Bytes(), nil
}
