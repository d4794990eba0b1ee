package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/waveterm-ai/wave/internal/session"
	"github.com/waveterm-ai/wave/pkg/types"
)

var (
	runModel   string
	runAgent   string
	runSession string
	runDir     string
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Run a single headless turn",
	Long: `Run a single headless turn against the agent and print its reply.

Examples:
  wave run "Fix the bug in main.go"
  wave run --agent plan "Where is the retry logic?"
  wave run --session <id> "continue from here"`,
	RunE: runOneShot,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model to use (provider/model format)")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent to use (default: build)")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session ID to continue")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Working directory")
}

func runOneShot(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	message := strings.Join(args, " ")
	if message == "" {
		return fmt.Errorf("message required. Usage: wave run \"your message\"")
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, workDir)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer rt.close()

	var sess *types.Session
	if runSession != "" {
		sess, err = rt.store.LoadSession(workDir, runSession)
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", runSession, err)
		}
	}

	agentOverride, modelOverride := runAgent, runModel
	expanded, ok := rt.commands.Expand(ctx, message)
	if ok {
		message = expanded.Prompt
		if agentOverride == "" {
			agentOverride = expanded.Agent
		}
		if modelOverride == "" {
			modelOverride = expanded.Model
		}
	}

	loop, err := rt.newSession(sess, agentOverride, modelOverride)
	if err != nil {
		return err
	}
	defer rt.unregisterSession(loop.mm.SessionID())

	loop.mm.AddUserMessage(session.AddUserMessageParams{Content: message, Source: types.SourceUser})

	fmt.Fprintf(os.Stderr, "session %s\n", loop.mm.SessionID())

	if err := loop.ai.Send(ctx, session.SendOptions{Abort: loop.abort}); err != nil {
		return fmt.Errorf("turn failed: %w", err)
	}

	messages := loop.mm.Messages()
	for _, msg := range messages {
		if msg.Role != types.RoleAssistant {
			continue
		}
		for _, block := range msg.Blocks {
			if tb, ok := block.(*types.TextBlock); ok {
				fmt.Println(tb.Content)
			}
		}
	}
	return nil
}
