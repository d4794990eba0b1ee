package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_BypassPermissionsAllowsEverything(t *testing.T) {
	m := NewManager()
	d := m.Check(context.Background(), CheckContext{ToolName: "Bash", Mode: ModeBypassPermissions})
	assert.True(t, d.Allow)
}

func TestCheck_SafePrimitivesInDefaultMode(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	cc := CheckContext{
		ToolName: "Bash", Mode: ModeDefault, WorkDir: "/work",
		ToolInput: map[string]any{"command": "ls && pwd && true"},
	}
	d := m.Check(ctx, cc)
	assert.True(t, d.Allow, d.Message)
}

func TestCheck_AcceptEditsInsideSafeZone(t *testing.T) {
	m := NewManager()
	cc := CheckContext{
		ToolName: "Edit", Mode: ModeAcceptEdits, WorkDir: "/work",
		ToolInput: map[string]any{"file_path": "/work/sub/file.go"},
	}
	d := m.Check(context.Background(), cc)
	assert.True(t, d.Allow)
}

func TestCheck_AcceptEditsOutsideSafeZoneDenies(t *testing.T) {
	m := NewManager()
	cc := CheckContext{
		ToolName: "Edit", Mode: ModeAcceptEdits, WorkDir: "/work",
		ToolInput: map[string]any{"file_path": "/etc/passwd"},
	}
	d := m.Check(context.Background(), cc)
	assert.False(t, d.Allow)
}

func TestCheck_UnrestrictedToolAlwaysAllowed(t *testing.T) {
	m := NewManager()
	d := m.Check(context.Background(), CheckContext{ToolName: "Read", Mode: ModeDefault})
	assert.True(t, d.Allow)
}

func TestCheck_TemporaryRuleAllowsUnconditionally(t *testing.T) {
	m := NewManager()
	m.InstallTemporaryRules([]string{"Write"})
	defer m.RemoveTemporaryRules([]string{"Write"})

	d := m.Check(context.Background(), CheckContext{
		ToolName: "Write", Mode: ModeDefault,
		ToolInput: map[string]any{"file_path": "/anywhere/x"},
	})
	assert.True(t, d.Allow)
}

func TestCheck_AskCallbackInvokedOnFallthrough(t *testing.T) {
	m := NewManager()
	var called bool
	ask := func(ctx context.Context, req Request) Decision {
		called = true
		return Decision{Allow: true}
	}
	d := m.Check(context.Background(), CheckContext{ToolName: "Write", Mode: ModeDefault, Ask: ask})
	require.True(t, called)
	assert.True(t, d.Allow)
}

func TestCheck_NoCallbackDeniesWithApprovalMessage(t *testing.T) {
	m := NewManager()
	d := m.Check(context.Background(), CheckContext{ToolName: "Write", Mode: ModeDefault})
	assert.False(t, d.Allow)
	assert.Contains(t, d.Message, "requires approval")
}

func TestCheck_PlanModeDeniesEditOutsidePlanFile(t *testing.T) {
	m := NewManager()
	cc := CheckContext{
		ToolName: "Edit", Mode: ModePlan, PlanFilePath: "/p.md",
		ToolInput: map[string]any{"file_path": "/x.ts"},
	}
	d := m.Check(context.Background(), cc)
	assert.False(t, d.Allow)
}

func TestExpandBashRule_SafePrimitivesYieldEmptyRules(t *testing.T) {
	rules := ExpandBashRule("ls && pwd", "/work")
	assert.Empty(t, rules)
}

func TestExpandBashRule_KnownSafeSubcommandGetsPrefixRule(t *testing.T) {
	rules := ExpandBashRule("npm install lodash", "/work")
	require.Len(t, rules, 1)
	assert.True(t, rules[0].IsPrefix)
	assert.Equal(t, "npm install", rules[0].Arg)
}

func TestParseRule_PrefixVsExact(t *testing.T) {
	r, err := ParseRule("Bash(git commit:*)")
	require.NoError(t, err)
	assert.True(t, r.IsPrefix)
	assert.Equal(t, "git commit", r.Arg)

	r2, err := ParseRule("Edit(/tmp/file.txt)")
	require.NoError(t, err)
	assert.False(t, r2.IsPrefix)
}
