package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/timzinin/andry/internal/llm"
)

// promptScaffold frames every agent invocation. The persona and task text
// come from configuration; the input section is supplied by the caller.
const promptScaffold = `You are {{.Role}}.

{{.Backstory}}

Your goal: {{.Goal}}

## Task
{{.Description}}

Expected output: {{.ExpectedOutput}}
`

// Agent is one LLM-backed capability provider. It executes a single task
// with a fixed persona; the concrete model is chosen by tier.
type Agent struct {
	name string
	role RoleConfig
	task TaskConfig

	client llm.Client
	tier   llm.ModelTier
}

// New creates an agent from the named role and task configs.
func New(name, roleName, taskName string, client llm.Client, tier llm.ModelTier) (*Agent, error) {
	role, err := roleFor(roleName)
	if err != nil {
		return nil, err
	}
	task, err := taskFor(taskName)
	if err != nil {
		return nil, err
	}

	return &Agent{
		name:   name,
		role:   role,
		task:   task,
		client: client,
		tier:   tier,
	}, nil
}

// Name returns the agent's stage name.
func (a *Agent) Name() string {
	return a.name
}

// Execute runs the agent's task against promptContext, with the outputs of
// earlier stages forwarded as context. Returns the model's raw text.
func (a *Agent) Execute(ctx context.Context, promptContext string, prior []string) (string, error) {
	prompt := a.buildPrompt(promptContext, prior)

	out, err := a.client.GenerateContent(ctx, prompt, a.tier)
	if err != nil {
		return "", fmt.Errorf("agent %s: %w", a.name, err)
	}
	return out, nil
}

// buildPrompt assembles persona, task, forwarded context and input.
func (a *Agent) buildPrompt(promptContext string, prior []string) string {
	var sb strings.Builder

	sb.WriteString(Format(promptScaffold, map[string]string{
		"Role":           strings.TrimSpace(a.role.Role),
		"Backstory":      strings.TrimSpace(a.role.Backstory),
		"Goal":           strings.TrimSpace(a.role.Goal),
		"Description":    strings.TrimSpace(a.task.Description),
		"ExpectedOutput": strings.TrimSpace(a.task.ExpectedOutput),
	}))

	if len(prior) > 0 {
		sb.WriteString("\n## Context from previous steps\n")
		for i, p := range prior {
			sb.WriteString(fmt.Sprintf("\n--- context %d ---\n", i+1))
			sb.WriteString(strings.TrimSpace(p))
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n## Input\n")
	sb.WriteString(promptContext)
	sb.WriteString("\n")

	return sb.String()
}

// NewTestCrew builds the three providers for the generation pipeline:
// analyzer, writer, validator. Writing tests gets the advanced tier; the
// bookend stages run on the standard tier.
func NewTestCrew(client llm.Client) (analyzer, writer, validator *Agent, err error) {
	analyzer, err = New("analyze", "code_analyzer", "analyze_code", client, llm.TierStandard)
	if err != nil {
		return nil, nil, nil, err
	}
	writer, err = New("write_tests", "test_writer", "write_tests", client, llm.TierAdvanced)
	if err != nil {
		return nil, nil, nil, err
	}
	validator, err = New("validate", "test_validator", "validate_tests", client, llm.TierStandard)
	if err != nil {
		return nil, nil, nil, err
	}
	return analyzer, writer, validator, nil
}
