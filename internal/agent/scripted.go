// Package agent provides stand-in implementations of the external agent
// collaborator. The real executor (LLM calls, SQL, browser automation) lives
// outside this module; these implementations keep the server runnable and the
// executor testable without it.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskstream/internal/server/ports"
)

// ScriptedAgent replays a fixed sequence of steps and then returns a fixed
// result or error. Used by tests and as a deterministic demo backend.
type ScriptedAgent struct {
	Steps  []ports.Step
	Result string
	Err    error

	// StepDelay inserts a pause before each step, simulating slow tool calls.
	StepDelay time.Duration
}

func (a *ScriptedAgent) Call(ctx context.Context, prompt string, maxSteps int, onStep func(ports.Step)) (string, error) {
	steps := a.Steps
	if maxSteps > 0 && len(steps) > maxSteps {
		steps = steps[:maxSteps]
	}
	for _, step := range steps {
		if a.StepDelay > 0 {
			select {
			case <-time.After(a.StepDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		onStep(step)
	}
	if a.Err != nil {
		return "", a.Err
	}
	return a.Result, nil
}

// NewEchoAgent returns an agent that narrates a short think/tool/step sequence
// and echoes the prompt back as its artifact. It is the default backend when
// the server runs without a real agent attached.
func NewEchoAgent(stepDelay time.Duration) ports.Agent {
	return ports.AgentFunc(func(ctx context.Context, prompt string, maxSteps int, onStep func(ports.Step)) (string, error) {
		script := []ports.Step{
			{Kind: ports.EventThink, Content: fmt.Sprintf("analyzing prompt: %s", prompt)},
			{Kind: ports.EventTool, Content: "Executing tool: echo"},
			{Kind: ports.EventStep, Content: "step 1 finished"},
			{Kind: ports.EventLog, Content: "no further work needed"},
		}
		if maxSteps > 0 && len(script) > maxSteps {
			script = script[:maxSteps]
		}
		for _, step := range script {
			if stepDelay > 0 {
				select {
				case <-time.After(stepDelay):
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			onStep(step)
		}
		return fmt.Sprintf("echo: %s", strings.TrimSpace(prompt)), nil
	})
}
