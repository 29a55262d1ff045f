package ports

import "context"

// Step is one progress item yielded by the agent while working on a prompt.
type Step struct {
	Kind    EventKind
	Content string
}

// Agent is the external collaborator that actually works on a prompt. The
// executor calls it on a context independent of the request-serving loop and
// translates every yielded step 1:1 into an appended event.
//
// Call blocks until the run finishes. onStep is invoked from the calling
// goroutine for each intermediate step; implementations must not call it after
// returning. The returned string is the final artifact. A non-nil error marks
// the task failed; retry policy, if any, lives inside the agent.
type Agent interface {
	Call(ctx context.Context, prompt string, maxSteps int, onStep func(Step)) (string, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, prompt string, maxSteps int, onStep func(Step)) (string, error)

func (f AgentFunc) Call(ctx context.Context, prompt string, maxSteps int, onStep func(Step)) (string, error) {
	return f(ctx, prompt, maxSteps, onStep)
}
