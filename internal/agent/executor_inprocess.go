package agent

import "context"

// InProcessExecutor runs a registered Go function directly in the agent's
// own process, no isolation. Used by tests and by deployments that trust
// their workload code.
type InProcessExecutor struct {
	fn func(ctx context.Context, input []byte) ([]byte, error)
}

// NewInProcessExecutor wraps fn as an Executor.
func NewInProcessExecutor(fn func(ctx context.Context, input []byte) ([]byte, error)) *InProcessExecutor {
	return &InProcessExecutor{fn: fn}
}

func (e *InProcessExecutor) Execute(ctx context.Context, input []byte) ([]byte, error) {
	return e.fn(ctx, input)
}
