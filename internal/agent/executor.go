package agent

import "context"

// Executor runs a task's opaque payload and returns its opaque output. The
// contract is bytes -> bytes regardless of where the work actually runs.
type Executor interface {
	Execute(ctx context.Context, input []byte) ([]byte, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, input []byte) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, input []byte) ([]byte, error) {
	return f(ctx, input)
}
