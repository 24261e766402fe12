package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
)

// Deterministic fault reason codes for a WASM task invocation, mirroring
// the taxonomy skill faults used before this engine was repurposed to run
// grid tasks instead of agent skills.
const (
	FaultTimeout        = "WASM_TIMEOUT"
	FaultMemoryExceeded = "WASM_MEMORY_EXCEEDED"
	FaultNoExport       = "WASM_NO_EXPORT"
	FaultExecError      = "WASM_FAULT"
)

// ExecFault is a structured error from a WASM task invocation.
type ExecFault struct {
	Reason string
	Detail string
}

func (e *ExecFault) Error() string { return fmt.Sprintf("%s: %s", e.Reason, e.Detail) }

// DefaultMemoryLimitPages caps a module at 160 pages (10MB); each WASM
// page is 64KB.
const DefaultMemoryLimitPages = 160

// DefaultInvokeTimeout bounds a single task's wall-clock execution time.
const DefaultInvokeTimeout = 30 * time.Second

// WASMConfig controls the sandbox's resource limits.
type WASMConfig struct {
	MemoryLimitPages uint32
	InvokeTimeout    time.Duration
}

// WASMExecutor runs a task's payload as the input to a WebAssembly
// module's exported entry point, under a wall-clock timeout and a
// page-limited memory cap.
type WASMExecutor struct {
	runtime       wazero.Runtime
	module        wazero.CompiledModule
	invokeTimeout time.Duration
}

// NewWASMExecutor compiles wasmBytes once; Execute instantiates a fresh
// module instance per call so concurrent tasks don't share linear memory.
func NewWASMExecutor(ctx context.Context, wasmBytes []byte, cfg WASMConfig) (*WASMExecutor, error) {
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = DefaultInvokeTimeout
	}
	if cfg.MemoryLimitPages <= 0 {
		cfg.MemoryLimitPages = DefaultMemoryLimitPages
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(cfg.MemoryLimitPages)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	module, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("agent: compile wasm module: %w", err)
	}
	return &WASMExecutor{runtime: runtime, module: module, invokeTimeout: cfg.InvokeTimeout}, nil
}

// Execute writes input into the instance's linear memory, invokes the
// first matching export, and reads the result back out.
func (e *WASMExecutor) Execute(ctx context.Context, input []byte) ([]byte, error) {
	invokeCtx, cancel := context.WithTimeout(ctx, e.invokeTimeout)
	defer cancel()

	instance, err := e.runtime.InstantiateModule(invokeCtx, e.module, wazero.NewModuleConfig())
	if err != nil {
		if fault := classifyFault(err); fault != nil {
			return nil, fault
		}
		return nil, fmt.Errorf("agent: instantiate wasm module: %w", err)
	}
	defer instance.Close(invokeCtx)

	mem := instance.Memory()
	if mem == nil {
		return nil, &ExecFault{Reason: FaultExecError, Detail: "module exports no memory"}
	}
	if !mem.Write(0, input) {
		return nil, &ExecFault{Reason: FaultMemoryExceeded, Detail: "input does not fit module memory"}
	}

	for _, fnName := range []string{"run", "Run", "execute", "main"} {
		fn := instance.ExportedFunction(fnName)
		if fn == nil {
			continue
		}
		results, err := fn.Call(invokeCtx, uint64(len(input)))
		if err != nil {
			if fault := classifyFault(err); fault != nil {
				return nil, fault
			}
			return nil, fmt.Errorf("agent: invoke %s: %w", fnName, err)
		}
		if len(results) == 0 {
			return nil, nil
		}
		outLen := uint32(results[0])
		out, ok := mem.Read(0, outLen)
		if !ok {
			return nil, &ExecFault{Reason: FaultMemoryExceeded, Detail: "result does not fit module memory"}
		}
		result := make([]byte, len(out))
		copy(result, out)
		return result, nil
	}
	return nil, &ExecFault{Reason: FaultNoExport, Detail: "no callable run/execute export found"}
}

// Close releases the runtime and every instance it still owns.
func (e *WASMExecutor) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

func classifyFault(err error) *ExecFault {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ExecFault{Reason: FaultTimeout, Detail: err.Error()}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &ExecFault{Reason: FaultTimeout, Detail: err.Error()}
	}
	if strings.Contains(err.Error(), "memory") {
		return &ExecFault{Reason: FaultMemoryExceeded, Detail: err.Error()}
	}
	return nil
}
