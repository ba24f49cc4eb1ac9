package kernel

import (
	"context"
	"encoding/json"
	"sync"
)

// InputRequester is invoked by an Interpreter when interpreted code calls
// input()/getpass(). It blocks until the Kernel's single-slot input reply
// is fulfilled, ctx is cancelled, or a second concurrent request is
// rejected by the Kernel.
type InputRequester func(ctx context.Context, prompt string, password bool) (string, error)

// RunResult is the host-native translation of one Run call's outcome,
// prior to the Kernel's execute_result/execute_error event translation.
type RunResult struct {
	// Status is "ok" or "error".
	Status string

	// Value is the stringified last-expression value. Nil means the
	// expression produced no displayable value (statement, or the
	// interpreter's unit/None sentinel).
	Value *string

	// EName/EValue/Traceback are populated when Status == "error".
	EName     string
	EValue    string
	Traceback []string
}

// Interpreter is the embedded language runtime a Kernel drives. A Kernel
// owns exactly one Interpreter and never runs two Run calls concurrently
// against it.
type Interpreter interface {
	// SetEnv installs environment variables before any user code runs.
	SetEnv(env map[string]string) error

	// Run executes code to completion. requestInput is invoked by the
	// interpreter whenever running code blocks on input()/getpass(); it
	// may be nil if the interpreter can guarantee code will not call it.
	Run(ctx context.Context, code string, requestInput InputRequester) (*RunResult, error)

	// Complete, Inspect, and IsComplete back the Kernel's pass-through
	// delegations of the same name.
	Complete(ctx context.Context, code string, cursorPos int) (interface{}, error)
	Inspect(ctx context.Context, code string, cursorPos int, detailLevel int) (interface{}, error)
	IsComplete(ctx context.Context, code string) (string, error)

	// CommOpen, CommMsg, CommClose, and CommInfo back the Kernel's comm
	// protocol delegations.
	CommOpen(ctx context.Context, commID, target string, data map[string]json.RawMessage) error
	CommMsg(ctx context.Context, commID string, data map[string]json.RawMessage) error
	CommClose(ctx context.Context, commID string, data map[string]json.RawMessage) error
	CommInfo(ctx context.Context, targetName string) (map[string]interface{}, error)

	// InterruptHook reports whether the interpreter exposes a cooperative
	// interrupt entry point and, if so, returns it. The Kernel calls the
	// returned function only when no interrupt buffer is installed.
	InterruptHook() (supported bool, interrupt func() bool)

	// Close releases interpreter resources. Idempotent.
	Close() error
}

// MockInterpreter is a test double implementing Interpreter with
// programmable behavior. Its zero value echoes the submitted code back as
// the result value, which is enough for wiring tests; set RunFunc for
// scenario-specific behavior.
type MockInterpreter struct {
	mu sync.Mutex

	// RunFunc overrides the default echo behavior of Run.
	RunFunc func(ctx context.Context, code string, requestInput InputRequester) (*RunResult, error)

	// interruptFunc, if set via SetInterruptHook, is returned as the
	// cooperative interrupt entry point.
	interruptFunc func() bool

	lastEnv map[string]string
	closed  bool
}

// NewMockInterpreter returns a ready-to-use MockInterpreter.
func NewMockInterpreter() *MockInterpreter {
	return &MockInterpreter{}
}

// SetEnv records env for later inspection by tests.
func (m *MockInterpreter) SetEnv(env map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEnv = env
	return nil
}

// LastEnv returns the most recent environment passed to SetEnv.
func (m *MockInterpreter) LastEnv() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEnv
}

// Run delegates to RunFunc if set, else echoes code as the result value.
func (m *MockInterpreter) Run(ctx context.Context, code string, requestInput InputRequester) (*RunResult, error) {
	m.mu.Lock()
	fn := m.RunFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, code, requestInput)
	}
	v := code
	return &RunResult{Status: "ok", Value: &v}, nil
}

// Complete always reports no completions.
func (m *MockInterpreter) Complete(ctx context.Context, code string, cursorPos int) (interface{}, error) {
	return nil, nil
}

// Inspect always reports nothing found.
func (m *MockInterpreter) Inspect(ctx context.Context, code string, cursorPos int, detailLevel int) (interface{}, error) {
	return nil, nil
}

// IsComplete always reports the code is syntactically complete.
func (m *MockInterpreter) IsComplete(ctx context.Context, code string) (string, error) {
	return "complete", nil
}

// CommOpen is a no-op success.
func (m *MockInterpreter) CommOpen(ctx context.Context, commID, target string, data map[string]json.RawMessage) error {
	return nil
}

// CommMsg is a no-op success.
func (m *MockInterpreter) CommMsg(ctx context.Context, commID string, data map[string]json.RawMessage) error {
	return nil
}

// CommClose is a no-op success.
func (m *MockInterpreter) CommClose(ctx context.Context, commID string, data map[string]json.RawMessage) error {
	return nil
}

// CommInfo always reports no open comms.
func (m *MockInterpreter) CommInfo(ctx context.Context, targetName string) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

// SetInterruptHook installs a cooperative interrupt function for tests
// exercising the "interpreter hook" branch of Kernel.Interrupt.
func (m *MockInterpreter) SetInterruptHook(fn func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interruptFunc = fn
}

// InterruptHook returns the function installed via SetInterruptHook, if any.
func (m *MockInterpreter) InterruptHook() (bool, func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.interruptFunc == nil {
		return false, nil
	}
	return true, m.interruptFunc
}

// Close marks the mock closed.
func (m *MockInterpreter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockInterpreter) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
