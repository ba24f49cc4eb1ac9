// Package kernel implements the Kernel Runtime (C3): the state machine,
// event fan-out, input/interrupt protocol, and execution-result
// translation wrapped around an embedded Interpreter.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexuscore/agentkernel/internal/apperrors"
	"github.com/nexuscore/agentkernel/internal/eventbus"
	"github.com/nexuscore/agentkernel/pkg/kernelproto"
)

// Status is the Kernel's lifecycle state.
type Status int32

const (
	StatusUnknown Status = iota
	StatusInitializing
	StatusActive
	StatusBusy
	StatusTerminated
)

// String renders a Status for logging, mirroring the teacher's VMState.
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusActive:
		return "active"
	case StatusBusy:
		return "busy"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const sigintByte byte = 2

// InterruptCell is the single-byte shared-memory cell used by the
// interrupt protocol: the host writes sigintByte and polls for the
// interpreter to clear it back to zero.
type InterruptCell struct {
	v atomic.Uint32
}

// Write stores b into the cell.
func (c *InterruptCell) Write(b byte) { c.v.Store(uint32(b)) }

// Read returns the cell's current byte.
func (c *InterruptCell) Read() byte { return byte(c.v.Load()) }

// FilesystemMount describes an optional host-filesystem bind-mount passed
// to Initialize.
type FilesystemMount struct {
	Enabled    bool
	HostRoot   string
	GuestMount string
}

// InitOptions configures a call to Initialize. Env entries with a nil
// value are skipped with a warning, matching the spec's "null/undefined
// values are skipped" environment-injection rule.
type InitOptions struct {
	Filesystem *FilesystemMount
	Env        map[string]*string
}

type initFuture struct {
	done chan struct{}
	err  error
}

// Kernel is a single embedded-interpreter runtime (C3).
type Kernel struct {
	id          string
	interpreter Interpreter
	bus         *eventbus.Bus
	logger      *slog.Logger

	mu             sync.RWMutex
	status         Status
	initialized    bool
	executionCount int
	parentHeader   kernelproto.ParentHeader
	interruptCell  *InterruptCell

	initMu    sync.Mutex
	initState *initFuture

	inputMu      sync.Mutex
	pendingInput chan string

	streamMu   sync.Mutex
	streamSink chan<- kernelproto.Envelope
}

// ID returns the kernel's opaque identifier, assigned by the Kernel
// Manager that created it.
func (k *Kernel) ID() string { return k.id }

// Status returns the kernel's current lifecycle state.
func (k *Kernel) Status() Status {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.status
}

// IsInitialized reports whether Initialize has completed successfully.
func (k *Kernel) IsInitialized() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.initialized
}

// ExecutionCount returns the monotonically increasing count of
// expression results produced so far.
func (k *Kernel) ExecutionCount() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.executionCount
}

// Bus returns the kernel's own event bus, for wiring wildcard subscribers.
func (k *Kernel) Bus() *eventbus.Bus { return k.bus }

// Initialize is idempotent and serialized: concurrent callers observe a
// single in-flight initialization future, and once complete, further
// calls are no-ops. Grounded on the teacher's dynamic ModelCatalog promise
// dedup (catalogLoadState{done chan struct{}}).
func (k *Kernel) Initialize(ctx context.Context, opts *InitOptions) error {
	k.mu.RLock()
	already := k.initialized
	k.mu.RUnlock()
	if already {
		return nil
	}

	k.initMu.Lock()
	if k.initState != nil {
		future := k.initState
		k.initMu.Unlock()
		select {
		case <-future.done:
			return future.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	future := &initFuture{done: make(chan struct{})}
	k.initState = future
	k.initMu.Unlock()

	err := k.doInitialize(ctx, opts)

	k.initMu.Lock()
	future.err = err
	close(future.done)
	if err != nil {
		k.initState = nil
	}
	k.initMu.Unlock()

	return err
}

func (k *Kernel) doInitialize(ctx context.Context, opts *InitOptions) error {
	k.mu.Lock()
	k.status = StatusInitializing
	k.mu.Unlock()

	if opts != nil && len(opts.Env) > 0 {
		env := make(map[string]string, len(opts.Env))
		for key, val := range opts.Env {
			if val == nil {
				k.logger.Warn("kernel: skipping null environment value", "kernel", k.id, "key", key)
				continue
			}
			env[key] = *val
		}
		if err := k.interpreter.SetEnv(env); err != nil {
			k.mu.Lock()
			k.status = StatusUnknown
			k.mu.Unlock()
			return apperrors.Domain("kernel", "initialize", "failed to set environment", err)
		}
	}

	k.mu.Lock()
	k.status = StatusActive
	k.initialized = true
	k.mu.Unlock()

	k.emit(kernelproto.EventKernelReady, nil)
	return nil
}

// Execute ensures initialization, runs code to completion, and returns
// its success/result summary. Only one Execute may be in flight per
// kernel; a concurrent call returns an apperrors.ErrBusy error rather
// than queuing.
func (k *Kernel) Execute(ctx context.Context, code string, parent *kernelproto.ParentHeader) (kernelproto.ExecuteOutcome, error) {
	if err := k.Initialize(ctx, nil); err != nil {
		return kernelproto.ExecuteOutcome{}, err
	}

	k.mu.Lock()
	switch k.status {
	case StatusTerminated:
		k.mu.Unlock()
		return kernelproto.ExecuteOutcome{}, apperrors.New(apperrors.KindDomain, "kernel", "execute", "kernel is terminated", apperrors.ErrClosed)
	case StatusBusy:
		k.mu.Unlock()
		return kernelproto.ExecuteOutcome{}, apperrors.New(apperrors.KindDomain, "kernel", "execute", "an execute call is already in flight", apperrors.ErrBusy)
	}
	k.status = StatusBusy
	if parent != nil {
		k.parentHeader = *parent
	}
	k.mu.Unlock()

	k.emit(kernelproto.EventKernelBusy, nil)

	outcome := k.runOnce(ctx, code)

	k.mu.Lock()
	k.status = StatusActive
	k.mu.Unlock()
	k.emit(kernelproto.EventKernelIdle, nil)

	return outcome, nil
}

func (k *Kernel) runOnce(ctx context.Context, code string) kernelproto.ExecuteOutcome {
	result, err := k.interpreter.Run(ctx, code, k.requestInput)
	if err != nil {
		errData := &kernelproto.ExecuteErrorData{
			EName:     fmt.Sprintf("%T", err),
			EValue:    err.Error(),
			Traceback: []string{"No traceback available"},
		}
		k.emit(kernelproto.EventExecuteError, errData)
		return kernelproto.ExecuteOutcome{Success: false, Error: errData}
	}

	if result.Status == "error" {
		errData := &kernelproto.ExecuteErrorData{
			EName:     result.EName,
			EValue:    result.EValue,
			Traceback: result.Traceback,
		}
		if errData.EName == "KeyboardInterrupt" {
			k.emit(kernelproto.EventStream, kernelproto.StreamData{
				Name: "stderr",
				Text: fmt.Sprintf("KeyboardInterrupt: %s\n", errData.EValue),
			})
		}
		k.emit(kernelproto.EventExecuteError, errData)
		return kernelproto.ExecuteOutcome{Success: false, Error: errData}
	}

	if result.Value == nil {
		return kernelproto.ExecuteOutcome{Success: true}
	}

	k.mu.Lock()
	k.executionCount++
	count := k.executionCount
	k.mu.Unlock()

	resultData := &kernelproto.ExecuteResultData{
		ExecutionCount: count,
		Data: map[string]json.RawMessage{
			"text/plain": mustJSONString(*result.Value),
		},
		Metadata: map[string]json.RawMessage{},
	}
	k.emit(kernelproto.EventExecuteResult, resultData)
	return kernelproto.ExecuteOutcome{Success: true, Result: resultData}
}

// ExecuteStream produces a lazy, finite sequence of the events published
// during one Execute call, in publication order, terminating with the
// same success/result summary. The returned channels are closed once the
// call completes.
func (k *Kernel) ExecuteStream(ctx context.Context, code string, parent *kernelproto.ParentHeader) (<-chan kernelproto.Envelope, <-chan kernelproto.ExecuteOutcome) {
	events := make(chan kernelproto.Envelope, 64)
	outcome := make(chan kernelproto.ExecuteOutcome, 1)

	go func() {
		defer close(events)
		defer close(outcome)

		k.streamMu.Lock()
		k.streamSink = events
		k.streamMu.Unlock()
		defer func() {
			k.streamMu.Lock()
			k.streamSink = nil
			k.streamMu.Unlock()
		}()

		result, err := k.Execute(ctx, code, parent)
		if err != nil {
			outcome <- kernelproto.ExecuteOutcome{
				Success: false,
				Error:   &kernelproto.ExecuteErrorData{EName: "KernelError", EValue: err.Error()},
			}
			return
		}
		outcome <- result
	}()

	return events, outcome
}

// InputReply fulfills the most recent outstanding input request. If none
// is outstanding, the call is a no-op per the spec's single-slot protocol.
func (k *Kernel) InputReply(value string) {
	k.inputMu.Lock()
	ch := k.pendingInput
	k.pendingInput = nil
	k.inputMu.Unlock()

	if ch == nil {
		return
	}
	ch <- value
}

// requestInput is passed to the interpreter as the InputRequester. A
// second request while one is already pending is rejected rather than
// queued (see DESIGN.md's Open Question decision on this point).
func (k *Kernel) requestInput(ctx context.Context, prompt string, password bool) (string, error) {
	k.inputMu.Lock()
	if k.pendingInput != nil {
		k.inputMu.Unlock()
		return "", apperrors.New(apperrors.KindDomain, "kernel", "requestInput", "an input request is already pending", apperrors.ErrBusy)
	}
	ch := make(chan string, 1)
	k.pendingInput = ch
	k.inputMu.Unlock()

	k.emit(kernelproto.EventInputRequest, &kernelproto.InputRequestData{Prompt: prompt, Password: password})

	select {
	case value := <-ch:
		return value, nil
	case <-ctx.Done():
		k.inputMu.Lock()
		if k.pendingInput == ch {
			k.pendingInput = nil
		}
		k.inputMu.Unlock()
		return "", ctx.Err()
	}
}

// SetInterruptBuffer installs the shared-memory cell used by Interrupt's
// first-choice protocol.
func (k *Kernel) SetInterruptBuffer(cell *InterruptCell) {
	k.mu.Lock()
	k.interruptCell = cell
	k.mu.Unlock()
}

// Interrupt requests cancellation of the currently running Execute. It
// never blocks on that call: it either pokes the shared interrupt cell
// and waits briefly for acknowledgement, invokes the interpreter's
// cooperative hook, or synthesizes a KeyboardInterrupt event sequence.
func (k *Kernel) Interrupt() bool {
	k.mu.RLock()
	cell := k.interruptCell
	k.mu.RUnlock()

	if cell != nil {
		cell.Write(sigintByte)
		deadline := time.Now().Add(100 * time.Millisecond)
		for time.Now().Before(deadline) {
			if cell.Read() == 0 {
				return true
			}
			time.Sleep(5 * time.Millisecond)
		}
		return cell.Read() == 0
	}

	if supported, hook := k.interpreter.InterruptHook(); supported && hook != nil {
		return hook()
	}

	k.emit(kernelproto.EventStream, kernelproto.StreamData{
		Name: "stderr",
		Text: "KeyboardInterrupt: \n",
	})
	k.emit(kernelproto.EventExecuteError, &kernelproto.ExecuteErrorData{EName: "KeyboardInterrupt"})
	return true
}

// setup caches parent as the kernel's parent header, matching the spec's
// "each calls setup(parent) first" rule for pass-through delegations.
func (k *Kernel) setup(parent *kernelproto.ParentHeader) {
	if parent == nil {
		return
	}
	k.mu.Lock()
	k.parentHeader = *parent
	k.mu.Unlock()
}

// Complete delegates to the interpreter after caching parent.
func (k *Kernel) Complete(ctx context.Context, code string, cursorPos int, parent *kernelproto.ParentHeader) (interface{}, error) {
	k.setup(parent)
	return k.interpreter.Complete(ctx, code, cursorPos)
}

// Inspect delegates to the interpreter after caching parent.
func (k *Kernel) Inspect(ctx context.Context, code string, cursorPos, detailLevel int, parent *kernelproto.ParentHeader) (interface{}, error) {
	k.setup(parent)
	return k.interpreter.Inspect(ctx, code, cursorPos, detailLevel)
}

// IsComplete delegates to the interpreter after caching parent.
func (k *Kernel) IsComplete(ctx context.Context, code string, parent *kernelproto.ParentHeader) (string, error) {
	k.setup(parent)
	return k.interpreter.IsComplete(ctx, code)
}

// CommInfo delegates to the interpreter after caching parent.
func (k *Kernel) CommInfo(ctx context.Context, targetName string, parent *kernelproto.ParentHeader) (map[string]interface{}, error) {
	k.setup(parent)
	return k.interpreter.CommInfo(ctx, targetName)
}

// CommOpen delegates to the interpreter, caching parent first, and
// publishes a comm_open event on success.
func (k *Kernel) CommOpen(ctx context.Context, commID, target string, data map[string]json.RawMessage, parent *kernelproto.ParentHeader) error {
	k.setup(parent)
	if err := k.interpreter.CommOpen(ctx, commID, target, data); err != nil {
		return err
	}
	k.emit(kernelproto.EventCommOpen, &kernelproto.CommData{CommID: commID, Target: target, Data: data})
	return nil
}

// CommMsg delegates to the interpreter, caching parent first, and
// publishes a comm_msg event on success.
func (k *Kernel) CommMsg(ctx context.Context, commID string, data map[string]json.RawMessage, parent *kernelproto.ParentHeader) error {
	k.setup(parent)
	if err := k.interpreter.CommMsg(ctx, commID, data); err != nil {
		return err
	}
	k.emit(kernelproto.EventCommMsg, &kernelproto.CommData{CommID: commID, Data: data})
	return nil
}

// CommClose delegates to the interpreter, caching parent first, and
// publishes a comm_close event on success.
func (k *Kernel) CommClose(ctx context.Context, commID string, data map[string]json.RawMessage, parent *kernelproto.ParentHeader) error {
	k.setup(parent)
	if err := k.interpreter.CommClose(ctx, commID, data); err != nil {
		return err
	}
	k.emit(kernelproto.EventCommClose, &kernelproto.CommData{CommID: commID, Data: data})
	return nil
}

// Terminate transitions the kernel to StatusTerminated and closes its
// interpreter. Idempotent.
func (k *Kernel) Terminate() error {
	k.mu.Lock()
	if k.status == StatusTerminated {
		k.mu.Unlock()
		return nil
	}
	k.status = StatusTerminated
	k.mu.Unlock()

	err := k.interpreter.Close()
	k.emit(kernelproto.EventKernelTerminated, nil)
	return err
}

// emit publishes eventType on the kernel's bus and, if an ExecuteStream
// call is currently in flight, forwards the same envelope to its sink.
func (k *Kernel) emit(eventType kernelproto.EventType, data interface{}) {
	k.bus.Emit(eventType, data)

	k.streamMu.Lock()
	sink := k.streamSink
	k.streamMu.Unlock()
	if sink == nil {
		return
	}
	envelope := kernelproto.Envelope{Type: eventType, Data: data}
	select {
	case sink <- envelope:
	default:
		k.logger.Warn("kernel: executeStream consumer too slow, dropping event", "kernel", k.id, "type", eventType)
	}
}

func mustJSONString(s string) json.RawMessage {
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return b
}
