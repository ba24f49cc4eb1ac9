//go:build linux

package kernelmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nexuscore/agentkernel/internal/apperrors"
	"github.com/nexuscore/agentkernel/internal/kernel"
	"github.com/nexuscore/agentkernel/internal/tools/sandbox/firecracker"
)

// FirecrackerBackend builds kernels backed by real Firecracker microVMs
// instead of local subprocesses, for callers who want kernel-level
// isolation. Every language shares one firecracker.VMPool, the teacher's
// warm-VM pool keyed by language, so repeated kernel creation reuses
// pre-booted microVMs instead of paying a full boot per kernel.
type FirecrackerBackend struct {
	images map[string]FirecrackerImage

	startOnce sync.Once
	startErr  error
	pool      *firecracker.VMPool
}

// NewFirecrackerBackend builds a FirecrackerBackend. images maps each
// supported language to its kernel/rootfs image pair; a language with no
// entry cannot be created via this backend. The underlying VM pool is
// built lazily, on the first NewInterpreter call, so constructing a
// FirecrackerBackend never requires a running firecracker binary.
func NewFirecrackerBackend(images map[string]FirecrackerImage) *FirecrackerBackend {
	return &FirecrackerBackend{images: images}
}

// ensureStarted builds and warms the VM pool exactly once.
func (b *FirecrackerBackend) ensureStarted(ctx context.Context) error {
	b.startOnce.Do(func() {
		poolCfg := firecracker.DefaultPoolConfig()
		poolCfg.RootFSImages = make(map[string]string, len(b.images))
		poolCfg.KernelPaths = make(map[string]string, len(b.images))
		for lang, img := range b.images {
			poolCfg.RootFSImages[lang] = img.RootFSPath
			poolCfg.KernelPaths[lang] = img.KernelPath
		}

		pool, err := firecracker.NewVMPool(poolCfg)
		if err != nil {
			b.startErr = fmt.Errorf("kernelmanager: building firecracker pool: %w", err)
			return
		}
		if err := pool.Start(ctx); err != nil {
			b.startErr = fmt.Errorf("kernelmanager: warming firecracker pool: %w", err)
			return
		}
		b.pool = pool
	})
	return b.startErr
}

// Close shuts down the backing VM pool, stopping every warm microVM. Safe
// to call even if no interpreter was ever created.
func (b *FirecrackerBackend) Close() error {
	if b.pool == nil {
		return nil
	}
	return b.pool.Close()
}

// NewInterpreter checks out a warm microVM for lang from the pool,
// creating one on demand if the pool has none idle.
func (b *FirecrackerBackend) NewInterpreter(ctx context.Context, lang string) (kernel.Interpreter, error) {
	if _, ok := b.images[lang]; !ok {
		return nil, fmt.Errorf("kernelmanager: no firecracker image configured for language %q", lang)
	}
	if err := b.ensureStarted(ctx); err != nil {
		return nil, err
	}

	vm, err := b.pool.Get(ctx, lang)
	if err != nil {
		return nil, err
	}

	return &firecrackerInterpreter{vm: vm, lang: lang, pool: b.pool}, nil
}

// firecrackerInterpreter adapts a running MicroVM's one-shot "execute this
// program" guest protocol to kernel.Interpreter's stateful Run contract.
// Since the guest agent has no notion of comms or code completion,
// Complete, Inspect, CommOpen, CommMsg and CommClose report "not supported"
// rather than silently no-op, so a caller attaching a Firecracker-backed
// kernel to a Jupyter-style frontend sees the limitation. CommInfo returns
// an empty map and IsComplete returns "unknown", both without an error.
type firecrackerInterpreter struct {
	vm   *firecracker.MicroVM
	lang string
	pool *firecracker.VMPool
	env  map[string]string
}

func (f *firecrackerInterpreter) SetEnv(env map[string]string) error {
	f.env = env
	return nil
}

func (f *firecrackerInterpreter) Run(ctx context.Context, code string, requestInput kernel.InputRequester) (*kernel.RunResult, error) {
	resp, err := f.vm.Vsock().Execute(ctx, f.prologue()+code, f.lang, "", nil, 0)
	if err != nil {
		return nil, err
	}
	f.vm.IncrementExecCount()

	if !resp.Success || resp.ExitCode != 0 {
		evalue := resp.Error
		if evalue == "" {
			evalue = resp.Stderr
		}
		return &kernel.RunResult{
			Status:    "error",
			EName:     "ExecutionError",
			EValue:    evalue,
			Traceback: []string{resp.Stderr},
		}, nil
	}

	if resp.Stdout == "" {
		return &kernel.RunResult{Status: "ok"}, nil
	}
	v := resp.Stdout
	return &kernel.RunResult{Status: "ok", Value: &v}, nil
}

// prologue renders env as a language-appropriate assignment block, since
// the guest agent protocol has no separate environment channel — SetEnv's
// values must ride along with the executed program itself.
func (f *firecrackerInterpreter) prologue() string {
	if len(f.env) == 0 {
		return ""
	}
	switch f.lang {
	case LangPython:
		out := "import os\n"
		for k, v := range f.env {
			out += fmt.Sprintf("os.environ[%q] = %q\n", k, v)
		}
		return out
	case LangTypeScript, LangJavaScript:
		out := ""
		for k, v := range f.env {
			out += fmt.Sprintf("process.env[%q] = %q;\n", k, v)
		}
		return out
	default:
		return ""
	}
}

func (f *firecrackerInterpreter) Complete(ctx context.Context, code string, cursorPos int) (interface{}, error) {
	return nil, apperrors.Domain("kernelmanager", "Complete", "code completion is not supported by the firecracker backend", nil)
}

func (f *firecrackerInterpreter) Inspect(ctx context.Context, code string, cursorPos int, detailLevel int) (interface{}, error) {
	return nil, apperrors.Domain("kernelmanager", "Inspect", "inspection is not supported by the firecracker backend", nil)
}

func (f *firecrackerInterpreter) IsComplete(ctx context.Context, code string) (string, error) {
	return "unknown", nil
}

func (f *firecrackerInterpreter) CommOpen(ctx context.Context, commID, target string, data map[string]json.RawMessage) error {
	return apperrors.Domain("kernelmanager", "CommOpen", "comms are not supported by the firecracker backend", nil)
}

func (f *firecrackerInterpreter) CommMsg(ctx context.Context, commID string, data map[string]json.RawMessage) error {
	return apperrors.Domain("kernelmanager", "CommMsg", "comms are not supported by the firecracker backend", nil)
}

func (f *firecrackerInterpreter) CommClose(ctx context.Context, commID string, data map[string]json.RawMessage) error {
	return apperrors.Domain("kernelmanager", "CommClose", "comms are not supported by the firecracker backend", nil)
}

func (f *firecrackerInterpreter) CommInfo(ctx context.Context, targetName string) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

// InterruptHook reports no cooperative hook: interrupting a Firecracker
// guest relies on the Kernel's shared interrupt-buffer branch instead,
// since the vsock protocol has no mid-execution signal channel.
func (f *firecrackerInterpreter) InterruptHook() (bool, func() bool) {
	return false, nil
}

// Close returns the microVM to the pool rather than stopping it outright:
// Put recycles VMs past their exec-count or uptime limit and otherwise
// resets and reuses them for the next kernel of the same language.
func (f *firecrackerInterpreter) Close() error {
	f.pool.Put(f.vm)
	return nil
}
