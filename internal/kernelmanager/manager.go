// Package kernelmanager is the factory and owner of Kernel Runtimes,
// keyed by an opaque id the Agent Manager never parses.
package kernelmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nexuscore/agentkernel/internal/apperrors"
	"github.com/nexuscore/agentkernel/internal/eventbus"
	"github.com/nexuscore/agentkernel/internal/kernel"
)

// Supported kernel languages, matching the strings accepted by createKernel.
const (
	LangPython     = "python"
	LangTypeScript = "typescript"
	LangJavaScript = "javascript"
)

func validLang(lang string) bool {
	switch lang {
	case LangPython, LangTypeScript, LangJavaScript:
		return true
	default:
		return false
	}
}

// CreateOptions mirrors the kernel options record passed to createKernel:
// {lang, env?, filesystem?}.
type CreateOptions struct {
	Lang       string
	Env        map[string]*string
	Filesystem *kernel.FilesystemMount
}

// Backend constructs the interpreter backend for a given language. Two
// concrete backends are provided: SubprocessBackend (default, always
// available) and, on linux, FirecrackerBackend.
type Backend interface {
	NewInterpreter(ctx context.Context, lang string) (kernel.Interpreter, error)
}

// Manager owns the set of live kernels, handing out opaque ids and
// destroying kernels idempotently. Grounded on sandbox/pool.go's Pool:
// a single struct guarding a map behind a mutex, with a pluggable backend
// taking the place of Pool's per-language executor construction.
type Manager struct {
	mu          sync.RWMutex
	kernels     map[string]*kernel.Kernel
	backend     Backend
	bus         *eventbus.Bus
	logger      *slog.Logger
	listenerCap int
	closed      bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackend overrides the default SubprocessBackend.
func WithBackend(b Backend) Option {
	return func(m *Manager) { m.backend = b }
}

// WithBus supplies the event bus kernels created by this Manager will
// publish on; if unset, each kernel gets its own bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithListenerCap overrides the per-kernel-bus listener warning threshold
// used when no shared bus is supplied.
func WithListenerCap(n int) Option {
	return func(m *Manager) { m.listenerCap = n }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New builds a Manager. With no WithBackend option, kernels are backed by
// subprocess interpreters using SubprocessBackend's default commands.
func New(opts ...Option) *Manager {
	m := &Manager{kernels: make(map[string]*kernel.Kernel)}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.backend == nil {
		m.backend = NewSubprocessBackend()
	}
	return m
}

// CreateKernel builds a kernel for the requested language, initializes it
// with the given env/filesystem, and returns its opaque id. The kernel is
// left ACTIVE and ready for Execute; a failed Initialize tears the
// interpreter down and returns the error rather than leaving an orphaned
// kernel registered under an id nobody can use.
func (m *Manager) CreateKernel(ctx context.Context, opts CreateOptions) (string, error) {
	if !validLang(opts.Lang) {
		return "", apperrors.Validation("kernelmanager", "CreateKernel", fmt.Sprintf("unsupported kernel language %q", opts.Lang))
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return "", apperrors.New(apperrors.KindDomain, "kernelmanager", "CreateKernel", "kernel manager is closed", apperrors.ErrClosed)
	}

	interp, err := m.backend.NewInterpreter(ctx, opts.Lang)
	if err != nil {
		return "", apperrors.New(apperrors.KindDomain, "kernelmanager", "CreateKernel", "failed to start interpreter", err)
	}

	id := uuid.New().String()
	kopts := []kernel.Option{kernel.WithID(id), kernel.WithInterpreter(interp), kernel.WithLogger(m.logger)}
	if m.bus != nil {
		kopts = append(kopts, kernel.WithBus(m.bus))
	} else if m.listenerCap > 0 {
		kopts = append(kopts, kernel.WithListenerCap(m.listenerCap))
	}
	k := kernel.New(kopts...)

	if err := k.Initialize(ctx, &kernel.InitOptions{Filesystem: opts.Filesystem, Env: opts.Env}); err != nil {
		_ = k.Terminate()
		return "", err
	}

	m.mu.Lock()
	m.kernels[id] = k
	m.mu.Unlock()

	return id, nil
}

// GetKernel returns the kernel registered under id, or false if none is.
func (m *Manager) GetKernel(id string) (*kernel.Kernel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kernels[id]
	return k, ok
}

// DestroyKernel terminates and unregisters the kernel under id. It is
// idempotent: an unknown or already-destroyed id is not an error.
func (m *Manager) DestroyKernel(id string) error {
	m.mu.Lock()
	k, ok := m.kernels[id]
	if ok {
		delete(m.kernels, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return k.Terminate()
}

// Count returns the number of live kernels, for stats/health reporting.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.kernels)
}

// Close destroys every live kernel and marks the Manager closed to new
// CreateKernel calls.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	kernels := make([]*kernel.Kernel, 0, len(m.kernels))
	for _, k := range m.kernels {
		kernels = append(kernels, k)
	}
	m.kernels = make(map[string]*kernel.Kernel)
	m.mu.Unlock()

	var firstErr error
	for _, k := range kernels {
		if err := k.Terminate(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
