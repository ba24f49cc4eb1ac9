package kernelmanager

import (
	"context"

	"github.com/nexuscore/agentkernel/internal/kernel"
)

// Adapter re-shapes Manager's CreateOptions-taking CreateKernel into the
// primitive-argument signature agentmanager.KernelManager expects, so that
// package can define its own consumer-side interface (per the REDESIGN
// FLAG on the untyped kernelManager_ dependency) without importing
// kernelmanager. Adapter satisfies that interface structurally; wiring it
// in is the composition root's job (cmd/agentkerneld), not either
// package's.
type Adapter struct {
	m *Manager
}

// NewAdapter wraps m for consumption by a primitive-argument KernelManager
// interface such as agentmanager.KernelManager.
func NewAdapter(m *Manager) *Adapter {
	return &Adapter{m: m}
}

// CreateKernel delegates to Manager.CreateKernel, repackaging the
// primitive arguments into a CreateOptions.
func (a *Adapter) CreateKernel(ctx context.Context, lang string, env map[string]*string, filesystem *kernel.FilesystemMount) (string, error) {
	return a.m.CreateKernel(ctx, CreateOptions{Lang: lang, Env: env, Filesystem: filesystem})
}

// GetKernel delegates to Manager.GetKernel.
func (a *Adapter) GetKernel(id string) (*kernel.Kernel, bool) {
	return a.m.GetKernel(id)
}

// DestroyKernel delegates to Manager.DestroyKernel.
func (a *Adapter) DestroyKernel(id string) error {
	return a.m.DestroyKernel(id)
}
