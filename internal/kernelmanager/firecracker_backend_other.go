//go:build !linux

package kernelmanager

import (
	"context"
	"fmt"
	"runtime"

	"github.com/nexuscore/agentkernel/internal/kernel"
)

// FirecrackerBackend is the non-linux stand-in for the real, firecracker-go-sdk-backed
// implementation in firecracker_backend.go. It exists so binaries built on
// darwin or windows still compile with a "firecracker" backend selectable in
// config; NewInterpreter simply reports the backend as unavailable.
type FirecrackerBackend struct{}

// NewFirecrackerBackend builds a FirecrackerBackend stub. images is accepted
// for API compatibility with the linux build but otherwise unused.
func NewFirecrackerBackend(images map[string]FirecrackerImage) *FirecrackerBackend {
	return &FirecrackerBackend{}
}

// NewInterpreter always fails: microVM isolation requires linux and KVM.
func (b *FirecrackerBackend) NewInterpreter(ctx context.Context, lang string) (kernel.Interpreter, error) {
	return nil, fmt.Errorf("kernelmanager: firecracker backend is not available on %s", runtime.GOOS)
}

// Close is a no-op; the stub never starts anything to shut down.
func (b *FirecrackerBackend) Close() error {
	return nil
}
