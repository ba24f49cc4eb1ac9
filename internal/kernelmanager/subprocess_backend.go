package kernelmanager

import (
	"context"
	"fmt"

	"github.com/nexuscore/agentkernel/internal/kernel"
)

// SubprocessBackend is the default Backend: every kernel is a child process
// speaking the length-prefixed JSON protocol kernel.SubprocessInterpreter
// implements. Grounded on sandbox/pool.go's createExecutor switch, reworked
// from a Docker/Firecracker choice to a per-language command table.
type SubprocessBackend struct {
	commands map[string][]string
}

// SubprocessOption configures a SubprocessBackend.
type SubprocessOption func(*SubprocessBackend)

// WithCommand overrides the child-process command used for lang.
func WithCommand(lang string, argv ...string) SubprocessOption {
	return func(b *SubprocessBackend) { b.commands[lang] = argv }
}

// defaultCommands are the conventional interpreters for each supported
// language; callers running in an environment without these binaries on
// PATH should override them via WithCommand.
func defaultCommands() map[string][]string {
	return map[string][]string{
		LangPython:     {"python3", "-u", "-m", "agentkernel.shim"},
		LangTypeScript: {"node", "--loader", "ts-node/esm", "agentkernel-shim.ts"},
		LangJavaScript: {"node", "agentkernel-shim.js"},
	}
}

// NewSubprocessBackend builds a SubprocessBackend with the conventional
// per-language commands, optionally overridden.
func NewSubprocessBackend(opts ...SubprocessOption) *SubprocessBackend {
	b := &SubprocessBackend{commands: defaultCommands()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewInterpreter starts the child process configured for lang and wraps it
// as a kernel.Interpreter.
func (b *SubprocessBackend) NewInterpreter(ctx context.Context, lang string) (kernel.Interpreter, error) {
	argv, ok := b.commands[lang]
	if !ok || len(argv) == 0 {
		return nil, fmt.Errorf("kernelmanager: no subprocess command configured for language %q", lang)
	}
	return kernel.NewSubprocessInterpreter(ctx, argv[0], argv[1:]...)
}
